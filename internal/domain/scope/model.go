package scope

import (
	"slices"
	"time"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

// Unit is a row of the scope_node table: one hospital group, hospital, care
// site or department.
type Unit struct {
	ID          string   `db:"id" json:"id"`
	Name        string   `db:"name" json:"name"`
	Quantity    int      `db:"quantity" json:"quantity"`
	AccessLevel *string  `db:"access_level" json:"access_level,omitempty"`
	UnitType    *string  `db:"unit_type" json:"unit_type,omitempty"`
	ParentID    *string  `db:"parent_id" json:"parent_id,omitempty"`
	AncestorIDs []string `db:"ancestor_ids" json:"ancestor_ids"`

	// DescendantIDs are the direct children, derived at read time.
	DescendantIDs []string `db:"descendant_ids" json:"descendant_ids"`
	// FullPath is "ROOT/.../NAME", derived for search results only.
	FullPath *string `db:"full_path" json:"full_path,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

func (u *Unit) ToNode() scopetree.Node {
	n := scopetree.Node{
		ID:            u.ID,
		Name:          u.Name,
		Quantity:      u.Quantity,
		AccessLevel:   u.AccessLevel,
		UnitType:      u.UnitType,
		ParentID:      u.ParentID,
		AncestorIDs:   slices.Clone(u.AncestorIDs),
		DescendantIDs: slices.Clone(u.DescendantIDs),
		FullPath:      u.FullPath,
	}
	if n.AncestorIDs == nil {
		n.AncestorIDs = []string{}
	}
	if n.DescendantIDs == nil {
		n.DescendantIDs = []string{}
	}
	return n
}

func toNodes(units []*Unit) []scopetree.Node {
	out := make([]scopetree.Node, 0, len(units))
	for _, u := range units {
		out = append(out, u.ToNode())
	}
	return out
}

// SearchParams filters a name search. Query matches names case-insensitively
// or an exact id.
type SearchParams struct {
	Query       string
	AccessLevel string
	UnitType    string
	Limit       int
	Offset      int
}

// NodeStatus is the tri-state of one unit under a selection.
type NodeStatus struct {
	ID    string               `json:"id"`
	State scopetree.CheckState `json:"state"`
}

// SelectionView is the canonical form of a selection returned to clients.
type SelectionView struct {
	IDs           []string         `json:"ids"`
	Nodes         []scopetree.Node `json:"nodes"`
	TotalQuantity int              `json:"total_quantity"`
}

func newSelectionView(sel scopetree.Selection) SelectionView {
	return SelectionView{
		IDs:           sel.IDs(),
		Nodes:         sel.Nodes(),
		TotalQuantity: sel.TotalQuantity(),
	}
}
