package scopetree

import "slices"

// Node is one organizational unit (hospital, care site, department, unit) of
// the scope forest. Nodes are values: once published by a Gateway they are
// never mutated, only replaced.
type Node struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Quantity    int     `json:"quantity"`
	AccessLevel *string `json:"access_level,omitempty"`
	UnitType    *string `json:"unit_type,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`

	// AncestorIDs lists every ancestor from the immediate parent up to the
	// root. It is fixed by the first fetch of the node.
	AncestorIDs []string `json:"ancestor_ids"`

	// DescendantIDs lists the direct children known to the backend.
	DescendantIDs []string `json:"descendant_ids"`

	// FullPath is only set on search results ("APHP/HOPITAL X/SERVICE Y").
	FullPath *string `json:"full_path,omitempty"`
}

// Parent returns the parent id, or "" for a root.
func (n Node) Parent() string {
	if n.ParentID != nil {
		return *n.ParentID
	}
	if len(n.AncestorIDs) > 0 {
		return n.AncestorIDs[0]
	}
	return ""
}

func (n Node) IsRoot() bool { return n.Parent() == "" }

// HasChildren reports whether the backend announced children for n.
func (n Node) HasChildren() bool { return len(n.DescendantIDs) > 0 }

// Depth is the number of ancestors above n.
func (n Node) Depth() int { return len(n.AncestorIDs) }

// sameLineage compares the fields that must not change between two fetches of
// the same id.
func (n Node) sameLineage(o Node) bool {
	return n.ID == o.ID && n.Parent() == o.Parent() && slices.Equal(n.AncestorIDs, o.AncestorIDs)
}

// merge folds a newer fetch of the same node into n. Lineage is kept from n,
// the rest follows the newer record. A search path survives hydration calls
// that do not carry one.
func (n Node) merge(newer Node) Node {
	out := newer
	out.ParentID = n.ParentID
	out.AncestorIDs = n.AncestorIDs
	if out.FullPath == nil {
		out.FullPath = n.FullPath
	}
	if out.DescendantIDs == nil {
		out.DescendantIDs = n.DescendantIDs
	}
	return out
}

// ChildState tags what is known about a node's children.
type ChildState int

const (
	// ChildrenUnknown means the children were never requested. Some ids may
	// still be known from search ancestry.
	ChildrenUnknown ChildState = iota
	// ChildrenLoading means a fetch is in flight.
	ChildrenLoading
	// ChildrenLoaded means the child list is the complete result of the last fetch.
	ChildrenLoaded
)

func (s ChildState) String() string {
	switch s {
	case ChildrenLoading:
		return "loading"
	case ChildrenLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// CheckState is the tri-state checkbox value of a node.
type CheckState int

const (
	Unchecked CheckState = iota
	Indeterminate
	Checked
)

func (s CheckState) String() string {
	switch s {
	case Checked:
		return "checked"
	case Indeterminate:
		return "indeterminate"
	default:
		return "unchecked"
	}
}

// MarshalText renders the state as its name in JSON payloads.
func (s CheckState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func dedupeNodes(nodes []Node) []Node {
	seen := make(map[string]struct{}, len(nodes))
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}

func nodeIDs(nodes []Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}
