package scope

import (
	"testing"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

func TestUnit_ToNode(t *testing.T) {
	parent := "h1"
	u := &Unit{ID: "s1", Name: "SERVICE 1", Quantity: 10, ParentID: &parent, AncestorIDs: []string{"h1", "aphp"}}
	n := u.ToNode()

	if n.Parent() != "h1" || n.Depth() != 2 {
		t.Errorf("unexpected node %+v", n)
	}
	if n.DescendantIDs == nil {
		t.Error("expected an empty, non-nil descendant list")
	}

	n.AncestorIDs[0] = "changed"
	if u.AncestorIDs[0] != "h1" {
		t.Error("node must not share the unit's ancestor slice")
	}
}

func TestNewSelectionView(t *testing.T) {
	a := scopetree.Node{ID: "a", Quantity: 3, AncestorIDs: []string{}}
	b := scopetree.Node{ID: "b", Quantity: 4, AncestorIDs: []string{}}
	v := newSelectionView(scopetree.NewSelection(a, b))
	if len(v.IDs) != 2 || v.TotalQuantity != 7 || len(v.Nodes) != 2 {
		t.Errorf("unexpected view %+v", v)
	}
}
