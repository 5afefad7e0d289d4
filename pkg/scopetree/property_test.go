package scopetree

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"
)

// randomForest draws a forest of up to 14 nodes; a node's parent is always
// drawn among the nodes created before it.
func randomForest(t *rapid.T) (*fakeGateway, []string) {
	g := newFakeGateway()
	size := rapid.IntRange(1, 14).Draw(t, "size")
	ids := make([]string, 0, size)
	for i := 0; i < size; i++ {
		id := fmt.Sprintf("n%d", i)
		parent := ""
		if i > 0 {
			if p := rapid.IntRange(-1, i-1).Draw(t, "parent"); p >= 0 {
				parent = ids[p]
			}
		}
		g.add(id, parent)
		ids = append(ids, id)
	}
	return g, ids
}

// leavesUnder returns the leaf ids of the subtree rooted at id.
func leavesUnder(g *fakeGateway, id string) []string {
	n := g.nodes[id]
	if len(n.DescendantIDs) == 0 {
		return []string{id}
	}
	var out []string
	for _, c := range n.DescendantIDs {
		out = append(out, leavesUnder(g, c)...)
	}
	return out
}

type propState struct {
	g     *fakeGateway
	e     *Engine
	store *Store
	sel   Selection
}

func (s *propState) toggle(t *rapid.T, id string) {
	next, patch, err := s.e.Toggle(context.Background(), s.store, Node{ID: id}, s.sel)
	if err != nil {
		t.Fatalf("Toggle(%s): %v", id, err)
	}
	if s.store, err = patch.Apply(s.store); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.sel = next
}

func (s *propState) selectAll(t *rapid.T, ids []string) {
	var visible []Node
	for _, id := range ids {
		visible = append(visible, s.g.nodes[id])
	}
	next, patch, err := s.e.SelectAll(context.Background(), s.store, visible, s.sel)
	if err != nil {
		t.Fatalf("SelectAll(%v): %v", ids, err)
	}
	if s.store, err = patch.Apply(s.store); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	s.sel = next
}

// checkCanonical verifies that no member has a selected ancestor and that no
// sibling set is entirely made of direct members.
func (s *propState) checkCanonical(t *rapid.T) {
	if !s.sel.IsCanonical() {
		t.Fatalf("member under another member: %v", s.sel.IDs())
	}
	for id, n := range s.g.nodes {
		if !n.HasChildren() {
			continue
		}
		if containsAll(s.sel, n.DescendantIDs) {
			t.Fatalf("children of %s all selected but not collapsed: %v", id, s.sel.IDs())
		}
	}
}

func TestProperty_SelectionMatchesLeafModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, ids := randomForest(t)
		s := &propState{g: g, e: NewEngine(g), store: NewStore()}
		chosen := make(map[string]bool)

		steps := rapid.IntRange(1, 20).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(t, "toggle")
			wasSelected := IsSelected(g.nodes[id], s.sel)
			s.toggle(t, id)
			for _, leaf := range leavesUnder(g, id) {
				chosen[leaf] = !wasSelected
			}
			s.checkCanonical(t)

			for _, x := range ids {
				want := true
				for _, leaf := range leavesUnder(g, x) {
					want = want && chosen[leaf]
				}
				if got := IsSelected(g.nodes[x], s.sel); got != want {
					t.Fatalf("after toggling %s: IsSelected(%s) = %v, want %v (selection %v)", id, x, got, want, s.sel.IDs())
				}
			}
		}
	})
}

func TestProperty_ToggleTwiceRestoresSelection(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, ids := randomForest(t)
		s := &propState{g: g, e: NewEngine(g), store: NewStore()}
		for _, id := range rapid.SliceOfN(rapid.SampledFrom(ids), 0, 6).Draw(t, "setup") {
			s.toggle(t, id)
		}

		id := rapid.SampledFrom(ids).Draw(t, "leaf")
		before, store := s.sel, s.store
		s.toggle(t, id)
		s.toggle(t, id)
		if !s.sel.SameIDs(before) {
			t.Fatalf("toggling %s twice: %v -> %v", id, before.IDs(), s.sel.IDs())
		}
		if store.Len() > s.store.Len() {
			t.Fatalf("store lost nodes: %d -> %d", store.Len(), s.store.Len())
		}
	})
}

func TestProperty_SelectAll(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g, ids := randomForest(t)
		s := &propState{g: g, e: NewEngine(g), store: NewStore()}
		for _, id := range rapid.SliceOfN(rapid.SampledFrom(ids), 0, 6).Draw(t, "setup") {
			s.toggle(t, id)
		}

		visible := rapid.SliceOfNDistinct(rapid.SampledFrom(ids), 1, 6, rapid.ID[string]).Draw(t, "visible")
		allBefore := true
		for _, id := range visible {
			allBefore = allBefore && IsSelected(g.nodes[id], s.sel)
		}

		s.selectAll(t, visible)
		s.checkCanonical(t)
		for _, id := range visible {
			if got := IsSelected(g.nodes[id], s.sel); got == allBefore {
				t.Fatalf("select all (all selected before = %v): %s selected = %v", allBefore, id, got)
			}
		}
	})
}
