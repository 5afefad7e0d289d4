package scopetree

import "testing"

func TestIsAncestorOf(t *testing.T) {
	g := scenarioGateway()
	r, a, a1 := g.node(t, "R"), g.node(t, "A"), g.node(t, "A1")

	tests := []struct {
		name string
		a, b Node
		want bool
	}{
		{"parent", a, a1, true},
		{"grandparent", r, a1, true},
		{"self", a1, a1, false},
		{"child", a1, a, false},
		{"sibling", g.node(t, "B"), a1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAncestorOf(tt.a, tt.b); got != tt.want {
				t.Errorf("IsAncestorOf(%s, %s) = %v, want %v", tt.a.ID, tt.b.ID, got, tt.want)
			}
		})
	}
}

func TestIsSelected(t *testing.T) {
	g := scenarioGateway()
	sel := selOf(t, g, "A")

	for id, want := range map[string]bool{"A": true, "A1": true, "A2": true, "R": false, "B": false} {
		if got := IsSelected(g.node(t, id), sel); got != want {
			t.Errorf("IsSelected(%s) = %v, want %v", id, got, want)
		}
	}
}

func TestIsIndeterminate(t *testing.T) {
	g := scenarioGateway()
	sel := selOf(t, g, "A1")

	if !IsIndeterminate(g.node(t, "A"), ChildrenLoaded, sel) {
		t.Error("expected A to be indeterminate")
	}
	if !IsIndeterminate(g.node(t, "R"), ChildrenUnknown, sel) {
		t.Error("expected R to be indeterminate without its children loaded")
	}
	if IsIndeterminate(g.node(t, "A"), ChildrenLoading, sel) {
		t.Error("loading nodes must never be indeterminate")
	}
	if IsIndeterminate(g.node(t, "A1"), ChildrenLoaded, sel) {
		t.Error("selected nodes are not indeterminate")
	}
	if IsIndeterminate(g.node(t, "B"), ChildrenLoaded, sel) {
		t.Error("B has nothing selected below it")
	}
}

func TestIndex_StateOf(t *testing.T) {
	g := scenarioGateway()
	store := storeWith(t, g, []string{"R", "A", "B", "A1", "A2"}, "R")
	store = store.WithLoading("B")
	x := NewIndex(store)
	sel := selOf(t, g, "A2")

	tests := []struct {
		id   string
		want CheckState
	}{
		{"R", Indeterminate},
		{"A", Indeterminate},
		{"A1", Unchecked},
		{"A2", Checked},
		{"B", Unchecked},
	}
	for _, tt := range tests {
		got, ok := x.StateOf(tt.id, sel)
		if !ok {
			t.Fatalf("StateOf(%s): not materialized", tt.id)
		}
		if got != tt.want {
			t.Errorf("StateOf(%s) = %s, want %s", tt.id, got, tt.want)
		}
	}

	if _, ok := x.StateOf("nope", sel); ok {
		t.Error("expected unknown id to be reported as not materialized")
	}
}

func TestDominatingAncestor(t *testing.T) {
	g := scenarioGateway()

	top, k, ok := dominatingAncestor(g.node(t, "A1"), selOf(t, g, "R"))
	if !ok || top.ID != "R" || k != 1 {
		t.Errorf("got (%s, %d, %v), want (R, 1, true)", top.ID, k, ok)
	}
	if _, _, ok := dominatingAncestor(g.node(t, "A1"), selOf(t, g, "A1")); ok {
		t.Error("a node does not dominate itself")
	}
}

func TestSelection_Canonical(t *testing.T) {
	g := scenarioGateway()

	if !selOf(t, g, "A1", "B").IsCanonical() {
		t.Error("disjoint members are canonical")
	}
	if selOf(t, g, "A", "A1").IsCanonical() {
		t.Error("a member under another member is not canonical")
	}
	if got := selOf(t, g, "A", "A", "B").Len(); got != 2 {
		t.Errorf("expected duplicates to be dropped, got %d members", got)
	}
	if got := selOf(t, g, "A1", "B").TotalQuantity(); got != 20 {
		t.Errorf("expected total quantity 20, got %d", got)
	}
}
