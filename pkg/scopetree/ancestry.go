package scopetree

import "slices"

// IsAncestorOf reports whether a is an ancestor of b. Only b's AncestorIDs
// are consulted, so neither subtree needs to be materialized.
func IsAncestorOf(a, b Node) bool {
	return slices.Contains(b.AncestorIDs, a.ID)
}

// IsSelected reports whether n is selected, either directly or through a
// selected ancestor.
func IsSelected(n Node, sel Selection) bool {
	if sel.Contains(n.ID) {
		return true
	}
	for _, a := range n.AncestorIDs {
		if sel.Contains(a) {
			return true
		}
	}
	return false
}

// IsIndeterminate reports whether n is not selected but part of its subtree
// is. While the children of n are loading the answer is false, to avoid
// flashing a partial state that the upcoming fetch may contradict.
func IsIndeterminate(n Node, state ChildState, sel Selection) bool {
	if state == ChildrenLoading {
		return false
	}
	return !IsSelected(n, sel) && sel.below[n.ID] > 0
}

// dominatingAncestor returns the top-most selected ancestor of n.
func dominatingAncestor(n Node, sel Selection) (Node, int, bool) {
	for i := len(n.AncestorIDs) - 1; i >= 0; i-- {
		if a, ok := sel.Node(n.AncestorIDs[i]); ok {
			return a, i, true
		}
	}
	return Node{}, -1, false
}

// Index answers tri-state queries against a store snapshot.
type Index struct {
	store *Store
}

func NewIndex(store *Store) Index { return Index{store: store} }

// State returns the checkbox state of n under sel.
func (x Index) State(n Node, sel Selection) CheckState {
	switch {
	case IsSelected(n, sel):
		return Checked
	case IsIndeterminate(n, x.store.ChildState(n.ID), sel):
		return Indeterminate
	default:
		return Unchecked
	}
}

// StateOf resolves id in the store first. The second result is false when
// the id is not materialized.
func (x Index) StateOf(id string, sel Selection) (CheckState, bool) {
	n, ok := x.store.Node(id)
	if !ok {
		return Unchecked, false
	}
	return x.State(n, sel), true
}
