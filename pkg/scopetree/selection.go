package scopetree

// Selection is an immutable, id-deduplicated, ordered set of selected scope
// nodes. Selections built by an Engine are canonical: no member is a
// descendant of another member, and a fully selected sibling set is replaced
// by its parent whenever the parent is known.
//
// The zero value is an empty selection.
type Selection struct {
	nodes []Node
	index map[string]int
	// below counts, per ancestor id, the members located under it.
	below map[string]int
}

// NewSelection builds a selection from nodes, keeping the first occurrence
// of each id. The result is not canonicalized; see Engine.Hydrate.
func NewSelection(nodes ...Node) Selection {
	nodes = dedupeNodes(nodes)
	s := Selection{
		nodes: nodes,
		index: make(map[string]int, len(nodes)),
		below: make(map[string]int),
	}
	for i, n := range nodes {
		s.index[n.ID] = i
		for _, a := range n.AncestorIDs {
			s.below[a]++
		}
	}
	return s
}

func (s Selection) Len() int { return len(s.nodes) }

// Nodes returns a copy of the members in selection order.
func (s Selection) Nodes() []Node {
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// IDs returns the member ids in selection order.
func (s Selection) IDs() []string { return nodeIDs(s.nodes) }

// Contains reports direct membership of id, ignoring ancestors.
func (s Selection) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Node returns the member with the given id.
func (s Selection) Node(id string) (Node, bool) {
	i, ok := s.index[id]
	if !ok {
		return Node{}, false
	}
	return s.nodes[i], true
}

// TotalQuantity sums the patient counts of the members. On a canonical
// selection no unit is counted twice.
func (s Selection) TotalQuantity() int {
	total := 0
	for _, n := range s.nodes {
		total += n.Quantity
	}
	return total
}

// SameIDs compares two selections as unordered id sets.
func (s Selection) SameIDs(o Selection) bool {
	if len(s.nodes) != len(o.nodes) {
		return false
	}
	for id := range s.index {
		if !o.Contains(id) {
			return false
		}
	}
	return true
}

// IsCanonical reports whether no member has a selected ancestor.
func (s Selection) IsCanonical() bool {
	for _, n := range s.nodes {
		for _, a := range n.AncestorIDs {
			if s.Contains(a) {
				return false
			}
		}
	}
	return true
}

// edit returns a new selection without the members matched by drop and with
// add appended.
func (s Selection) edit(drop func(Node) bool, add ...Node) Selection {
	out := make([]Node, 0, len(s.nodes)+len(add))
	for _, n := range s.nodes {
		if drop != nil && drop(n) {
			continue
		}
		out = append(out, n)
	}
	out = append(out, add...)
	return NewSelection(out...)
}

func dropIDs(ids ...string) func(Node) bool {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(n Node) bool {
		_, ok := set[n.ID]
		return ok
	}
}
