package scopetree

import (
	"fmt"
	"maps"
	"slices"
)

// entry is one arena slot. Entries are shared between store snapshots and
// are never modified after publication: a change allocates a new entry.
// state is either ChildrenUnknown or ChildrenLoaded; in-flight fetches are
// tracked in Store.loading.
type entry struct {
	node     Node
	state    ChildState
	children []string
}

// Store is an immutable snapshot of the materialized scope forest: an arena
// of nodes addressed by id, the exploration roots, the current search page
// and the set of open (expanded) nodes. Every With* method returns a new
// snapshot and leaves the receiver untouched, so a reader holding an old
// snapshot never observes a partial update.
//
// The exploration view and the search view are both lists of ids over the
// same arena; attaching children to a node is visible from either view.
//
// Snapshots share their maps. Only changes to the arena itself (new nodes,
// attached children) copy the entries map; loading marks, the open set and
// the search page live in separate small maps and slices.
type Store struct {
	entries     map[string]*entry
	roots       []string
	rootState   ChildState
	loading     map[string]struct{}
	search      []string
	searchTotal int
	open        map[string]struct{}
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries: make(map[string]*entry),
		loading: make(map[string]struct{}),
		open:    make(map[string]struct{}),
	}
}

// clone copies the snapshot header. Every map stays shared; callers copy the
// map they are about to modify.
func (s *Store) clone() *Store {
	next := *s
	return &next
}

// cloneEntries is clone with a private copy of the arena.
func (s *Store) cloneEntries() *Store {
	next := s.clone()
	next.entries = maps.Clone(s.entries)
	return next
}

// Len returns the number of materialized nodes.
func (s *Store) Len() int { return len(s.entries) }

// Node returns the node with the given id if it is materialized anywhere in
// the forest.
func (s *Store) Node(id string) (Node, bool) {
	e, ok := s.entries[id]
	if !ok {
		return Node{}, false
	}
	return e.node, true
}

// ChildState reports what is known about the children of id. The empty id
// addresses the root level.
func (s *Store) ChildState(id string) ChildState {
	if id == "" {
		return s.rootState
	}
	if e, ok := s.entries[id]; ok && e.state == ChildrenLoaded {
		return ChildrenLoaded
	}
	if _, ok := s.loading[id]; ok {
		return ChildrenLoading
	}
	return ChildrenUnknown
}

// ChildIDs returns the child ids currently attached to id. For a node whose
// children were never fetched this holds only ids learned from search
// ancestry.
func (s *Store) ChildIDs(id string) []string {
	if id == "" {
		return slices.Clone(s.roots)
	}
	if e, ok := s.entries[id]; ok {
		return slices.Clone(e.children)
	}
	return nil
}

// Children resolves the attached child ids of id to nodes.
func (s *Store) Children(id string) []Node {
	var ids []string
	if id == "" {
		ids = s.roots
	} else if e, ok := s.entries[id]; ok {
		ids = e.children
	}
	out := make([]Node, 0, len(ids))
	for _, cid := range ids {
		if c, ok := s.entries[cid]; ok {
			out = append(out, c.node)
		}
	}
	return out
}

// Roots returns the exploration roots.
func (s *Store) Roots() []Node { return s.Children("") }

// SearchResults returns the nodes of the current search page and the total
// hit count reported by the backend.
func (s *Store) SearchResults() ([]Node, int) {
	out := make([]Node, 0, len(s.search))
	for _, id := range s.search {
		if e, ok := s.entries[id]; ok {
			out = append(out, e.node)
		}
	}
	return out, s.searchTotal
}

// IsOpen reports whether id is expanded in the exploration view.
func (s *Store) IsOpen(id string) bool {
	_, ok := s.open[id]
	return ok
}

// OpenIDs returns the expanded ids in sorted order.
func (s *Store) OpenIDs() []string {
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// childList is the authoritative direct-child list of n: the fetched list
// when children are loaded, the backend's DescendantIDs otherwise.
func (s *Store) childList(n Node) []string {
	if e, ok := s.entries[n.ID]; ok && e.state == ChildrenLoaded {
		return e.children
	}
	return n.DescendantIDs
}

// WithNodes upserts hydrated nodes. A node already present keeps its lineage
// and child state; a node reported under a different parent fails the whole
// call with ErrLineageConflict.
func (s *Store) WithNodes(nodes ...Node) (*Store, error) {
	if len(nodes) == 0 {
		return s, nil
	}
	next := s.cloneEntries()
	for _, n := range nodes {
		if err := next.put(n); err != nil {
			return nil, err
		}
	}
	return next, nil
}

// WithChildren attaches the complete child list of parentID, replacing any
// unknown or loading state. The empty parentID sets the roots.
func (s *Store) WithChildren(parentID string, children []Node) (*Store, error) {
	children = dedupeNodes(children)
	next := s.cloneEntries()
	for _, c := range children {
		if c.Parent() != parentID {
			return nil, fmt.Errorf("%w: %s listed under %q but belongs to %q", ErrLineageConflict, c.ID, parentID, c.Parent())
		}
		if err := next.put(c); err != nil {
			return nil, err
		}
	}
	ids := nodeIDs(children)
	if parentID == "" {
		next.roots = ids
		next.rootState = ChildrenLoaded
		return next, nil
	}
	e, ok := next.entries[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: parent %s", ErrStaleReference, parentID)
	}
	ne := *e
	ne.state = ChildrenLoaded
	ne.children = ids
	next.entries[parentID] = &ne
	if _, ok := next.loading[parentID]; ok {
		next.loading = maps.Clone(next.loading)
		delete(next.loading, parentID)
	}
	return next, nil
}

// WithLoading marks the children of id as being fetched. Loaded children are
// left as they are.
func (s *Store) WithLoading(id string) *Store {
	return s.withState(id, ChildrenLoading, func(cur ChildState) bool { return cur == ChildrenUnknown })
}

// WithoutLoading reverts a loading mark after a failed or cancelled fetch.
func (s *Store) WithoutLoading(id string) *Store {
	return s.withState(id, ChildrenUnknown, func(cur ChildState) bool { return cur == ChildrenLoading })
}

func (s *Store) withState(id string, state ChildState, when func(ChildState) bool) *Store {
	if id == "" {
		if !when(s.rootState) {
			return s
		}
		next := s.clone()
		next.rootState = state
		return next
	}
	if _, ok := s.entries[id]; !ok || !when(s.ChildState(id)) {
		return s
	}
	next := s.clone()
	next.loading = maps.Clone(s.loading)
	if state == ChildrenLoading {
		next.loading[id] = struct{}{}
	} else {
		delete(next.loading, id)
	}
	return next
}

// WithOpen adds or removes id from the expanded set.
func (s *Store) WithOpen(id string, open bool) *Store {
	if s.IsOpen(id) == open {
		return s
	}
	next := s.clone()
	next.open = maps.Clone(s.open)
	if open {
		next.open[id] = struct{}{}
	} else {
		delete(next.open, id)
	}
	return next
}

// WithSearchResults replaces the search page. The ids must already be in
// the arena.
func (s *Store) WithSearchResults(ids []string, total int) *Store {
	next := s.clone()
	next.search = slices.Clone(ids)
	next.searchTotal = total
	return next
}

// WithoutSearch clears the search view. Nodes stay in the arena.
func (s *Store) WithoutSearch() *Store {
	if len(s.search) == 0 && s.searchTotal == 0 {
		return s
	}
	next := s.clone()
	next.search = nil
	next.searchTotal = 0
	return next
}

func (s *Store) put(n Node) error {
	old, ok := s.entries[n.ID]
	if !ok {
		s.entries[n.ID] = &entry{node: n}
		return nil
	}
	if !old.node.sameLineage(n) {
		return fmt.Errorf("%w: %s", ErrLineageConflict, n.ID)
	}
	e := *old
	e.node = old.node.merge(n)
	s.entries[n.ID] = &e
	return nil
}

// hint records childID under parentID when the parent's children were never
// fetched. Search ancestry is the only source of such partial knowledge.
func (s *Store) hint(parentID, childID string) {
	e, ok := s.entries[parentID]
	if !ok || s.ChildState(parentID) != ChildrenUnknown || slices.Contains(e.children, childID) {
		return
	}
	ne := *e
	ne.children = append(slices.Clone(e.children), childID)
	s.entries[parentID] = &ne
}
