package scopetree

import (
	"context"
	"fmt"
	"slices"
)

// Attachment is a complete child list fetched for one parent.
type Attachment struct {
	ParentID string
	Children []Node
}

type hint struct {
	parentID string
	childID  string
}

// Patch records what was fetched while computing a change, so the data can
// be replayed onto whatever store snapshot is current when the change
// commits.
type Patch struct {
	Nodes    []Node
	Children []Attachment
	hints    []hint
}

func (p Patch) Empty() bool {
	return len(p.Nodes) == 0 && len(p.Children) == 0 && len(p.hints) == 0
}

// Apply replays the patch onto s.
func (p Patch) Apply(s *Store) (*Store, error) {
	if p.Empty() {
		return s, nil
	}
	next, err := s.WithNodes(p.Nodes...)
	if err != nil {
		return nil, err
	}
	for _, a := range p.Children {
		if next, err = next.WithChildren(a.ParentID, a.Children); err != nil {
			return nil, err
		}
	}
	if len(p.hints) > 0 {
		next = next.cloneEntries()
		for _, h := range p.hints {
			next.hint(h.parentID, h.childID)
		}
	}
	return next, nil
}

// Engine computes canonical selection changes. It never mutates the store or
// the selection it is given: every call works on a private snapshot and
// either returns a complete result or an error with nothing to commit.
type Engine struct {
	gw Gateway
}

func NewEngine(gw Gateway) *Engine {
	return &Engine{gw: gw}
}

// txn is the private working state of one engine call.
type txn struct {
	ctx   context.Context
	gw    Gateway
	store *Store
	patch Patch
}

func (e *Engine) begin(ctx context.Context, store *Store) *txn {
	if store == nil {
		store = NewStore()
	}
	return &txn{ctx: ctx, gw: e.gw, store: store}
}

func (t *txn) finish(sel Selection, err error) (Selection, Patch, error) {
	if err == nil {
		err = t.ctx.Err()
	}
	if err != nil {
		return Selection{}, Patch{}, err
	}
	return sel, t.patch, nil
}

// Toggle selects node if it is not selected and deselects it otherwise.
func (e *Engine) Toggle(ctx context.Context, store *Store, node Node, sel Selection) (Selection, Patch, error) {
	t := e.begin(ctx, store)
	return t.finish(t.toggle(node, sel))
}

// Select adds node to sel and collapses fully selected sibling sets upward.
// Selecting an already selected node returns sel unchanged.
func (e *Engine) Select(ctx context.Context, store *Store, node Node, sel Selection) (Selection, Patch, error) {
	t := e.begin(ctx, store)
	n, err := t.resolve(node)
	if err != nil {
		return t.finish(Selection{}, err)
	}
	return t.finish(t.selectNode(n, sel))
}

// Deselect removes node from sel, expanding a selected ancestor one level at
// a time so that only the branch holding node is excluded. Deselecting an
// unselected node returns sel unchanged.
func (e *Engine) Deselect(ctx context.Context, store *Store, node Node, sel Selection) (Selection, Patch, error) {
	t := e.begin(ctx, store)
	n, err := t.resolve(node)
	if err != nil {
		return t.finish(Selection{}, err)
	}
	return t.finish(t.deselectNode(n, sel))
}

// SelectAll applies "select all" to a visible list: when every visible node
// is already selected they are all deselected, otherwise the unselected ones
// are selected. It is a plain sequence of toggles run in one transaction.
func (e *Engine) SelectAll(ctx context.Context, store *Store, visible []Node, sel Selection) (Selection, Patch, error) {
	t := e.begin(ctx, store)
	nodes := make([]Node, 0, len(visible))
	for _, v := range dedupeNodes(visible) {
		n, err := t.resolve(v)
		if err != nil {
			return t.finish(Selection{}, err)
		}
		nodes = append(nodes, n)
	}

	all := len(nodes) > 0
	for _, n := range nodes {
		if !IsSelected(n, sel) {
			all = false
			break
		}
	}

	cur := sel
	for _, n := range nodes {
		if IsSelected(n, cur) != all {
			continue
		}
		next, err := t.toggle(n, cur)
		if err != nil {
			return t.finish(Selection{}, err)
		}
		cur = next
	}
	return t.finish(cur, nil)
}

// Hydrate rebuilds a canonical selection from saved ids. Unknown ids are
// dropped, members covered by another member are removed and sibling sets
// that cover their whole parent collapse into it. Members are fetched in one
// batch and their missing ancestors in a second one.
func (e *Engine) Hydrate(ctx context.Context, store *Store, ids []string) (Selection, Patch, error) {
	t := e.begin(ctx, store)
	fetched, err := fetchMissing(t.ctx, t.gw, t.store, ids)
	if err != nil {
		return t.finish(Selection{}, err)
	}
	if err := t.addNodes(fetched); err != nil {
		return t.finish(Selection{}, err)
	}
	var nodes []Node
	for _, id := range ids {
		if n, ok := t.store.Node(id); ok {
			nodes = append(nodes, n)
		}
	}
	sel := NewSelection(nodes...)
	cur := sel.edit(func(m Node) bool {
		_, _, covered := dominatingAncestor(m, sel)
		return covered
	})

	var lineage []string
	for _, m := range cur.Nodes() {
		lineage = append(lineage, m.AncestorIDs...)
	}
	if err := t.ensureIDs(lineage); err != nil {
		return t.finish(Selection{}, err)
	}
	for _, m := range cur.Nodes() {
		if cur.Contains(m.ID) {
			cur = t.collapse(m, cur)
		}
	}
	return t.finish(cur, nil)
}

func (t *txn) toggle(node Node, sel Selection) (Selection, error) {
	n, err := t.resolve(node)
	if err != nil {
		return Selection{}, err
	}
	if IsSelected(n, sel) {
		return t.deselectNode(n, sel)
	}
	return t.selectNode(n, sel)
}

func (t *txn) selectNode(n Node, sel Selection) (Selection, error) {
	if IsSelected(n, sel) {
		return sel, nil
	}
	cur := sel.edit(func(m Node) bool { return IsAncestorOf(n, m) }, n)

	// The whole ancestor chain is fetched in one batch so that collapsing
	// costs at most one request whatever the depth.
	if err := t.ensureAncestors(n); err != nil {
		return Selection{}, err
	}
	return t.collapse(n, cur), nil
}

// collapse walks up from child, replacing a parent's children with the
// parent while every one of them is in cur. It stops at a root or at a
// parent missing from the store.
func (t *txn) collapse(child Node, cur Selection) Selection {
	for !child.IsRoot() {
		parent, ok := t.store.Node(child.Parent())
		if !ok {
			break
		}
		kids := t.store.childList(parent)
		if len(kids) == 0 || !containsAll(cur, kids) {
			break
		}
		cur = cur.edit(dropIDs(kids...), parent)
		child = parent
	}
	return cur
}

func (t *txn) deselectNode(n Node, sel Selection) (Selection, error) {
	if !IsSelected(n, sel) {
		return sel, nil
	}
	top, k, ok := dominatingAncestor(n, sel)
	if !ok {
		return sel.edit(func(m Node) bool { return m.ID == n.ID || IsAncestorOf(n, m) }), nil
	}

	// Every selected node between top and n, n itself and anything below n
	// leaves the selection; the siblings met on the way down join it.
	onPath := make(map[string]struct{}, k+2)
	onPath[n.ID] = struct{}{}
	for _, id := range n.AncestorIDs[:k+1] {
		onPath[id] = struct{}{}
	}
	cur := sel.edit(func(m Node) bool {
		_, on := onPath[m.ID]
		return on || IsAncestorOf(n, m)
	})

	path := slices.Clone(n.AncestorIDs[:k])
	slices.Reverse(path)
	path = append(path, n.ID)

	parent := top
	for _, nextID := range path {
		kids, err := t.children(parent)
		if err != nil {
			return Selection{}, err
		}
		var keep []Node
		var next Node
		found := false
		for _, c := range kids {
			if c.ID == nextID {
				next, found = c, true
				continue
			}
			if !IsSelected(c, cur) {
				keep = append(keep, c)
			}
		}
		if !found {
			return Selection{}, fmt.Errorf("%w: %s is not a child of %s", ErrStaleReference, nextID, parent.ID)
		}
		cur = cur.edit(func(m Node) bool {
			for _, c := range keep {
				if IsAncestorOf(c, m) {
					return true
				}
			}
			return false
		}, keep...)
		parent = next
	}
	return cur, nil
}

// resolve returns the stored version of node, hydrating it when it was
// never fetched.
func (t *txn) resolve(node Node) (Node, error) {
	if n, ok := t.store.Node(node.ID); ok {
		return n, nil
	}
	if node.ID == "" {
		return Node{}, fmt.Errorf("%w: empty id", ErrStaleReference)
	}
	fetched, err := fetchMissing(t.ctx, t.gw, t.store, []string{node.ID})
	if err != nil {
		return Node{}, err
	}
	if err := t.addNodes(fetched); err != nil {
		return Node{}, err
	}
	n, ok := t.store.Node(node.ID)
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrStaleReference, node.ID)
	}
	return n, nil
}

func (t *txn) ensureAncestors(n Node) error {
	return t.ensureIDs(n.AncestorIDs)
}

func (t *txn) ensureIDs(ids []string) error {
	fetched, err := fetchMissing(t.ctx, t.gw, t.store, ids)
	if err != nil {
		return err
	}
	return t.addNodes(fetched)
}

func (t *txn) children(parent Node) ([]Node, error) {
	if t.store.ChildState(parent.ID) == ChildrenLoaded {
		return t.store.Children(parent.ID), nil
	}
	if _, ok := t.store.Node(parent.ID); !ok {
		if err := t.addNodes([]Node{parent}); err != nil {
			return nil, err
		}
	}
	kids, err := t.gw.FetchChildren(t.ctx, parent.ID)
	if err != nil {
		return nil, &FetchError{Op: "fetch children", IDs: []string{parent.ID}, Err: err}
	}
	next, err := t.store.WithChildren(parent.ID, kids)
	if err != nil {
		return nil, err
	}
	t.store = next
	t.patch.Children = append(t.patch.Children, Attachment{ParentID: parent.ID, Children: kids})
	return t.store.Children(parent.ID), nil
}

func (t *txn) addNodes(nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}
	next, err := t.store.WithNodes(nodes...)
	if err != nil {
		return err
	}
	t.store = next
	t.patch.Nodes = append(t.patch.Nodes, nodes...)
	return nil
}

func containsAll(sel Selection, ids []string) bool {
	for _, id := range ids {
		if !sel.Contains(id) {
			return false
		}
	}
	return true
}
