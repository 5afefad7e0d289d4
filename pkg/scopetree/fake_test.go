package scopetree

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
)

var errBackendDown = errors.New("backend down")

// fakeGateway is an in-memory backend. Nodes are added parents first.
type fakeGateway struct {
	mu       sync.Mutex
	nodes    map[string]Node
	order    []string
	calls    map[string]int
	batches  [][]string
	failOn   map[string]error
	blockOn  map[string]chan struct{}
	searchFn func(ctx context.Context, query string, page int) (*SearchResult, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		nodes:   make(map[string]Node),
		calls:   make(map[string]int),
		failOn:  make(map[string]error),
		blockOn: make(map[string]chan struct{}),
	}
}

func (g *fakeGateway) add(id, parent string) Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := Node{ID: id, Name: strings.ToUpper(id), Quantity: 10}
	if parent != "" {
		p := g.nodes[parent]
		pid := parent
		n.ParentID = &pid
		n.AncestorIDs = append([]string{parent}, p.AncestorIDs...)
		p.DescendantIDs = append(slices.Clone(p.DescendantIDs), id)
		g.nodes[parent] = p
	}
	g.nodes[id] = n
	g.order = append(g.order, id)
	return n
}

// tree builds a forest from "child:parent" or "root" specs.
func (g *fakeGateway) tree(specs ...string) *fakeGateway {
	for _, s := range specs {
		id, parent, _ := strings.Cut(s, ":")
		g.add(id, parent)
	}
	return g
}

func (g *fakeGateway) node(t testing.TB, id string) Node {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		t.Fatalf("fake gateway has no node %q", id)
	}
	return n
}

func (g *fakeGateway) fail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failOn[op] = err
}

// block makes the next calls of op wait until the returned channel is closed.
func (g *fakeGateway) block(op string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan struct{})
	g.blockOn[op] = ch
	return ch
}

func (g *fakeGateway) callCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

func (g *fakeGateway) enter(ctx context.Context, op string) error {
	g.mu.Lock()
	g.calls[op]++
	ch := g.blockOn[op]
	err := g.failOn[op]
	g.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (g *fakeGateway) FetchNodesByIDs(ctx context.Context, ids []string) ([]Node, error) {
	if err := g.enter(ctx, "nodes"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batches = append(g.batches, slices.Clone(ids))
	var out []Node
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (g *fakeGateway) FetchChildren(ctx context.Context, parentID string) ([]Node, error) {
	if err := g.enter(ctx, "children"); err != nil {
		return nil, err
	}
	if err := g.enter(ctx, "children:"+parentID); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Parent() == parentID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (g *fakeGateway) Search(ctx context.Context, query string, page int) (*SearchResult, error) {
	if g.searchFn != nil {
		return g.searchFn(ctx, query, page)
	}
	if err := g.enter(ctx, "search"); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	res := &SearchResult{}
	for _, id := range g.order {
		n := g.nodes[id]
		if strings.Contains(strings.ToLower(n.Name), strings.ToLower(query)) {
			path := g.pathLocked(n)
			n.FullPath = &path
			res.Results = append(res.Results, n)
		}
	}
	res.TotalCount = len(res.Results)
	return res, nil
}

func (g *fakeGateway) pathLocked(n Node) string {
	names := []string{n.Name}
	for _, a := range n.AncestorIDs {
		names = append(names, g.nodes[a].Name)
	}
	slices.Reverse(names)
	return strings.Join(names, "/")
}

// storeWith hydrates the listed ids and attaches the children of each id in
// loaded.
func storeWith(t testing.TB, g *fakeGateway, ids []string, loaded ...string) *Store {
	t.Helper()
	s := NewStore()
	var nodes []Node
	for _, id := range ids {
		nodes = append(nodes, g.node(t, id))
	}
	s, err := s.WithNodes(nodes...)
	if err != nil {
		t.Fatalf("WithNodes: %v", err)
	}
	for _, id := range loaded {
		kids, _ := g.FetchChildren(context.Background(), id)
		if s, err = s.WithChildren(id, kids); err != nil {
			t.Fatalf("WithChildren(%s): %v", id, err)
		}
	}
	g.mu.Lock()
	g.calls = make(map[string]int)
	g.batches = nil
	g.mu.Unlock()
	return s
}

func selOf(t testing.TB, g *fakeGateway, ids ...string) Selection {
	t.Helper()
	var nodes []Node
	for _, id := range ids {
		nodes = append(nodes, g.node(t, id))
	}
	return NewSelection(nodes...)
}

func assertIDs(t testing.TB, got Selection, want ...string) {
	t.Helper()
	ids := got.IDs()
	sort.Strings(ids)
	w := slices.Clone(want)
	sort.Strings(w)
	if !slices.Equal(ids, w) {
		t.Fatalf("selection = %v, want %v", ids, w)
	}
}
