package scopetree

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestController(t *testing.T, g *fakeGateway) *Controller {
	t.Helper()
	c := NewController(g, zerolog.Nop())
	if err := c.LoadRoots(context.Background()); err != nil {
		t.Fatalf("LoadRoots: %v", err)
	}
	return c
}

type toggleResult struct {
	sel Selection
	err error
}

func TestController_ExpandAndToggle(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()

	if got := nodeIDs(c.Store().Roots()); !slices.Equal(got, []string{"R"}) {
		t.Fatalf("expected roots [R], got %v", got)
	}
	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if err := c.Expand(ctx, "A"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got := c.OpenIDs(); !slices.Equal(got, []string{"A", "R"}) {
		t.Errorf("expected A and R open, got %v", got)
	}

	for _, id := range []string{"A1", "A2"} {
		if _, err := c.Toggle(ctx, id); err != nil {
			t.Fatalf("Toggle(%s): %v", id, err)
		}
	}
	assertIDs(t, c.Selection(), "A")
	if st, _ := c.State("R"); st != Indeterminate {
		t.Errorf("expected R indeterminate, got %s", st)
	}
	if st, _ := c.State("A1"); st != Checked {
		t.Errorf("expected A1 checked, got %s", st)
	}

	c.Collapse("A")
	if c.Store().IsOpen("A") {
		t.Error("expected A collapsed")
	}
	if c.Store().ChildState("A") != ChildrenLoaded {
		t.Error("collapsing must keep the children")
	}
	if err := c.Expand(ctx, "A"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if n := g.callCount("children:A"); n != 1 {
		t.Errorf("expected children of A fetched once, got %d", n)
	}
}

func TestController_SecondChangeWhileBusyIsDropped(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()

	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if _, err := c.Toggle(ctx, "R"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if _, err := c.Search(ctx, "a1", 1); err != nil {
		t.Fatalf("Search: %v", err)
	}

	release := g.block("children")
	done := make(chan toggleResult, 1)
	go func() {
		sel, err := c.Toggle(ctx, "A1")
		done <- toggleResult{sel, err}
	}()
	waitFor(t, "first toggle in flight", c.Busy)

	sel, err := c.Toggle(ctx, "B")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	assertIDs(t, sel, "R")

	close(release)
	res := <-done
	if res.err != nil {
		t.Fatalf("first toggle: %v", res.err)
	}
	assertIDs(t, c.Selection(), "A2", "B")
	if c.Busy() {
		t.Error("expected busy flag cleared")
	}
}

func TestController_NewSearchCancelsPrevious(t *testing.T) {
	g := scenarioGateway()
	a1 := g.node(t, "A1")
	c := newTestController(t, g)

	started := make(chan struct{})
	g.searchFn = func(ctx context.Context, query string, page int) (*SearchResult, error) {
		if query == "a" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &SearchResult{Results: []Node{a1}, TotalCount: 1}, nil
	}

	first := make(chan *SearchResult, 1)
	go func() {
		res, err := c.Search(context.Background(), "a", 1)
		if err != nil {
			res = nil
		}
		first <- res
	}()
	<-started

	res, err := c.Search(context.Background(), "ab", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.Cancelled || len(res.Results) != 1 {
		t.Fatalf("expected one live result, got %+v", res)
	}

	stale := <-first
	if stale == nil || !stale.Cancelled {
		t.Fatalf("expected the superseded search to report cancelled, got %+v", stale)
	}
	hits, total := c.Store().SearchResults()
	if total != 1 || len(hits) != 1 || hits[0].ID != "A1" {
		t.Errorf("search view must hold the latest query only, got %v", nodeIDs(hits))
	}
	if c.SearchInFlight() {
		t.Error("expected no search in flight")
	}
}

func TestController_LateSearchResultIsDiscarded(t *testing.T) {
	g := scenarioGateway()
	a1, b := g.node(t, "A1"), g.node(t, "B")
	c := newTestController(t, g)

	started := make(chan struct{})
	release := make(chan struct{})
	g.searchFn = func(ctx context.Context, query string, page int) (*SearchResult, error) {
		if query == "a" {
			close(started)
			<-release
			return &SearchResult{Results: []Node{b}, TotalCount: 9}, nil
		}
		return &SearchResult{Results: []Node{a1}, TotalCount: 1}, nil
	}

	first := make(chan *SearchResult, 1)
	go func() {
		res, _ := c.Search(context.Background(), "a", 1)
		first <- res
	}()
	<-started
	if _, err := c.Search(context.Background(), "ab", 1); err != nil {
		t.Fatalf("Search: %v", err)
	}
	close(release)

	if stale := <-first; stale == nil || !stale.Cancelled {
		t.Fatalf("expected cancelled, got %+v", stale)
	}
	if _, total := c.Store().SearchResults(); total != 1 {
		t.Errorf("late result leaked into the search view (total %d)", total)
	}
}

func TestController_EmptySearchClearsView(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()

	if _, err := c.Search(ctx, "a", 1); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits, _ := c.Store().SearchResults(); len(hits) == 0 {
		t.Fatal("expected hits")
	}
	if _, err := c.Search(ctx, "  ", 1); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits, _ := c.Store().SearchResults(); len(hits) != 0 {
		t.Errorf("expected empty search view, got %v", nodeIDs(hits))
	}
	if _, ok := c.Store().Node("A1"); !ok {
		t.Error("clearing the search must keep nodes in the arena")
	}
}

func TestController_CancelExpandIsPerID(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()
	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}

	release := g.block("children:A")
	defer close(release)
	done := make(chan error, 1)
	go func() { done <- c.Expand(ctx, "A") }()
	waitFor(t, "expand of A in flight", func() bool {
		return slices.Contains(c.ExpandInFlightIDs(), "A")
	})
	if c.Store().ChildState("A") != ChildrenLoading {
		t.Fatalf("expected A loading, got %s", c.Store().ChildState("A"))
	}

	if err := c.Expand(ctx, "B"); err != nil {
		t.Fatalf("Expand(B): %v", err)
	}
	c.CancelExpand("A")

	if err := <-done; err != nil {
		t.Fatalf("a cancelled expand returns no error, got %v", err)
	}
	if st := c.Store().ChildState("A"); st != ChildrenUnknown {
		t.Errorf("expected A back to unknown, got %s", st)
	}
	if st := c.Store().ChildState("B"); st != ChildrenLoaded {
		t.Errorf("expected B loaded, got %s", st)
	}
	if len(c.ExpandInFlightIDs()) != 0 {
		t.Errorf("expected nothing in flight, got %v", c.ExpandInFlightIDs())
	}
}

func TestController_ExpandFailureRevertsLoading(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()
	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}

	g.fail("children:A", errBackendDown)
	err := c.Expand(ctx, "A")
	if !IsFetchFailure(err) || !errors.Is(err, errBackendDown) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if st := c.Store().ChildState("A"); st != ChildrenUnknown {
		t.Errorf("expected unknown after failure, got %s", st)
	}
}

func TestController_StaleReference(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()

	if err := c.Expand(ctx, "nope"); !errors.Is(err, ErrStaleReference) {
		t.Errorf("Expand: expected ErrStaleReference, got %v", err)
	}
	sel, err := c.Toggle(ctx, "nope")
	if !errors.Is(err, ErrStaleReference) {
		t.Errorf("Toggle: expected ErrStaleReference, got %v", err)
	}
	if sel.Len() != 0 {
		t.Errorf("expected selection unchanged, got %v", sel.IDs())
	}
}

func TestController_FailedToggleKeepsSelection(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()
	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if _, err := c.Toggle(ctx, "R"); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if _, err := c.Search(ctx, "a1", 1); err != nil {
		t.Fatalf("Search: %v", err)
	}

	g.fail("children:A", errBackendDown)
	before := c.Store()
	sel, err := c.Toggle(ctx, "A1")
	if !IsFetchFailure(err) {
		t.Fatalf("expected fetch failure, got %v", err)
	}
	assertIDs(t, sel, "R")
	assertIDs(t, c.Selection(), "R")
	if c.Store() != before {
		t.Error("a failed change must not publish a new store")
	}
}

func TestController_SelectAllAndRestore(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()
	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}

	sel, err := c.SelectAll(ctx, []string{"A", "B"})
	if err != nil {
		t.Fatalf("SelectAll: %v", err)
	}
	assertIDs(t, sel, "R")

	sel, err = c.Restore(ctx, []string{"A2", "B", "unknown"})
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	assertIDs(t, sel, "A2", "B")
	if _, ok := c.Store().Node("A2"); !ok {
		t.Error("restored members must be hydrated into the store")
	}
}

func TestController_ResetDiscardsInFlightChange(t *testing.T) {
	g := scenarioGateway()
	c := newTestController(t, g)
	ctx := context.Background()
	if err := c.Expand(ctx, "R"); err != nil {
		t.Fatalf("Expand: %v", err)
	}

	release := g.block("nodes")
	done := make(chan toggleResult, 1)
	go func() {
		sel, err := c.Restore(ctx, []string{"A1"})
		done <- toggleResult{sel, err}
	}()
	waitFor(t, "restore in flight", c.Busy)

	c.Reset()
	close(release)
	res := <-done
	if !errors.Is(res.err, ErrStaleReference) {
		t.Fatalf("expected ErrStaleReference, got %v", res.err)
	}
	if c.Selection().Len() != 0 || c.Store().Len() != 0 {
		t.Errorf("expected empty state after reset, got %d members and %d nodes", c.Selection().Len(), c.Store().Len())
	}
}
