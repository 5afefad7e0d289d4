package scopetree

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type inflight struct {
	seq    uint64
	cancel context.CancelFunc
}

// Controller owns the state a scope picker page works on: the current store
// snapshot, the current selection, and the bookkeeping of in-flight fetches.
//
// Both the store and the selection are swapped whole; readers get immutable
// snapshots. Only one selection change may be in flight: a second one is
// dropped with ErrBusy instead of being queued, so two changes can never be
// computed from the same stale base. Searches cancel their predecessor and
// expansions are cancellable per node id.
type Controller struct {
	gw     Gateway
	engine *Engine
	rec    *Reconciler
	log    zerolog.Logger

	store atomic.Pointer[Store]
	sel   atomic.Pointer[Selection]
	busy  atomic.Bool

	mu           sync.Mutex
	epoch        uint64
	seq          uint64
	searchSeq    uint64
	searchCancel context.CancelFunc
	expands      map[string]inflight
}

func NewController(gw Gateway, logger zerolog.Logger) *Controller {
	c := &Controller{
		gw:      gw,
		engine:  NewEngine(gw),
		rec:     NewReconciler(gw),
		log:     logger,
		expands: make(map[string]inflight),
	}
	c.store.Store(NewStore())
	c.sel.Store(&Selection{})
	return c
}

// Store returns the current store snapshot.
func (c *Controller) Store() *Store { return c.store.Load() }

// Selection returns the current selection snapshot.
func (c *Controller) Selection() Selection { return *c.sel.Load() }

// OpenIDs returns the expanded node ids.
func (c *Controller) OpenIDs() []string { return c.Store().OpenIDs() }

// SearchInFlight reports whether a search request is pending.
func (c *Controller) SearchInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchCancel != nil
}

// ExpandInFlightIDs returns the ids whose children are being fetched.
func (c *Controller) ExpandInFlightIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.expands))
	for id := range c.expands {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Busy reports whether a selection change is in flight. Views use it to
// disable the checkboxes.
func (c *Controller) Busy() bool { return c.busy.Load() }

// State returns the tri-state of a materialized node under the current
// selection.
func (c *Controller) State(id string) (CheckState, bool) {
	return NewIndex(c.Store()).StateOf(id, c.Selection())
}

// LoadRoots fetches the exploration roots unless they are already loaded.
func (c *Controller) LoadRoots(ctx context.Context) error {
	return c.fetchChildren(ctx, "")
}

// Expand opens id and fetches its children when they are unknown or still
// loading. A later Expand of the same id supersedes an earlier one.
func (c *Controller) Expand(ctx context.Context, id string) error {
	c.mu.Lock()
	s := c.store.Load()
	if _, ok := s.Node(id); !ok {
		c.mu.Unlock()
		c.log.Warn().Str("scope_id", id).Msg("expand on unknown scope node")
		return fmt.Errorf("%w: %s", ErrStaleReference, id)
	}
	c.store.Store(s.WithOpen(id, true))
	c.mu.Unlock()
	return c.fetchChildren(ctx, id)
}

// Collapse closes id. Children stay in the store.
func (c *Controller) Collapse(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store.Store(c.store.Load().WithOpen(id, false))
}

// CancelExpand abandons the in-flight children fetch of id, if any. Other
// expansions are not affected.
func (c *Controller) CancelExpand(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.expands[id]; ok {
		f.cancel()
		delete(c.expands, id)
		c.store.Store(c.store.Load().WithoutLoading(id))
	}
}

func (c *Controller) fetchChildren(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.store.Load().ChildState(id) == ChildrenLoaded {
		c.mu.Unlock()
		return nil
	}
	if prev, ok := c.expands[id]; ok {
		prev.cancel()
	}
	c.seq++
	seq := c.seq
	fctx, cancel := context.WithCancel(ctx)
	c.expands[id] = inflight{seq: seq, cancel: cancel}
	c.store.Store(c.store.Load().WithLoading(id))
	c.mu.Unlock()

	kids, err := c.gw.FetchChildren(fctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	defer cancel()
	f, ok := c.expands[id]
	current := ok && f.seq == seq
	if current {
		delete(c.expands, id)
	}
	if !current || fctx.Err() != nil {
		if current {
			c.store.Store(c.store.Load().WithoutLoading(id))
		}
		c.log.Debug().Str("scope_id", id).Msg("children fetch superseded, result discarded")
		return nil
	}
	if err != nil {
		c.store.Store(c.store.Load().WithoutLoading(id))
		c.log.Error().Err(err).Str("scope_id", id).Msg("fetch children failed")
		return &FetchError{Op: "fetch children", IDs: []string{id}, Err: err}
	}
	next, err := c.store.Load().WithChildren(id, kids)
	if err != nil {
		c.store.Store(c.store.Load().WithoutLoading(id))
		c.log.Error().Err(err).Str("scope_id", id).Msg("attach children failed")
		return err
	}
	c.store.Store(next)
	return nil
}

// Search runs query and publishes the hits as the search view. Issuing a new
// search cancels the previous one; a superseded search returns a result with
// Cancelled set and never touches the store.
func (c *Controller) Search(ctx context.Context, query string, page int) (*SearchResult, error) {
	c.mu.Lock()
	if c.searchCancel != nil {
		c.searchCancel()
	}
	c.seq++
	seq := c.seq
	c.searchSeq = seq
	sctx, cancel := context.WithCancel(ctx)
	c.searchCancel = cancel
	c.mu.Unlock()
	defer cancel()

	var (
		res    *SearchResult
		merged []Node
		patch  Patch
		err    error
	)
	query = strings.TrimSpace(query)
	if query != "" {
		res, err = c.gw.Search(sctx, query, page)
		if err != nil {
			err = &FetchError{Op: "search", Err: err}
		} else if res != nil && !res.Cancelled {
			merged, patch, err = c.rec.Merge(sctx, c.Store(), res.Results)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.searchSeq != seq || sctx.Err() != nil || (res != nil && res.Cancelled) {
		if c.searchSeq == seq {
			c.searchCancel = nil
		}
		c.log.Debug().Str("query", query).Msg("search superseded, result discarded")
		return &SearchResult{Cancelled: true}, nil
	}
	c.searchCancel = nil

	if query == "" {
		c.store.Store(c.store.Load().WithoutSearch())
		return &SearchResult{}, nil
	}
	if err != nil {
		c.log.Error().Err(err).Str("query", query).Msg("search failed")
		return nil, err
	}
	next, err := patch.Apply(c.store.Load())
	if err != nil {
		c.log.Error().Err(err).Str("query", query).Msg("merge search results failed")
		return nil, err
	}
	total := 0
	if res != nil {
		total = res.TotalCount
	}
	c.store.Store(next.WithSearchResults(nodeIDs(merged), total))
	return &SearchResult{Results: merged, TotalCount: total}, nil
}

// Toggle flips the selection state of id. On any failure the previous
// selection stays in effect and is returned with the error.
func (c *Controller) Toggle(ctx context.Context, id string) (Selection, error) {
	return c.change(ctx, "toggle", []string{id}, func(store *Store, nodes []Node, sel Selection) (Selection, Patch, error) {
		return c.engine.Toggle(ctx, store, nodes[0], sel)
	})
}

// SelectAll applies "select all" to the listed visible nodes.
func (c *Controller) SelectAll(ctx context.Context, ids []string) (Selection, error) {
	return c.change(ctx, "select all", ids, func(store *Store, nodes []Node, sel Selection) (Selection, Patch, error) {
		return c.engine.SelectAll(ctx, store, nodes, sel)
	})
}

// Restore replaces the selection with a saved id list, canonicalized.
func (c *Controller) Restore(ctx context.Context, ids []string) (Selection, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.log.Debug().Msg("restore dropped, selection change in flight")
		return c.Selection(), ErrBusy
	}
	defer c.busy.Store(false)

	epoch := c.currentEpoch()
	sel, patch, err := c.engine.Hydrate(ctx, c.Store(), ids)
	if err != nil {
		c.log.Error().Err(err).Msg("restore selection failed")
		return c.Selection(), err
	}
	return c.commit(epoch, sel, patch)
}

// Reset drops every fetched node, the selection and all in-flight requests.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.searchCancel != nil {
		c.searchCancel()
		c.searchCancel = nil
	}
	c.searchSeq = 0
	c.epoch++
	for id, f := range c.expands {
		f.cancel()
		delete(c.expands, id)
	}
	c.store.Store(NewStore())
	c.sel.Store(&Selection{})
}

type changeFunc func(store *Store, nodes []Node, sel Selection) (Selection, Patch, error)

func (c *Controller) change(ctx context.Context, op string, ids []string, fn changeFunc) (Selection, error) {
	if !c.busy.CompareAndSwap(false, true) {
		c.log.Debug().Strs("scope_ids", ids).Str("op", op).Msg("selection change dropped, another one in flight")
		return c.Selection(), ErrBusy
	}
	defer c.busy.Store(false)

	epoch := c.currentEpoch()
	store := c.Store()
	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, ok := store.Node(id)
		if !ok {
			c.log.Warn().Str("scope_id", id).Str("op", op).Msg("selection change on unknown scope node ignored")
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return c.Selection(), fmt.Errorf("%w: %s", ErrStaleReference, strings.Join(ids, ","))
	}

	// Nodes met through search may miss ancestors in the arena.
	merged, recPatch, err := c.rec.Merge(ctx, store, nodes)
	if err != nil {
		return c.fail(op, ids, err)
	}
	work, err := recPatch.Apply(store)
	if err != nil {
		return c.fail(op, ids, err)
	}
	sel, patch, err := fn(work, merged, c.Selection())
	if err != nil {
		return c.fail(op, ids, err)
	}
	return c.commit(epoch, sel, joinPatches(recPatch, patch))
}

func (c *Controller) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Controller) commit(epoch uint64, sel Selection, patch Patch) (Selection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		c.log.Warn().Msg("selection change computed before a reset, discarded")
		return c.Selection(), ErrStaleReference
	}
	next, err := patch.Apply(c.store.Load())
	if err != nil {
		c.log.Warn().Err(err).Msg("fetched data does not fit the current store")
		return c.Selection(), fmt.Errorf("%w: %v", ErrStaleReference, err)
	}
	c.store.Store(next)
	c.sel.Store(&sel)
	return sel, nil
}

func (c *Controller) fail(op string, ids []string, err error) (Selection, error) {
	evt := c.log.Error()
	if errors.Is(err, ErrStaleReference) {
		evt = c.log.Warn()
	}
	evt.Err(err).Strs("scope_ids", ids).Str("op", op).Msg("selection change aborted")
	return c.Selection(), err
}

func joinPatches(ps ...Patch) Patch {
	var out Patch
	for _, p := range ps {
		out.Nodes = append(out.Nodes, p.Nodes...)
		out.Children = append(out.Children, p.Children...)
		out.hints = append(out.hints, p.hints...)
	}
	return out
}
