package scopetree

import "context"

// Reconciler folds search hits into the exploration arena so that a unit
// reached from either view is the same logical node. Identity is the id,
// never the Go value: a hit and an expanded child with the same id share one
// arena slot and therefore one selection state.
type Reconciler struct {
	gw Gateway
}

func NewReconciler(gw Gateway) *Reconciler {
	return &Reconciler{gw: gw}
}

// Merge upserts the hits, hydrates every ancestor missing from store in a
// single batch call and links each chain as partial child knowledge on
// parents whose children were never fetched. It returns the merged node for
// each hit, in hit order, plus the patch to commit.
func (r *Reconciler) Merge(ctx context.Context, store *Store, hits []Node) ([]Node, Patch, error) {
	hits = dedupeNodes(hits)
	if len(hits) == 0 {
		return nil, Patch{}, nil
	}

	patch := Patch{Nodes: hits}
	work, err := store.WithNodes(hits...)
	if err != nil {
		return nil, Patch{}, err
	}

	var ancestors []string
	for _, h := range hits {
		ancestors = append(ancestors, h.AncestorIDs...)
	}
	fetched, err := fetchMissing(ctx, r.gw, work, ancestors)
	if err != nil {
		return nil, Patch{}, err
	}
	patch.Nodes = append(patch.Nodes, fetched...)

	for _, h := range hits {
		chain := append([]string{h.ID}, h.AncestorIDs...)
		for i := 0; i+1 < len(chain); i++ {
			patch.hints = append(patch.hints, hint{parentID: chain[i+1], childID: chain[i]})
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, Patch{}, err
	}
	merged, err := patch.Apply(store)
	if err != nil {
		return nil, Patch{}, err
	}
	out := make([]Node, 0, len(hits))
	for _, h := range hits {
		if n, ok := merged.Node(h.ID); ok {
			out = append(out, n)
		}
	}
	return out, patch, nil
}

// Ensure reconciles a single node before a selection change on it.
func (r *Reconciler) Ensure(ctx context.Context, store *Store, n Node) (Node, Patch, error) {
	merged, patch, err := r.Merge(ctx, store, []Node{n})
	if err != nil {
		return Node{}, Patch{}, err
	}
	if len(merged) == 0 {
		return Node{}, Patch{}, ErrStaleReference
	}
	return merged[0], patch, nil
}
