package scopetree

import "context"

// Gateway fetches scope nodes from the backend. Implementations must return
// stable ids: the same unit always carries the same id across hydration and
// search, since views are reconciled by id only.
type Gateway interface {
	// FetchNodesByIDs hydrates nodes with AncestorIDs and DescendantIDs.
	// Unknown ids are omitted from the result.
	FetchNodesByIDs(ctx context.Context, ids []string) ([]Node, error)

	// FetchChildren returns the direct children of parentID. An empty
	// parentID lists the roots of the forest.
	FetchChildren(ctx context.Context, parentID string) ([]Node, error)

	// Search runs a full-text query. Results carry FullPath and AncestorIDs.
	// Cancelling ctx abandons the request.
	Search(ctx context.Context, query string, page int) (*SearchResult, error)
}

// SearchResult is one page of search hits.
type SearchResult struct {
	Results    []Node `json:"results"`
	TotalCount int    `json:"total_count"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// fetchMissing hydrates the ids absent from store in a single batch call and
// returns them. Ids the backend does not know are silently skipped.
func fetchMissing(ctx context.Context, gw Gateway, store *Store, ids []string) ([]Node, error) {
	var missing []string
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := store.Node(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	nodes, err := gw.FetchNodesByIDs(ctx, missing)
	if err != nil {
		return nil, &FetchError{Op: "fetch nodes", IDs: missing, Err: err}
	}
	return nodes, nil
}
