package scope

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/pagination"
	"github.com/aphp/Cohort360-FrontEnd-sub004/pkg/scopetree"
)

// Service serves the scope hierarchy and computes selection changes on
// behalf of clients that only keep the ids of their selection.
//
// It also implements scopetree.Gateway over the repository, so the engine
// runs server-side against the same data the read endpoints expose.
type Service struct {
	units    UnitRepository
	pageSize int
	engine   *scopetree.Engine
	logger   zerolog.Logger
}

var _ scopetree.Gateway = (*Service)(nil)

func NewService(units UnitRepository, pageSize int) *Service {
	if pageSize <= 0 || pageSize > pagination.MaxLimit {
		pageSize = pagination.DefaultLimit
	}
	s := &Service{units: units, pageSize: pageSize, logger: zerolog.Nop()}
	s.engine = scopetree.NewEngine(s)
	return s
}

func (s *Service) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// SetGatewayWrapper routes the engine's backend calls through wrap, for
// instance to instrument them.
func (s *Service) SetGatewayWrapper(wrap func(scopetree.Gateway) scopetree.Gateway) {
	s.engine = scopetree.NewEngine(wrap(s))
}

func (s *Service) PageSize() int { return s.pageSize }

// -- Gateway --

func (s *Service) FetchNodesByIDs(ctx context.Context, ids []string) ([]scopetree.Node, error) {
	units, err := s.units.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return toNodes(units), nil
}

func (s *Service) FetchChildren(ctx context.Context, parentID string) ([]scopetree.Node, error) {
	units, err := s.units.ListChildren(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return toNodes(units), nil
}

func (s *Service) Search(ctx context.Context, query string, page int) (*scopetree.SearchResult, error) {
	p := pagination.ForPage(page, s.pageSize)
	units, total, err := s.units.Search(ctx, SearchParams{Query: query, Limit: p.Limit, Offset: p.Offset})
	if ctx.Err() != nil {
		return &scopetree.SearchResult{Results: []scopetree.Node{}, Cancelled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &scopetree.SearchResult{Results: toNodes(units), TotalCount: total}, nil
}

// -- Hierarchy --

func (s *Service) ListRoots(ctx context.Context) ([]*Unit, error) {
	return s.units.ListChildren(ctx, "")
}

func (s *Service) GetUnit(ctx context.Context, id string) (*Unit, error) {
	return s.units.GetByID(ctx, id)
}

func (s *Service) GetUnits(ctx context.Context, ids []string) ([]*Unit, error) {
	ids = cleanIDs(ids)
	if len(ids) == 0 {
		return []*Unit{}, nil
	}
	return s.units.GetByIDs(ctx, ids)
}

// Children lists the direct children of id. A missing parent is an error,
// unlike a leaf, which has none.
func (s *Service) Children(ctx context.Context, id string) ([]*Unit, error) {
	if _, err := s.units.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.units.ListChildren(ctx, id)
}

func (s *Service) SearchUnits(ctx context.Context, params SearchParams) ([]*Unit, int, error) {
	params.Query = strings.TrimSpace(params.Query)
	if params.Limit <= 0 {
		params.Limit = s.pageSize
	}
	return s.units.Search(ctx, params)
}

// CreateUnit adds a unit under ParentID, or as a root when it has none.
// Ancestors are always derived from the stored parent.
func (s *Service) CreateUnit(ctx context.Context, u *Unit) error {
	u.ID = strings.TrimSpace(u.ID)
	u.Name = strings.TrimSpace(u.Name)
	if u.ID == "" {
		return inputError("unit id is required")
	}
	if u.Name == "" {
		return inputError("unit name is required")
	}
	if u.Quantity < 0 {
		return inputError("quantity must not be negative")
	}

	u.AncestorIDs = []string{}
	if u.ParentID != nil && *u.ParentID != "" {
		parent, err := s.units.GetByID(ctx, *u.ParentID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return inputError(fmt.Sprintf("parent %s does not exist", *u.ParentID))
			}
			return err
		}
		u.AncestorIDs = append([]string{parent.ID}, parent.AncestorIDs...)
	} else {
		u.ParentID = nil
	}
	return s.units.Create(ctx, u)
}

// Seed upserts every unit of f, parents first. Callers run it inside a
// transaction so a failing unit leaves nothing behind.
func (s *Service) Seed(ctx context.Context, f *SeedFile) (int, error) {
	units, err := f.Flatten()
	if err != nil {
		return 0, err
	}
	for i, u := range units {
		if err := s.units.Upsert(ctx, u); err != nil {
			return i, fmt.Errorf("upsert %s (%s): %w", u.ID, u.Name, err)
		}
	}
	s.logger.Info().Int("units", len(units)).Msg("scope hierarchy seeded")
	return len(units), nil
}

// -- Selection --

// Restore canonicalizes saved ids: unknown ids are dropped and members
// covered by a selected ancestor are removed.
func (s *Service) Restore(ctx context.Context, selection []string) (SelectionView, error) {
	sel, _, err := s.hydrate(ctx, selection)
	if err != nil {
		return SelectionView{}, err
	}
	return newSelectionView(sel), nil
}

// ToggleSelection flips nodeID in selection and returns the canonical
// result.
func (s *Service) ToggleSelection(ctx context.Context, selection []string, nodeID string) (SelectionView, error) {
	nodeID = strings.TrimSpace(nodeID)
	if nodeID == "" {
		return SelectionView{}, inputError("node_id is required")
	}
	sel, store, err := s.hydrate(ctx, selection)
	if err != nil {
		return SelectionView{}, err
	}
	next, _, err := s.engine.Toggle(ctx, store, scopetree.Node{ID: nodeID}, sel)
	if err != nil {
		return SelectionView{}, err
	}
	s.logger.Debug().Str("node_id", nodeID).Int("before", sel.Len()).Int("after", next.Len()).Msg("selection toggled")
	return newSelectionView(next), nil
}

// SelectAll applies "select all" to the listed nodes, typically one page of
// search results.
func (s *Service) SelectAll(ctx context.Context, selection []string, nodeIDs []string) (SelectionView, error) {
	nodeIDs = cleanIDs(nodeIDs)
	if len(nodeIDs) == 0 {
		return SelectionView{}, inputError("node_ids is required")
	}
	sel, store, err := s.hydrate(ctx, selection)
	if err != nil {
		return SelectionView{}, err
	}
	visible := make([]scopetree.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		visible = append(visible, scopetree.Node{ID: id})
	}
	next, _, err := s.engine.SelectAll(ctx, store, visible, sel)
	if err != nil {
		return SelectionView{}, err
	}
	return newSelectionView(next), nil
}

// Status returns the checkbox state of each of nodeIDs under selection,
// and the ids that match no unit.
func (s *Service) Status(ctx context.Context, selection []string, nodeIDs []string) ([]NodeStatus, []string, error) {
	nodeIDs = cleanIDs(nodeIDs)
	sel, store, err := s.hydrate(ctx, selection)
	if err != nil {
		return nil, nil, err
	}
	var missing []string
	for _, id := range nodeIDs {
		if _, ok := store.Node(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		nodes, err := s.FetchNodesByIDs(ctx, missing)
		if err != nil {
			return nil, nil, &scopetree.FetchError{Op: "fetch nodes", IDs: missing, Err: err}
		}
		if store, err = store.WithNodes(nodes...); err != nil {
			return nil, nil, err
		}
	}

	idx := scopetree.NewIndex(store)
	out := make([]NodeStatus, 0, len(nodeIDs))
	unknown := []string{}
	for _, id := range nodeIDs {
		state, ok := idx.StateOf(id, sel)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		out = append(out, NodeStatus{ID: id, State: state})
	}
	return out, unknown, nil
}

func (s *Service) hydrate(ctx context.Context, ids []string) (scopetree.Selection, *scopetree.Store, error) {
	store := scopetree.NewStore()
	sel, patch, err := s.engine.Hydrate(ctx, store, cleanIDs(ids))
	if err != nil {
		return scopetree.Selection{}, nil, err
	}
	if store, err = patch.Apply(store); err != nil {
		return scopetree.Selection{}, nil, err
	}
	return sel, store, nil
}

// cleanIDs trims ids and drops blanks and repeats, keeping the first
// occurrence order.
func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
