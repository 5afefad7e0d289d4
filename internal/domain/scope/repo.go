package scope

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("scope unit not found")
	ErrDuplicate = errors.New("scope unit already exists")
)

// inputError is a request the service refuses without touching storage.
type inputError string

func (e inputError) Error() string { return string(e) }

// UnitRepository defines the persistence interface for scope units.
type UnitRepository interface {
	Create(ctx context.Context, u *Unit) error
	// Upsert inserts u or refreshes its attributes. Moving an existing unit
	// under another parent is refused with scopetree.ErrLineageConflict.
	Upsert(ctx context.Context, u *Unit) error
	GetByID(ctx context.Context, id string) (*Unit, error)
	// GetByIDs returns the known units among ids. Unknown ids are skipped.
	GetByIDs(ctx context.Context, ids []string) ([]*Unit, error)
	// ListChildren lists the direct children of parentID, or the roots when
	// parentID is empty.
	ListChildren(ctx context.Context, parentID string) ([]*Unit, error)
	Search(ctx context.Context, params SearchParams) ([]*Unit, int, error)
}
