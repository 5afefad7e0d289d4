package scopetree

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStaleReference is returned when an operation targets an id that is
	// no longer resolvable in any view. Callers treat it as a no-op.
	ErrStaleReference = errors.New("stale scope reference")

	// ErrBusy is returned when a selection change is requested while another
	// one is still in flight. The request is dropped, not queued.
	ErrBusy = errors.New("selection change already in flight")

	// ErrCancelled marks results of a superseded search or expansion.
	ErrCancelled = errors.New("operation cancelled")

	// ErrLineageConflict is returned when a fetch reports a node under a
	// different parent than the one already stored.
	ErrLineageConflict = errors.New("conflicting lineage for scope node")
)

// FetchError wraps a Gateway failure with the operation and ids involved.
type FetchError struct {
	Op  string
	IDs []string
	Err error
}

func (e *FetchError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Op, strings.Join(e.IDs, ","), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchFailure reports whether err originates from a Gateway call.
func IsFetchFailure(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
