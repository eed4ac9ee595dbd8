package saigo

import (
	"errors"
	"fmt"

	"github.com/hupe1980/saigo/internal/analysis"
	"github.com/hupe1980/saigo/internal/storage"
	"github.com/hupe1980/saigo/internal/vector"
)

var (
	// ErrClosed is returned for operations on a closed engine.
	ErrClosed = errors.New("index engine closed")

	// ErrInvalidOptions is returned when index creation options fail
	// validation: misspelled keys, wrong value types, or options applied
	// to the wrong column kind.
	ErrInvalidOptions = errors.New("invalid index options")

	// ErrIndexExists is returned for a duplicate index on the same column.
	ErrIndexExists = errors.New("index already exists on column")

	// ErrIndexNotFound is returned when the named index does not exist.
	ErrIndexNotFound = errors.New("index not found")

	// ErrIndexNotQueryable is returned when a query touches an index whose
	// initial build is incomplete or which failed and awaits rebuild.
	ErrIndexNotQueryable = errors.New("index is not queryable")

	// ErrIndexBuilding is returned when the initial build did not finish
	// within the query's build-wait budget.
	ErrIndexBuilding = errors.New("initial index build in progress")

	// ErrTermTooLarge re-exports the write-time term size rejection.
	ErrTermTooLarge = analysis.ErrTermTooLarge

	// ErrInvalidVector re-exports the vector finiteness/zero-norm rejection.
	ErrInvalidVector = vector.ErrInvalidVector

	// ErrCorrupt re-exports read-time component corruption.
	ErrCorrupt = storage.ErrCorrupt
)

// OperatorError reports an operator the target index cannot serve. It is
// raised before any searcher is consulted; ALLOW FILTERING downgrades it
// to a full-index scan with host-side post-filtering.
type OperatorError struct {
	Column   string
	Operator Operator
}

func (e *OperatorError) Error() string {
	return fmt.Sprintf("operator %s is not supported by the index on %q", e.Operator, e.Column)
}
