package search

import (
	"errors"
	"fmt"
)

var (
	// ErrDegenerateInput is returned for inputs no index can be built from:
	// empty vector sets, zero trees, non-finite vectors.
	ErrDegenerateInput = errors.New("degenerate input")

	// ErrNotBuilt is returned when an index is queried before Build completes.
	ErrNotBuilt = errors.New("index not built")

	// ErrAlreadyBuilt is returned when Build is called on a built index.
	ErrAlreadyBuilt = errors.New("index already built")

	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrUnknownID indicates a query referenced an id absent from the index.
type ErrUnknownID struct {
	ID int32
}

func (e *ErrUnknownID) Error() string {
	return fmt.Sprintf("unknown id %d", e.ID)
}

// Degenerate wraps ErrDegenerateInput with a reason.
func Degenerate(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDegenerateInput, fmt.Sprintf(format, args...))
}
