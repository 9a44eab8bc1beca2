// Package types holds the small value types and sentinel errors shared by the
// index, the store and the engine.
package types

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch is returned when a vector length differs from the
	// collection dimensionality.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrNotFound is returned when an id is not present.
	ErrNotFound = errors.New("not found")
	// ErrInvariantViolation marks a store/index divergence detected at runtime.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrOutOfRange is returned when a component cannot be represented at
	// the configured storage precision.
	ErrOutOfRange = errors.New("value out of range")
)

// DimensionError wraps ErrDimensionMismatch with the offending lengths.
func DimensionError(got, want int) error {
	return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, got, want)
}

// Candidate is an index search hit: a record id and its distance to the query.
type Candidate struct {
	ID       uint64
	Distance float64
}

// Less orders candidates by ascending distance, ties broken by ascending id.
func (c Candidate) Less(o Candidate) bool {
	if c.Distance != o.Distance {
		return c.Distance < o.Distance
	}
	return c.ID < o.ID
}

// SearchStats describes the work done by a single index search.
type SearchStats struct {
	// Visited is the number of distinct nodes whose distance was evaluated.
	Visited int
}

// IndexInfo models the parameters of an index for the API.
type IndexInfo struct {
	Kind           string `json:"kind"`
	Metric         string `json:"metric"`
	Dimensions     int    `json:"dimensions"`
	M              int    `json:"m,omitempty"`
	EfConstruction int    `json:"ef_construction,omitempty"`
	EfSearch       int    `json:"ef_search,omitempty"`
	MaxLevel       int    `json:"max_level"`
	VectorCount    int    `json:"vector_count"`
}
