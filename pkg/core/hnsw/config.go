package hnsw

import (
	"fmt"

	"github.com/sanonone/imagesdb/pkg/core/distance"
)

const (
	// DefaultM is the default maximum number of connections per node per layer.
	DefaultM = 16
	// DefaultEfConstruction is the default candidate list size during insertion.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the default candidate list size during queries.
	DefaultEfSearch = 64

	// maxLevelCap bounds the level a node can be assigned.
	maxLevelCap = 31
)

// Config holds the construction parameters of an Index. They are fixed once
// the index is created.
type Config struct {
	// Dimensions is the required length of every vector.
	Dimensions int `json:"dimensions"`
	// Metric selects the distance function. Default: dot.
	Metric distance.DistanceMetric `json:"metric"`
	// M is the max number of connections per node per layer (2*M at layer 0). Default: 16.
	M int `json:"m"`
	// EfConstruction is the beam width used while inserting. Default: 200.
	EfConstruction int `json:"ef_construction"`
	// EfSearch is the default beam width for queries. Default: 64.
	EfSearch int `json:"ef_search"`
	// Seed makes level assignment deterministic when non-zero.
	Seed int64 `json:"seed,omitempty"`
}

// DefaultConfig returns the default parameters for the given dimensionality.
func DefaultConfig(dims int) Config {
	return Config{
		Dimensions:     dims,
		Metric:         distance.DotProduct,
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		EfSearch:       DefaultEfSearch,
	}
}

func (c *Config) setDefaults() {
	if c.Metric == "" {
		c.Metric = distance.DotProduct
	}
	if c.M <= 0 {
		c.M = DefaultM
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch <= 0 {
		c.EfSearch = DefaultEfSearch
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	if c.Dimensions <= 0 {
		return fmt.Errorf("hnsw: dimensions must be positive, got %d", c.Dimensions)
	}
	if c.M < 2 {
		return fmt.Errorf("hnsw: m must be at least 2, got %d", c.M)
	}
	if c.EfConstruction < c.M {
		return fmt.Errorf("hnsw: ef_construction (%d) must be >= m (%d)", c.EfConstruction, c.M)
	}
	if _, err := distance.GetFloat32Func(c.Metric); err != nil {
		return fmt.Errorf("hnsw: %w", err)
	}
	return nil
}
