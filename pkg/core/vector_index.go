// Package core provides the vector index contract shared by the engine.
//
// This file defines the VectorIndex interface, implemented by the HNSW graph
// and by BruteForceIndex, an exact linear scan used for small collections
// and as the ground truth in recall tests.
package core

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/core/hnsw"
	"github.com/sanonone/imagesdb/pkg/core/types"
)

// Index kinds accepted by NewIndex.
const (
	KindHNSW = "hnsw"
	KindFlat = "flat"
)

// VectorIndex defines the operations that a vector index must support.
// Implementations are safe for concurrent use.
type VectorIndex interface {
	// Insert adds a vector under a record id. The vector is copied.
	Insert(id uint64, vector []float32) error
	// Search returns up to k nearest ids ordered by ascending distance,
	// ties by ascending id. ef is the beam width hint; exact indexes ignore it.
	Search(query []float32, k, ef int) ([]types.Candidate, types.SearchStats, error)
	// Remove deletes an id, returning types.ErrNotFound if absent.
	Remove(id uint64) error
	// Clear drops everything.
	Clear()

	Len() int
	Contains(id uint64) bool
	// IDs returns every indexed id in ascending order.
	IDs() []uint64
	Info() types.IndexInfo
}

var (
	_ VectorIndex = (*hnsw.Index)(nil)
	_ VectorIndex = (*BruteForceIndex)(nil)
)

// NewIndex builds an empty index of the given kind.
func NewIndex(kind string, cfg hnsw.Config) (VectorIndex, error) {
	switch kind {
	case "", KindHNSW:
		return hnsw.New(cfg)
	case KindFlat:
		return NewBruteForceIndex(cfg.Dimensions, cfg.Metric)
	}
	return nil, fmt.Errorf("unknown index kind %q", kind)
}

// --- BruteForceIndex Implementation ---

// BruteForceIndex stores all vectors and computes the distance to every one
// of them during a search. Results are exact.
type BruteForceIndex struct {
	mu      sync.RWMutex
	dims    int
	metric  distance.DistanceMetric
	distFn  distance.DistanceFuncF32
	vectors map[uint64][]float32
}

// NewBruteForceIndex creates an empty exact index.
func NewBruteForceIndex(dims int, metric distance.DistanceMetric) (*BruteForceIndex, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("flat index: dimensions must be positive, got %d", dims)
	}
	if metric == "" {
		metric = distance.DotProduct
	}
	fn, err := distance.GetFloat32Func(metric)
	if err != nil {
		return nil, err
	}
	return &BruteForceIndex{
		dims:    dims,
		metric:  metric,
		distFn:  fn,
		vectors: make(map[uint64][]float32),
	}, nil
}

func (idx *BruteForceIndex) prepare(v []float32) ([]float32, error) {
	if len(v) != idx.dims {
		return nil, types.DimensionError(len(v), idx.dims)
	}
	if !distance.IsFinite(v) {
		return nil, fmt.Errorf("%w: non-finite component", hnsw.ErrInvalidVector)
	}
	if idx.metric == distance.Cosine {
		out := distance.Normalized(v)
		if out == nil {
			return nil, fmt.Errorf("%w: zero vector under cosine metric", hnsw.ErrInvalidVector)
		}
		return out, nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out, nil
}

// Insert adds a vector to the index.
func (idx *BruteForceIndex) Insert(id uint64, vector []float32) error {
	v, err := idx.prepare(vector)
	if err != nil {
		return err
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, exists := idx.vectors[id]; exists {
		return fmt.Errorf("%w: %d", hnsw.ErrDuplicateID, id)
	}
	idx.vectors[id] = v
	return nil
}

// Search scans every vector. Visited always equals the population.
func (idx *BruteForceIndex) Search(query []float32, k, _ int) ([]types.Candidate, types.SearchStats, error) {
	if len(query) != idx.dims {
		return nil, types.SearchStats{}, types.DimensionError(len(query), idx.dims)
	}
	if k <= 0 {
		return []types.Candidate{}, types.SearchStats{}, nil
	}
	q, err := idx.prepare(query)
	if err != nil {
		return nil, types.SearchStats{}, err
	}

	idx.mu.RLock()
	results := make([]types.Candidate, 0, len(idx.vectors))
	for id, vec := range idx.vectors {
		d, err := idx.distFn(q, vec)
		if err != nil {
			continue
		}
		results = append(results, types.Candidate{ID: id, Distance: d})
	}
	visited := len(idx.vectors)
	idx.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].Less(results[j]) })
	if len(results) > k {
		results = results[:k]
	}
	return results, types.SearchStats{Visited: visited}, nil
}

// Remove deletes a vector by its id.
func (idx *BruteForceIndex) Remove(id uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if _, ok := idx.vectors[id]; !ok {
		return fmt.Errorf("flat index: id %d: %w", id, types.ErrNotFound)
	}
	delete(idx.vectors, id)
	return nil
}

// Clear drops every vector.
func (idx *BruteForceIndex) Clear() {
	idx.mu.Lock()
	idx.vectors = make(map[uint64][]float32)
	idx.mu.Unlock()
}

func (idx *BruteForceIndex) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}

func (idx *BruteForceIndex) Contains(id uint64) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.vectors[id]
	return ok
}

func (idx *BruteForceIndex) IDs() []uint64 {
	idx.mu.RLock()
	ids := make([]uint64, 0, len(idx.vectors))
	for id := range idx.vectors {
		ids = append(ids, id)
	}
	idx.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (idx *BruteForceIndex) Info() types.IndexInfo {
	return types.IndexInfo{
		Kind:        KindFlat,
		Metric:      string(idx.metric),
		Dimensions:  idx.dims,
		MaxLevel:    0,
		VectorCount: idx.Len(),
	}
}
