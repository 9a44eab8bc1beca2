// Package store implements the VectorRecord store: an in-memory B-tree of
// records ordered by id, written through to a durable Backend.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sanonone/imagesdb/pkg/core/types"
	"github.com/tidwall/btree"
)

var (
	ErrDimensionMismatch = types.ErrDimensionMismatch
	ErrNotFound          = types.ErrNotFound
	ErrOutOfRange        = types.ErrOutOfRange
)

// Record is a stored embedding.
type Record struct {
	ID        uint64    `json:"id"`
	Key       string    `json:"key"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// Store is the record storage contract used by the engine.
type Store interface {
	// Put assigns the next id and stores a copy of the embedding.
	Put(ctx context.Context, key string, embedding []float32) (Record, error)
	// Get returns ErrNotFound for unknown ids.
	Get(id uint64) (Record, error)
	// GetAll returns every record in ascending id order.
	GetAll() []Record
	// IDs returns every stored id in ascending order.
	IDs() []uint64
	// Remove reports false when the id is absent.
	Remove(ctx context.Context, id uint64) (bool, error)
	RemoveAll(ctx context.Context) error
	// Restore puts back a record with its original id.
	Restore(ctx context.Context, rec Record) error
	Len() int
	Dimensions() int
	Close() error
}

var _ Store = (*RecordStore)(nil)

func byID(a, b Record) bool { return a.ID < b.ID }

// RecordStore is the Store implementation. Reads are served from memory;
// every mutation reaches the backend before it becomes visible.
type RecordStore struct {
	mu      sync.RWMutex
	dims    int
	backend Backend
	tree    *btree.BTreeG[Record]
	nextID  uint64
}

// Open creates a store of the given dimensionality and loads every record
// the backend holds. A nil backend keeps records in memory only.
func Open(ctx context.Context, dims int, backend Backend) (*RecordStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("store: dimensions must be positive, got %d", dims)
	}
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &RecordStore{
		dims:    dims,
		backend: backend,
		tree:    btree.NewBTreeG[Record](byID),
		nextID:  1,
	}

	next, err := backend.Load(ctx, func(r Record) error {
		if len(r.Embedding) != dims {
			return fmt.Errorf("store: record %d: %w", r.ID, types.DimensionError(len(r.Embedding), dims))
		}
		s.tree.Set(r)
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: load from %s backend: %w", backend.Name(), err)
	}
	if next > s.nextID {
		s.nextID = next
	}
	return s, nil
}

// Dimensions returns the fixed embedding length.
func (s *RecordStore) Dimensions() int { return s.dims }

// Backend returns the durable backend.
func (s *RecordStore) Backend() Backend { return s.backend }

// NextID returns the id the next Put will assign.
func (s *RecordStore) NextID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}

func (s *RecordStore) Put(ctx context.Context, key string, embedding []float32) (Record, error) {
	if len(embedding) != s.dims {
		return Record{}, types.DimensionError(len(embedding), s.dims)
	}
	emb := make([]float32, len(embedding))
	copy(emb, embedding)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{ID: s.nextID, Key: key, Embedding: emb}
	if err := s.backend.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("store: save record: %w", err)
	}
	s.nextID++
	s.tree.Set(rec)
	return rec.clone(), nil
}

func (s *RecordStore) Restore(ctx context.Context, rec Record) error {
	if len(rec.Embedding) != s.dims {
		return types.DimensionError(len(rec.Embedding), s.dims)
	}
	rec = rec.clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.backend.Save(ctx, rec); err != nil {
		return fmt.Errorf("store: restore record %d: %w", rec.ID, err)
	}
	s.tree.Set(rec)
	if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	return nil
}

func (s *RecordStore) Get(id uint64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tree.Get(Record{ID: id})
	if !ok {
		return Record{}, fmt.Errorf("store: record %d: %w", id, types.ErrNotFound)
	}
	return rec.clone(), nil
}

func (s *RecordStore) GetAll() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, s.tree.Len())
	s.tree.Scan(func(r Record) bool {
		out = append(out, r.clone())
		return true
	})
	return out
}

// IDs returns every stored id in ascending order.
func (s *RecordStore) IDs() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, s.tree.Len())
	s.tree.Scan(func(r Record) bool {
		out = append(out, r.ID)
		return true
	})
	return out
}

func (s *RecordStore) Remove(ctx context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tree.Get(Record{ID: id}); !ok {
		return false, nil
	}
	if err := s.backend.Delete(ctx, id); err != nil {
		return false, fmt.Errorf("store: delete record %d: %w", id, err)
	}
	s.tree.Delete(Record{ID: id})
	return true, nil
}

// RemoveAll clears the backend and then swaps in an empty tree, so readers
// see either every record or none.
func (s *RecordStore) RemoveAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.backend.Clear(ctx); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	s.tree = btree.NewBTreeG[Record](byID)
	return nil
}

func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *RecordStore) Close() error {
	return s.backend.Close()
}

func (r Record) clone() Record {
	emb := make([]float32, len(r.Embedding))
	copy(emb, r.Embedding)
	r.Embedding = emb
	return r
}
