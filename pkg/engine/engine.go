// Package engine provides the embedding collection: a record store and an
// ANN index mutated in lockstep, queried together, and checked against each
// other.
//
// Basic usage:
//
//	opts := engine.DefaultOptions("./data", 512)
//	col, err := engine.Open(ctx, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer col.Close()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sanonone/imagesdb/pkg/core"
	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/core/hnsw"
	"github.com/sanonone/imagesdb/pkg/core/types"
	"github.com/sanonone/imagesdb/pkg/metrics"
	"github.com/sanonone/imagesdb/pkg/store"
)

var (
	ErrDimensionMismatch  = types.ErrDimensionMismatch
	ErrOutOfRange         = types.ErrOutOfRange
	ErrNotFound           = types.ErrNotFound
	ErrInvariantViolation = types.ErrInvariantViolation
)

// Options configures a Collection.
type Options struct {
	// Dimensions is the fixed embedding length. Required.
	Dimensions int
	// Metric is the distance metric (default: dot).
	Metric distance.DistanceMetric
	// IndexKind selects "hnsw" (default) or "flat".
	IndexKind string
	// HNSW parameters; zero values take the index defaults.
	M              int
	EfConstruction int
	EfSearch       int
	// Seed makes index level assignment deterministic when non-zero.
	Seed int64

	// Backend selects the durable record backend: memory, aof, badger or sqlite.
	Backend string
	// DataDir holds the backend files. It is created if missing.
	DataDir string
	// Precision is the on-disk embedding precision (float32 or float16).
	Precision distance.PrecisionType
	// Sync fsyncs every AOF write.
	Sync bool
	// CompactRatio triggers AOF rewrites; see store.BackendOptions.
	CompactRatio float64

	// VerifyInterval runs a background consistency check and repair.
	// Zero disables it.
	VerifyInterval time.Duration
}

// DefaultOptions returns a durable dot-product HNSW collection in dataDir.
//
// Defaults:
//   - Backend: aof with fsync on every write
//   - Index: hnsw, M=16, efConstruction=200, efSearch=64
//   - Precision: float32
func DefaultOptions(dataDir string, dims int) Options {
	return Options{
		Dimensions:     dims,
		Metric:         distance.DotProduct,
		IndexKind:      core.KindHNSW,
		M:              hnsw.DefaultM,
		EfConstruction: hnsw.DefaultEfConstruction,
		EfSearch:       hnsw.DefaultEfSearch,
		Backend:        store.BackendAOF,
		DataDir:        dataDir,
		Precision:      distance.Float32,
		Sync:           true,
		CompactRatio:   1.0,
	}
}

// Collection is the main entry point of the engine. It owns a Store and an
// Index and keeps them consistent: every stored record has exactly one
// index node and vice versa.
//
// Searches and reads share the collection lock; Put, Remove, RemoveAll and
// Repair hold it exclusively, so a reader never sees a half-applied mutation.
type Collection struct {
	mu    sync.RWMutex
	opts  Options
	store store.Store
	index core.VectorIndex

	events *eventBus

	// stale holds ids a search could not hydrate, for the next Repair.
	staleMu sync.Mutex
	stale   map[uint64]struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (o Options) indexConfig() hnsw.Config {
	return hnsw.Config{
		Dimensions:     o.Dimensions,
		Metric:         o.Metric,
		M:              o.M,
		EfConstruction: o.EfConstruction,
		EfSearch:       o.EfSearch,
		Seed:           o.Seed,
	}
}

// Open builds a collection from opts: it opens the backend, loads every
// record, and rebuilds the index from them. A record that cannot be indexed
// is purged from the store with a warning.
func Open(ctx context.Context, opts Options) (*Collection, error) {
	backend, err := store.OpenBackend(store.BackendOptions{
		Kind:         opts.Backend,
		DataDir:      opts.DataDir,
		Precision:    opts.Precision,
		Sync:         opts.Sync,
		CompactRatio: opts.CompactRatio,
	})
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, opts.Dimensions, backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	c, err := New(ctx, opts, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return c, nil
}

// New wraps an already opened store. The index is built from its content.
func New(ctx context.Context, opts Options, st store.Store) (*Collection, error) {
	if opts.Metric == "" {
		opts.Metric = distance.DotProduct
	}
	if st.Dimensions() != opts.Dimensions {
		return nil, fmt.Errorf("engine: store has %d dimensions, options say %d", st.Dimensions(), opts.Dimensions)
	}
	idx, err := core.NewIndex(opts.IndexKind, opts.indexConfig())
	if err != nil {
		return nil, err
	}

	c := &Collection{
		opts:   opts,
		store:  st,
		index:  idx,
		events: newEventBus(),
		stale:  make(map[uint64]struct{}),
		closed: make(chan struct{}),
	}

	start := time.Now()
	for _, rec := range st.GetAll() {
		if err := idx.Insert(rec.ID, rec.Embedding); err != nil {
			slog.Warn("engine: purging record that cannot be indexed", "id", rec.ID, "key", rec.Key, "error", err)
			if _, rerr := st.Remove(ctx, rec.ID); rerr != nil {
				return nil, fmt.Errorf("engine: purge unindexable record %d: %w", rec.ID, rerr)
			}
		}
	}
	metrics.TotalVectors.Set(float64(idx.Len()))
	slog.Info("engine: collection ready",
		"records", idx.Len(),
		"index", idx.Info().Kind,
		"metric", opts.Metric,
		"dimensions", opts.Dimensions,
		"duration", time.Since(start).String(),
	)

	if opts.VerifyInterval > 0 {
		c.wg.Add(1)
		go c.backgroundTasks(opts.VerifyInterval)
	}
	return c, nil
}

// Close stops background tasks, closes subscriber channels and the store.
func (c *Collection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()
		c.events.close()
		c.mu.Lock()
		err = c.store.Close()
		c.mu.Unlock()
	})
	return err
}

// backgroundTasks periodically checks and repairs store/index consistency.
func (c *Collection) backgroundTasks(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	graphProblems := 0
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			r := c.Verify()
			if r.Graph != nil && len(r.Graph.Problems) != graphProblems {
				graphProblems = len(r.Graph.Problems)
				if graphProblems > 0 {
					slog.Warn("engine: graph check failed", "problems", graphProblems, "unreachable", r.Graph.Unreachable, "first", r.Graph.Problems[0])
				}
			}
			if !c.needsRepair(r) {
				continue
			}
			if _, err := c.Repair(context.Background()); err != nil {
				slog.Error("Background repair failed", "error", err)
			}
		}
	}
}

// Options returns the options the collection was built with.
func (c *Collection) Options() Options { return c.opts }

// Dimensions returns the fixed embedding length.
func (c *Collection) Dimensions() int { return c.opts.Dimensions }

// Stats describes the collection.
type Stats struct {
	Count      int             `json:"count"`
	Dimensions int             `json:"dimensions"`
	Metric     string          `json:"metric"`
	Backend    string          `json:"backend"`
	Index      types.IndexInfo `json:"index"`
}

// Stats returns a snapshot of the collection's size and parameters.
func (c *Collection) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	backend := c.opts.Backend
	if backend == "" {
		backend = store.BackendMemory
	}
	return Stats{
		Count:      c.store.Len(),
		Dimensions: c.opts.Dimensions,
		Metric:     string(c.opts.Metric),
		Backend:    backend,
		Index:      c.index.Info(),
	}
}
