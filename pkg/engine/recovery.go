package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sanonone/imagesdb/pkg/core/hnsw"
	"github.com/sanonone/imagesdb/pkg/core/types"
	"github.com/sanonone/imagesdb/pkg/metrics"
)

// ConsistencyReport lists the ids held by only one of the two structures.
type ConsistencyReport struct {
	StoreOnly []uint64 `json:"store_only"`
	IndexOnly []uint64 `json:"index_only"`
	// Graph is set when the index is an HNSW graph.
	Graph *hnsw.GraphReport `json:"graph,omitempty"`
}

// Consistent reports whether store and index agree and the graph is sound.
func (r ConsistencyReport) Consistent() bool {
	return len(r.StoreOnly) == 0 && len(r.IndexOnly) == 0 && (r.Graph == nil || r.Graph.OK())
}

// Diverged reports whether some id is held by only one of the structures.
func (r ConsistencyReport) Diverged() bool {
	return len(r.StoreOnly) > 0 || len(r.IndexOnly) > 0
}

// needsRepair reports whether Repair has work to do. Graph problems alone do
// not count: Repair only purges ids.
func (c *Collection) needsRepair(r ConsistencyReport) bool {
	return r.Diverged() || c.staleCount() > 0
}

// Verify compares the store and the index without changing anything.
func (c *Collection) Verify() ConsistencyReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifyLocked()
}

func (c *Collection) verifyLocked() ConsistencyReport {
	var r ConsistencyReport
	r.StoreOnly, r.IndexOnly = diffSorted(c.store.IDs(), c.index.IDs())
	if g, ok := c.index.(*hnsw.Index); ok {
		gr := g.CheckGraph()
		r.Graph = &gr
	}
	return r
}

// Repair purges every id present in only one structure, plus the ids a
// search found stale, and returns what it found before repairing.
func (c *Collection) Repair(ctx context.Context) (ConsistencyReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.verifyLocked()

	c.staleMu.Lock()
	stale := make([]uint64, 0, len(c.stale))
	for id := range c.stale {
		stale = append(stale, id)
	}
	clear(c.stale)
	c.staleMu.Unlock()

	for _, id := range stale {
		if _, err := c.store.Get(id); err != nil && c.index.Contains(id) && !containsID(r.IndexOnly, id) {
			r.IndexOnly = append(r.IndexOnly, id)
		}
	}

	for _, id := range r.StoreOnly {
		slog.Warn("engine: purging store-only record", "id", id,
			"error", fmt.Errorf("%w: id %d stored but not indexed", types.ErrInvariantViolation, id))
		if _, err := c.store.Remove(ctx, id); err != nil {
			return r, fmt.Errorf("engine: purge store-only record %d: %w", id, err)
		}
		metrics.RepairsTotal.WithLabelValues("store").Inc()
	}
	for _, id := range r.IndexOnly {
		slog.Warn("engine: purging index-only node", "id", id,
			"error", fmt.Errorf("%w: id %d indexed but not stored", types.ErrInvariantViolation, id))
		if err := c.index.Remove(id); err != nil {
			return r, fmt.Errorf("engine: purge index-only node %d: %w", id, err)
		}
		metrics.RepairsTotal.WithLabelValues("index").Inc()
	}
	metrics.TotalVectors.Set(float64(c.index.Len()))
	return r, nil
}

// diffSorted returns the elements only in a and only in b. Both inputs must
// be sorted ascending.
func diffSorted(a, b []uint64) (onlyA, onlyB []uint64) {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			i++
			j++
		case a[i] < b[j]:
			onlyA = append(onlyA, a[i])
			i++
		default:
			onlyB = append(onlyB, b[j])
			j++
		}
	}
	onlyA = append(onlyA, a[i:]...)
	onlyB = append(onlyB, b[j:]...)
	return onlyA, onlyB
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
