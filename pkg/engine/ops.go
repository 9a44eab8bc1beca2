// This file implements the ingestion and removal pipeline. Store and index
// mutations are sequenced so that they never diverge: inserts go to the
// store first and are rolled back if the index refuses them; removals go to
// the index first and are undone if the store refuses them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sanonone/imagesdb/pkg/core/types"
	"github.com/sanonone/imagesdb/pkg/metrics"
	"github.com/sanonone/imagesdb/pkg/store"
)

// Put stores an embedding under key and indexes it. The returned record
// carries the assigned id.
func (c *Collection) Put(ctx context.Context, key string, embedding []float32) (store.Record, error) {
	if len(embedding) != c.opts.Dimensions {
		metrics.IngestTotal.WithLabelValues("rejected").Inc()
		return store.Record{}, types.DimensionError(len(embedding), c.opts.Dimensions)
	}

	c.mu.Lock()
	rec, err := c.putLocked(ctx, key, embedding)
	count := c.index.Len()
	c.mu.Unlock()

	if err != nil {
		return store.Record{}, err
	}
	metrics.IngestTotal.WithLabelValues("ok").Inc()
	metrics.TotalVectors.Set(float64(count))
	c.events.publish(Event{Type: EventInserted, ID: rec.ID, Key: rec.Key})
	return rec, nil
}

func (c *Collection) putLocked(ctx context.Context, key string, embedding []float32) (store.Record, error) {
	rec, err := c.store.Put(ctx, key, embedding)
	if err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		return store.Record{}, err
	}

	if err := c.index.Insert(rec.ID, rec.Embedding); err != nil {
		metrics.IngestTotal.WithLabelValues("rejected").Inc()
		// Compensate: the record must not outlive its failed index insertion.
		if _, rerr := c.store.Remove(ctx, rec.ID); rerr != nil {
			slog.Error("engine: rollback of store write failed",
				"id", rec.ID, "error", rerr, "cause", err)
			err = errors.Join(err, fmt.Errorf("rollback: %w", rerr))
		}
		return store.Record{}, fmt.Errorf("engine: index record %d: %w", rec.ID, err)
	}
	return rec, nil
}

// BatchItem is one element of PutBatch.
type BatchItem struct {
	Key       string    `json:"key"`
	Embedding []float32 `json:"embedding"`
}

// PutBatch inserts items in order and stops at the first failure, returning
// the records inserted so far alongside the error.
func (c *Collection) PutBatch(ctx context.Context, items []BatchItem) ([]store.Record, error) {
	out := make([]store.Record, 0, len(items))
	for i, it := range items {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rec, err := c.Put(ctx, it.Key, it.Embedding)
		if err != nil {
			return out, fmt.Errorf("engine: batch item %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns the record with the given id.
func (c *Collection) Get(id uint64) (store.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Get(id)
}

// GetAll returns every record in ascending id order.
func (c *Collection) GetAll() []store.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.GetAll()
}

// Len returns the number of records.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Len()
}

// Remove deletes a record. It reports false, without error, for unknown ids.
func (c *Collection) Remove(ctx context.Context, id uint64) (bool, error) {
	c.mu.Lock()
	removed, key, err := c.removeLocked(ctx, id)
	count := c.index.Len()
	c.mu.Unlock()

	if err != nil || !removed {
		return removed, err
	}
	metrics.TotalVectors.Set(float64(count))
	c.events.publish(Event{Type: EventRemoved, ID: id, Key: key})
	return true, nil
}

func (c *Collection) removeLocked(ctx context.Context, id uint64) (bool, string, error) {
	rec, err := c.store.Get(id)
	if errors.Is(err, types.ErrNotFound) {
		// An index-only entry is a divergence: drop it on sight.
		if c.index.Contains(id) {
			slog.Warn("engine: dropping index-only entry", "id", id,
				"error", fmt.Errorf("%w: id %d indexed but not stored", types.ErrInvariantViolation, id))
			_ = c.index.Remove(id)
			metrics.RepairsTotal.WithLabelValues("index").Inc()
		}
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}

	indexed := true
	if err := c.index.Remove(id); err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return false, "", fmt.Errorf("engine: unindex record %d: %w", id, err)
		}
		indexed = false
	}

	if _, err := c.store.Remove(ctx, id); err != nil {
		if indexed {
			// Compensate: put the node back so the pair stays together.
			if ierr := c.index.Insert(id, rec.Embedding); ierr != nil {
				slog.Error("engine: re-index after failed store delete failed", "id", id, "error", ierr)
				err = errors.Join(err, fmt.Errorf("re-index: %w", ierr))
			}
		}
		return false, "", err
	}
	return true, rec.Key, nil
}

// RemoveAll drops every record. Readers see the full collection or an empty
// one, never a partial state. Calling it twice is the same as calling it once.
func (c *Collection) RemoveAll(ctx context.Context) error {
	c.mu.Lock()
	err := c.store.RemoveAll(ctx)
	if err == nil {
		c.index.Clear()
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.staleMu.Lock()
	clear(c.stale)
	c.staleMu.Unlock()

	metrics.TotalVectors.Set(0)
	c.events.publish(Event{Type: EventCleared})
	return nil
}

// RemoveKey deletes every record stored under key and returns how many
// were removed. Keys are not unique, so this is a scan.
func (c *Collection) RemoveKey(ctx context.Context, key string) (int, error) {
	c.mu.Lock()
	var ids []uint64
	for _, rec := range c.store.GetAll() {
		if rec.Key == key {
			ids = append(ids, rec.ID)
		}
	}
	var (
		removed []uint64
		err     error
	)
	for _, id := range ids {
		ok, _, rerr := c.removeLocked(ctx, id)
		if rerr != nil {
			err = rerr
			break
		}
		if ok {
			removed = append(removed, id)
		}
	}
	count := c.index.Len()
	c.mu.Unlock()

	if len(removed) > 0 {
		metrics.TotalVectors.Set(float64(count))
	}
	for _, id := range removed {
		c.events.publish(Event{Type: EventRemoved, ID: id, Key: key})
	}
	return len(removed), err
}
