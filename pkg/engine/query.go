package engine

import (
	"log/slog"
	"time"

	"github.com/sanonone/imagesdb/pkg/core/types"
	"github.com/sanonone/imagesdb/pkg/metrics"
	"github.com/sanonone/imagesdb/pkg/store"
)

// Hit is a hydrated search result.
type Hit struct {
	Record store.Record `json:"record"`
	// Score is the distance to the query: lower is more similar.
	Score float64 `json:"score"`
}

// QueryResult is the outcome of a Search.
type QueryResult struct {
	// Hits are sorted by ascending score, ties by ascending id.
	Hits []Hit `json:"hits"`
	// NumVectorsSearched counts the distinct nodes whose distance was
	// evaluated, not just the returned ones.
	NumVectorsSearched int `json:"num_vectors_searched"`
	// TimeTaken covers the index search only.
	TimeTaken       time.Duration `json:"-"`
	TimeTakenMillis int64         `json:"time_taken_millis"`
}

// Search returns the k records nearest to query. ef widens the beam (0 uses
// the collection default). Candidates whose record vanished from the store
// are dropped and queued for repair.
func (c *Collection) Search(query []float32, k, ef int) (QueryResult, error) {
	if len(query) != c.opts.Dimensions {
		return QueryResult{}, types.DimensionError(len(query), c.opts.Dimensions)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	start := time.Now()
	candidates, stats, err := c.index.Search(query, k, ef)
	elapsed := time.Since(start)
	if err != nil {
		return QueryResult{}, err
	}

	metrics.SearchDuration.Observe(elapsed.Seconds())
	metrics.SearchVisited.Observe(float64(stats.Visited))

	hits := make([]Hit, 0, len(candidates))
	for _, cand := range candidates {
		rec, err := c.store.Get(cand.ID)
		if err != nil {
			slog.Debug("engine: dropping stale candidate", "id", cand.ID, "error", err)
			c.markStale(cand.ID)
			continue
		}
		hits = append(hits, Hit{Record: rec, Score: cand.Distance})
	}

	return QueryResult{
		Hits:               hits,
		NumVectorsSearched: stats.Visited,
		TimeTaken:          elapsed,
		TimeTakenMillis:    elapsed.Milliseconds(),
	}, nil
}

func (c *Collection) markStale(id uint64) {
	c.staleMu.Lock()
	c.stale[id] = struct{}{}
	c.staleMu.Unlock()
}

func (c *Collection) staleCount() int {
	c.staleMu.Lock()
	defer c.staleMu.Unlock()
	return len(c.stale)
}
