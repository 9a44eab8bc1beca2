package hnsw

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sanonone/imagesdb/pkg/core/distance"
)

// TestConcurrencyChaos runs writers, removers and readers against one index.
// Run with: go test -race
func TestConcurrencyChaos(t *testing.T) {
	idx := newTestIndex(t, 32, distance.Cosine)

	const (
		numWriters   = 4
		numRemovers  = 2
		numReaders   = 8
		testDuration = 2 * time.Second
		vectorDim    = 32
	)

	var (
		wg       sync.WaitGroup
		nextID   atomic.Uint64
		inserted sync.Map
	)
	done := make(chan struct{})
	go func() {
		time.Sleep(testDuration)
		close(done)
	}()

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-done:
					return
				default:
				}
				id := nextID.Add(1)
				if err := idx.Insert(id, randomVector(rng, vectorDim)); err != nil {
					t.Errorf("Insert %d: %v", id, err)
					return
				}
				inserted.Store(id, struct{}{})
			}
		}(int64(i))
	}

	for i := 0; i < numRemovers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-done:
					return
				default:
				}
				n := nextID.Load()
				if n == 0 {
					continue
				}
				id := uint64(rng.Int63n(int64(n))) + 1
				if _, ok := inserted.LoadAndDelete(id); ok {
					if err := idx.Remove(id); err != nil {
						t.Errorf("Remove %d: %v", id, err)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(int64(100 + i))
	}

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-done:
					return
				default:
				}
				res, _, err := idx.Search(randomVector(rng, vectorDim), 20, 100)
				if err != nil {
					t.Errorf("Search: %v", err)
					return
				}
				if len(res) > 20 {
					t.Errorf("Search returned %d results", len(res))
					return
				}
			}
		}(int64(200 + i))
	}

	wg.Wait()

	assertGraphOK(t, idx)
	want := 0
	inserted.Range(func(_, _ any) bool { want++; return true })
	if idx.Len() != want {
		t.Errorf("Len = %d, want %d", idx.Len(), want)
	}
	if want == 0 {
		t.Error("index is empty after chaos test, something blocked insertions")
	}
}
