package hnsw

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/core/types"
)

func newTestIndex(t *testing.T, dims int, metric distance.DistanceMetric) *Index {
	t.Helper()
	cfg := DefaultConfig(dims)
	cfg.Metric = metric
	cfg.Seed = 42
	idx, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return idx
}

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func unitVector(rng *rand.Rand, dim int) []float32 {
	return distance.Normalized(randomVector(rng, dim))
}

func assertGraphOK(t *testing.T, idx *Index) {
	t.Helper()
	r := idx.CheckGraph()
	if !r.OK() {
		t.Fatalf("graph check failed: %v", r.Problems)
	}
}

func TestConcreteDotProductScenario(t *testing.T) {
	idx := newTestIndex(t, 3, distance.DotProduct)

	// A=1, B=2, C=3
	vectors := map[uint64][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
		3: {0.9, 0.1, 0},
	}
	for _, id := range []uint64{1, 2, 3} {
		if err := idx.Insert(id, vectors[id]); err != nil {
			t.Fatalf("Insert %d: %v", id, err)
		}
	}

	res, stats, err := idx.Search([]float32{1, 0, 0}, 2, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 2 || res[0].ID != 1 || res[1].ID != 3 {
		t.Fatalf("expected order [1 3], got %+v", res)
	}
	if math.Abs(res[0].Distance) > 1e-6 || math.Abs(res[1].Distance-0.1) > 1e-6 {
		t.Errorf("unexpected distances %+v", res)
	}
	if stats.Visited < 2 || stats.Visited > 3 {
		t.Errorf("visited = %d, want between 2 and 3", stats.Visited)
	}
}

func TestKLargerThanPopulation(t *testing.T) {
	idx := newTestIndex(t, 3, distance.Euclidean)
	for i := uint64(1); i <= 3; i++ {
		if err := idx.Insert(i, []float32{float32(i), 0, 0}); err != nil {
			t.Fatal(err)
		}
	}
	res, _, err := idx.Search([]float32{0, 0, 0}, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res))
	}
}

func TestEmptyIndexAndNonPositiveK(t *testing.T) {
	idx := newTestIndex(t, 4, distance.Cosine)
	res, stats, err := idx.Search([]float32{1, 0, 0, 0}, 5, 0)
	if err != nil || len(res) != 0 || stats.Visited != 0 {
		t.Fatalf("empty search: res=%v stats=%+v err=%v", res, stats, err)
	}
	_ = idx.Insert(1, []float32{1, 0, 0, 0})
	res, _, err = idx.Search([]float32{1, 0, 0, 0}, 0, 0)
	if err != nil || len(res) != 0 {
		t.Fatalf("k=0 search: res=%v err=%v", res, err)
	}
}

func TestDimensionGuard(t *testing.T) {
	idx := newTestIndex(t, 4, distance.DotProduct)
	err := idx.Insert(1, []float32{1, 2, 3})
	if !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if idx.Len() != 0 {
		t.Fatal("index changed after rejected insert")
	}
	if _, _, err := idx.Search([]float32{1}, 1, 0); !errors.Is(err, types.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch on search, got %v", err)
	}
}

func TestInvalidVectors(t *testing.T) {
	cos := newTestIndex(t, 2, distance.Cosine)
	if err := cos.Insert(1, []float32{0, 0}); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("zero vector under cosine: got %v", err)
	}
	dot := newTestIndex(t, 2, distance.DotProduct)
	if err := dot.Insert(1, []float32{float32(math.NaN()), 1}); !errors.Is(err, ErrInvalidVector) {
		t.Errorf("NaN vector: got %v", err)
	}
	if err := dot.Insert(2, []float32{0, 0}); err != nil {
		t.Errorf("zero vector under dot should be accepted: %v", err)
	}
}

func TestDuplicateID(t *testing.T) {
	idx := newTestIndex(t, 2, distance.Euclidean)
	_ = idx.Insert(7, []float32{1, 1})
	if err := idx.Insert(7, []float32{2, 2}); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestInsertCopiesInput(t *testing.T) {
	idx := newTestIndex(t, 2, distance.Euclidean)
	v := []float32{1, 1}
	_ = idx.Insert(1, v)
	v[0] = 100
	res, _, _ := idx.Search([]float32{1, 1}, 1, 0)
	if len(res) != 1 || res[0].Distance != 0 {
		t.Fatalf("index aliased caller slice: %+v", res)
	}
}

func TestRoundTripAndMonotonicRanking(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const n, dim = 500, 32
	for _, metric := range []distance.DistanceMetric{distance.DotProduct, distance.Cosine, distance.Euclidean} {
		t.Run(string(metric), func(t *testing.T) {
			idx := newTestIndex(t, dim, metric)
			vecs := make([][]float32, n)
			for i := range vecs {
				// Unit vectors make every record its own nearest neighbor under dot.
				vecs[i] = unitVector(rng, dim)
				if err := idx.Insert(uint64(i+1), vecs[i]); err != nil {
					t.Fatal(err)
				}
			}
			assertGraphOK(t, idx)

			misses := 0
			for i, v := range vecs {
				res, _, err := idx.Search(v, 10, 0)
				if err != nil {
					t.Fatal(err)
				}
				if len(res) == 0 || res[0].ID != uint64(i+1) {
					misses++
				}
				for j := 1; j < len(res); j++ {
					if res[j-1].Distance > res[j].Distance {
						t.Fatalf("results not sorted: %+v", res)
					}
				}
			}
			if misses > n/100 {
				t.Errorf("%d of %d records were not their own top hit", misses, n)
			}
		})
	}
}

func bruteForce(vecs map[uint64][]float32, q []float32, k int) []uint64 {
	type hit struct {
		id uint64
		d  float64
	}
	hits := make([]hit, 0, len(vecs))
	for id, v := range vecs {
		d, _ := distance.GetFloat32Func(distance.Euclidean)
		dist, _ := d(q, v)
		hits = append(hits, hit{id, dist})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].d != hits[j].d {
			return hits[i].d < hits[j].d
		}
		return hits[i].id < hits[j].id
	})
	out := make([]uint64, 0, k)
	for i := 0; i < k && i < len(hits); i++ {
		out = append(out, hits[i].id)
	}
	return out
}

func recallAt(idx *Index, vecs map[uint64][]float32, queries [][]float32, k int) float64 {
	found, total := 0, 0
	for _, q := range queries {
		truth := bruteForce(vecs, q, k)
		res, _, _ := idx.Search(q, k, 100)
		got := make(map[uint64]struct{}, len(res))
		for _, c := range res {
			got[c.ID] = struct{}{}
		}
		for _, id := range truth {
			if _, ok := got[id]; ok {
				found++
			}
		}
		total += len(truth)
	}
	return float64(found) / float64(total)
}

func TestRecallAgainstBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const n, dim = 2000, 24
	idx := newTestIndex(t, dim, distance.Euclidean)
	vecs := make(map[uint64][]float32, n)
	for i := 1; i <= n; i++ {
		v := randomVector(rng, dim)
		vecs[uint64(i)] = v
		if err := idx.Insert(uint64(i), v); err != nil {
			t.Fatal(err)
		}
	}
	queries := make([][]float32, 50)
	for i := range queries {
		queries[i] = randomVector(rng, dim)
	}
	if r := recallAt(idx, vecs, queries, 10); r < 0.9 {
		t.Errorf("recall@10 = %.3f, want >= 0.9", r)
	}
}

func TestRemoveKeepsGraphNavigable(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const n, dim = 1000, 16
	idx := newTestIndex(t, dim, distance.Euclidean)
	vecs := make(map[uint64][]float32, n)
	for i := 1; i <= n; i++ {
		v := randomVector(rng, dim)
		vecs[uint64(i)] = v
		_ = idx.Insert(uint64(i), v)
	}

	// Remove half the nodes, entry point included at some point.
	for i := 1; i <= n; i += 2 {
		if err := idx.Remove(uint64(i)); err != nil {
			t.Fatalf("Remove %d: %v", i, err)
		}
		delete(vecs, uint64(i))
	}
	assertGraphOK(t, idx)
	if idx.Len() != len(vecs) {
		t.Fatalf("Len = %d, want %d", idx.Len(), len(vecs))
	}

	for id := range vecs {
		if !idx.Contains(id) {
			t.Fatalf("surviving id %d missing", id)
		}
	}

	queries := make([][]float32, 50)
	for i := range queries {
		queries[i] = randomVector(rng, dim)
	}
	if r := recallAt(idx, vecs, queries, 10); r < 0.85 {
		t.Errorf("recall@10 after removals = %.3f, want >= 0.85", r)
	}

	// Removed ids never come back.
	res, _, _ := idx.Search(randomVector(rng, dim), 50, 200)
	for _, c := range res {
		if c.ID%2 == 1 {
			t.Fatalf("removed id %d returned by search", c.ID)
		}
	}
}

// Unnormalized vectors under dot product make short vectors nobody's nearest
// neighbor; pruning must still leave every node reachable at layer 0.
func TestDotProductGraphStaysConnected(t *testing.T) {
	cases := []struct {
		name   string
		m, efC int
	}{
		{"defaults", 0, 0},
		{"small", 4, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(3))
			cfg := DefaultConfig(8)
			cfg.Seed = 42
			if tc.m > 0 {
				cfg.M = tc.m
				cfg.EfConstruction = tc.efC
			}
			idx, err := New(cfg)
			if err != nil {
				t.Fatal(err)
			}

			const n = 3000
			for i := uint64(1); i <= n; i++ {
				if err := idx.Insert(i, randomVector(rng, 8)); err != nil {
					t.Fatalf("Insert %d: %v", i, err)
				}
			}
			if r := idx.CheckGraph(); r.Unreachable != 0 || !r.OK() {
				t.Fatalf("after inserts: unreachable=%d problems=%v", r.Unreachable, r.Problems)
			}

			perm := rng.Perm(n)
			for _, p := range perm[:n/2] {
				if err := idx.Remove(uint64(p + 1)); err != nil {
					t.Fatalf("Remove %d: %v", p+1, err)
				}
			}
			if r := idx.CheckGraph(); r.Unreachable != 0 || !r.OK() {
				t.Fatalf("after removals: unreachable=%d problems=%v", r.Unreachable, r.Problems)
			}

			// Interleaved churn keeps the invariant too.
			next := uint64(n + 1)
			for i := 0; i < 500; i++ {
				_ = idx.Insert(next, randomVector(rng, 8))
				next++
				if p := perm[n/2+i]; i%2 == 0 {
					_ = idx.Remove(uint64(p + 1))
				}
			}
			assertGraphOK(t, idx)
		})
	}
}

func TestCheckGraphReportsUnreachable(t *testing.T) {
	idx := newTestIndex(t, 2, distance.Euclidean)
	for i := uint64(1); i <= 3; i++ {
		_ = idx.Insert(i, []float32{float32(i), 0})
	}
	assertGraphOK(t, idx)

	// Cut every edge into one node by hand.
	idx.mu.Lock()
	var lost uint32
	for slot := range idx.nodes {
		if uint32(slot) != idx.entry {
			lost = uint32(slot)
			break
		}
	}
	for _, src := range append([]uint32(nil), idx.nodes[lost].in[0]...) {
		idx.unlink(src, lost, 0)
	}
	idx.mu.Unlock()

	r := idx.CheckGraph()
	if r.Unreachable == 0 {
		t.Fatal("Unreachable = 0 for a node with no in-edges")
	}
	if r.OK() {
		t.Fatal("disconnected graph reported OK")
	}
}

func TestRemoveEntryPointPromotesHighestLevel(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	idx := newTestIndex(t, 8, distance.Euclidean)
	for i := uint64(1); i <= 300; i++ {
		_ = idx.Insert(i, randomVector(rng, 8))
	}
	for idx.Len() > 0 {
		idx.mu.RLock()
		entryID := idx.nodes[idx.entry].id
		idx.mu.RUnlock()
		if err := idx.Remove(entryID); err != nil {
			t.Fatal(err)
		}
		if idx.Len()%37 == 0 {
			assertGraphOK(t, idx)
		}
	}
	if idx.MaxLevel() != -1 {
		t.Fatalf("MaxLevel = %d after removing everything", idx.MaxLevel())
	}
	res, _, err := idx.Search(randomVector(rng, 8), 3, 0)
	if err != nil || len(res) != 0 {
		t.Fatalf("search on emptied index: %v %v", res, err)
	}
}

func TestRemoveUnknownAndSlotReuse(t *testing.T) {
	idx := newTestIndex(t, 2, distance.Euclidean)
	if err := idx.Remove(99); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for i := uint64(1); i <= 10; i++ {
		_ = idx.Insert(i, []float32{float32(i), float32(i)})
	}
	_ = idx.Remove(4)
	_ = idx.Insert(11, []float32{4, 4})
	assertGraphOK(t, idx)

	idx.mu.RLock()
	arena := len(idx.nodes)
	idx.mu.RUnlock()
	if arena != 10 {
		t.Errorf("freed slot not reused, arena size %d", arena)
	}
	res, _, _ := idx.Search([]float32{4, 4}, 1, 0)
	if len(res) != 1 || res[0].ID != 11 {
		t.Fatalf("expected id 11, got %+v", res)
	}
}

func TestClear(t *testing.T) {
	idx := newTestIndex(t, 2, distance.Euclidean)
	for i := uint64(1); i <= 20; i++ {
		_ = idx.Insert(i, []float32{float32(i), 0})
	}
	idx.Clear()
	idx.Clear()
	if idx.Len() != 0 || len(idx.IDs()) != 0 {
		t.Fatal("index not empty after Clear")
	}
	res, _, err := idx.Search([]float32{1, 0}, 5, 0)
	if err != nil || len(res) != 0 {
		t.Fatalf("search after clear: %v %v", res, err)
	}
	if err := idx.Insert(1, []float32{1, 0}); err != nil {
		t.Fatalf("insert after clear: %v", err)
	}
}

func TestLevelDistribution(t *testing.T) {
	idx := newTestIndex(t, 2, distance.Euclidean)
	counts := make(map[int]int)
	for i := 0; i < 100000; i++ {
		counts[idx.randomLevel()]++
	}
	// P(level >= 1) = 1/M.
	above := 100000 - counts[0]
	want := 100000.0 / float64(DefaultM)
	if math.Abs(float64(above)-want) > want*0.1 {
		t.Errorf("%d nodes above layer 0, want about %.0f", above, want)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Dimensions: 0}); err == nil {
		t.Error("expected error for zero dimensions")
	}
	if _, err := New(Config{Dimensions: 4, M: 1}); err == nil {
		t.Error("expected error for M=1")
	}
	if _, err := New(Config{Dimensions: 4, Metric: "manhattan"}); err == nil {
		t.Error("expected error for unknown metric")
	}
	idx, err := New(Config{Dimensions: 4})
	if err != nil {
		t.Fatal(err)
	}
	cfg := idx.Config()
	if cfg.M != DefaultM || cfg.EfConstruction != DefaultEfConstruction || cfg.EfSearch != DefaultEfSearch || cfg.Metric != distance.DotProduct {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}
