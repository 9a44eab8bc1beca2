// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// (HNSW) graph algorithm for efficient approximate nearest neighbor search.
//
// The Index keeps nodes in an arena slice addressed by uint32 slots. Removed
// slots go to a free list and are reused by later insertions. Every edge is
// tracked in both directions (out and in lists) so a removal can find and
// repair every neighbor that pointed at the removed node.
package hnsw

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sanonone/imagesdb/pkg/core/distance"
	"github.com/sanonone/imagesdb/pkg/core/types"
)

var (
	// ErrInvalidVector is returned for vectors the metric cannot handle:
	// NaN or infinite components, or a zero vector under cosine.
	ErrInvalidVector = errors.New("hnsw: invalid vector")
	// ErrDuplicateID is returned when inserting an id that is already indexed.
	ErrDuplicateID = errors.New("hnsw: duplicate id")
)

// Index represents the hierarchical graph structure.
type Index struct {
	// Global mutex: searches share it, mutations hold it exclusively.
	mu sync.RWMutex

	cfg   Config
	mMax0 int
	// ml is the normalization factor for the level distribution.
	ml       float64
	distFunc distance.DistanceFuncF32

	nodes []*node
	free  []uint32
	slots map[uint64]uint32

	entry    uint32
	maxLevel int // -1 when empty

	rng *rand.Rand // guarded by mu (write side)

	statePool sync.Pool
}

// searchState is the per-traversal scratch space.
type searchState struct {
	layer     *BitSet // visited at the layer being searched
	evaluated *BitSet // every node whose distance was computed
}

// New creates an empty index. Zero-valued parameters take their defaults.
func New(cfg Config) (*Index, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fn, err := distance.GetFloat32Func(cfg.Metric)
	if err != nil {
		return nil, err
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	h := &Index{
		cfg:      cfg,
		mMax0:    cfg.M * 2,
		ml:       1.0 / math.Log(float64(cfg.M)),
		distFunc: fn,
		nodes:    make([]*node, 0, 1024),
		slots:    make(map[uint64]uint32),
		maxLevel: -1,
		rng:      rand.New(rand.NewSource(seed)),
	}
	h.statePool = sync.Pool{
		New: func() any {
			return &searchState{layer: NewBitSet(1024), evaluated: NewBitSet(1024)}
		},
	}
	return h, nil
}

// Config returns the construction parameters.
func (h *Index) Config() Config { return h.cfg }

// Dimensions returns the required vector length.
func (h *Index) Dimensions() int { return h.cfg.Dimensions }

// Metric returns the distance metric.
func (h *Index) Metric() distance.DistanceMetric { return h.cfg.Metric }

// Len returns the number of indexed nodes.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.slots)
}

// Contains reports whether id is indexed.
func (h *Index) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.slots[id]
	return ok
}

// IDs returns every indexed id in ascending order.
func (h *Index) IDs() []uint64 {
	h.mu.RLock()
	ids := make([]uint64, 0, len(h.slots))
	for id := range h.slots {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// MaxLevel returns the highest populated layer, or -1 when empty.
func (h *Index) MaxLevel() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.maxLevel
}

// Info describes the index for the API.
func (h *Index) Info() types.IndexInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return types.IndexInfo{
		Kind:           "hnsw",
		Metric:         string(h.cfg.Metric),
		Dimensions:     h.cfg.Dimensions,
		M:              h.cfg.M,
		EfConstruction: h.cfg.EfConstruction,
		EfSearch:       h.cfg.EfSearch,
		MaxLevel:       h.maxLevel,
		VectorCount:    len(h.slots),
	}
}

func (h *Index) maxConns(level int) int {
	if level == 0 {
		return h.mMax0
	}
	return h.cfg.M
}

// randomLevel draws floor(-ln(U) * ml) with U in (0, 1].
func (h *Index) randomLevel() int {
	u := 1 - h.rng.Float64()
	level := int(math.Floor(-math.Log(u) * h.ml))
	if level > maxLevelCap {
		level = maxLevelCap
	}
	return level
}

// prepare validates vec and returns the index's private copy of it.
func (h *Index) prepare(vec []float32) ([]float32, error) {
	if len(vec) != h.cfg.Dimensions {
		return nil, types.DimensionError(len(vec), h.cfg.Dimensions)
	}
	if !distance.IsFinite(vec) {
		return nil, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
	}
	if h.cfg.Metric == distance.Cosine {
		out := distance.Normalized(vec)
		if out == nil {
			return nil, fmt.Errorf("%w: zero vector under cosine metric", ErrInvalidVector)
		}
		return out, nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, nil
}

func (h *Index) dist(a, b []float32) float64 {
	d, err := h.distFunc(a, b)
	if err != nil || math.IsNaN(d) {
		return math.Inf(1)
	}
	return d
}

func (h *Index) acquireState() *searchState {
	st := h.statePool.Get().(*searchState)
	n := uint32(len(h.nodes))
	st.layer.EnsureCapacity(n)
	st.evaluated.EnsureCapacity(n)
	return st
}

func (h *Index) releaseState(st *searchState) {
	st.layer.Clear()
	st.evaluated.Clear()
	h.statePool.Put(st)
}

// evaluate computes the distance from q to the node at slot and records the visit.
func (h *Index) evaluate(st *searchState, q []float32, slot uint32) candidate {
	st.evaluated.Add(slot)
	n := h.nodes[slot]
	return candidate{slot: slot, id: n.id, dist: h.dist(q, n.vector)}
}

// Insert adds a vector under id. The vector is copied.
func (h *Index) Insert(id uint64, vec []float32) error {
	v, err := h.prepare(vec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.slots[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	level := h.randomLevel()
	n := newNode(id, v, level)
	slot := h.allocSlot(n)
	h.slots[id] = slot

	if h.maxLevel < 0 {
		h.entry = slot
		h.maxLevel = level
		return nil
	}

	st := h.acquireState()
	defer h.releaseState(st)

	// Greedy descent through the layers above the node's own level.
	ep := []candidate{h.evaluate(st, v, h.entry)}
	for l := h.maxLevel; l > level; l-- {
		ep = h.searchLayer(st, v, ep, 1, l)[:1]
	}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		w := h.searchLayer(st, v, ep, h.cfg.EfConstruction, l)
		selected := h.selectNeighbors(w, h.maxConns(l))
		for _, c := range selected {
			h.link(slot, c.slot, l)
		}
		for _, c := range selected {
			h.connectBack(c.slot, slot, l)
		}
		ep = w
	}

	if level > h.maxLevel {
		// The new node becomes the root of the anchor tree.
		prev := h.entry
		h.maxLevel = level
		h.entry = slot
		h.adopt(prev, append([]uint32{slot}, n.out[0]...))
		return nil
	}
	hints := make([]uint32, len(ep))
	for i, c := range ep {
		hints[i] = c.slot
	}
	h.adopt(slot, hints)
	return nil
}

func (h *Index) allocSlot(n *node) uint32 {
	if k := len(h.free); k > 0 {
		slot := h.free[k-1]
		h.free = h.free[:k-1]
		h.nodes[slot] = n
		return slot
	}
	h.nodes = append(h.nodes, n)
	return uint32(len(h.nodes) - 1)
}

// Search returns up to k nearest neighbors of query ordered by ascending
// distance (ties by ascending id), plus the traversal statistics.
// ef <= 0 uses the configured EfSearch; the beam is never narrower than k.
func (h *Index) Search(query []float32, k, ef int) ([]types.Candidate, types.SearchStats, error) {
	if len(query) != h.cfg.Dimensions {
		return nil, types.SearchStats{}, types.DimensionError(len(query), h.cfg.Dimensions)
	}
	if k <= 0 {
		return []types.Candidate{}, types.SearchStats{}, nil
	}
	if !distance.IsFinite(query) {
		return nil, types.SearchStats{}, fmt.Errorf("%w: non-finite component", ErrInvalidVector)
	}
	q := query
	if h.cfg.Metric == distance.Cosine {
		if q = distance.Normalized(query); q == nil {
			return nil, types.SearchStats{}, fmt.Errorf("%w: zero query under cosine metric", ErrInvalidVector)
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.maxLevel < 0 {
		return []types.Candidate{}, types.SearchStats{}, nil
	}
	if ef <= 0 {
		ef = h.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	st := h.acquireState()
	defer h.releaseState(st)

	ep := []candidate{h.evaluate(st, q, h.entry)}
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayer(st, q, ep, 1, l)[:1]
	}
	w := h.searchLayer(st, q, ep, ef, 0)
	if len(w) > k {
		w = w[:k]
	}

	out := make([]types.Candidate, len(w))
	for i, c := range w {
		out[i] = types.Candidate{ID: c.id, Distance: c.dist}
	}
	return out, types.SearchStats{Visited: st.evaluated.Count()}, nil
}

// searchLayer runs a beam search of width ef on one layer starting from eps.
// The result is sorted closest first and is never empty when eps is not.
func (h *Index) searchLayer(st *searchState, q []float32, eps []candidate, ef, level int) []candidate {
	visited := st.layer
	visited.Clear()

	candidates := newMinHeap(ef)
	results := newMaxHeap(ef + 1)

	for _, ep := range eps {
		if !visited.Add(ep.slot) {
			continue
		}
		heap.Push(candidates, ep)
		heap.Push(results, ep)
		if results.Len() > ef {
			heap.Pop(results)
		}
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(candidate)

		// Nothing reachable from here can beat the worst kept result.
		if results.Len() >= ef && results.Peek().less(current) {
			break
		}

		n := h.nodes[current.slot]
		if n == nil || level >= len(n.out) {
			continue
		}

		for _, nb := range n.out[level] {
			if !visited.Add(nb) {
				continue
			}
			if h.nodes[nb] == nil {
				continue
			}
			c := h.evaluate(st, q, nb)
			if results.Len() < ef || c.less(results.Peek()) {
				heap.Push(candidates, c)
				heap.Push(results, c)
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	return results.drainSorted()
}

// selectNeighbors applies the diversity heuristic to candidates sorted by
// ascending distance: a candidate is kept only if no already selected
// neighbor is closer to it than it is to the query. Slots left free are
// filled with the best discarded candidates so that nodes do not end up
// weakly connected.
func (h *Index) selectNeighbors(candidates []candidate, m int) []candidate {
	if len(candidates) <= m {
		return candidates
	}

	results := make([]candidate, 0, m)
	discarded := make([]candidate, 0, len(candidates))

	for _, e := range candidates {
		if len(results) >= m {
			break
		}
		good := true
		ev := h.nodes[e.slot].vector
		for _, r := range results {
			if h.dist(ev, h.nodes[r.slot].vector) < e.dist {
				good = false
				break
			}
		}
		if good {
			results = append(results, e)
		} else {
			discarded = append(discarded, e)
		}
	}

	for _, c := range discarded {
		if len(results) >= m {
			break
		}
		results = append(results, c)
	}
	return results
}

// link adds the directed edge from -> to at level.
func (h *Index) link(from, to uint32, level int) {
	f := h.nodes[from]
	f.out[level] = append(f.out[level], to)
	t := h.nodes[to]
	t.in[level] = append(t.in[level], from)
}

// unlink removes the directed edge from -> to at level.
func (h *Index) unlink(from, to uint32, level int) {
	if f := h.nodes[from]; f != nil && level < len(f.out) {
		f.out[level] = removeFrom(f.out[level], to)
	}
	if t := h.nodes[to]; t != nil && level < len(t.in) {
		t.in[level] = removeFrom(t.in[level], from)
	}
}

// setOut replaces the neighbor list of slot at level, keeping in lists in sync.
func (h *Index) setOut(slot uint32, level int, next []uint32) {
	n := h.nodes[slot]
	for _, old := range n.out[level] {
		if !contains(next, old) {
			if t := h.nodes[old]; t != nil {
				t.in[level] = removeFrom(t.in[level], slot)
			}
		}
	}
	for _, nb := range next {
		if !contains(n.out[level], nb) {
			t := h.nodes[nb]
			t.in[level] = append(t.in[level], slot)
		}
	}
	n.out[level] = next
}

// connectBack adds the reverse edge nb -> slot, pruning nb's list with the
// heuristic when it is already full.
func (h *Index) connectBack(nb, slot uint32, level int) {
	n := h.nodes[nb]
	if level >= len(n.out) || contains(n.out[level], slot) {
		return
	}
	if len(n.out[level]) < h.maxConns(level) {
		h.link(nb, slot, level)
		return
	}
	pool := make([]uint32, 0, len(n.out[level])+1)
	pool = append(pool, n.out[level]...)
	pool = append(pool, slot)
	h.relink(nb, level, pool)
}

// relink rebuilds the neighbor list of slot at level from pool. Nodes the
// slot anchors stay in its layer-0 list; the heuristic fills the rest.
func (h *Index) relink(slot uint32, level int, pool []uint32) {
	n := h.nodes[slot]
	if n == nil || level >= len(n.out) {
		return
	}
	var keep []uint32
	if level == 0 {
		keep = h.anchoredOut(slot)
	}
	seen := make(map[uint32]struct{}, len(pool)+len(keep))
	for _, k := range keep {
		seen[k] = struct{}{}
	}
	cands := make([]candidate, 0, len(pool))
	for _, p := range pool {
		if p == slot {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		pn := h.nodes[p]
		if pn == nil || pn.level < level {
			continue
		}
		cands = append(cands, candidate{slot: p, id: pn.id, dist: h.dist(n.vector, pn.vector)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].less(cands[j]) })

	selected := h.selectNeighbors(cands, max(h.maxConns(level)-len(keep), 0))
	next := make([]uint32, 0, len(keep)+len(selected))
	next = append(next, keep...)
	for _, c := range selected {
		next = append(next, c.slot)
	}
	h.setOut(slot, level, next)
}

// Remove deletes id from the graph and repairs the neighborhoods it leaves
// behind. Each former neighbor is relinked from its surviving neighbors plus
// the removed node's neighbors at that layer.
func (h *Index) Remove(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.slots[id]
	if !ok {
		return fmt.Errorf("hnsw: id %d: %w", id, types.ErrNotFound)
	}
	x := h.nodes[slot]

	// Snapshot neighborhoods before detaching.
	formers := make([][]uint32, x.level+1)
	for l := 0; l <= x.level; l++ {
		formers[l] = union(x.out[l], x.in[l])
	}
	orphans := h.anchoredOut(slot)

	for l := 0; l <= x.level; l++ {
		h.setOut(slot, l, nil)
		for _, a := range append([]uint32(nil), x.in[l]...) {
			h.unlink(a, slot, l)
		}
	}

	delete(h.slots, id)
	h.nodes[slot] = nil
	h.free = append(h.free, slot)

	for l := 0; l <= x.level; l++ {
		for _, a := range formers[l] {
			an := h.nodes[a]
			if an == nil || l >= len(an.out) {
				continue
			}
			pool := make([]uint32, 0, len(an.out[l])+len(formers[l]))
			pool = append(pool, an.out[l]...)
			pool = append(pool, formers[l]...)
			h.relink(a, l, pool)
		}
	}

	for _, o := range orphans {
		h.nodes[o].hasAnchor = false
	}
	if slot == h.entry {
		h.electEntry()
		if h.maxLevel >= 0 {
			h.nodes[h.entry].hasAnchor = false
		}
	}
	for _, o := range orphans {
		if o != h.entry {
			h.adopt(o, formers[0])
		}
	}
	return nil
}

// electEntry promotes the node at the highest surviving layer. Ties go to
// the lowest slot.
func (h *Index) electEntry() {
	h.maxLevel = -1
	h.entry = 0
	for i, n := range h.nodes {
		if n != nil && n.level > h.maxLevel {
			h.maxLevel = n.level
			h.entry = uint32(i)
		}
	}
}

// Clear drops every node. The index keeps its configuration.
func (h *Index) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nodes = make([]*node, 0, 1024)
	h.free = nil
	h.slots = make(map[uint64]uint32)
	h.entry = 0
	h.maxLevel = -1
}

func union(a, b []uint32) []uint32 {
	out := make([]uint32, 0, len(a)+len(b))
	out = append(out, a...)
	for _, v := range b {
		if !contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
