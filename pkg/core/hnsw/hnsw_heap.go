package hnsw

// This file defines the min-heap and max-heap used during graph traversal.
// Both are built on container/heap and order candidates by distance, with
// the record id as tie-breaker so that results are deterministic.

import "container/heap"

// candidate is a node reached during a traversal.
type candidate struct {
	slot uint32
	id   uint64
	dist float64
}

func (c candidate) less(o candidate) bool {
	if c.dist != o.dist {
		return c.dist < o.dist
	}
	return c.id < o.id
}

// minHeap keeps the closest candidate on top. It holds the nodes still to be
// expanded, so the search always explores the most promising one next.
type minHeap []candidate

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// maxHeap keeps the farthest candidate on top. It holds the best ef nodes
// found so far; the root is the worst of the best and is evicted first.
type maxHeap []candidate

func (h maxHeap) Len() int           { return len(h) }
func (h maxHeap) Less(i, j int) bool { return h[j].less(h[i]) }
func (h maxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Peek returns the farthest candidate without removing it.
func (h maxHeap) Peek() candidate { return h[0] }

func newMinHeap(capacity int) *minHeap {
	h := make(minHeap, 0, capacity)
	heap.Init(&h)
	return &h
}

func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	heap.Init(&h)
	return &h
}

// drainSorted empties the max-heap and returns its content ordered from
// closest to farthest.
func (h *maxHeap) drainSorted() []candidate {
	out := make([]candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(candidate)
	}
	return out
}
