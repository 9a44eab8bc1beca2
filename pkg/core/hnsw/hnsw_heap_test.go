package hnsw

import (
	"container/heap"
	"testing"
)

func TestMinHeapCorrectness(t *testing.T) {
	candidates := []candidate{
		{slot: 1, id: 10, dist: 5.0},
		{slot: 2, id: 20, dist: 2.0},
		{slot: 3, id: 30, dist: 8.0},
		{slot: 4, id: 5, dist: 2.0}, // same distance, lower id wins
	}

	h := newMinHeap(4)
	for _, c := range candidates {
		heap.Push(h, c)
	}

	expectedIDs := []uint64{5, 20, 10, 30}
	for i, want := range expectedIDs {
		c := heap.Pop(h).(candidate)
		if c.id != want {
			t.Errorf("MinHeap Pop %d: got id %d, want %d", i, c.id, want)
		}
	}
}

func TestMaxHeapCorrectness(t *testing.T) {
	candidates := []candidate{
		{slot: 1, id: 1, dist: 5.0},
		{slot: 2, id: 2, dist: 8.0},
		{slot: 3, id: 3, dist: 2.0},
		{slot: 4, id: 4, dist: 8.0},
	}

	h := newMaxHeap(4)
	for _, c := range candidates {
		heap.Push(h, c)
	}

	if top := h.Peek(); top.id != 4 {
		t.Fatalf("Peek: got id %d, want 4", top.id)
	}

	sorted := h.drainSorted()
	expectedIDs := []uint64{3, 1, 2, 4}
	for i, want := range expectedIDs {
		if sorted[i].id != want {
			t.Errorf("drainSorted[%d]: got id %d, want %d", i, sorted[i].id, want)
		}
	}
	if h.Len() != 0 {
		t.Errorf("heap not drained, %d left", h.Len())
	}
}

func TestBitSet(t *testing.T) {
	bs := NewBitSet(10)
	if !bs.Add(3) {
		t.Error("first Add should report true")
	}
	if bs.Add(3) {
		t.Error("second Add should report false")
	}
	bs.Add(1000) // forces growth
	if !bs.Has(1000) || !bs.Has(3) || bs.Has(4) {
		t.Error("membership mismatch after growth")
	}
	if bs.Count() != 2 {
		t.Errorf("Count = %d, want 2", bs.Count())
	}
	bs.Clear()
	if bs.Has(3) || bs.Count() != 0 {
		t.Error("Clear did not empty the set")
	}
}
