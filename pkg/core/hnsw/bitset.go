package hnsw

import "math/bits"

// BitSet is a growable set of arena slots, used as the visited set of a
// traversal. It is pooled, so Clear keeps the allocated buckets.
type BitSet struct {
	buckets []uint64
}

// NewBitSet returns a set able to hold slots up to initialCapacity without growing.
func NewBitSet(initialCapacity uint32) *BitSet {
	return &BitSet{buckets: make([]uint64, (initialCapacity>>6)+1)}
}

func (bs *BitSet) grow(n uint32) {
	needed := (n >> 6) + 1
	if uint32(len(bs.buckets)) < needed {
		nb := make([]uint64, needed)
		copy(nb, bs.buckets)
		bs.buckets = nb
	}
}

// Add inserts n and reports whether it was absent.
func (bs *BitSet) Add(n uint32) bool {
	b := n >> 6
	if b >= uint32(len(bs.buckets)) {
		bs.grow(n)
	}
	mask := uint64(1) << (n & 63)
	if bs.buckets[b]&mask != 0 {
		return false
	}
	bs.buckets[b] |= mask
	return true
}

// Has reports whether n is in the set.
func (bs *BitSet) Has(n uint32) bool {
	b := n >> 6
	if b >= uint32(len(bs.buckets)) {
		return false
	}
	return bs.buckets[b]&(uint64(1)<<(n&63)) != 0
}

// Count returns the number of slots in the set.
func (bs *BitSet) Count() int {
	c := 0
	for _, w := range bs.buckets {
		c += bits.OnesCount64(w)
	}
	return c
}

// Clear empties the set.
func (bs *BitSet) Clear() {
	clear(bs.buckets)
}

// EnsureCapacity grows the set so that maxVal fits.
func (bs *BitSet) EnsureCapacity(maxVal uint32) {
	bs.grow(maxVal)
}
