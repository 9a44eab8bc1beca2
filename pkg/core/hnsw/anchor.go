package hnsw

import "sort"

// Every node except the entry point has an anchor: a node whose layer-0 list
// holds it and never drops it while pruning. Anchors form a tree rooted at
// the entry point, so a layer-0 walk from the entry reaches every node no
// matter what the pruning heuristic decides. Under dot product with
// unnormalized vectors, short vectors are nobody's nearest neighbor and would
// otherwise lose their last in-edge.

// anchored reports whether from is the anchor of to.
func (h *Index) anchored(from, to uint32) bool {
	t := h.nodes[to]
	return t != nil && t.hasAnchor && t.anchor == from
}

// anchoredOut returns the layer-0 neighbors of slot that it anchors.
func (h *Index) anchoredOut(slot uint32) []uint32 {
	var out []uint32
	for _, nb := range h.nodes[slot].out[0] {
		if h.anchored(slot, nb) {
			out = append(out, nb)
		}
	}
	return out
}

// descends reports whether slot sits in the anchor subtree of root.
func (h *Index) descends(slot, root uint32) bool {
	p := slot
	for steps := 0; steps <= len(h.nodes); steps++ {
		if p == root {
			return true
		}
		n := h.nodes[p]
		if n == nil || !n.hasAnchor {
			return false
		}
		p = n.anchor
	}
	// A cycle. Treat it as a descendant so it is never extended.
	return true
}

// adopt gives child a new anchor. An existing in-edge is used when one comes
// from outside the child's subtree; otherwise an edge is added from the
// closest hint, then from any live node. It reports false when no node could
// take the child.
func (h *Index) adopt(child uint32, hints []uint32) bool {
	c := h.nodes[child]
	c.hasAnchor = false
	for _, src := range c.in[0] {
		if !h.descends(src, child) {
			c.anchor, c.hasAnchor = src, true
			return true
		}
	}

	seen := make(map[uint32]struct{}, len(hints))
	cands := make([]candidate, 0, len(hints))
	for _, s := range hints {
		if _, dup := seen[s]; dup || !h.canAnchor(s, child) {
			continue
		}
		seen[s] = struct{}{}
		n := h.nodes[s]
		cands = append(cands, candidate{slot: s, id: n.id, dist: h.dist(n.vector, c.vector)})
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].less(cands[j]) })
	for _, cand := range cands {
		if h.attach(cand.slot, child) {
			return true
		}
	}

	for i := range h.nodes {
		s := uint32(i)
		if _, tried := seen[s]; tried || !h.canAnchor(s, child) {
			continue
		}
		if h.attach(s, child) {
			return true
		}
	}
	return false
}

func (h *Index) canAnchor(slot, child uint32) bool {
	return slot != child && int(slot) < len(h.nodes) && h.nodes[slot] != nil && !h.descends(slot, child)
}

// attach makes from the anchor of child, adding the layer-0 edge when it is
// missing. A full list gives up its farthest unanchored neighbor; attach
// fails when every neighbor of from is anchored to it.
func (h *Index) attach(from, child uint32) bool {
	f := h.nodes[from]
	if !contains(f.out[0], child) {
		if len(f.out[0]) >= h.maxConns(0) {
			victim := -1
			var worst float64
			for i, nb := range f.out[0] {
				if h.anchored(from, nb) {
					continue
				}
				if d := h.dist(f.vector, h.nodes[nb].vector); victim < 0 || d > worst {
					victim, worst = i, d
				}
			}
			if victim < 0 {
				return false
			}
			h.unlink(from, f.out[0][victim], 0)
		}
		h.link(from, child, 0)
	}
	c := h.nodes[child]
	c.anchor, c.hasAnchor = from, true
	return true
}
