package hnsw

import "fmt"

// GraphReport is the result of a structural check of the graph.
type GraphReport struct {
	Nodes    int `json:"nodes"`
	MaxLevel int `json:"max_level"`
	// Unreachable counts nodes that a layer-0 walk from the entry point misses.
	Unreachable int      `json:"unreachable"`
	Problems    []string `json:"problems,omitempty"`
}

// OK reports whether no structural problem was found.
func (r GraphReport) OK() bool { return len(r.Problems) == 0 }

// CheckGraph walks the whole graph and validates its structure: every edge
// points to a live node at a sufficient level, lists respect the degree caps,
// out and in lists agree, and the entry point sits at the top layer.
// Every node must be reachable from the entry point at layer 0.
func (h *Index) CheckGraph() GraphReport {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := GraphReport{Nodes: len(h.slots), MaxLevel: h.maxLevel}
	problem := func(format string, args ...any) {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}

	live := 0
	top := -1
	for slot, n := range h.nodes {
		if n == nil {
			continue
		}
		live++
		if n.level > top {
			top = n.level
		}
		s := uint32(slot)
		if got, ok := h.slots[n.id]; !ok || got != s {
			problem("slot %d: id %d not mapped back to it", s, n.id)
		}
		if n.hasAnchor {
			a := n.anchor
			if int(a) >= len(h.nodes) || h.nodes[a] == nil || !contains(h.nodes[a].out[0], s) {
				problem("slot %d: anchor %d does not link to it", s, a)
			}
		} else if s != h.entry {
			problem("slot %d: no anchor", s)
		}
		for l := 0; l <= n.level; l++ {
			if len(n.out[l]) > h.maxConns(l) {
				problem("slot %d layer %d: %d neighbors exceed cap %d", s, l, len(n.out[l]), h.maxConns(l))
			}
			seen := make(map[uint32]struct{}, len(n.out[l]))
			for _, nb := range n.out[l] {
				if nb == s {
					problem("slot %d layer %d: self loop", s, l)
					continue
				}
				if _, dup := seen[nb]; dup {
					problem("slot %d layer %d: duplicate neighbor %d", s, l, nb)
				}
				seen[nb] = struct{}{}
				if int(nb) >= len(h.nodes) || h.nodes[nb] == nil {
					problem("slot %d layer %d: dangling neighbor %d", s, l, nb)
					continue
				}
				t := h.nodes[nb]
				if t.level < l {
					problem("slot %d layer %d: neighbor %d only reaches layer %d", s, l, nb, t.level)
					continue
				}
				if !contains(t.in[l], s) {
					problem("slot %d layer %d: edge to %d missing from its in list", s, l, nb)
				}
			}
			for _, src := range n.in[l] {
				if int(src) >= len(h.nodes) || h.nodes[src] == nil || !contains(h.nodes[src].out[l], s) {
					problem("slot %d layer %d: stale in edge from %d", s, l, src)
				}
			}
		}
	}

	if live != len(h.slots) {
		problem("%d live nodes but %d mapped ids", live, len(h.slots))
	}
	if top != h.maxLevel {
		problem("max level is %d but highest node level is %d", h.maxLevel, top)
	}
	if live == 0 {
		return r
	}
	if int(h.entry) >= len(h.nodes) || h.nodes[h.entry] == nil {
		problem("entry point %d is not a live node", h.entry)
		return r
	}
	if h.nodes[h.entry].level != h.maxLevel {
		problem("entry point level %d below max level %d", h.nodes[h.entry].level, h.maxLevel)
	}
	if h.nodes[h.entry].hasAnchor {
		problem("entry point %d has an anchor", h.entry)
	}

	// Reachability over layer 0.
	seen := NewBitSet(uint32(len(h.nodes)))
	stack := []uint32{h.entry}
	seen.Add(h.entry)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, nb := range h.nodes[cur].out[0] {
			if int(nb) < len(h.nodes) && h.nodes[nb] != nil && seen.Add(nb) {
				stack = append(stack, nb)
			}
		}
	}
	r.Unreachable = live - seen.Count()
	if r.Unreachable > 0 {
		problem("%d nodes unreachable from the entry point at layer 0", r.Unreachable)
	}
	return r
}
