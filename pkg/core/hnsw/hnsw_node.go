// Package hnsw provides the implementation of the Hierarchical Navigable Small World
// graph algorithm for efficient approximate nearest neighbor search.
//
// This file defines the node struct, the building block of the graph. Nodes
// live in an arena slice and refer to each other by slot, never by pointer.
package hnsw

// node is a single vector in the graph.
type node struct {
	// id is the record id the node indexes.
	id uint64
	// vector is the index's private copy, normalized when the metric is cosine.
	vector []float32
	// level is the highest layer the node participates in.
	level int

	// out[l] holds the neighbor slots at layer l; out[0] is the base layer.
	out [][]uint32
	// in[l] holds the slots of nodes whose out[l] contains this node, so that
	// removal can find every edge pointing here.
	in [][]uint32

	// anchor is the slot whose out[0] must keep this node. Unset only on the
	// entry point.
	anchor    uint32
	hasAnchor bool
}

func newNode(id uint64, vec []float32, level int) *node {
	return &node{
		id:     id,
		vector: vec,
		level:  level,
		out:    make([][]uint32, level+1),
		in:     make([][]uint32, level+1),
	}
}

// removeFrom removes the first occurrence of val from s.
func removeFrom(s []uint32, val uint32) []uint32 {
	for i, v := range s {
		if v == val {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func contains(s []uint32, val uint32) bool {
	for _, v := range s {
		if v == val {
			return true
		}
	}
	return false
}
