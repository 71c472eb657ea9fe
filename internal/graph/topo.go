package graph

import (
	"container/heap"
	"fmt"

	"github.com/rcliao/cadence/internal/domain"
)

type intMinHeap []int

func (h intMinHeap) Len() int           { return len(h) }
func (h intMinHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intMinHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intMinHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intMinHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopologicalOrder orders every node so that sources of start-dependency edges
// come before their targets. Trigger edges are ignored. Ties are broken by
// insertion order, so the result is deterministic.
func (g *Graph) TopologicalOrder() []string {
	indeg := make([]int, len(g.order))
	for _, e := range g.edges {
		if e.IsStartDependency() {
			indeg[g.index[e.To]]++
		}
	}

	ready := &intMinHeap{}
	heap.Init(ready)
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	out := make([]string, 0, len(g.order))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		id := g.order[i]
		out = append(out, id)
		for _, e := range g.out[id] {
			if !e.IsStartDependency() {
				continue
			}
			j := g.index[e.To]
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}
	return out
}

// Snapshot copies the graph into its persisted form.
func (g *Graph) Snapshot() *domain.Snapshot {
	s := &domain.Snapshot{
		Version: domain.SnapshotVersion,
		Nodes:   make([]*domain.TaskNode, 0, len(g.order)),
		Edges:   g.Edges(),
	}
	for _, id := range g.order {
		s.Nodes = append(s.Nodes, g.nodes[id].Clone())
	}
	return s
}

// FromSnapshot rebuilds a graph, re-validating every node and edge.
func FromSnapshot(s *domain.Snapshot) (*Graph, error) {
	g := New()
	if s == nil {
		return g, nil
	}
	if s.Version > domain.SnapshotVersion {
		return nil, domain.Invalidf("snapshot.version", "unsupported version %d", s.Version)
	}
	for _, n := range s.Nodes {
		if err := g.AddNode(n.Clone()); err != nil {
			return nil, fmt.Errorf("restore node: %w", err)
		}
	}
	for _, e := range s.Edges {
		if err := g.AddEdge(e); err != nil {
			return nil, fmt.Errorf("restore edge: %w", err)
		}
	}
	return g, nil
}
