// Package graph holds tasks and projects as nodes joined by typed dependency edges.
//
// A Graph is not safe for concurrent use; the engine owns it and serializes access.
package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/cadence/internal/domain"
)

// Graph is a directed dependency graph. An edge From -> To means To depends on From.
type Graph struct {
	nodes map[string]*domain.TaskNode
	order []string
	index map[string]int

	edges []domain.DependencyEdge
	out   map[string][]domain.DependencyEdge
	in    map[string][]domain.DependencyEdge
}

func New() *Graph {
	return &Graph{
		nodes: make(map[string]*domain.TaskNode),
		index: make(map[string]int),
		out:   make(map[string][]domain.DependencyEdge),
		in:    make(map[string][]domain.DependencyEdge),
	}
}

// AddNode registers n. The graph keeps the pointer and becomes its owner.
func (g *Graph) AddNode(n *domain.TaskNode) error {
	if n == nil {
		return domain.Invalidf("node", "node is nil")
	}
	if err := n.Validate(); err != nil {
		return err
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("node with ID %s: %w", n.ID, domain.ErrDuplicateNode)
	}
	if n.State == "" {
		n.State = domain.StateQueued
	}
	if n.BudgetStatus == "" {
		n.BudgetStatus = domain.BudgetNone
	}
	if n.Kind == "" {
		n.Kind = domain.KindTask
	}

	g.index[n.ID] = len(g.order)
	g.order = append(g.order, n.ID)
	g.nodes[n.ID] = n
	return nil
}

func (g *Graph) Node(id string) (*domain.TaskNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// MustNode is Node for callers that have already checked existence.
func (g *Graph) MustNode(id string) *domain.TaskNode {
	n, ok := g.nodes[id]
	if !ok {
		panic(fmt.Sprintf("graph: unknown node %q", id))
	}
	return n
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*domain.TaskNode {
	out := make([]*domain.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

func (g *Graph) Len() int { return len(g.order) }

// AddEdge validates and inserts e. Nothing is changed when an error is returned.
func (g *Graph) AddEdge(e domain.DependencyEdge) error {
	if !e.Kind.Valid() {
		return domain.Invalidf("edge.kind", "unknown edge kind %q", e.Kind)
	}
	if e.From == e.To {
		return domain.Invalidf("edge", "self-loop on %s", e.From)
	}
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("edge %s: from %s: %w", e, e.From, domain.ErrNodeNotFound)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("edge %s: to %s: %w", e, e.To, domain.ErrNodeNotFound)
	}
	if e.Offset < 0 {
		return domain.Invalidf("edge.offset", "offset must not be negative, got %s", e.Offset)
	}
	if e.Offset != 0 && e.Kind != domain.EdgeStartAfter {
		return domain.Invalidf("edge.offset", "offset only applies to %s edges", domain.EdgeStartAfter)
	}
	for _, existing := range g.out[e.From] {
		if existing.SameAs(e) {
			return domain.Invalidf("edge", "duplicate edge %s", e)
		}
	}
	if e.IsStartDependency() {
		if path := g.startPath(e.To, e.From); path != nil {
			cycle := append([]string{e.From}, path...)
			return domain.Invalidf("edge", "start dependency cycle: %s", strings.Join(cycle, " -> "))
		}
	}

	g.edges = append(g.edges, e)
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
	return nil
}

// EdgesFrom returns the edges leaving id, in insertion order.
func (g *Graph) EdgesFrom(id string) []domain.DependencyEdge {
	return append([]domain.DependencyEdge(nil), g.out[id]...)
}

// EdgesInto returns the edges entering id, in insertion order.
func (g *Graph) EdgesInto(id string) []domain.DependencyEdge {
	return append([]domain.DependencyEdge(nil), g.in[id]...)
}

func (g *Graph) Edges() []domain.DependencyEdge {
	return append([]domain.DependencyEdge(nil), g.edges...)
}

// startPath searches start-dependency edges for a path src ... dst.
// It returns the node IDs along the path, or nil when dst is unreachable.
func (g *Graph) startPath(src, dst string) []string {
	visited := make(map[string]bool)
	var path []string

	var dfs func(id string) bool
	dfs = func(id string) bool {
		visited[id] = true
		path = append(path, id)
		if id == dst {
			return true
		}
		for _, e := range g.out[id] {
			if !e.IsStartDependency() || visited[e.To] {
				continue
			}
			if dfs(e.To) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if dfs(src) {
		return path
	}
	return nil
}

// HasStartDependencies reports whether any StartAfter/StartOnCompletion edge enters id.
func (g *Graph) HasStartDependencies(id string) bool {
	for _, e := range g.in[id] {
		if e.IsStartDependency() {
			return true
		}
	}
	return false
}

// StartSatisfied reports whether a start-dependency edge no longer blocks its target at now.
// StartOnCompletion needs the source closed; StartAfter needs the source to have been
// activated at least Offset before now. Trigger edges never block and report false.
func (g *Graph) StartSatisfied(e domain.DependencyEdge, now time.Time) bool {
	from, ok := g.nodes[e.From]
	if !ok {
		return false
	}
	switch e.Kind {
	case domain.EdgeStartOnCompletion:
		return from.State == domain.StateClosed
	case domain.EdgeStartAfter:
		if from.ActivatedAt == nil {
			return false
		}
		return !now.Before(from.ActivatedAt.Add(e.Offset))
	default:
		return false
	}
}

// Ready reports whether id has start dependencies and all of them are satisfied at now.
func (g *Graph) Ready(id string, now time.Time) bool {
	return g.HasStartDependencies(id) && len(g.Blockers(id, now)) == 0
}

// Blockers lists the start-dependency edges into id that are not yet satisfied.
func (g *Graph) Blockers(id string, now time.Time) []domain.DependencyEdge {
	var blockers []domain.DependencyEdge
	for _, e := range g.in[id] {
		if e.IsStartDependency() && !g.StartSatisfied(e, now) {
			blockers = append(blockers, e)
		}
	}
	return blockers
}
