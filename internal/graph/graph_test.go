package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/cadence/internal/domain"
)

func node(id string) *domain.TaskNode {
	n := domain.NewTaskNode(id)
	n.ID = id
	return n
}

func buildGraph(t *testing.T, ids ...string) *Graph {
	t.Helper()
	g := New()
	for _, id := range ids {
		require.NoError(t, g.AddNode(node(id)))
	}
	return g
}

func TestGraph_AddNode(t *testing.T) {
	g := New()

	n := &domain.TaskNode{ID: "a"}
	require.NoError(t, g.AddNode(n))
	assert.Equal(t, domain.StateQueued, n.State)
	assert.Equal(t, domain.BudgetNone, n.BudgetStatus)
	assert.Equal(t, domain.KindTask, n.Kind)

	err := g.AddNode(node("a"))
	assert.ErrorIs(t, err, domain.ErrDuplicateNode)

	err = g.AddNode(&domain.TaskNode{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad := node("b").WithSchedule(domain.ScheduleSpec{Period: domain.ForCount(0)})
	assert.ErrorIs(t, g.AddNode(bad), domain.ErrValidation)
	assert.Equal(t, 1, g.Len())
}

func TestGraph_AddEdgeValidation(t *testing.T) {
	g := buildGraph(t, "a", "b")

	tests := []struct {
		name string
		edge domain.DependencyEdge
		want error
	}{
		{"self loop", domain.StartOnCompletion("a", "a"), domain.ErrValidation},
		{"unknown from", domain.StartOnCompletion("x", "a"), domain.ErrNodeNotFound},
		{"unknown to", domain.TriggerRising("a", "x"), domain.ErrNodeNotFound},
		{"unknown kind", domain.DependencyEdge{From: "a", To: "b", Kind: "soon"}, domain.ErrValidation},
		{"negative offset", domain.StartAfter("a", "b", -time.Minute), domain.ErrValidation},
		{"offset on trigger", domain.DependencyEdge{From: "a", To: "b", Kind: domain.EdgeTriggerRisingEdge, Offset: time.Second}, domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.AddEdge(tt.edge), tt.want)
		})
	}
	assert.Empty(t, g.Edges())

	require.NoError(t, g.AddEdge(domain.StartOnCompletion("a", "b")))
	assert.ErrorIs(t, g.AddEdge(domain.StartOnCompletion("a", "b")), domain.ErrValidation)
}

func TestGraph_RejectsStartCycle(t *testing.T) {
	g := buildGraph(t, "a", "b", "c")
	require.NoError(t, g.AddEdge(domain.StartOnCompletion("a", "b")))
	require.NoError(t, g.AddEdge(domain.StartAfter("b", "c", time.Hour)))

	err := g.AddEdge(domain.StartOnCompletion("c", "a"))
	require.Error(t, err)

	var verr *domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Msg, "c -> a -> b -> c")
	assert.Len(t, g.Edges(), 2)
	assert.Empty(t, g.EdgesInto("a"))
}

func TestGraph_AllowsTriggerCycle(t *testing.T) {
	g := buildGraph(t, "a", "b")
	require.NoError(t, g.AddEdge(domain.TriggerRising("a", "b")))
	require.NoError(t, g.AddEdge(domain.TriggerFalling("b", "a")))
	require.NoError(t, g.AddEdge(domain.StartOnCompletion("a", "b")))

	assert.Len(t, g.EdgesFrom("a"), 2)
	assert.Len(t, g.EdgesInto("a"), 1)
}

func TestGraph_TopologicalOrder(t *testing.T) {
	g := buildGraph(t, "report", "collect", "review", "notify")
	require.NoError(t, g.AddEdge(domain.StartOnCompletion("collect", "report")))
	require.NoError(t, g.AddEdge(domain.StartAfter("report", "review", 0)))
	// trigger edges do not constrain the order
	require.NoError(t, g.AddEdge(domain.TriggerRising("notify", "collect")))

	assert.Equal(t, []string{"collect", "report", "review", "notify"}, g.TopologicalOrder())
}

func TestGraph_Readiness(t *testing.T) {
	g := buildGraph(t, "a", "b", "c")
	require.NoError(t, g.AddEdge(domain.StartOnCompletion("a", "c")))
	require.NoError(t, g.AddEdge(domain.StartAfter("b", "c", 2*time.Hour)))

	now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC)
	assert.False(t, g.Ready("c", now))
	assert.Len(t, g.Blockers("c", now), 2)
	assert.False(t, g.Ready("a", now), "nodes without start dependencies are never dependency-ready")

	a := g.MustNode("a")
	a.State = domain.StateClosed
	b := g.MustNode("b")
	b.State = domain.StateActive
	b.ActivatedAt = &now

	assert.False(t, g.Ready("c", now.Add(time.Hour)))
	assert.True(t, g.Ready("c", now.Add(2*time.Hour)))
}

func TestGraph_SnapshotRoundTrip(t *testing.T) {
	g := buildGraph(t, "a", "b")
	require.NoError(t, g.AddEdge(domain.StartAfter("a", "b", time.Minute)))
	require.NoError(t, g.AddEdge(domain.TriggerFalling("b", "a")))

	snap := g.Snapshot()
	snap.Nodes[0].Name = "mutated"
	assert.Equal(t, "a", g.MustNode("a").Name)

	restored, err := FromSnapshot(snap)
	require.NoError(t, err)
	assert.Equal(t, g.Edges(), restored.Edges())
	assert.Equal(t, "mutated", restored.MustNode("a").Name)

	snap.Edges = append(snap.Edges, domain.StartOnCompletion("b", "a"))
	_, err = FromSnapshot(snap)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
