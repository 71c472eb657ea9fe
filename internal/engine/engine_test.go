package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/cadence/internal/domain"
	"github.com/rcliao/cadence/internal/graph"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	e, err := New(cfg, append([]Option{WithClock(clock)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, clock
}

func addNodes(t *testing.T, e *Engine, nodes ...*domain.TaskNode) {
	t.Helper()
	for _, n := range nodes {
		_, err := e.CreateNode(context.Background(), n)
		require.NoError(t, err)
	}
}

func task(id string) *domain.TaskNode {
	n := domain.NewTaskNode(id)
	n.ID = id
	return n
}

func state(t *testing.T, e *Engine, id string) domain.TaskState {
	t.Helper()
	n, err := e.Node(context.Background(), id)
	require.NoError(t, err)
	return n.State
}

func TestEngine_StartOnCompletion(t *testing.T) {
	approve := BudgetGateFunc(func(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus {
		return domain.BudgetApproved
	})
	e, _ := newTestEngine(t, DefaultConfig(), WithBudgetGate(approve))
	ctx := context.Background()

	addNodes(t, e, task("a"), task("b").WithBudget(domain.BudgetMoney))
	require.NoError(t, e.AddEdge(ctx, domain.StartOnCompletion("a", "b")))

	_, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, state(t, e, "b"))

	at100 := t0.Add(100 * time.Second)
	out, err := e.SubmitCompletion(ctx, "a", at100)
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "a", out.Events[0].NodeID)
	assert.Equal(t, domain.StateClosed, out.Events[0].To)

	ev := out.Events[1]
	assert.Equal(t, "b", ev.NodeID)
	assert.Equal(t, domain.StateQueued, ev.From)
	assert.Equal(t, domain.StateActive, ev.To)
	assert.Equal(t, domain.CauseDependency, ev.Cause)
	assert.False(t, ev.At.Before(at100))

	b, err := e.Node(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, b.State)
	assert.Equal(t, domain.BudgetApproved, b.BudgetStatus)
}

func TestEngine_FallingEdgeIgnoresOwnSchedule(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	// b's own schedule never comes due in this test.
	b := task("b").WithSchedule(domain.ScheduleSpec{
		Months: domain.NewMonthSet(time.December),
		Period: domain.Indefinite(),
		Anchor: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	addNodes(t, e, task("a"), b)
	require.NoError(t, e.AddEdge(ctx, domain.TriggerFalling("a", "b")))

	_, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)

	at50 := t0.Add(50 * time.Second)
	out, err := e.SubmitCompletion(ctx, "a", at50)
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "b", out.Events[1].NodeID)
	assert.Equal(t, domain.CauseTrigger, out.Events[1].Cause)
	assert.Equal(t, at50, out.Events[1].At)
}

func TestEngine_ScheduleTickIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()

	spec := domain.ScheduleSpec{
		Weekdays: domain.NewWeekdaySet(time.Monday),
		Ordinals: domain.OrdinalFirst,
		Period:   domain.Indefinite(),
		Anchor:   time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	addNodes(t, e, task("standup").WithSchedule(spec))

	out, err := e.SubmitOccurrenceTick(ctx, time.Date(2025, 1, 3, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	now := time.Date(2025, 1, 6, 12, 0, 0, 0, time.UTC)
	out, err = e.SubmitOccurrenceTick(ctx, now)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, domain.CauseSchedule, out.Events[0].Cause)
	assert.Equal(t, time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC), out.Events[0].At)

	out, err = e.SubmitOccurrenceTick(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	out, err = e.SubmitOccurrenceTick(ctx, time.Date(2025, 2, 3, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, out.Events, "an active node ignores later occurrences")
}

func TestEngine_NoRegression(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("a"))

	_, err := e.SubmitCompletion(ctx, "a", t0)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	_, err = e.SubmitCompletion(ctx, "a", t0.Add(-time.Hour))
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.SubmitCompletion(ctx, "a", t0.Add(time.Hour))
	require.NoError(t, err)

	out, err := e.SubmitStart(ctx, "a", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.Equal(t, domain.StateClosed, state(t, e, "a"))

	_, err = e.SubmitCompletion(ctx, "a", t0.Add(3*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = e.SubmitStart(ctx, "missing", t0)
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)
}

func TestEngine_TriggerCycle(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("a"), task("b"))
	require.NoError(t, e.AddEdge(ctx, domain.TriggerRising("a", "b")))
	require.NoError(t, e.AddEdge(ctx, domain.TriggerRising("b", "a")))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPropagationCycle)

	var cerr *domain.PropagationCycleError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "a", cerr.NodeID)
	assert.Equal(t, []string{"a", "b", "a"}, cerr.Path)
	assert.Equal(t, 1, cerr.Bound)

	// transitions made before the cycle was detected are kept
	require.Len(t, out.Events, 2)
	assert.Equal(t, domain.StateActive, state(t, e, "a"))
	assert.Equal(t, domain.StateActive, state(t, e, "b"))
}

func TestEngine_TriggerCycleWithinBound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PropagationBound = 2
	e, _ := newTestEngine(t, cfg)
	ctx := context.Background()
	addNodes(t, e, task("a"), task("b"))
	require.NoError(t, e.AddEdge(ctx, domain.TriggerRising("a", "b")))
	require.NoError(t, e.AddEdge(ctx, domain.TriggerRising("b", "a")))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Len(t, out.Events, 2)
}

func TestEngine_DiamondFanIn(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("a"), task("b"), task("c"), task("d"))
	for _, edge := range []domain.DependencyEdge{
		domain.TriggerRising("a", "b"),
		domain.TriggerRising("a", "c"),
		domain.TriggerRising("b", "d"),
		domain.TriggerRising("c", "d"),
	} {
		require.NoError(t, e.AddEdge(ctx, edge))
	}

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)

	var ids []string
	for _, ev := range out.Events {
		ids = append(ids, ev.NodeID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestEngine_BudgetHoldAndRelease(t *testing.T) {
	e, clock := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("venue").WithBudget(domain.BudgetMoney|domain.BudgetFacilities))

	out, err := e.SubmitStart(ctx, "venue", t0)
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	out, err = e.SubmitBudgetStatus(ctx, "venue", domain.BudgetDeclined)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	n, err := e.Node(ctx, "venue")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, n.State)
	assert.Equal(t, domain.BudgetDeclined, n.BudgetStatus)

	released := t0.Add(4 * time.Hour)
	clock.Set(released)
	out, err = e.SubmitBudgetStatus(ctx, "venue", domain.BudgetReduction)
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, domain.CauseManual, out.Events[0].Cause)
	assert.Equal(t, released, out.Events[0].At)

	_, err = e.SubmitBudgetStatus(ctx, "venue", domain.BudgetStatus("maybe"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestEngine_GateResultIsStored(t *testing.T) {
	wait := BudgetGateFunc(func(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus {
		return domain.BudgetWaiting
	})
	e, _ := newTestEngine(t, DefaultConfig(), WithBudgetGate(wait))
	ctx := context.Background()
	addNodes(t, e, task("a").WithBudget(domain.BudgetTime), task("free"))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	n, err := e.Node(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetWaiting, n.BudgetStatus)

	out, err = e.SubmitStart(ctx, "free", t0)
	require.NoError(t, err)
	assert.Empty(t, out.Events)
	free, err := e.Node(ctx, "free")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetWaiting, free.BudgetStatus)
}

func TestEngine_GateConsultedForUntaggedNode(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		seen  domain.BudgetType
	)
	decline := BudgetGateFunc(func(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus {
		mu.Lock()
		defer mu.Unlock()
		calls++
		seen = types
		return domain.BudgetDeclined
	})
	e, _ := newTestEngine(t, DefaultConfig(), WithBudgetGate(decline))
	ctx := context.Background()
	addNodes(t, e, task("a"))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	n, err := e.Node(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, n.State)
	assert.Equal(t, domain.BudgetDeclined, n.BudgetStatus)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Equal(t, domain.BudgetNone, seen)
}

func TestEngine_UntaggedNodeWithoutGate(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("a"), task("b").WithBudget(domain.BudgetTime))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)

	out, err = e.SubmitStart(ctx, "b", t0)
	require.NoError(t, err)
	assert.Empty(t, out.Events, "a tagged node needs a permitting status")
}

func TestEngine_StartAfterOffset(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("build"), task("deploy"), task("verify"))
	require.NoError(t, e.AddEdge(ctx, domain.StartAfter("build", "deploy", 2*time.Hour)))
	require.NoError(t, e.AddEdge(ctx, domain.StartAfter("deploy", "verify", 0)))

	out, err := e.SubmitStart(ctx, "build", t0)
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)

	snap, err := e.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Pending, 1)
	assert.Equal(t, t0.Add(2*time.Hour), snap.Pending[0].Due)

	out, err = e.SubmitOccurrenceTick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, out.Events)

	out, err = e.SubmitOccurrenceTick(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, out.Events, 2)
	assert.Equal(t, "deploy", out.Events[0].NodeID)
	assert.Equal(t, t0.Add(2*time.Hour), out.Events[0].At)
	assert.Equal(t, "verify", out.Events[1].NodeID)
}

func TestEngine_ReentrantGateIsQueued(t *testing.T) {
	var (
		e      *Engine
		queued bool
		gerr   error
	)
	gate := BudgetGateFunc(func(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus {
		var out Outcome
		out, gerr = e.SubmitBudgetStatus(ctx, "other", domain.BudgetApproved)
		queued = out.Queued
		return domain.BudgetApproved
	})
	e, _ = newTestEngine(t, DefaultConfig(), WithBudgetGate(gate))
	ctx := context.Background()
	addNodes(t, e, task("a").WithBudget(domain.BudgetEquipment), task("other"))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)
	require.NoError(t, gerr)
	assert.True(t, queued)

	other, err := e.Node(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetApproved, other.BudgetStatus)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestEngine_GateCallbackWithForeignContext(t *testing.T) {
	var (
		e    *Engine
		gerr error
		logs syncBuffer
	)
	gate := BudgetGateFunc(func(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus {
		if nodeID != "a" {
			return domain.BudgetApproved
		}
		foreign, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, gerr = e.SubmitBudgetStatus(foreign, "other", domain.BudgetApproved)
		return domain.BudgetApproved
	})
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e, _ = newTestEngine(t, DefaultConfig(), WithBudgetGate(gate), WithLogger(logger))
	ctx := context.Background()
	addNodes(t, e, task("a").WithBudget(domain.BudgetMoney), task("other"))

	out, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)
	assert.Len(t, out.Events, 1)
	assert.ErrorIs(t, gerr, context.DeadlineExceeded)
	assert.Contains(t, logs.String(), "command submitted while a budget gate runs")
	assert.Contains(t, logs.String(), "command=budget-status")

	// The abandoned command is skipped once dequeued.
	other, err := e.Node(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, domain.BudgetNone, other.BudgetStatus)
}

func TestEngine_StopTicker(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Millisecond
	e, _ := newTestEngine(t, cfg)

	assert.Eventually(t, func() bool {
		return e.GetStatistics()["total_commands"].(int64) > 3
	}, time.Second, 5*time.Millisecond)

	e.StopTicker()
	stopped := e.GetStatistics()["total_commands"].(int64)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, e.GetStatistics()["total_commands"].(int64))

	// The loop still serves commands.
	addNodes(t, e, task("a"))
	assert.Equal(t, domain.StateQueued, state(t, e, "a"))
	assert.Equal(t, t0, e.Now())
	e.StopTicker()
}

func TestEngine_InitialReadinessAndRestore(t *testing.T) {
	g := graph.New()
	a := task("a")
	a.State = domain.StateClosed
	require.NoError(t, g.AddNode(a))
	require.NoError(t, g.AddNode(task("b")))
	require.NoError(t, g.AddEdge(domain.StartOnCompletion("a", "b")))

	e, _ := newTestEngine(t, DefaultConfig(), WithGraph(g))
	ctx := context.Background()
	assert.Equal(t, domain.StateActive, state(t, e, "b"))

	snap := &domain.Snapshot{
		Version: domain.SnapshotVersion,
		Nodes:   []*domain.TaskNode{task("x"), task("y")},
		Edges:   []domain.DependencyEdge{domain.StartAfter("x", "y", time.Hour)},
		Pending: []domain.PendingStart{{NodeID: "y", SourceID: "x", Due: t0.Add(time.Hour)}},
	}
	snap.Nodes[0].State = domain.StateActive
	activated := t0
	snap.Nodes[0].ActivatedAt = &activated

	_, err := e.Restore(ctx, snap)
	require.NoError(t, err)
	_, err = e.Node(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNodeNotFound)

	out, err := e.SubmitOccurrenceTick(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, out.Events, 1)
	assert.Equal(t, "y", out.Events[0].NodeID)

	bad := snap.Clone()
	bad.Version = domain.SnapshotVersion + 1
	_, err = e.Restore(ctx, bad)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, domain.StateActive, state(t, e, "y"))
}

func TestEngine_EventsStream(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("a"))

	_, err := e.SubmitStart(ctx, "a", t0)
	require.NoError(t, err)

	select {
	case ev := <-e.Events():
		assert.Equal(t, "a", ev.NodeID)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	stats := e.GetStatistics()
	assert.EqualValues(t, 1, stats["total_transitions"])
}

func TestEngine_Lifecycle(t *testing.T) {
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.SubmitStart(ctx, "a", t0)
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx))

	e.Stop()
	e.Stop()

	_, err = e.CreateNode(ctx, task("a"))
	assert.ErrorIs(t, err, domain.ErrEngineStopped)
	_, err = e.SubmitOccurrenceTick(ctx, t0)
	assert.ErrorIs(t, err, domain.ErrEngineStopped)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestEngine_CancelledBeforeDequeue(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	addNodes(t, e, task("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.SubmitStart(ctx, "a", t0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StateQueued, state(t, e, "a"))
}

func TestEngine_ConcurrentSubmitters(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	ctx := context.Background()
	addNodes(t, e, task("root"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.SubmitStart(ctx, "root", t0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats := e.GetStatistics()
	assert.EqualValues(t, 1, stats["total_transitions"])
}
