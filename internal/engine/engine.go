// Package engine drives task lifecycles from recurring schedules and dependency edges.
//
// All mutations go through a single writer loop: commands are queued FIFO on an
// inbox channel and each one, including the propagation cascade it causes, runs
// to completion before the next is dequeued.
//
// A BudgetGate runs on the loop goroutine. Calls it makes back into the engine
// must use the ctx handed to Evaluate; those are queued behind the current
// command. A call with any other ctx waits for the loop, which is busy waiting
// for the gate, so it blocks until that ctx is done.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcliao/cadence/internal/domain"
	"github.com/rcliao/cadence/internal/graph"
)

var ErrNotStarted = errors.New("engine not started")

// Outcome reports what one command did.
type Outcome struct {
	Events []domain.StateChangeEvent
	// Queued is set when the command was submitted from inside the loop (for
	// example by a BudgetGate) and will run after the current command.
	Queued bool
}

type result struct {
	out Outcome
	err error
}

type command struct {
	ctx   context.Context
	name  string
	run   func(ctx context.Context) (Outcome, error)
	reply chan result
}

type loopKey struct{}

// Engine owns a dependency graph and every piece of mutable scheduling state.
type Engine struct {
	cfg    Config
	gate   BudgetGate
	clock  Clock
	logger *slog.Logger

	// Loop-owned state: touched only from the loop goroutine.
	graph    *graph.Graph
	pending  []domain.PendingStart
	cursors  map[string]time.Time
	armed    map[string]work
	deferred []*command

	inbox  chan *command
	events chan domain.StateChangeEvent

	mu         sync.Mutex
	started    bool
	stopped    atomic.Bool
	gating     atomic.Bool
	ctx        context.Context
	cancel     context.CancelFunc
	tickCancel context.CancelFunc
	done       chan struct{}
	wg         sync.WaitGroup

	totalCommands    int64
	totalTransitions int64
	droppedEvents    int64
}

// New builds an engine around an empty graph. Call Start before submitting commands.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:     cfg,
		clock:   SystemClock{},
		logger:  slog.Default(),
		cursors: make(map[string]time.Time),
		armed:   make(map[string]work),
		inbox:   make(chan *command, cfg.QueueSize),
		events:  make(chan domain.StateChangeEvent, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.graph == nil {
		e.graph = graph.New()
	}
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Start launches the loop, evaluates initial readiness in topological order and,
// when configured, the internal ticker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	if e.stopped.Load() {
		return domain.ErrEngineStopped
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.inbox <- &command{ctx: e.ctx, name: "initial-readiness", run: func(ctx context.Context) (Outcome, error) {
		return e.evaluateReadiness(ctx, e.clock.Now())
	}}

	tickCtx, tickCancel := context.WithCancel(e.ctx)
	e.tickCancel = tickCancel

	go e.run()
	if e.cfg.TickInterval > 0 {
		e.wg.Add(1)
		go e.tickLoop(tickCtx)
	}
	e.logger.Info("engine started", "queue_size", e.cfg.QueueSize, "tick_interval", e.cfg.TickInterval)
	return nil
}

// Stop refuses new commands, fails the queued ones with ErrEngineStopped and
// waits for the loop to exit. A cascade already running completes first.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped.Swap(true) || !e.started {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.logger.Info("engine stopping")
	e.StopTicker()
	e.cancel()

	select {
	case <-e.done:
	case <-time.After(10 * time.Second):
		e.logger.Warn("engine loop stop timeout")
	}
	e.logger.Info("engine stopped",
		"commands", atomic.LoadInt64(&e.totalCommands),
		"transitions", atomic.LoadInt64(&e.totalTransitions))
}

// StopTicker stops the internal ticker and waits for an in-flight tick to finish.
// The loop keeps serving commands, so a caller can take a final snapshot that no
// later tick can race.
func (e *Engine) StopTicker() {
	e.mu.Lock()
	cancel := e.tickCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Now reads the engine's clock.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Events streams every state change. The channel is never closed; events are
// dropped with a warning when nobody keeps up.
func (e *Engine) Events() <-chan domain.StateChangeEvent {
	return e.events
}

func (e *Engine) GetStatistics() map[string]interface{} {
	return map[string]interface{}{
		"total_commands":    atomic.LoadInt64(&e.totalCommands),
		"total_transitions": atomic.LoadInt64(&e.totalTransitions),
		"dropped_events":    atomic.LoadInt64(&e.droppedEvents),
		"queue_depth":       len(e.inbox),
		"stopped":           e.stopped.Load(),
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case cmd := <-e.inbox:
			e.execute(cmd)
			e.flushDeferred()
		case <-e.ctx.Done():
			e.drain()
			return
		}
	}
}

func (e *Engine) execute(cmd *command) {
	if e.stopped.Load() {
		cmd.respond(Outcome{}, domain.ErrEngineStopped)
		return
	}
	if err := cmd.ctx.Err(); err != nil {
		e.logger.Debug("skipping cancelled command", "command", cmd.name)
		cmd.respond(Outcome{}, err)
		return
	}
	atomic.AddInt64(&e.totalCommands, 1)

	loopCtx := context.WithValue(cmd.ctx, loopKey{}, e)
	out, err := cmd.run(loopCtx)
	if err != nil && cmd.reply == nil {
		e.logger.Error("queued command failed", "command", cmd.name, "error", err)
	}
	cmd.respond(out, err)
}

func (e *Engine) flushDeferred() {
	for len(e.deferred) > 0 {
		cmd := e.deferred[0]
		e.deferred = e.deferred[1:]
		e.execute(cmd)
	}
}

func (e *Engine) drain() {
	for _, cmd := range e.deferred {
		cmd.respond(Outcome{}, domain.ErrEngineStopped)
	}
	e.deferred = nil
	for {
		select {
		case cmd := <-e.inbox:
			cmd.respond(Outcome{}, domain.ErrEngineStopped)
		default:
			return
		}
	}
}

func (c *command) respond(out Outcome, err error) {
	if c.reply != nil {
		c.reply <- result{out: out, err: err}
	}
}

// submit queues fn on the loop and waits for it. Calls made from inside the
// loop (ctx carries this engine's loop marker) are deferred instead of waited on.
func (e *Engine) submit(ctx context.Context, name string, fn func(ctx context.Context) (Outcome, error)) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if e.stopped.Load() {
		return Outcome{}, domain.ErrEngineStopped
	}
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return Outcome{}, ErrNotStarted
	}

	if owner, ok := ctx.Value(loopKey{}).(*Engine); ok && owner == e {
		e.deferred = append(e.deferred, &command{ctx: context.WithoutCancel(ctx), name: name, run: fn})
		return Outcome{Queued: true}, nil
	}

	if e.gating.Load() {
		e.logger.Warn("command submitted while a budget gate runs; a gate calling back must pass the ctx it was given",
			"command", name)
	}
	cmd := &command{ctx: ctx, name: name, run: fn, reply: make(chan result, 1)}
	select {
	case e.inbox <- cmd:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-e.done:
		return Outcome{}, domain.ErrEngineStopped
	}

	select {
	case r := <-cmd.reply:
		return r.out, r.err
	case <-e.done:
		select {
		case r := <-cmd.reply:
			return r.out, r.err
		default:
			return Outcome{}, domain.ErrEngineStopped
		}
	case <-ctx.Done():
		// The command stays queued; the loop skips it once dequeued unless it already ran.
		return Outcome{}, ctx.Err()
	}
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.SubmitOccurrenceTick(ctx, e.clock.Now()); err != nil &&
				!errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrEngineStopped) {
				e.logger.Warn("scheduled tick failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// CreateNode adds a copy of n to the graph. A schedule without an anchor is
// anchored at the start of the current day.
func (e *Engine) CreateNode(ctx context.Context, n *domain.TaskNode) (*domain.TaskNode, error) {
	if n == nil {
		return nil, domain.Invalidf("node", "node is nil")
	}
	owned := n.Clone()
	var created *domain.TaskNode
	_, err := e.submit(ctx, "create-node", func(ctx context.Context) (Outcome, error) {
		now := e.clock.Now()
		if owned.Schedule != nil && owned.Schedule.Anchor.IsZero() {
			y, m, d := now.Date()
			owned.Schedule.Anchor = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
		}
		if owned.CreatedAt.IsZero() {
			owned.CreatedAt = now
		}
		owned.UpdatedAt = now
		if err := e.graph.AddNode(owned); err != nil {
			return Outcome{}, err
		}
		created = owned.Clone()
		e.logger.Debug("node created", "node", owned.ID, "kind", owned.Kind)
		return Outcome{}, nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (e *Engine) AddEdge(ctx context.Context, edge domain.DependencyEdge) error {
	_, err := e.submit(ctx, "add-edge", func(ctx context.Context) (Outcome, error) {
		if err := e.graph.AddEdge(edge); err != nil {
			return Outcome{}, err
		}
		e.logger.Debug("edge added", "edge", edge.String())
		return Outcome{}, nil
	})
	return err
}

// Node returns a copy of the node with the given ID.
func (e *Engine) Node(ctx context.Context, id string) (*domain.TaskNode, error) {
	var found *domain.TaskNode
	_, err := e.submit(ctx, "get-node", func(ctx context.Context) (Outcome, error) {
		n, ok := e.graph.Node(id)
		if !ok {
			return Outcome{}, fmt.Errorf("node with ID %s: %w", id, domain.ErrNodeNotFound)
		}
		found = n.Clone()
		return Outcome{}, nil
	})
	return found, err
}

// Nodes returns copies of the matching nodes in insertion order.
func (e *Engine) Nodes(ctx context.Context, filter domain.NodeFilter) ([]*domain.TaskNode, error) {
	var nodes []*domain.TaskNode
	_, err := e.submit(ctx, "list-nodes", func(ctx context.Context) (Outcome, error) {
		for _, n := range e.graph.Nodes() {
			if filter.Match(n) {
				nodes = append(nodes, n.Clone())
			}
		}
		return Outcome{}, nil
	})
	return nodes, err
}

// Edges returns the edges touching id, or every edge when id is empty.
func (e *Engine) Edges(ctx context.Context, id string) ([]domain.DependencyEdge, error) {
	var edges []domain.DependencyEdge
	_, err := e.submit(ctx, "list-edges", func(ctx context.Context) (Outcome, error) {
		if id == "" {
			edges = e.graph.Edges()
			return Outcome{}, nil
		}
		if _, ok := e.graph.Node(id); !ok {
			return Outcome{}, fmt.Errorf("node with ID %s: %w", id, domain.ErrNodeNotFound)
		}
		edges = append(e.graph.EdgesInto(id), e.graph.EdgesFrom(id)...)
		return Outcome{}, nil
	})
	return edges, err
}

// Snapshot captures a consistent copy of the graph and the scheduling state.
func (e *Engine) Snapshot(ctx context.Context) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	_, err := e.submit(ctx, "snapshot", func(ctx context.Context) (Outcome, error) {
		snap = e.graph.Snapshot()
		snap.TakenAt = e.clock.Now()
		snap.Pending = append([]domain.PendingStart(nil), e.pending...)
		snap.Cursors = make(map[string]time.Time, len(e.cursors))
		for id, at := range e.cursors {
			snap.Cursors[id] = at
		}
		return Outcome{}, nil
	})
	return snap, err
}

// Restore replaces the graph with a persisted snapshot and re-evaluates readiness.
// The current graph is kept when the snapshot does not validate.
func (e *Engine) Restore(ctx context.Context, snap *domain.Snapshot) (Outcome, error) {
	return e.submit(ctx, "restore", func(ctx context.Context) (Outcome, error) {
		g, err := graph.FromSnapshot(snap)
		if err != nil {
			return Outcome{}, err
		}
		e.graph = g
		e.armed = make(map[string]work)
		e.pending = nil
		e.cursors = make(map[string]time.Time)
		if snap != nil {
			for _, p := range snap.Pending {
				if _, ok := g.Node(p.NodeID); ok {
					e.pending = append(e.pending, p)
				}
			}
			for id, at := range snap.Cursors {
				e.cursors[id] = at
			}
		}
		e.logger.Info("graph restored", "nodes", g.Len(), "pending", len(e.pending))
		return e.evaluateReadiness(ctx, e.clock.Now())
	})
}

// SubmitOccurrenceTick fires due StartAfter candidates, then evaluates every queued
// node in topological order against its schedule and its start dependencies.
func (e *Engine) SubmitOccurrenceTick(ctx context.Context, now time.Time) (Outcome, error) {
	return e.submit(ctx, "tick", func(ctx context.Context) (Outcome, error) {
		return e.tick(ctx, now)
	})
}

// SubmitCompletion closes an active node and propagates the change.
func (e *Engine) SubmitCompletion(ctx context.Context, id string, at time.Time) (Outcome, error) {
	return e.submit(ctx, "completion", func(ctx context.Context) (Outcome, error) {
		return e.complete(ctx, id, at)
	})
}

// SubmitBudgetStatus records a budget decision and re-evaluates the node when it
// was held back by its budget.
func (e *Engine) SubmitBudgetStatus(ctx context.Context, id string, status domain.BudgetStatus) (Outcome, error) {
	if !status.Valid() {
		return Outcome{}, domain.Invalidf("budgetStatus", "unknown budget status %q", status)
	}
	return e.submit(ctx, "budget-status", func(ctx context.Context) (Outcome, error) {
		return e.updateBudget(ctx, id, status, e.clock.Now())
	})
}

// SubmitStart asks for an explicit start, bypassing schedule and dependency
// qualification. The budget guard still applies.
func (e *Engine) SubmitStart(ctx context.Context, id string, at time.Time) (Outcome, error) {
	return e.submit(ctx, "start", func(ctx context.Context) (Outcome, error) {
		if _, ok := e.graph.Node(id); !ok {
			return Outcome{}, fmt.Errorf("node with ID %s: %w", id, domain.ErrNodeNotFound)
		}
		return e.cascade(ctx, []work{{nodeID: id, cause: domain.CauseManual, at: at, override: true}})
	})
}

func (e *Engine) emit(ev domain.StateChangeEvent) {
	atomic.AddInt64(&e.totalTransitions, 1)
	e.logger.Info("state changed",
		"node", ev.NodeID, "from", ev.From, "to", ev.To, "cause", ev.Cause, "at", ev.At)
	select {
	case e.events <- ev:
	default:
		atomic.AddInt64(&e.droppedEvents, 1)
		e.logger.Warn("dropped state change event", "node", ev.NodeID, "event", ev.ID)
	}
}
