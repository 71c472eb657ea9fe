package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rcliao/cadence/internal/domain"
	"github.com/rcliao/cadence/internal/graph"
)

// Config tunes the engine loop and the propagator.
type Config struct {
	// PropagationBound is how many times one (node, state) pair may appear along a
	// single causal chain before the cascade reports a PropagationCycleError.
	PropagationBound int `yaml:"propagation_bound"`
	// QueueSize bounds the inbox of not-yet-processed commands.
	QueueSize int `yaml:"queue_size"`
	// EventBuffer bounds the Events stream; events are dropped when it is full.
	EventBuffer int `yaml:"event_buffer"`
	// TickInterval starts an internal ticker when positive. Zero leaves ticking to the caller.
	TickInterval time.Duration `yaml:"tick_interval"`
}

func DefaultConfig() Config {
	return Config{
		PropagationBound: 1,
		QueueSize:        256,
		EventBuffer:      1024,
	}
}

func (c Config) Validate() error {
	if c.PropagationBound < 1 {
		return errors.New("engine.propagation_bound must be >= 1")
	}
	if c.QueueSize < 1 {
		return errors.New("engine.queue_size must be >= 1")
	}
	if c.EventBuffer < 0 {
		return errors.New("engine.event_buffer must be >= 0")
	}
	if c.TickInterval < 0 {
		return fmt.Errorf("engine.tick_interval must be >= 0, got %s", c.TickInterval)
	}
	return nil
}

// BudgetGate decides whether a node may leave the queue. It is asked about every
// start, including nodes with no budget tags, while the engine holds its
// single-writer loop. Calls it makes back into the engine with the ctx it was
// given are queued behind the current command; any other ctx blocks until done.
type BudgetGate interface {
	Evaluate(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus
}

type BudgetGateFunc func(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus

func (f BudgetGateFunc) Evaluate(ctx context.Context, nodeID string, types domain.BudgetType) domain.BudgetStatus {
	return f(ctx, nodeID, types)
}

// Clock supplies the current instant. Callers hand the engine already-normalized
// instants; no timezone conversion happens here.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type Option func(*Engine)

func WithBudgetGate(g BudgetGate) Option {
	return func(e *Engine) { e.gate = g }
}

func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithGraph starts the engine on an existing graph, typically one rebuilt from a
// snapshot. The engine takes ownership of g.
func WithGraph(g *graph.Graph) Option {
	return func(e *Engine) { e.graph = g }
}
