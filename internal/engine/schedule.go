package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/cadence/internal/domain"
	"github.com/rcliao/cadence/internal/recurrence"
)

// tick fires due pending starts, then walks queued nodes in topological order.
// A scheduled node starts on the first occurrence after its cursor; any other
// node starts once its start dependencies are satisfied. Every seed runs as its
// own cascade, so one cycle error does not stop the rest of the tick.
func (e *Engine) tick(ctx context.Context, now time.Time) (Outcome, error) {
	var (
		out  Outcome
		errs []error
	)
	run := func(w work) {
		o, err := e.cascade(ctx, []work{w})
		out.Events = append(out.Events, o.Events...)
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range e.takeDue(now) {
		run(work{nodeID: p.NodeID, cause: domain.CauseDependency, at: p.Due})
	}

	for _, id := range e.graph.TopologicalOrder() {
		n := e.graph.MustNode(id)
		if n.Schedule != nil {
			occ, due, err := e.dueOccurrence(n, now)
			if err != nil {
				e.logger.Warn("schedule resolution failed", "node", id, "error", err)
				errs = append(errs, err)
				continue
			}
			if due {
				run(work{nodeID: id, cause: domain.CauseSchedule, at: occ.At})
				continue
			}
		}
		if n.State == domain.StateQueued && e.graph.Ready(id, now) {
			run(work{nodeID: id, cause: domain.CauseDependency, at: now})
		}
	}

	e.logger.Debug("tick processed", "now", now, "events", len(out.Events), "pending", len(e.pending))
	return out, errors.Join(errs...)
}

// dueOccurrence looks for an occurrence in (cursor, now] and advances the
// node's cursor to now. Nodes that are no longer queued only move their cursor.
func (e *Engine) dueOccurrence(n *domain.TaskNode, now time.Time) (domain.Occurrence, bool, error) {
	cursor := e.cursors[n.ID]
	if !cursor.IsZero() && !now.After(cursor) {
		return domain.Occurrence{}, false, nil
	}
	e.cursors[n.ID] = now
	if n.State != domain.StateQueued {
		return domain.Occurrence{}, false, nil
	}
	return recurrence.NextAfter(*n.Schedule, cursor, now)
}

// takeDue removes and returns the pending starts due at or before now.
func (e *Engine) takeDue(now time.Time) []domain.PendingStart {
	i := 0
	for i < len(e.pending) && !e.pending[i].Due.After(now) {
		i++
	}
	due := append([]domain.PendingStart(nil), e.pending[:i]...)
	e.pending = e.pending[i:]
	return due
}

// evaluateReadiness starts, in topological order, every queued node whose start
// dependencies are already satisfied. It runs on Start and after Restore.
func (e *Engine) evaluateReadiness(ctx context.Context, now time.Time) (Outcome, error) {
	var (
		out  Outcome
		errs []error
	)
	for _, id := range e.graph.TopologicalOrder() {
		n := e.graph.MustNode(id)
		if n.State != domain.StateQueued || !e.graph.Ready(id, now) {
			continue
		}
		o, err := e.cascade(ctx, []work{{nodeID: id, cause: domain.CauseDependency, at: now}})
		out.Events = append(out.Events, o.Events...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}
