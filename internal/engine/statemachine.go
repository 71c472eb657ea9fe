package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rcliao/cadence/internal/domain"
)

// activate runs the Queued -> Active guards for w. It returns the emitted event,
// or nil when the node stays where it is.
func (e *Engine) activate(ctx context.Context, w work) *domain.StateChangeEvent {
	n, ok := e.graph.Node(w.nodeID)
	if !ok || n.State != domain.StateQueued {
		// Active and closed nodes ignore further starts; reset is not modelled.
		return nil
	}
	if !e.qualifies(n, w) {
		return nil
	}

	status, permitted := e.budgetFor(ctx, n)
	if !permitted {
		e.armed[n.ID] = w
		e.logger.Info("start held by budget",
			"node", n.ID, "status", status, "cause", w.cause, "budget_types", n.BudgetTypes.String())
		return nil
	}
	delete(e.armed, n.ID)
	return e.transition(n, domain.StateActive, w.at, w.cause)
}

// qualifies reports whether w is a reason for n to start. Schedule, trigger and
// manual starts carry their own qualification; dependency starts need every
// incoming start edge satisfied at the evaluation instant.
func (e *Engine) qualifies(n *domain.TaskNode, w work) bool {
	if w.override || w.cause == domain.CauseSchedule {
		return true
	}
	return e.graph.Ready(n.ID, w.at)
}

// budgetFor asks the injected gate about every start, tagged or not, and stores
// its answer on the node. Without a gate, untagged nodes pass and tagged nodes
// go by the last recorded status.
func (e *Engine) budgetFor(ctx context.Context, n *domain.TaskNode) (domain.BudgetStatus, bool) {
	if e.gate == nil {
		if !n.RequiresBudget() {
			return n.BudgetStatus, true
		}
		return n.BudgetStatus, n.BudgetStatus.Permits()
	}

	e.gating.Store(true)
	status := e.gate.Evaluate(ctx, n.ID, n.BudgetTypes)
	e.gating.Store(false)
	if !status.Valid() {
		e.logger.Warn("budget gate returned unknown status", "node", n.ID, "status", status)
		status = domain.BudgetWaiting
	}
	n.BudgetStatus = status
	n.UpdatedAt = e.clock.Now()
	return status, status.Permits()
}

// complete closes an active node and propagates the change.
func (e *Engine) complete(ctx context.Context, id string, at time.Time) (Outcome, error) {
	n, ok := e.graph.Node(id)
	if !ok {
		return Outcome{}, fmt.Errorf("node with ID %s: %w", id, domain.ErrNodeNotFound)
	}
	if !domain.CanTransition(n.State, domain.StateClosed) {
		return Outcome{}, fmt.Errorf("complete %s from %s: %w", id, n.State, domain.ErrInvalidTransition)
	}
	if at.IsZero() {
		at = e.clock.Now()
	}
	if n.ActivatedAt != nil && at.Before(*n.ActivatedAt) {
		return Outcome{}, domain.Invalidf("completedAt", "completion at %s precedes activation at %s",
			at.Format(time.RFC3339), n.ActivatedAt.Format(time.RFC3339))
	}

	ev := e.transition(n, domain.StateClosed, at, domain.CauseCompletion)
	out := Outcome{Events: []domain.StateChangeEvent{*ev}}
	more, err := e.propagate(ctx, *ev, []visit{{nodeID: id, state: domain.StateClosed}})
	out.Events = append(out.Events, more...)
	return out, err
}

// updateBudget stores a budget decision and replays a start the budget held back.
func (e *Engine) updateBudget(ctx context.Context, id string, status domain.BudgetStatus, now time.Time) (Outcome, error) {
	n, ok := e.graph.Node(id)
	if !ok {
		return Outcome{}, fmt.Errorf("node with ID %s: %w", id, domain.ErrNodeNotFound)
	}
	n.BudgetStatus = status
	n.UpdatedAt = now

	w, armed := e.armed[id]
	if !armed || n.State != domain.StateQueued {
		return Outcome{}, nil
	}
	delete(e.armed, id)
	w.at = now
	w.chain = nil
	e.logger.Debug("re-evaluating held start", "node", id, "status", status, "cause", w.cause)
	return e.cascade(ctx, []work{w})
}

// transition applies a guarded state change and emits its event.
func (e *Engine) transition(n *domain.TaskNode, to domain.TaskState, at time.Time, cause domain.Cause) *domain.StateChangeEvent {
	from := n.State
	if !domain.CanTransition(from, to) {
		return nil
	}
	n.State = to
	ts := at
	switch to {
	case domain.StateActive:
		n.ActivatedAt = &ts
	case domain.StateClosed:
		n.ClosedAt = &ts
	}
	n.UpdatedAt = e.clock.Now()

	ev := domain.NewStateChangeEvent(n.ID, from, to, at, cause)
	e.emit(ev)
	return &ev
}
