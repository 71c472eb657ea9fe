package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rcliao/cadence/internal/domain"
)

type visit struct {
	nodeID string
	state  domain.TaskState
}

// work is one pending evaluation inside a cascade. chain holds the (node, state)
// transitions that caused it, oldest first.
type work struct {
	nodeID   string
	cause    domain.Cause
	at       time.Time
	override bool
	chain    []visit
}

// cascade evaluates seeds breadth-first, fanning out every transition along the
// outgoing edges of its node, until the queue is empty.
//
// An item whose (node, Active) pair already appears Bound times in its own causal
// chain is reported as a PropagationCycleError and dropped; the rest of the queue
// still runs and no transition is undone. Items reaching a node that already left
// Queued are no-ops, which is what keeps diamond fan-in quiet.
func (e *Engine) cascade(ctx context.Context, seeds []work) (Outcome, error) {
	var (
		out  Outcome
		errs []error
	)
	queue := append([]work(nil), seeds...)

	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		target := visit{nodeID: w.nodeID, state: domain.StateActive}
		if seen := countVisits(w.chain, target); seen >= e.cfg.PropagationBound {
			cerr := &domain.PropagationCycleError{
				NodeID: w.nodeID,
				State:  domain.StateActive,
				Visits: seen + 1,
				Bound:  e.cfg.PropagationBound,
				Path:   chainPath(w.chain, w.nodeID),
			}
			e.logger.Warn("propagation cycle", "node", w.nodeID, "path", cerr.Path, "bound", cerr.Bound)
			errs = append(errs, cerr)
			continue
		}

		ev := e.activate(ctx, w)
		if ev == nil {
			continue
		}
		out.Events = append(out.Events, *ev)

		chain := make([]visit, len(w.chain), len(w.chain)+1)
		copy(chain, w.chain)
		chain = append(chain, target)
		queue = append(queue, e.fanOut(*ev, chain)...)
	}
	return out, errors.Join(errs...)
}

// propagate runs the cascade caused by an event that happened outside cascade,
// such as a completion.
func (e *Engine) propagate(ctx context.Context, ev domain.StateChangeEvent, chain []visit) ([]domain.StateChangeEvent, error) {
	out, err := e.cascade(ctx, e.fanOut(ev, chain))
	return out.Events, err
}

// fanOut turns one state change into evaluations of the nodes depending on it.
// StartAfter edges with a positive offset are parked as pending starts instead.
func (e *Engine) fanOut(ev domain.StateChangeEvent, chain []visit) []work {
	var next []work
	for _, edge := range e.graph.EdgesFrom(ev.NodeID) {
		w := work{nodeID: edge.To, at: ev.At, chain: chain}
		switch edge.Kind {
		case domain.EdgeStartAfter:
			if ev.To != domain.StateActive {
				continue
			}
			if edge.Offset > 0 {
				e.schedulePending(domain.PendingStart{NodeID: edge.To, SourceID: edge.From, Due: ev.At.Add(edge.Offset)})
				continue
			}
			w.cause = domain.CauseDependency
		case domain.EdgeStartOnCompletion:
			if ev.To != domain.StateClosed {
				continue
			}
			w.cause = domain.CauseDependency
		case domain.EdgeTriggerRisingEdge:
			if !ev.IsRisingEdge() {
				continue
			}
			w.cause, w.override = domain.CauseTrigger, true
		case domain.EdgeTriggerFallingEdge:
			if !ev.IsFallingEdge() {
				continue
			}
			w.cause, w.override = domain.CauseTrigger, true
		default:
			continue
		}
		next = append(next, w)
	}
	return next
}

// schedulePending keeps e.pending ordered by due time, then by insertion.
func (e *Engine) schedulePending(p domain.PendingStart) {
	i := sort.Search(len(e.pending), func(i int) bool {
		return e.pending[i].Due.After(p.Due)
	})
	e.pending = append(e.pending, domain.PendingStart{})
	copy(e.pending[i+1:], e.pending[i:])
	e.pending[i] = p
	e.logger.Debug("start scheduled", "node", p.NodeID, "source", p.SourceID, "due", p.Due)
}

func countVisits(chain []visit, v visit) int {
	n := 0
	for _, c := range chain {
		if c == v {
			n++
		}
	}
	return n
}

func chainPath(chain []visit, last string) []string {
	path := make([]string, 0, len(chain)+1)
	for _, c := range chain {
		path = append(path, c.nodeID)
	}
	return append(path, last)
}
