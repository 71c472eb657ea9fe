package domain

import (
	"time"

	"github.com/google/uuid"
)

// Cause records why a transition was attempted.
type Cause string

const (
	CauseSchedule   Cause = "schedule"
	CauseDependency Cause = "dependency"
	CauseTrigger    Cause = "trigger"
	CauseCompletion Cause = "completion"
	CauseManual     Cause = "manual"
)

// StateChangeEvent is emitted for every lifecycle transition.
type StateChangeEvent struct {
	ID     string    `json:"id"`
	NodeID string    `json:"nodeId"`
	From   TaskState `json:"from"`
	To     TaskState `json:"to"`
	At     time.Time `json:"at"`
	Cause  Cause     `json:"cause"`
}

func NewStateChangeEvent(nodeID string, from, to TaskState, at time.Time, cause Cause) StateChangeEvent {
	return StateChangeEvent{
		ID:     uuid.New().String(),
		NodeID: nodeID,
		From:   from,
		To:     to,
		At:     at,
		Cause:  cause,
	}
}

func (e StateChangeEvent) IsRisingEdge() bool {
	return e.From != StateActive && e.To == StateActive
}

func (e StateChangeEvent) IsFallingEdge() bool {
	return e.From == StateActive && e.To != StateActive
}
