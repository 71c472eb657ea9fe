package domain

import (
	"fmt"
	"time"
)

// EdgeKind discriminates dependency edges. Only StartAfter carries a payload (Offset).
type EdgeKind string

const (
	EdgeStartAfter         EdgeKind = "start_after"
	EdgeStartOnCompletion  EdgeKind = "start_on_completion"
	EdgeTriggerFallingEdge EdgeKind = "trigger_falling_edge"
	EdgeTriggerRisingEdge  EdgeKind = "trigger_rising_edge"
)

func (k EdgeKind) Valid() bool {
	switch k {
	case EdgeStartAfter, EdgeStartOnCompletion, EdgeTriggerFallingEdge, EdgeTriggerRisingEdge:
		return true
	}
	return false
}

// DependencyEdge is directed: To depends on From.
type DependencyEdge struct {
	From   string        `json:"from"`
	To     string        `json:"to"`
	Kind   EdgeKind      `json:"kind"`
	Offset time.Duration `json:"offset,omitempty"`
}

func StartAfter(from, to string, offset time.Duration) DependencyEdge {
	return DependencyEdge{From: from, To: to, Kind: EdgeStartAfter, Offset: offset}
}

func StartOnCompletion(from, to string) DependencyEdge {
	return DependencyEdge{From: from, To: to, Kind: EdgeStartOnCompletion}
}

func TriggerRising(from, to string) DependencyEdge {
	return DependencyEdge{From: from, To: to, Kind: EdgeTriggerRisingEdge}
}

func TriggerFalling(from, to string) DependencyEdge {
	return DependencyEdge{From: from, To: to, Kind: EdgeTriggerFallingEdge}
}

// IsStartDependency reports whether the edge takes part in precedence ordering.
func (e DependencyEdge) IsStartDependency() bool {
	return e.Kind == EdgeStartAfter || e.Kind == EdgeStartOnCompletion
}

func (e DependencyEdge) IsTrigger() bool {
	return e.Kind == EdgeTriggerFallingEdge || e.Kind == EdgeTriggerRisingEdge
}

// SameAs compares identity (endpoints and kind), ignoring the payload.
func (e DependencyEdge) SameAs(o DependencyEdge) bool {
	return e.From == o.From && e.To == o.To && e.Kind == o.Kind
}

func (e DependencyEdge) String() string {
	if e.Kind == EdgeStartAfter {
		return fmt.Sprintf("%s -[%s %s]-> %s", e.From, e.Kind, e.Offset, e.To)
	}
	return fmt.Sprintf("%s -[%s]-> %s", e.From, e.Kind, e.To)
}
