package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrPropagationCycle  = errors.New("propagation cycle")
	ErrUnresolvedRange   = errors.New("unresolved range")
	ErrNodeNotFound      = errors.New("node not found")
	ErrDuplicateNode     = errors.New("node already exists")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrEngineStopped     = errors.New("engine stopped")
	ErrSnapshotNotFound  = errors.New("snapshot not found")
)

// ValidationError rejects malformed input before anything is applied.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrValidation, e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// PropagationCycleError reports a cascade that revisited the same (node, state)
// pair along one causal chain more often than the configured bound allows.
type PropagationCycleError struct {
	NodeID string
	State  TaskState
	Visits int
	Bound  int
	Path   []string
}

func (e *PropagationCycleError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: node %s reached %s %d times (bound %d) via %v",
		ErrPropagationCycle, e.NodeID, e.State, e.Visits, e.Bound, e.Path)
}

func (e *PropagationCycleError) Unwrap() error { return ErrPropagationCycle }

// UnresolvedRangeError is returned when a schedule has no finite bound to stop at.
type UnresolvedRangeError struct {
	Reason string
}

func (e *UnresolvedRangeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", ErrUnresolvedRange, e.Reason)
}

func (e *UnresolvedRangeError) Unwrap() error { return ErrUnresolvedRange }
