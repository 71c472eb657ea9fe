package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskNode is a task or project tracked by the dependency graph.
type TaskNode struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Kind         NodeKind      `json:"kind"`
	State        TaskState     `json:"state"`
	Schedule     *ScheduleSpec `json:"schedule,omitempty"`
	BudgetTypes  BudgetType    `json:"budgetTypes"`
	BudgetStatus BudgetStatus  `json:"budgetStatus"`
	ActivatedAt  *time.Time    `json:"activatedAt,omitempty"`
	ClosedAt     *time.Time    `json:"closedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func NewTaskNode(name string) *TaskNode {
	now := time.Now()
	return &TaskNode{
		ID:           uuid.New().String(),
		Name:         name,
		Kind:         KindTask,
		State:        StateQueued,
		BudgetStatus: BudgetNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// WithSchedule attaches a copy of spec and returns the node for chaining.
func (n *TaskNode) WithSchedule(spec ScheduleSpec) *TaskNode {
	s := spec
	n.Schedule = &s
	return n
}

func (n *TaskNode) WithBudget(types BudgetType) *TaskNode {
	n.BudgetTypes = types
	return n
}

// RequiresBudget reports whether the node must be cleared by the budget gate before starting.
func (n *TaskNode) RequiresBudget() bool {
	return !n.BudgetTypes.IsEmpty()
}

func (n *TaskNode) Validate() error {
	if n.ID == "" {
		return Invalidf("id", "node id is required")
	}
	if n.State != "" && !n.State.Valid() {
		return Invalidf("state", "unknown state %q", n.State)
	}
	if n.BudgetStatus != "" && !n.BudgetStatus.Valid() {
		return Invalidf("budgetStatus", "unknown budget status %q", n.BudgetStatus)
	}
	if n.Schedule != nil {
		if err := n.Schedule.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand outside the engine.
func (n *TaskNode) Clone() *TaskNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Schedule != nil {
		s := *n.Schedule
		c.Schedule = &s
	}
	if n.ActivatedAt != nil {
		t := *n.ActivatedAt
		c.ActivatedAt = &t
	}
	if n.ClosedAt != nil {
		t := *n.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

type NodeFilter struct {
	Kind  *NodeKind
	State *TaskState
}

func (f NodeFilter) Match(n *TaskNode) bool {
	if f.Kind != nil && n.Kind != *f.Kind {
		return false
	}
	if f.State != nil && n.State != *f.State {
		return false
	}
	return true
}
