package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TaskState is the lifecycle state of a node in the dependency graph.
type TaskState string

const (
	StateQueued TaskState = "queued"
	StateActive TaskState = "active"
	StateClosed TaskState = "closed"
)

// CanTransition reports whether the lifecycle allows moving from one state to another.
// Only queued -> active and active -> closed exist; closed is terminal.
func CanTransition(from, to TaskState) bool {
	switch from {
	case StateQueued:
		return to == StateActive
	case StateActive:
		return to == StateClosed
	default:
		return false
	}
}

func (s TaskState) Valid() bool {
	switch s {
	case StateQueued, StateActive, StateClosed:
		return true
	}
	return false
}

type NodeKind string

const (
	KindTask    NodeKind = "task"
	KindProject NodeKind = "project"
)

// BudgetStatus is the approval state reported by the budget collaborator.
type BudgetStatus string

const (
	BudgetNone      BudgetStatus = "none"
	BudgetApproved  BudgetStatus = "approved"
	BudgetDeclined  BudgetStatus = "declined"
	BudgetReduction BudgetStatus = "reduction"
	BudgetWaiting   BudgetStatus = "waiting"
)

// Permits reports whether a node holding this status may leave the queue.
func (s BudgetStatus) Permits() bool {
	return s == BudgetApproved || s == BudgetReduction
}

func (s BudgetStatus) Valid() bool {
	switch s {
	case BudgetNone, BudgetApproved, BudgetDeclined, BudgetReduction, BudgetWaiting:
		return true
	}
	return false
}

// ParseBudgetStatus accepts the lowercase status names; the empty string maps to none.
func ParseBudgetStatus(s string) (BudgetStatus, error) {
	v := BudgetStatus(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return BudgetNone, nil
	}
	if !v.Valid() {
		return "", Invalidf("budgetStatus", "unknown budget status %q", s)
	}
	return v, nil
}

// BudgetType is a set of resources a node needs approval for.
type BudgetType uint8

const (
	BudgetTime BudgetType = 1 << iota
	BudgetMoney
	BudgetDate
	BudgetFacilities
	BudgetEquipment
)

var budgetTypeNames = []namedBit{
	{uint64(BudgetTime), "time"},
	{uint64(BudgetMoney), "money"},
	{uint64(BudgetDate), "date"},
	{uint64(BudgetFacilities), "facilities"},
	{uint64(BudgetEquipment), "equipment"},
}

func (b BudgetType) Has(t BudgetType) bool { return t != 0 && b&t == t }
func (b BudgetType) IsEmpty() bool         { return b == 0 }
func (b BudgetType) Names() []string       { return bitNames(uint64(b), budgetTypeNames) }
func (b BudgetType) String() string        { return joinNames(b.Names()) }

func (b BudgetType) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Names())
}

func (b *BudgetType) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("budget types: %w", err)
	}
	v, err := ParseBudgetTypes(names)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

func ParseBudgetTypes(names []string) (BudgetType, error) {
	bits, err := parseBits("budget", names, budgetTypeNames, nil)
	return BudgetType(bits), err
}

// namedBit pairs one member of a flag-style set with its canonical name.
type namedBit struct {
	bit  uint64
	name string
}

func bitNames(set uint64, table []namedBit) []string {
	names := make([]string, 0, len(table))
	for _, nb := range table {
		if set&nb.bit != 0 {
			names = append(names, nb.name)
		}
	}
	return names
}

func joinNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// parseBits resolves names (case-insensitive) against the table, falling back to aliases.
func parseBits(field string, names []string, table []namedBit, aliases map[string]uint64) (uint64, error) {
	var set uint64
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		found := false
		for _, nb := range table {
			if nb.name == name {
				set |= nb.bit
				found = true
				break
			}
		}
		if !found {
			bit, ok := aliases[name]
			if !ok {
				return 0, Invalidf(field, "unknown value %q", raw)
			}
			set |= bit
		}
	}
	return set, nil
}
