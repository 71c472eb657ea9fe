// Package manifest reads YAML descriptions of a dependency graph.
package manifest

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/cadence/internal/domain"
)

const SchemaV1 = "cadence.manifest.v1"

type Manifest struct {
	Schema string `yaml:"schema"`
	Nodes  []Node `yaml:"nodes"`
	Edges  []Edge `yaml:"edges"`
}

type Node struct {
	ID           string    `yaml:"id"`
	Name         string    `yaml:"name,omitempty"`
	Kind         string    `yaml:"kind,omitempty"`
	State        string    `yaml:"state,omitempty"`
	Budget       []string  `yaml:"budget,omitempty"`
	BudgetStatus string    `yaml:"budget_status,omitempty"`
	Schedule     *Schedule `yaml:"schedule,omitempty"`
}

// Schedule leaves the active period indefinite unless count or until is set.
type Schedule struct {
	Months   []string `yaml:"months,omitempty"`
	Weekdays []string `yaml:"weekdays,omitempty"`
	Ordinals []string `yaml:"ordinals,omitempty"`
	Anchor   string   `yaml:"anchor,omitempty"`
	Count    int      `yaml:"count,omitempty"`
	Until    string   `yaml:"until,omitempty"`
}

type Edge struct {
	From   string `yaml:"from"`
	To     string `yaml:"to"`
	Kind   string `yaml:"kind"`
	Offset string `yaml:"offset,omitempty"`
}

func Parse(input []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(input, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if s := strings.TrimSpace(m.Schema); s != "" && s != SchemaV1 {
		return nil, domain.Invalidf("schema", "must be %q, got %q", SchemaV1, m.Schema)
	}
	return &m, nil
}

func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return Parse(data)
}

// Build converts the manifest into graph nodes and edges. Node IDs must be unique
// and every edge must name declared nodes; graph-level rules such as start-dependency
// cycles are left to the graph.
func (m *Manifest) Build() ([]*domain.TaskNode, []domain.DependencyEdge, error) {
	nodes := make([]*domain.TaskNode, 0, len(m.Nodes))
	seen := make(map[string]struct{}, len(m.Nodes))
	for i, spec := range m.Nodes {
		prefix := fmt.Sprintf("nodes[%d]", i)
		n, err := spec.build(prefix)
		if err != nil {
			return nil, nil, err
		}
		if _, dup := seen[n.ID]; dup {
			return nil, nil, domain.Invalidf(prefix+".id", "duplicate id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
		nodes = append(nodes, n)
	}

	edges := make([]domain.DependencyEdge, 0, len(m.Edges))
	for i, spec := range m.Edges {
		prefix := fmt.Sprintf("edges[%d]", i)
		e, err := spec.build(prefix)
		if err != nil {
			return nil, nil, err
		}
		for _, end := range []string{e.From, e.To} {
			if _, ok := seen[end]; !ok {
				return nil, nil, domain.Invalidf(prefix, "unknown node %q", end)
			}
		}
		edges = append(edges, e)
	}
	return nodes, edges, nil
}

func (spec Node) build(prefix string) (*domain.TaskNode, error) {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return nil, domain.Invalidf(prefix+".id", "is required")
	}
	name := spec.Name
	if name == "" {
		name = id
	}
	n := domain.NewTaskNode(name)
	n.ID = id

	switch kind := domain.NodeKind(strings.ToLower(strings.TrimSpace(spec.Kind))); kind {
	case "":
	case domain.KindTask, domain.KindProject:
		n.Kind = kind
	default:
		return nil, domain.Invalidf(prefix+".kind", "unknown kind %q", spec.Kind)
	}
	if spec.State != "" {
		n.State = domain.TaskState(strings.ToLower(strings.TrimSpace(spec.State)))
	}

	types, err := domain.ParseBudgetTypes(spec.Budget)
	if err != nil {
		return nil, prefixed(prefix, err)
	}
	n.BudgetTypes = types
	if n.BudgetStatus, err = domain.ParseBudgetStatus(spec.BudgetStatus); err != nil {
		return nil, prefixed(prefix, err)
	}

	if spec.Schedule != nil {
		s, err := spec.Schedule.build()
		if err != nil {
			return nil, prefixed(prefix+".schedule", err)
		}
		n.WithSchedule(s)
	}
	if err := n.Validate(); err != nil {
		return nil, prefixed(prefix, err)
	}
	return n, nil
}

func (spec Schedule) build() (domain.ScheduleSpec, error) {
	var s domain.ScheduleSpec
	var err error
	if s.Months, err = domain.ParseMonths(spec.Months); err != nil {
		return s, err
	}
	if s.Weekdays, err = domain.ParseWeekdays(spec.Weekdays); err != nil {
		return s, err
	}
	if s.Ordinals, err = domain.ParseWeekOrdinals(spec.Ordinals); err != nil {
		return s, err
	}
	if spec.Anchor != "" {
		if s.Anchor, err = parseTime(spec.Anchor); err != nil {
			return s, domain.Invalidf("anchor", "%v", err)
		}
	}

	switch {
	case spec.Count != 0 && spec.Until != "":
		return s, domain.Invalidf("period", "count and until are mutually exclusive")
	case spec.Count != 0:
		s.Period = domain.ForCount(spec.Count)
	case spec.Until != "":
		end, err := parseTime(spec.Until)
		if err != nil {
			return s, domain.Invalidf("until", "%v", err)
		}
		s.Period = domain.Until(end)
	default:
		s.Period = domain.Indefinite()
	}
	return s, nil
}

func (spec Edge) build(prefix string) (domain.DependencyEdge, error) {
	e := domain.DependencyEdge{
		From: strings.TrimSpace(spec.From),
		To:   strings.TrimSpace(spec.To),
		Kind: domain.EdgeKind(strings.ToLower(strings.TrimSpace(spec.Kind))),
	}
	if e.From == "" || e.To == "" {
		return e, domain.Invalidf(prefix, "from and to are required")
	}
	if !e.Kind.Valid() {
		return e, domain.Invalidf(prefix+".kind", "unknown edge kind %q", spec.Kind)
	}
	if spec.Offset != "" {
		d, err := time.ParseDuration(spec.Offset)
		if err != nil {
			return e, domain.Invalidf(prefix+".offset", "%v", err)
		}
		e.Offset = d
	}
	return e, nil
}

// parseTime accepts a plain date (midnight UTC) or an RFC 3339 timestamp.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func prefixed(prefix string, err error) error {
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		return fmt.Errorf("%s: %w", prefix, err)
	}
	field := prefix
	if verr.Field != "" {
		field = prefix + "." + verr.Field
	}
	return &domain.ValidationError{Field: field, Msg: verr.Msg}
}
