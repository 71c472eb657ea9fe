// Package command dispatches JSON commands onto a workspace.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rcliao/cadence/internal/domain"
	"github.com/rcliao/cadence/internal/manifest"
	"github.com/rcliao/cadence/internal/service"
)

const FormatMarkdown = "markdown"

var ErrUnknownMethod = errors.New("unknown method")

type Server struct {
	workspace *service.WorkspaceService
	logger    *slog.Logger
	timeout   time.Duration
}

func NewServer(workspace *service.WorkspaceService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		workspace: workspace,
		logger:    logger.With("component", "command"),
		timeout:   30 * time.Second,
	}
}

// HandleCommand runs method with a bounded background context.
func (s *Server) HandleCommand(method string, params json.RawMessage) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.HandleCommandContext(ctx, method, params)
}

func (s *Server) HandleCommandContext(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	s.logger.Debug("handling command", "method", method)

	var (
		result interface{}
		err    error
	)
	switch method {
	// Node commands
	case "cadence.node.create":
		result, err = s.handleNodeCreate(ctx, params)
	case "cadence.node.get":
		result, err = s.handleNodeGet(ctx, params)
	case "cadence.node.list":
		result, err = s.handleNodeList(ctx, params)
	case "cadence.edge.add":
		result, err = s.handleEdgeAdd(ctx, params)
	case "cadence.edge.list":
		result, err = s.handleEdgeList(ctx, params)

	// Lifecycle commands
	case "cadence.tick":
		result, err = s.handleTick(ctx, params)
	case "cadence.complete":
		result, err = s.handleComplete(ctx, params)
	case "cadence.start":
		result, err = s.handleStart(ctx, params)
	case "cadence.budget":
		result, err = s.handleBudget(ctx, params)

	// Workspace commands
	case "cadence.occurrences":
		result, err = s.handleOccurrences(ctx, params)
	case "cadence.checkpoint":
		result, err = s.handleCheckpoint(ctx)
	case "cadence.manifest.apply":
		result, err = s.handleManifestApply(ctx, params)
	case "cadence.history":
		result, err = s.handleHistory(params)
	case "cadence.stats":
		result, err = s.workspace.GetStatistics(), nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}

	if err != nil {
		s.logger.Warn("command failed", "method", method, "error", err)
		return nil, err
	}
	return result, nil
}

// decode tolerates empty params for commands whose fields are all optional.
func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// Node handlers
type CreateNodeParams struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Kind         string          `json:"kind,omitempty"`
	Budget       []string        `json:"budget,omitempty"`
	BudgetStatus string          `json:"budgetStatus,omitempty"`
	Schedule     *ScheduleParams `json:"schedule,omitempty"`
}

type ScheduleParams struct {
	Months   []string `json:"months,omitempty"`
	Weekdays []string `json:"weekdays,omitempty"`
	Ordinals []string `json:"ordinals,omitempty"`
	Anchor   string   `json:"anchor,omitempty"`
	Count    int      `json:"count,omitempty"`
	Until    string   `json:"until,omitempty"`
}

func (s *Server) handleNodeCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CreateNodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if p.ID == "" && p.Name == "" {
		return nil, domain.Invalidf("name", "id or name is required")
	}

	// Same field rules as a manifest node.
	spec := manifest.Node{
		ID:           p.ID,
		Name:         p.Name,
		Kind:         p.Kind,
		Budget:       p.Budget,
		BudgetStatus: p.BudgetStatus,
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if p.Schedule != nil {
		spec.Schedule = &manifest.Schedule{
			Months:   p.Schedule.Months,
			Weekdays: p.Schedule.Weekdays,
			Ordinals: p.Schedule.Ordinals,
			Anchor:   p.Schedule.Anchor,
			Count:    p.Schedule.Count,
			Until:    p.Schedule.Until,
		}
	}
	nodes, _, err := (&manifest.Manifest{Nodes: []manifest.Node{spec}}).Build()
	if err != nil {
		return nil, err
	}
	return s.workspace.Engine().CreateNode(ctx, nodes[0])
}

type GetNodeParams struct {
	ID     string `json:"id"`
	Format string `json:"format,omitempty"`
}

func (s *Server) handleNodeGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p GetNodeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	id, err := s.workspace.ResolveID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	node, err := s.workspace.Engine().Node(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Format == FormatMarkdown {
		edges, err := s.workspace.Engine().Edges(ctx, id)
		if err != nil {
			return nil, err
		}
		return FormatNodeAsMarkdown(node, edges), nil
	}
	return node, nil
}

type ListNodesParams struct {
	Kind   *domain.NodeKind  `json:"kind,omitempty"`
	State  *domain.TaskState `json:"state,omitempty"`
	Format string            `json:"format,omitempty"`
}

func (s *Server) handleNodeList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListNodesParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	nodes, err := s.workspace.Engine().Nodes(ctx, domain.NodeFilter{Kind: p.Kind, State: p.State})
	if err != nil {
		return nil, err
	}
	if p.Format == FormatMarkdown {
		return FormatNodesAsMarkdown(nodes), nil
	}
	return nodes, nil
}

type AddEdgeParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Kind   string `json:"kind"`
	Offset string `json:"offset,omitempty"`
}

func (s *Server) handleEdgeAdd(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p AddEdgeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	from, err := s.workspace.ResolveID(ctx, p.From)
	if err != nil {
		return nil, err
	}
	to, err := s.workspace.ResolveID(ctx, p.To)
	if err != nil {
		return nil, err
	}
	edge := domain.DependencyEdge{From: from, To: to, Kind: domain.EdgeKind(strings.ToLower(p.Kind))}
	if !edge.Kind.Valid() {
		return nil, domain.Invalidf("kind", "unknown edge kind %q", p.Kind)
	}
	if p.Offset != "" {
		if edge.Offset, err = time.ParseDuration(p.Offset); err != nil {
			return nil, domain.Invalidf("offset", "%v", err)
		}
	}

	if err := s.workspace.Engine().AddEdge(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

type ListEdgesParams struct {
	ID string `json:"id,omitempty"`
}

func (s *Server) handleEdgeList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ListEdgesParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	id := p.ID
	if id != "" {
		var err error
		if id, err = s.workspace.ResolveID(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.workspace.Engine().Edges(ctx, id)
}

// Lifecycle handlers

// TransitionResult is what every state-changing command returns.
type TransitionResult struct {
	Events []domain.StateChangeEvent `json:"events"`
	Queued bool                      `json:"queued,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

type TickParams struct {
	Now    string `json:"now,omitempty"`
	Format string `json:"format,omitempty"`
}

func (s *Server) handleTick(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p TickParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	now, err := s.instant("now", p.Now)
	if err != nil {
		return nil, err
	}
	out, err := s.workspace.Engine().SubmitOccurrenceTick(ctx, now)
	return transitionResult(out.Events, out.Queued, p.Format, err)
}

type CompleteParams struct {
	ID     string `json:"id"`
	At     string `json:"at,omitempty"`
	Format string `json:"format,omitempty"`
}

func (s *Server) handleComplete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	id, err := s.workspace.ResolveID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	at, err := s.instant("at", p.At)
	if err != nil {
		return nil, err
	}
	out, err := s.workspace.Engine().SubmitCompletion(ctx, id, at)
	return transitionResult(out.Events, out.Queued, p.Format, err)
}

func (s *Server) handleStart(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p CompleteParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	id, err := s.workspace.ResolveID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	at, err := s.instant("at", p.At)
	if err != nil {
		return nil, err
	}
	out, err := s.workspace.Engine().SubmitStart(ctx, id, at)
	return transitionResult(out.Events, out.Queued, p.Format, err)
}

type BudgetParams struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Format string `json:"format,omitempty"`
}

func (s *Server) handleBudget(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p BudgetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	id, err := s.workspace.ResolveID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	status, err := domain.ParseBudgetStatus(p.Status)
	if err != nil {
		return nil, err
	}
	out, err := s.workspace.Engine().SubmitBudgetStatus(ctx, id, status)
	return transitionResult(out.Events, out.Queued, p.Format, err)
}

// transitionResult keeps the events of a cascade that was cut short by a
// propagation cycle; every other error fails the command.
func transitionResult(events []domain.StateChangeEvent, queued bool, format string, err error) (interface{}, error) {
	var cycle *domain.PropagationCycleError
	if err != nil && !errors.As(err, &cycle) {
		return nil, err
	}
	if format == FormatMarkdown {
		md := FormatEventsAsMarkdown(events)
		if err != nil {
			md += "\n\n⚠️ " + err.Error()
		}
		return md, nil
	}
	res := TransitionResult{Events: events, Queued: queued}
	if res.Events == nil {
		res.Events = []domain.StateChangeEvent{}
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res, nil
}

// Workspace handlers
type OccurrencesParams struct {
	ID     string `json:"id"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Format string `json:"format,omitempty"`
}

func (s *Server) handleOccurrences(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p OccurrencesParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	id, err := s.workspace.ResolveID(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	var from, to time.Time
	if p.From != "" {
		if from, _, err = parseInstant("from", p.From); err != nil {
			return nil, err
		}
	}
	if p.To != "" {
		var dateOnly bool
		if to, dateOnly, err = parseInstant("to", p.To); err != nil {
			return nil, err
		}
		if dateOnly {
			// A plain date covers the whole day.
			to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
	}
	if to.IsZero() && p.Limit <= 0 {
		// An indefinite schedule needs some bound.
		p.Limit = 10
	}

	occ, err := s.workspace.Occurrences(ctx, id, from, to, p.Limit)
	if err != nil {
		return nil, err
	}
	if p.Format == FormatMarkdown {
		return FormatOccurrencesAsMarkdown(id, occ), nil
	}
	return occ, nil
}

func (s *Server) handleCheckpoint(ctx context.Context) (interface{}, error) {
	if err := s.workspace.Checkpoint(ctx); err != nil {
		return nil, err
	}
	return map[string]string{"status": "success"}, nil
}

type ManifestApplyParams struct {
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) handleManifestApply(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p ManifestApplyParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}

	var (
		m   *manifest.Manifest
		err error
	)
	switch {
	case p.Content != "":
		m, err = manifest.Parse([]byte(p.Content))
	case p.Path != "":
		m, err = manifest.LoadFile(p.Path)
	default:
		return nil, domain.Invalidf("path", "path or content is required")
	}
	if err != nil {
		return nil, err
	}
	return s.workspace.ApplyManifest(ctx, m)
}

type HistoryParams struct {
	Limit  int    `json:"limit,omitempty"`
	Format string `json:"format,omitempty"`
}

func (s *Server) handleHistory(params json.RawMessage) (interface{}, error) {
	var p HistoryParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	events := s.workspace.History(p.Limit)
	if p.Format == FormatMarkdown {
		return FormatEventsAsMarkdown(events), nil
	}
	return events, nil
}

// instant parses an RFC 3339 time or a plain date. Empty means now on the
// engine's clock.
func (s *Server) instant(field, v string) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return s.workspace.Engine().Now(), nil
	}
	t, _, err := parseInstant(field, v)
	return t, err
}

// parseInstant accepts RFC 3339 or a plain date, which reads as midnight UTC.
func parseInstant(field, v string) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, false, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, false, domain.Invalidf(field, "expected RFC 3339 time or date, got %q", v)
	}
	return t, true, nil
}
