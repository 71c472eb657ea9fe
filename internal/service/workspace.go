package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcliao/cadence/internal/domain"
	"github.com/rcliao/cadence/internal/engine"
	"github.com/rcliao/cadence/internal/manifest"
	"github.com/rcliao/cadence/internal/recurrence"
	"github.com/rcliao/cadence/internal/storage"
)

// WorkspaceService ties an engine to a snapshot store: it restores the graph on
// start, records the event stream and checkpoints the graph.
type WorkspaceService struct {
	engine *engine.Engine
	store  storage.SnapshotStore
	logger *slog.Logger
	config WorkspaceConfig

	mu             sync.RWMutex
	history        []domain.StateChangeEvent
	lastCheckpoint time.Time

	// Set by every observed event, cleared by a successful checkpoint.
	dirty atomic.Bool

	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	totalEvents      int64
	totalCheckpoints int64
}

type WorkspaceConfig struct {
	// CheckpointInterval saves the graph periodically while it has unsaved changes.
	// Zero disables periodic checkpoints; Shutdown still saves.
	CheckpointInterval time.Duration
	HistorySize        int
}

func DefaultWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{
		CheckpointInterval: time.Minute,
		HistorySize:        500,
	}
}

// ApplyResult counts what a manifest added.
type ApplyResult struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

func NewWorkspaceService(eng *engine.Engine, store storage.SnapshotStore, config WorkspaceConfig, logger *slog.Logger) *WorkspaceService {
	if logger == nil {
		logger = slog.Default()
	}
	if config.HistorySize <= 0 {
		config.HistorySize = DefaultWorkspaceConfig().HistorySize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkspaceService{
		engine: eng,
		store:  store,
		logger: logger.With("component", "workspace"),
		config: config,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Initialize starts the engine, restores the last snapshot and starts the
// background loops.
func (ws *WorkspaceService) Initialize(ctx context.Context) error {
	ws.logger.Info("workspace starting")

	if err := ws.engine.Start(ws.ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	restored, err := ws.Restore(ctx)
	if err != nil {
		ws.engine.Stop()
		return err
	}

	ws.started.Store(true)
	go ws.run()
	if ws.config.CheckpointInterval > 0 {
		go ws.checkpointLoop()
	}

	ws.logger.Info("workspace started", "restored", restored)
	return nil
}

// Restore loads the latest snapshot into the engine. It reports false when the
// store holds no snapshot yet. A propagation cycle hit while re-evaluating
// readiness is logged; the transitions made before it stand.
func (ws *WorkspaceService) Restore(ctx context.Context) (bool, error) {
	snap, err := ws.store.Load(ctx)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}

	out, err := ws.engine.Restore(ctx, snap)
	switch {
	case errors.Is(err, domain.ErrPropagationCycle):
		ws.logger.Warn("propagation cycle while restoring", "error", err, "events", len(out.Events))
	case err != nil:
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	if len(out.Events) > 0 {
		ws.dirty.Store(true)
	}
	ws.logger.Info("snapshot restored", "nodes", len(snap.Nodes), "taken_at", snap.TakenAt, "events", len(out.Events))
	return true, nil
}

// Checkpoint saves the engine's current graph.
func (ws *WorkspaceService) Checkpoint(ctx context.Context) error {
	snap, err := ws.engine.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	// Anything arriving after the snapshot was taken marks the workspace dirty again.
	ws.dirty.Store(false)
	if err := ws.store.Save(ctx, snap); err != nil {
		ws.dirty.Store(true)
		return fmt.Errorf("save snapshot: %w", err)
	}

	atomic.AddInt64(&ws.totalCheckpoints, 1)
	ws.mu.Lock()
	ws.lastCheckpoint = snap.TakenAt
	ws.mu.Unlock()
	ws.logger.Debug("checkpoint saved", "nodes", len(snap.Nodes), "pending", len(snap.Pending))
	return nil
}

// ApplyManifest creates the manifest's nodes, then its edges, through the engine.
// It stops at the first rejected node or edge; what was added before stays.
func (ws *WorkspaceService) ApplyManifest(ctx context.Context, m *manifest.Manifest) (ApplyResult, error) {
	var res ApplyResult
	nodes, edges, err := m.Build()
	if err != nil {
		return res, err
	}

	for _, n := range nodes {
		if _, err := ws.engine.CreateNode(ctx, n); err != nil {
			return res, fmt.Errorf("create node %s: %w", n.ID, err)
		}
		res.Nodes++
	}
	for _, e := range edges {
		if err := ws.engine.AddEdge(ctx, e); err != nil {
			return res, fmt.Errorf("add edge %s: %w", e, err)
		}
		res.Edges++
	}
	ws.dirty.Store(true)
	ws.logger.Info("manifest applied", "nodes", res.Nodes, "edges", res.Edges)
	return res, nil
}

// Occurrences resolves the schedule of node id within [from, to]. A zero from
// starts at the schedule anchor.
func (ws *WorkspaceService) Occurrences(ctx context.Context, id string, from, to time.Time, limit int) ([]domain.Occurrence, error) {
	n, err := ws.engine.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Schedule == nil {
		return nil, domain.Invalidf("schedule", "node %s has no schedule", id)
	}
	seq, err := recurrence.Resolve(*n.Schedule, recurrence.Between(from, to))
	if err != nil {
		return nil, err
	}
	return seq.Collect(limit), nil
}

// ResolveID expands a unique ID prefix to the full node ID.
func (ws *WorkspaceService) ResolveID(ctx context.Context, partialID string) (string, error) {
	nodes, err := ws.engine.Nodes(ctx, domain.NodeFilter{})
	if err != nil {
		return "", err
	}

	var matches []string
	for _, n := range nodes {
		if n.ID == partialID {
			return n.ID, nil
		}
		if strings.HasPrefix(n.ID, partialID) {
			matches = append(matches, n.ID)
		}
	}

	if len(matches) == 0 {
		return "", fmt.Errorf("no node found with ID starting with %s: %w", partialID, domain.ErrNodeNotFound)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("multiple nodes found with ID starting with %s (found %d matches)",
			partialID, len(matches))
	}
	return matches[0], nil
}

// History returns up to limit of the most recent state changes, oldest first.
func (ws *WorkspaceService) History(limit int) []domain.StateChangeEvent {
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	start := 0
	if limit > 0 && len(ws.history) > limit {
		start = len(ws.history) - limit
	}
	return append([]domain.StateChangeEvent(nil), ws.history[start:]...)
}

func (ws *WorkspaceService) Engine() *engine.Engine {
	return ws.engine
}

func (ws *WorkspaceService) GetStatistics() map[string]interface{} {
	ws.mu.RLock()
	last := ws.lastCheckpoint
	ws.mu.RUnlock()

	return map[string]interface{}{
		"total_events":      atomic.LoadInt64(&ws.totalEvents),
		"total_checkpoints": atomic.LoadInt64(&ws.totalCheckpoints),
		"last_checkpoint":   last,
		"dirty":             ws.dirty.Load(),
		"engine":            ws.engine.GetStatistics(),
	}
}

func (ws *WorkspaceService) run() {
	defer close(ws.done)

	events := ws.engine.Events()
	for {
		select {
		case ev := <-events:
			ws.record(ev)
		case <-ws.ctx.Done():
			// Keep whatever is already buffered.
			for {
				select {
				case ev := <-events:
					ws.record(ev)
				default:
					return
				}
			}
		}
	}
}

func (ws *WorkspaceService) record(ev domain.StateChangeEvent) {
	atomic.AddInt64(&ws.totalEvents, 1)
	ws.dirty.Store(true)

	ws.mu.Lock()
	ws.history = append(ws.history, ev)
	if over := len(ws.history) - ws.config.HistorySize; over > 0 {
		ws.history = append([]domain.StateChangeEvent(nil), ws.history[over:]...)
	}
	ws.mu.Unlock()
}

func (ws *WorkspaceService) checkpointLoop() {
	ticker := time.NewTicker(ws.config.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !ws.dirty.Load() {
				continue
			}
			if err := ws.Checkpoint(ws.ctx); err != nil && !errors.Is(err, domain.ErrEngineStopped) {
				ws.logger.Warn("periodic checkpoint failed", "error", err)
			}
		case <-ws.ctx.Done():
			return
		}
	}
}

// Shutdown stops the engine's ticker, saves a final checkpoint, then stops the
// engine and the background loops.
func (ws *WorkspaceService) Shutdown(ctx context.Context) error {
	ws.logger.Info("workspace shutting down")

	var err error
	if ws.started.Load() {
		ws.engine.StopTicker()
		// Saved unconditionally: the dirty flag trails the event stream.
		if err = ws.Checkpoint(ctx); err != nil {
			ws.logger.Error("final checkpoint failed", "error", err)
		}
	}

	ws.engine.Stop()
	ws.cancel()

	if ws.started.Load() {
		select {
		case <-ws.done:
		case <-time.After(10 * time.Second):
			ws.logger.Warn("event loop stop timeout")
		}
	}

	if cerr := ws.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	ws.logger.Info("workspace shutdown complete", "events", atomic.LoadInt64(&ws.totalEvents))
	return err
}
