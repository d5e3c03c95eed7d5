package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/analyst/agent/pkg/agentrun"
	"github.com/malbeclabs/analyst/agent/pkg/orchestrator"
	"github.com/malbeclabs/analyst/api/metrics"
)

// RunEvent represents a progress event from a running analysis.
type RunEvent struct {
	Type string `json:"type"` // "status", "message", "tool_call", "tool_call_batch", "approval_required", "done", "denied", "error"
	Data any    `json:"data,omitempty"`
}

// RunSubscriber receives events from a running analysis.
type RunSubscriber struct {
	Events chan RunEvent
	Done   chan struct{}
}

// runningRun tracks an analysis executing in the background.
type runningRun struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Question  string
	Cancel    context.CancelFunc
	Approvals *agentrun.PendingApprovals

	mu          sync.RWMutex
	subscribers map[*RunSubscriber]struct{}
}

func (rr *runningRun) addSubscriber(sub *RunSubscriber) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.subscribers[sub] = struct{}{}
}

func (rr *runningRun) removeSubscriber(sub *RunSubscriber) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	delete(rr.subscribers, sub)
}

func (rr *runningRun) broadcast(event RunEvent) {
	rr.mu.RLock()
	defer rr.mu.RUnlock()
	for sub := range rr.subscribers {
		select {
		case sub.Events <- event:
		default:
			// Subscriber buffer full, skip
			slog.Warn("subscriber buffer full, skipping event", "run_id", rr.ID, "event_type", event.Type)
		}
	}
}

func (rr *runningRun) closeAll() {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for sub := range rr.subscribers {
		close(sub.Done)
	}
	rr.subscribers = make(map[*RunSubscriber]struct{})
}

// RunManagerConfig wires a RunManager.
type RunManagerConfig struct {
	Logger   *slog.Logger
	Runtime  agentrun.Runtime
	Pipeline orchestrator.Pipeline

	// MaxRuns and RetryDelay are passed through to each run's driver.
	MaxRuns    int
	RetryDelay time.Duration
}

// RunManager manages background analysis execution: one driver goroutine per
// run, with subscriber broadcast for SSE streaming and an approval registry
// bridging HTTP verdicts to the blocked driver.
type RunManager struct {
	cfg     RunManagerConfig
	catalog *orchestrator.Catalog

	mu        sync.RWMutex
	running   map[uuid.UUID]*runningRun
	bySession map[uuid.UUID]uuid.UUID
}

// Manager is the global run manager, initialized by main.
var Manager *RunManager

// NewRunManager builds a run manager.
func NewRunManager(cfg RunManagerConfig) (*RunManager, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("run manager config: Runtime is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Pipeline.Len() == 0 {
		cfg.Pipeline = orchestrator.DefaultPipeline()
	}
	catalog, err := orchestrator.LoadCatalog(cfg.Pipeline)
	if err != nil {
		return nil, err
	}
	return &RunManager{
		cfg:       cfg,
		catalog:   catalog,
		running:   make(map[uuid.UUID]*runningRun),
		bySession: make(map[uuid.UUID]uuid.UUID),
	}, nil
}

// StartRun creates a run record and starts driving it in the background.
// A session can only have one running analysis at a time.
func (m *RunManager) StartRun(ctx context.Context, sessionID uuid.UUID, question string) (uuid.UUID, error) {
	if _, busy := m.GetRunningRunID(sessionID); busy {
		return uuid.Nil, fmt.Errorf("session %s already has a running analysis", sessionID)
	}

	if err := EnsureSession(ctx, sessionID); err != nil {
		return uuid.Nil, err
	}
	run, err := CreateAnalysisRun(ctx, sessionID, question)
	if err != nil {
		return uuid.Nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rr := &runningRun{
		ID:          run.ID,
		SessionID:   sessionID,
		Question:    question,
		Cancel:      cancel,
		Approvals:   agentrun.NewPendingApprovals(),
		subscribers: make(map[*RunSubscriber]struct{}),
	}

	m.mu.Lock()
	m.running[run.ID] = rr
	m.bySession[sessionID] = run.ID
	m.mu.Unlock()

	go m.runAnalysis(runCtx, rr)

	m.cfg.Logger.Info("started background analysis",
		"run_id", run.ID, "session_id", sessionID, "question", truncate(question, 50))
	return run.ID, nil
}

// Subscribe creates a subscriber to receive events from a run. Returns nil
// if the run is not running.
func (m *RunManager) Subscribe(runID uuid.UUID) *RunSubscriber {
	m.mu.RLock()
	rr, exists := m.running[runID]
	m.mu.RUnlock()
	if !exists {
		return nil
	}

	sub := &RunSubscriber{
		Events: make(chan RunEvent, 100),
		Done:   make(chan struct{}),
	}
	rr.addSubscriber(sub)
	return sub
}

// Unsubscribe removes a subscriber from a run.
func (m *RunManager) Unsubscribe(runID uuid.UUID, sub *RunSubscriber) {
	m.mu.RLock()
	rr, exists := m.running[runID]
	m.mu.RUnlock()
	if exists {
		rr.removeSubscriber(sub)
	}
}

// GetRunningRunID returns the run ID for a session, if one is running.
func (m *RunManager) GetRunningRunID(sessionID uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, exists := m.bySession[sessionID]
	return id, exists
}

// IsRunning checks whether a run is currently executing in this process.
func (m *RunManager) IsRunning(runID uuid.UUID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.running[runID]
	return exists
}

// CancelRun cancels a running analysis.
func (m *RunManager) CancelRun(runID uuid.UUID) bool {
	m.mu.RLock()
	rr, exists := m.running[runID]
	m.mu.RUnlock()
	if !exists {
		return false
	}
	rr.Cancel()
	return true
}

// SubmitApproval delivers a verdict for a run's pending gated tool call.
func (m *RunManager) SubmitApproval(runID uuid.UUID, approvalID string, approved bool) bool {
	m.mu.RLock()
	rr, exists := m.running[runID]
	m.mu.RUnlock()
	if !exists {
		return false
	}
	if !rr.Approvals.Submit(approvalID, approved) {
		return false
	}
	metrics.RecordApproval(approved)
	return true
}

// runAnalysis drives one analysis to completion in the background.
func (m *RunManager) runAnalysis(ctx context.Context, rr *runningRun) {
	defer func() {
		m.mu.Lock()
		delete(m.running, rr.ID)
		if m.bySession[rr.SessionID] == rr.ID {
			delete(m.bySession, rr.SessionID)
		}
		m.mu.Unlock()
		rr.closeAll()
	}()

	log := m.cfg.Logger.With("run_id", rr.ID, "session_id", rr.SessionID)
	orch := orchestrator.New(m.cfg.Pipeline, m.catalog, log)

	prevStep := ""
	onCheckpoint := func(state []byte) {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := UpdateRunCheckpoint(persistCtx, rr.ID, state); err != nil {
			log.Warn("failed to persist checkpoint", "error", err)
		}

		wc, err := orchestrator.DecodeContext(state)
		if err != nil {
			log.Warn("failed to decode checkpoint", "error", err)
			return
		}
		cur := string(wc.CurrentStep)
		if prevStep != "" && prevStep != cur {
			metrics.RecordStepTransition(prevStep, cur)
		} else if prevStep == cur {
			metrics.RecordStepRetry(cur)
		}
		prevStep = cur
		rr.broadcast(statusEvent(wc, m.cfg.Pipeline))
	}

	onEvent := func(ev agentrun.Event) {
		switch ev.Kind {
		case agentrun.EventToolCall:
			if ev.Call != nil {
				metrics.RecordToolCall(ev.Call.Name)
			}
		case agentrun.EventToolCallBatch:
			for _, call := range ev.Calls {
				metrics.RecordToolCall(call.Name)
			}
		}
		rr.broadcast(convertEvent(ev))
	}

	driver, err := agentrun.NewDriver(agentrun.DriverConfig{
		Logger:       log,
		Runtime:      m.cfg.Runtime,
		Orchestrator: orch,
		Approvals:    rr.Approvals,
		MaxRuns:      m.cfg.MaxRuns,
		RetryDelay:   m.cfg.RetryDelay,
		OnEvent:      onEvent,
		OnCheckpoint: onCheckpoint,
	})
	if err != nil {
		log.Error("failed to build driver", "error", err)
		return
	}

	metrics.RecordRunStarted()
	answer, runErr := driver.Run(ctx, rr.Question)

	persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case runErr == nil:
		if err := CompleteAnalysisRun(persistCtx, rr.ID, answer); err != nil {
			log.Error("failed to mark run completed", "error", err)
		}
		metrics.RecordRunFinished(RunStatusCompleted)
		rr.broadcast(RunEvent{Type: "done", Data: map[string]any{"answer": answer}})
		log.Info("analysis completed")

	case errors.Is(runErr, agentrun.ErrApprovalDenied):
		if err := DenyAnalysisRun(persistCtx, rr.ID); err != nil {
			log.Error("failed to mark run denied", "error", err)
		}
		metrics.RecordRunFinished(RunStatusDenied)
		rr.broadcast(RunEvent{Type: "denied"})
		log.Info("analysis abandoned after denial")

	case errors.Is(runErr, context.Canceled):
		if err := CancelAnalysisRun(persistCtx, rr.ID); err != nil {
			log.Error("failed to mark run cancelled", "error", err)
		}
		metrics.RecordRunFinished(RunStatusCancelled)
		log.Info("analysis cancelled")

	default:
		if err := FailAnalysisRun(persistCtx, rr.ID, SanitizeError(runErr)); err != nil {
			log.Error("failed to mark run failed", "error", err)
		}
		metrics.RecordRunFinished(RunStatusFailed)
		rr.broadcast(RunEvent{Type: "error", Data: map[string]any{"error": SanitizeError(runErr)}})
		log.Error("analysis failed", "error", runErr)
	}
}

// convertEvent maps a driver event to its SSE representation.
func convertEvent(ev agentrun.Event) RunEvent {
	switch ev.Kind {
	case agentrun.EventMessage:
		return RunEvent{Type: "message", Data: map[string]any{"text": ev.Text}}
	case agentrun.EventToolCall:
		return RunEvent{Type: "tool_call", Data: ev.Call}
	case agentrun.EventToolCallBatch:
		return RunEvent{Type: "tool_call_batch", Data: ev.Calls}
	case agentrun.EventApprovalRequired:
		return RunEvent{Type: "approval_required", Data: ev.Approval}
	case agentrun.EventError:
		return RunEvent{Type: "error", Data: map[string]any{"error": SanitizeError(ev.Err)}}
	default:
		return RunEvent{Type: "completed", Data: map[string]any{"denied": ev.Denied}}
	}
}

// statusEvent builds a workflow status snapshot event from a serialized
// context.
func statusEvent(wc *orchestrator.WorkflowContext, pipeline orchestrator.Pipeline) RunEvent {
	return RunEvent{Type: "status", Data: map[string]any{
		"current_step":     wc.CurrentStep,
		"step_history":     wc.StepHistory,
		"total_tool_calls": len(wc.ToolCalls),
		"is_complete":      len(wc.StepHistory) >= pipeline.Len()-1,
	}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
