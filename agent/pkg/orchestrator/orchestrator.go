package orchestrator

import (
	"fmt"
	"log/slog"
)

// NoWorkflowPrompt is returned by CurrentPrompt when no workflow is active.
const NoWorkflowPrompt = "No active workflow."

// Status is a read-only snapshot of a session's workflow.
type Status struct {
	Status         string `json:"status"`
	UserQuery      string `json:"user_query,omitempty"`
	CurrentStep    Step   `json:"current_step,omitempty"`
	StepHistory    []Step `json:"step_history,omitempty"`
	TotalToolCalls int    `json:"total_tool_calls,omitempty"`
	IsComplete     bool   `json:"is_complete,omitempty"`
}

// Orchestrator drives one session's workflow through its pipeline. It holds
// no process-global state; hosts create one per session and serialize access
// themselves if they share it across goroutines.
type Orchestrator struct {
	pipeline Pipeline
	catalog  *Catalog
	log      *slog.Logger
	ctx      *WorkflowContext
}

// New builds an orchestrator over the given pipeline. The catalog must have
// been built for the same pipeline. A nil logger disables logging.
func New(pipeline Pipeline, catalog *Catalog, log *slog.Logger) *Orchestrator {
	if pipeline.Len() == 0 {
		panic("orchestrator: empty pipeline")
	}
	return &Orchestrator{pipeline: pipeline, catalog: catalog, log: log}
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.log != nil {
		o.log.Info(msg, args...)
	}
}

// Pipeline returns the pipeline this orchestrator runs.
func (o *Orchestrator) Pipeline() Pipeline { return o.pipeline }

// Context returns the live workflow context, or nil before Start.
func (o *Orchestrator) Context() *WorkflowContext { return o.ctx }

// Start begins a new workflow for the question, discarding any previous one.
func (o *Orchestrator) Start(userQuery string) {
	o.ctx = NewWorkflowContext(userQuery, o.pipeline.First())
	o.logInfo("workflow started", "step", o.ctx.CurrentStep, "query", userQuery)
}

// CurrentPrompt renders the instruction prompt for the current step, or the
// NoWorkflowPrompt sentinel when nothing is running.
func (o *Orchestrator) CurrentPrompt() string {
	if o.ctx == nil {
		return NoWorkflowPrompt
	}
	return o.catalog.PromptFor(o.ctx.CurrentStep, o.ctx.UserQuery)
}

// RecordToolCall appends a tool call against the current step. Without an
// active workflow it is a no-op.
func (o *Orchestrator) RecordToolCall(name string, data map[string]any) {
	if o.ctx == nil {
		return
	}
	o.ctx.ToolCalls = append(o.ctx.ToolCalls, ToolCallRecord{
		Name: name,
		Step: o.ctx.CurrentStep,
		Data: data,
	})
}

// Decide examines the current phase and returns what should happen next. The
// heuristic is deliberately coarse: a step that produced at least one tool
// call is treated as done.
func (o *Orchestrator) Decide() Decision {
	if o.ctx == nil {
		return Decision{Kind: DecisionNoWorkflow}
	}
	cur := o.ctx.CurrentStep
	callsHere := o.ctx.ToolCallsForStep(cur)

	if o.pipeline.IsFallback(cur) {
		if callsHere > 0 {
			next, _ := o.pipeline.Next(cur)
			return AdvanceTo(next)
		}
		return Decision{Kind: DecisionRetry}
	}

	if cur == o.pipeline.Terminal() {
		if len(o.ctx.ToolCalls) > 0 || len(o.ctx.StepHistory) >= o.pipeline.Len()-1 {
			return Decision{Kind: DecisionComplete}
		}
		return Decision{Kind: DecisionRetry}
	}

	if callsHere > 0 {
		next, _ := o.pipeline.Next(cur)
		return AdvanceTo(next)
	}
	return Decision{Kind: DecisionRetry}
}

// Apply executes a decision against the workflow state. Advancing appends the
// step being left to the history; applying the same advance decision twice is
// a no-op, so hosts that replay a decision after a crash do not corrupt the
// history. Unknown kinds are a programming error and panic.
func (o *Orchestrator) Apply(d Decision) {
	switch d.Kind {
	case DecisionNoWorkflow, DecisionRetry, DecisionComplete:
		// State is unchanged; completion is derived, not stored.
	case DecisionAdvance:
		if o.ctx == nil {
			return
		}
		if o.ctx.CurrentStep == d.Next {
			return
		}
		prev := o.ctx.CurrentStep
		o.ctx.StepHistory = append(o.ctx.StepHistory, prev)
		o.ctx.CurrentStep = d.Next
		o.logInfo("workflow advanced", "from", prev, "to", d.Next)
	default:
		panic(fmt.Sprintf("orchestrator: unknown decision kind %q", d.Kind))
	}
}

// IsComplete reports whether the workflow has finished. No workflow counts as
// complete so idle sessions read as done.
func (o *Orchestrator) IsComplete() bool {
	if o.ctx == nil {
		return true
	}
	return len(o.ctx.StepHistory) >= o.pipeline.Len()-1
}

// Status returns a snapshot safe to hand to presentation layers. The history
// slice is copied so callers cannot reach back into live state.
func (o *Orchestrator) Status() Status {
	if o.ctx == nil {
		return Status{Status: "no_workflow"}
	}
	hist := make([]Step, len(o.ctx.StepHistory))
	copy(hist, o.ctx.StepHistory)
	return Status{
		Status:         "active",
		UserQuery:      o.ctx.UserQuery,
		CurrentStep:    o.ctx.CurrentStep,
		StepHistory:    hist,
		TotalToolCalls: len(o.ctx.ToolCalls),
		IsComplete:     o.IsComplete(),
	}
}

// Serialize returns the wire form of the live context.
func (o *Orchestrator) Serialize() ([]byte, error) {
	if o.ctx == nil {
		return nil, fmt.Errorf("serialize workflow: no active workflow")
	}
	return EncodeContext(o.ctx)
}

// Restore replaces the live context with a previously serialized one. The
// restored current step must belong to this orchestrator's pipeline.
func (o *Orchestrator) Restore(data []byte) error {
	c, err := DecodeContext(data)
	if err != nil {
		return err
	}
	if !o.pipeline.Contains(c.CurrentStep) {
		return fmt.Errorf("restore workflow: step %q is not part of the pipeline", c.CurrentStep)
	}
	o.ctx = c
	o.logInfo("workflow restored", "step", c.CurrentStep, "history", len(c.StepHistory))
	return nil
}
