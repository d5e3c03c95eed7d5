package agentrun

import "context"

// EventKind classifies what the agent runtime surfaced.
type EventKind string

const (
	// EventMessage carries assistant text.
	EventMessage EventKind = "message"
	// EventToolCall reports one executed tool invocation.
	EventToolCall EventKind = "tool_call"
	// EventToolCallBatch reports several tool invocations issued in one turn.
	EventToolCallBatch EventKind = "tool_call_batch"
	// EventApprovalRequired pauses the run until a verdict is submitted.
	EventApprovalRequired EventKind = "approval_required"
	// EventError reports a runtime failure; the stream ends after it.
	EventError EventKind = "error"
	// EventCompleted is the final event of every successful stream.
	EventCompleted EventKind = "completed"
)

// ToolInvocation is one tool call the agent issued.
type ToolInvocation struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ApprovalRequest asks the host to approve or deny a gated tool call before
// it executes.
type ApprovalRequest struct {
	ID   string         `json:"id"`
	Call ToolInvocation `json:"call"`
}

// Event is one item of an agent run's event stream. Exactly one of the
// payload fields is set, matching Kind.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Text     string           `json:"text,omitempty"`
	Call     *ToolInvocation  `json:"call,omitempty"`
	Calls    []ToolInvocation `json:"calls,omitempty"`
	Approval *ApprovalRequest `json:"approval,omitempty"`
	Err      error            `json:"-"`
	// Denied marks a completed event whose run ended because a gated tool
	// was refused.
	Denied bool `json:"denied,omitempty"`
}

// EventStream is a pull iterator over one agent run. Next returns io.EOF
// once the run has finished and all events were consumed.
type EventStream interface {
	Next(ctx context.Context) (Event, error)
}
