package agentrun

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
)

// Thread holds the conversation state the runtime accumulates across phase
// runs. One thread spans one whole workflow, so the agent keeps what it
// learned in earlier steps.
type Thread struct {
	messages []anthropic.MessageParam
}

// NewThread returns an empty conversation thread.
func NewThread() *Thread { return &Thread{} }

// Len returns the number of messages accumulated so far.
func (t *Thread) Len() int { return len(t.messages) }

// Runtime runs tool-calling agent turns against a model provider.
type Runtime interface {
	// Run sends the prompt on the thread and returns the run's event
	// stream. The runtime owns tool execution; the caller only observes.
	Run(ctx context.Context, thread *Thread, prompt string) (EventStream, error)

	// SubmitApproval resolves a pending approval request. It reports
	// whether the request was known and still pending.
	SubmitApproval(ctx context.Context, req *ApprovalRequest, approved bool) bool
}
