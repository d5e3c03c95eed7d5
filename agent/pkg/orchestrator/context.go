package orchestrator

import (
	"encoding/json"
	"fmt"
)

// ToolCallRecord is one tool invocation observed during the workflow. Records
// are append-only; nothing ever mutates or removes them.
type ToolCallRecord struct {
	Name string         `json:"name"`
	Step Step           `json:"step"`
	Data map[string]any `json:"data,omitempty"`
}

// WorkflowContext is the full state of one workflow run: the question being
// answered, where the workflow is, where it has been, and every tool call
// seen along the way. SharedData is a scratch area for hosts (row counts,
// chosen tables, etc); the orchestrator itself never reads it.
type WorkflowContext struct {
	UserQuery   string           `json:"user_query"`
	CurrentStep Step             `json:"current_step"`
	StepHistory []Step           `json:"step_history"`
	SharedData  map[string]any   `json:"shared_data"`
	ToolCalls   []ToolCallRecord `json:"tool_calls"`
}

// NewWorkflowContext starts a fresh context positioned at the given step.
func NewWorkflowContext(userQuery string, start Step) *WorkflowContext {
	return &WorkflowContext{
		UserQuery:   userQuery,
		CurrentStep: start,
		StepHistory: []Step{},
		SharedData:  map[string]any{},
		ToolCalls:   []ToolCallRecord{},
	}
}

// ToolCallsForStep returns how many tool calls were recorded while the
// workflow was on the given step.
func (c *WorkflowContext) ToolCallsForStep(step Step) int {
	n := 0
	for _, tc := range c.ToolCalls {
		if tc.Step == step {
			n++
		}
	}
	return n
}

// EncodeContext serializes a context to its JSON wire form.
func EncodeContext(c *WorkflowContext) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("encode workflow context: nil context")
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode workflow context: %w", err)
	}
	return b, nil
}

// DecodeContext restores a context from its JSON wire form, validating every
// step tag it carries.
func DecodeContext(data []byte) (*WorkflowContext, error) {
	var c WorkflowContext
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode workflow context: %w", err)
	}
	if _, err := ParseStep(string(c.CurrentStep)); err != nil {
		return nil, fmt.Errorf("decode workflow context: current_step: %w", err)
	}
	for i, s := range c.StepHistory {
		if _, err := ParseStep(string(s)); err != nil {
			return nil, fmt.Errorf("decode workflow context: step_history[%d]: %w", i, err)
		}
	}
	for i, tc := range c.ToolCalls {
		if _, err := ParseStep(string(tc.Step)); err != nil {
			return nil, fmt.Errorf("decode workflow context: tool_calls[%d]: %w", i, err)
		}
	}
	if c.StepHistory == nil {
		c.StepHistory = []Step{}
	}
	if c.SharedData == nil {
		c.SharedData = map[string]any{}
	}
	if c.ToolCalls == nil {
		c.ToolCalls = []ToolCallRecord{}
	}
	return &c, nil
}
