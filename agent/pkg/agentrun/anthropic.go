package agentrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 4096
	defaultMaxTurns  = 8

	deniedToolResult = "The user denied execution of this tool call. Do not retry it."
)

const systemPromptTemplate = `You are a data analyst agent answering questions about an analytics warehouse.

You work in explicit steps; each user message tells you which step you are on and what to do. Follow the step instructions exactly. Use the provided tools to inspect and query the data. Never ask the user for clarification.

Warehouse schema:

%s`

// AnthropicConfig wires an AnthropicRuntime. APIKey and Tools are required.
type AnthropicConfig struct {
	Logger *slog.Logger
	APIKey string

	// Model defaults to a current Sonnet model.
	Model string

	// MaxTokens per model turn; defaults to 4096.
	MaxTokens int64

	// Tools executes the agent's warehouse tools.
	Tools *WarehouseTools

	// Schema is fetched once and folded into the system prompt.
	Schema SchemaFetcher

	// GatedTools require approval before execution. Defaults to
	// [execute_sql].
	GatedTools []string

	// MaxTurns bounds the tool loop within one run; defaults to 8.
	MaxTurns int
}

// AnthropicRuntime implements Runtime over the Anthropic Messages API with a
// local tool loop: it sends the prompt, executes requested tools, feeds the
// results back, and repeats until the model stops asking for tools.
type AnthropicRuntime struct {
	cfg    AnthropicConfig
	client anthropic.Client

	schemaOnce   sync.Once
	systemPrompt string
	schemaErr    error

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewAnthropicRuntime builds the runtime, applying defaults.
func NewAnthropicRuntime(cfg AnthropicConfig) (*AnthropicRuntime, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic runtime: APIKey is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("anthropic runtime: Tools is required")
	}
	if cfg.Schema == nil {
		return nil, errors.New("anthropic runtime: Schema is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaultMaxTurns
	}
	if cfg.GatedTools == nil {
		cfg.GatedTools = []string{ToolExecuteSQL}
	}
	return &AnthropicRuntime{
		cfg:     cfg,
		client:  anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		pending: make(map[string]chan bool),
	}, nil
}

func (r *AnthropicRuntime) logInfo(msg string, args ...any) {
	if r.cfg.Logger != nil {
		r.cfg.Logger.Info(msg, args...)
	}
}

func (r *AnthropicRuntime) system(ctx context.Context) (string, error) {
	r.schemaOnce.Do(func() {
		schema, err := r.cfg.Schema.FetchSchema(ctx)
		if err != nil {
			r.schemaErr = fmt.Errorf("fetch schema: %w", err)
			return
		}
		r.systemPrompt = fmt.Sprintf(systemPromptTemplate, schema)
	})
	return r.systemPrompt, r.schemaErr
}

// Run starts one agent run. The returned stream yields events as the tool
// loop progresses; the loop runs on its own goroutine so the caller can
// consume events while tools execute.
func (r *AnthropicRuntime) Run(ctx context.Context, thread *Thread, prompt string) (EventStream, error) {
	system, err := r.system(ctx)
	if err != nil {
		return nil, err
	}
	thread.messages = append(thread.messages, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	ch := make(chan Event, 16)
	go r.runLoop(ctx, thread, system, ch)
	return &chanStream{ch: ch}, nil
}

func (r *AnthropicRuntime) runLoop(ctx context.Context, thread *Thread, system string, ch chan<- Event) {
	defer close(ch)

	for turn := 0; turn < r.cfg.MaxTurns; turn++ {
		resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(r.cfg.Model),
			MaxTokens: r.cfg.MaxTokens,
			System:    []anthropic.TextBlockParam{{Text: system}},
			Messages:  thread.messages,
			Tools:     r.cfg.Tools.Definitions(),
		})
		if err != nil {
			ch <- Event{Kind: EventError, Err: fmt.Errorf("messages.new: %w", err)}
			return
		}

		var calls []ToolInvocation
		assistant := anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant}
		for _, block := range resp.Content {
			switch v := block.AsAny().(type) {
			case anthropic.TextBlock:
				if v.Text != "" {
					ch <- Event{Kind: EventMessage, Text: v.Text}
					assistant.Content = append(assistant.Content, anthropic.NewTextBlock(v.Text))
				}
			case anthropic.ToolUseBlock:
				args := decodeToolInput(v.Input)
				calls = append(calls, ToolInvocation{ID: v.ID, Name: v.Name, Arguments: args})
				assistant.Content = append(assistant.Content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: v.ID, Name: v.Name, Input: args},
				})
			}
		}
		thread.messages = append(thread.messages, assistant)

		if len(calls) == 0 {
			ch <- Event{Kind: EventCompleted}
			return
		}
		if len(calls) == 1 {
			ch <- Event{Kind: EventToolCall, Call: &calls[0]}
		} else {
			ch <- Event{Kind: EventToolCallBatch, Calls: calls}
		}

		results, denied := r.executeCalls(ctx, calls, ch)
		thread.messages = append(thread.messages, anthropic.NewUserMessage(results...))
		if denied {
			ch <- Event{Kind: EventCompleted, Denied: true}
			return
		}
	}

	ch <- Event{Kind: EventCompleted}
}

// executeCalls runs each tool call, pausing for approval on gated tools. A
// denial short-circuits the remaining calls in the batch.
func (r *AnthropicRuntime) executeCalls(ctx context.Context, calls []ToolInvocation, ch chan<- Event) (results []anthropic.ContentBlockParamUnion, denied bool) {
	for i, call := range calls {
		if denied {
			results = append(results, anthropic.NewToolResultBlock(call.ID, "Not executed: a previous tool call in this batch was denied.", true))
			continue
		}
		if slices.Contains(r.cfg.GatedTools, call.Name) {
			approved := r.awaitApproval(ctx, &calls[i], ch)
			if !approved {
				r.logInfo("tool call denied", "tool", call.Name, "id", call.ID)
				results = append(results, anthropic.NewToolResultBlock(call.ID, deniedToolResult, true))
				denied = true
				continue
			}
		}

		out, err := r.cfg.Tools.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			results = append(results, anthropic.NewToolResultBlock(call.ID, fmt.Sprintf("Error: %v", err), true))
			continue
		}
		results = append(results, anthropic.NewToolResultBlock(call.ID, out, false))
	}
	return results, denied
}

// awaitApproval emits an approval event and blocks until SubmitApproval
// delivers the verdict or the context ends (which counts as denial).
func (r *AnthropicRuntime) awaitApproval(ctx context.Context, call *ToolInvocation, ch chan<- Event) bool {
	verdict := make(chan bool, 1)
	r.mu.Lock()
	r.pending[call.ID] = verdict
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, call.ID)
		r.mu.Unlock()
	}()

	ch <- Event{Kind: EventApprovalRequired, Approval: &ApprovalRequest{ID: call.ID, Call: *call}}

	select {
	case approved := <-verdict:
		return approved
	case <-ctx.Done():
		return false
	}
}

// SubmitApproval resolves a pending gated tool call.
func (r *AnthropicRuntime) SubmitApproval(ctx context.Context, req *ApprovalRequest, approved bool) bool {
	r.mu.Lock()
	verdict, ok := r.pending[req.ID]
	if ok {
		delete(r.pending, req.ID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	verdict <- approved
	return true
}

// decodeToolInput turns the model's tool input into a map. Invalid or empty
// input decodes to an empty map so tool executors see consistent arguments.
func decodeToolInput(input any) map[string]any {
	args := map[string]any{}
	raw, err := json.Marshal(input)
	if err == nil && len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}

// chanStream adapts a channel of events to the EventStream interface.
type chanStream struct {
	ch chan Event
}

func (s *chanStream) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
