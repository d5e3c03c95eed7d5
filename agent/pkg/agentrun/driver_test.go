package agentrun

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/agent/pkg/orchestrator"
	"github.com/stretchr/testify/require"
)

type sliceStream struct {
	events []Event
	i      int
}

func (s *sliceStream) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.i >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.i]
	s.i++
	return ev, nil
}

// scriptRuntime replays a fixed sequence of event streams, one per Run call,
// and records the prompts and approval verdicts it saw.
type scriptRuntime struct {
	mu       sync.Mutex
	scripts  [][]Event
	prompts  []string
	verdicts map[string]bool
	runErr   error
}

func newScriptRuntime(scripts ...[]Event) *scriptRuntime {
	return &scriptRuntime{scripts: scripts, verdicts: map[string]bool{}}
}

func (r *scriptRuntime) Run(ctx context.Context, thread *Thread, prompt string) (EventStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	if r.runErr != nil {
		return nil, r.runErr
	}
	if len(r.scripts) == 0 {
		return nil, errors.New("script exhausted")
	}
	evs := r.scripts[0]
	r.scripts = r.scripts[1:]
	return &sliceStream{events: evs}, nil
}

func (r *scriptRuntime) SubmitApproval(ctx context.Context, req *ApprovalRequest, approved bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[req.ID] = approved
	return true
}

func toolCall(name string) Event {
	return Event{Kind: EventToolCall, Call: &ToolInvocation{ID: "tc-" + name, Name: name}}
}

func message(text string) Event {
	return Event{Kind: EventMessage, Text: text}
}

func newDriverOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	p := orchestrator.DefaultPipeline()
	catalog, err := orchestrator.LoadCatalog(p)
	require.NoError(t, err)
	return orchestrator.New(p, catalog, nil)
}

func TestDriverHappyPath(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{toolCall(ToolExecuteSQL), message("built the query"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("validated"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("executed"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("verified"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("There were 42 closed work orders."), {Kind: EventCompleted}},
	)
	orch := newDriverOrchestrator(t)

	var checkpoints [][]byte
	var events []Event
	d, err := NewDriver(DriverConfig{
		Runtime:      rt,
		Orchestrator: orch,
		OnEvent:      func(ev Event) { events = append(events, ev) },
		OnCheckpoint: func(b []byte) { checkpoints = append(checkpoints, append([]byte(nil), b...)) },
	})
	require.NoError(t, err)

	answer, err := d.Run(context.Background(), "How many work orders closed in 2025-09?")
	require.NoError(t, err)
	require.Equal(t, "There were 42 closed work orders.", answer)
	require.Equal(t, StateComplete, d.State())
	require.True(t, orch.IsComplete())
	require.Len(t, rt.prompts, 5)

	// Start + one checkpoint per applied decision.
	require.Len(t, checkpoints, 6)
	last, err := orchestrator.DecodeContext(checkpoints[len(checkpoints)-1])
	require.NoError(t, err)
	require.Equal(t, orchestrator.StepFormatResults, last.CurrentStep)
	require.Len(t, last.StepHistory, 4)

	require.Len(t, events, 15)
}

func TestDriverCheckpointRoundTripsIntoResume(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{toolCall(ToolExecuteSQL), message("built"), {Kind: EventCompleted}},
	)
	orch := newDriverOrchestrator(t)

	var lastCheckpoint []byte
	d, err := NewDriver(DriverConfig{
		Runtime:      rt,
		Orchestrator: orch,
		OnCheckpoint: func(b []byte) { lastCheckpoint = append([]byte(nil), b...) },
		MaxRuns:      1,
	})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "q")
	require.ErrorIs(t, err, ErrRunBudgetExhausted)
	require.NotNil(t, lastCheckpoint)

	resumed := newDriverOrchestrator(t)
	require.NoError(t, resumed.Restore(lastCheckpoint))
	require.Equal(t, orch.Status(), resumed.Status())
	require.Equal(t, orchestrator.StepValidateQuery, resumed.Context().CurrentStep)
}

func TestDriverRetryAddsPreamble(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{message("I would need more information."), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("ok"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("ok"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("ok"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("ok"), {Kind: EventCompleted}},
		[]Event{toolCall(ToolExecuteSQL), message("done"), {Kind: EventCompleted}},
	)
	orch := newDriverOrchestrator(t)
	clock := clockwork.NewFakeClock()

	d, err := NewDriver(DriverConfig{
		Runtime:      rt,
		Orchestrator: orch,
		Clock:        clock,
		RetryDelay:   5 * time.Second,
	})
	require.NoError(t, err)

	type result struct {
		answer string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		answer, err := d.Run(context.Background(), "q")
		done <- result{answer, err}
	}()

	// First run made no progress, so the driver paces before retrying.
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "done", res.answer)

	require.Len(t, rt.prompts, 6)
	require.False(t, strings.HasPrefix(rt.prompts[0], retryPreamble))
	require.True(t, strings.HasPrefix(rt.prompts[1], retryPreamble))
	// The retried prompt wraps the same step instructions.
	require.Equal(t, rt.prompts[0], strings.TrimPrefix(rt.prompts[1], retryPreamble))
	require.False(t, strings.HasPrefix(rt.prompts[2], retryPreamble))
}

func TestDriverDenialAbandonsWithoutAdvancing(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{
			toolCall(ToolExecuteSQL),
			{Kind: EventApprovalRequired, Approval: &ApprovalRequest{
				ID:   "appr-1",
				Call: ToolInvocation{ID: "tc-1", Name: ToolExecuteSQL},
			}},
			{Kind: EventCompleted, Denied: true},
		},
	)
	orch := newDriverOrchestrator(t)

	deny := ApprovalFunc(func(ctx context.Context, req *ApprovalRequest) (bool, error) {
		return false, nil
	})
	d, err := NewDriver(DriverConfig{Runtime: rt, Orchestrator: orch, Approvals: deny})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "q")
	require.ErrorIs(t, err, ErrApprovalDenied)
	require.Equal(t, StateDenied, d.State())

	// Workflow did not advance; history is intact.
	require.Equal(t, orchestrator.StepBuildQuery, orch.Context().CurrentStep)
	require.Empty(t, orch.Context().StepHistory)

	require.Equal(t, map[string]bool{"appr-1": false}, rt.verdicts)
}

func TestDriverApprovalGranted(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{
			toolCall(ToolExecuteSQL),
			{Kind: EventApprovalRequired, Approval: &ApprovalRequest{
				ID:   "appr-1",
				Call: ToolInvocation{ID: "tc-1", Name: ToolExecuteSQL},
			}},
			message("ran it"),
			{Kind: EventCompleted},
		},
	)
	orch := newDriverOrchestrator(t)

	approve := ApprovalFunc(func(ctx context.Context, req *ApprovalRequest) (bool, error) {
		return true, nil
	})
	d, err := NewDriver(DriverConfig{Runtime: rt, Orchestrator: orch, Approvals: approve, MaxRuns: 1})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "q")
	require.ErrorIs(t, err, ErrRunBudgetExhausted)

	require.Equal(t, map[string]bool{"appr-1": true}, rt.verdicts)
	// The approved run advanced the workflow.
	require.Equal(t, orchestrator.StepValidateQuery, orch.Context().CurrentStep)
}

func TestDriverRuntimeErrorPreservesState(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{toolCall(ToolExecuteSQL), message("built"), {Kind: EventCompleted}},
		[]Event{{Kind: EventError, Err: errors.New("model overloaded")}},
	)
	orch := newDriverOrchestrator(t)

	d, err := NewDriver(DriverConfig{Runtime: rt, Orchestrator: orch})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "q")
	require.Error(t, err)
	require.Contains(t, err.Error(), "model overloaded")
	require.Equal(t, StateFailed, d.State())

	// The first phase's progress survives the failure.
	require.Equal(t, orchestrator.StepValidateQuery, orch.Context().CurrentStep)
	require.Equal(t, []orchestrator.Step{orchestrator.StepBuildQuery}, orch.Context().StepHistory)
}

func TestDriverBatchRecordsEveryMember(t *testing.T) {
	rt := newScriptRuntime(
		[]Event{
			{Kind: EventToolCallBatch, Calls: []ToolInvocation{
				{ID: "1", Name: ToolListTables},
				{ID: "2", Name: ToolSampleRows},
			}},
			message("looked around"),
			{Kind: EventCompleted},
		},
	)
	orch := newDriverOrchestrator(t)

	d, err := NewDriver(DriverConfig{Runtime: rt, Orchestrator: orch, MaxRuns: 1})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "q")
	require.ErrorIs(t, err, ErrRunBudgetExhausted)

	calls := orch.Context().ToolCalls
	require.Len(t, calls, 2)
	require.Equal(t, ToolListTables, calls[0].Name)
	require.Equal(t, ToolSampleRows, calls[1].Name)
	require.Equal(t, orchestrator.StepBuildQuery, calls[0].Step)
}

func TestDriverConfigValidation(t *testing.T) {
	_, err := NewDriver(DriverConfig{Orchestrator: newDriverOrchestrator(t)})
	require.Error(t, err)

	_, err = NewDriver(DriverConfig{Runtime: newScriptRuntime()})
	require.Error(t, err)
}
