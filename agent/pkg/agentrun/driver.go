package agentrun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/analyst/agent/pkg/orchestrator"
)

// DriverState is the driver's externally visible lifecycle state.
type DriverState string

const (
	StateIdle             DriverState = "idle"
	StateRunning          DriverState = "running"
	StateAwaitingApproval DriverState = "awaiting_approval"
	StateComplete         DriverState = "complete"
	StateDenied           DriverState = "denied"
	StateFailed           DriverState = "failed"
)

// ErrApprovalDenied is returned by Run when a gated tool call was refused
// and the workflow was abandoned without advancing.
var ErrApprovalDenied = errors.New("gated tool call denied")

// ErrRunBudgetExhausted is returned when the agent run budget is spent
// before the workflow completes.
var ErrRunBudgetExhausted = errors.New("agent run budget exhausted")

const (
	defaultMaxRuns    = 16
	defaultRetryDelay = 2 * time.Second
)

// retryPreamble is prepended to a step prompt when the previous attempt at
// the same step produced no tool calls.
const retryPreamble = "PREVIOUS ATTEMPT MADE NO PROGRESS. You MUST call at least one tool this time. Do not ask the user anything. Act now.\n\n"

// DriverConfig wires a Driver. Runtime and Orchestrator are required.
type DriverConfig struct {
	Logger       *slog.Logger
	Runtime      Runtime
	Orchestrator *orchestrator.Orchestrator

	// Approvals decides gated tool calls. Defaults to DenyAll.
	Approvals ApprovalDecider

	// Clock paces retries; defaults to the real clock. Tests inject a fake.
	Clock clockwork.Clock

	// RetryDelay is the pause before re-running a step that made no
	// progress. Defaults to 2s.
	RetryDelay time.Duration

	// MaxRuns bounds the total number of agent runs for one workflow.
	// Defaults to 16.
	MaxRuns int

	// OnEvent observes every runtime event, in order. Optional.
	OnEvent func(Event)

	// OnCheckpoint receives the serialized workflow context after every
	// applied decision. Optional.
	OnCheckpoint func([]byte)
}

func (c *DriverConfig) validate() error {
	if c.Runtime == nil {
		return errors.New("driver config: Runtime is required")
	}
	if c.Orchestrator == nil {
		return errors.New("driver config: Orchestrator is required")
	}
	return nil
}

// Driver runs one workflow end to end: it feeds step prompts to the agent
// runtime, folds the resulting events into the orchestrator, and loops on
// the orchestrator's decisions until the workflow completes or fails.
type Driver struct {
	cfg DriverConfig

	mu    sync.Mutex
	state DriverState
}

// NewDriver builds a driver, applying defaults for optional config.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Approvals == nil {
		cfg.Approvals = DenyAll()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxRuns <= 0 {
		cfg.MaxRuns = defaultMaxRuns
	}
	return &Driver{cfg: cfg, state: StateIdle}, nil
}

// State returns the driver's current lifecycle state.
func (d *Driver) State() DriverState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s DriverState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

func (d *Driver) logInfo(msg string, args ...any) {
	if d.cfg.Logger != nil {
		d.cfg.Logger.Info(msg, args...)
	}
}

func (d *Driver) emit(ev Event) {
	if d.cfg.OnEvent != nil {
		d.cfg.OnEvent(ev)
	}
}

func (d *Driver) checkpoint() {
	if d.cfg.OnCheckpoint == nil {
		return
	}
	b, err := d.cfg.Orchestrator.Serialize()
	if err != nil {
		if d.cfg.Logger != nil {
			d.cfg.Logger.Warn("checkpoint skipped", "error", err)
		}
		return
	}
	d.cfg.OnCheckpoint(b)
}

// Run drives the whole workflow for one question and returns the final
// answer text. Orchestrator state is left untouched on runtime errors, so a
// host can retry the same phase. On denial the run is abandoned with
// ErrApprovalDenied and the step history preserved.
func (d *Driver) Run(ctx context.Context, question string) (string, error) {
	orch := d.cfg.Orchestrator
	orch.Start(question)
	d.setState(StateRunning)
	d.checkpoint()

	thread := NewThread()
	retrying := false
	answer := ""

	for runs := 0; ; runs++ {
		if runs >= d.cfg.MaxRuns {
			d.setState(StateFailed)
			return "", fmt.Errorf("%w after %d runs on step %q",
				ErrRunBudgetExhausted, runs, orch.Context().CurrentStep)
		}

		prompt := orch.CurrentPrompt()
		if retrying {
			prompt = retryPreamble + prompt
		}
		step := orch.Context().CurrentStep
		d.logInfo("agent run", "run", runs, "step", step, "retry", retrying)

		stream, err := d.cfg.Runtime.Run(ctx, thread, prompt)
		if err != nil {
			d.setState(StateFailed)
			return "", fmt.Errorf("agent run on step %q: %w", step, err)
		}

		text, denied, err := d.drain(ctx, stream)
		if err != nil {
			d.setState(StateFailed)
			return "", fmt.Errorf("agent run on step %q: %w", step, err)
		}
		if text != "" {
			answer = text
		}
		if denied {
			d.setState(StateDenied)
			d.checkpoint()
			return "", fmt.Errorf("step %q: %w", step, ErrApprovalDenied)
		}

		decision := orch.Decide()
		orch.Apply(decision)
		d.checkpoint()

		switch decision.Kind {
		case orchestrator.DecisionComplete:
			d.setState(StateComplete)
			d.logInfo("workflow complete", "runs", runs+1)
			return answer, nil
		case orchestrator.DecisionAdvance:
			retrying = false
		case orchestrator.DecisionRetry:
			retrying = true
			select {
			case <-d.cfg.Clock.After(d.cfg.RetryDelay):
			case <-ctx.Done():
				d.setState(StateFailed)
				return "", ctx.Err()
			}
		default:
			d.setState(StateFailed)
			return "", fmt.Errorf("unexpected decision %q", decision.Kind)
		}
	}
}

// drain consumes one run's event stream, recording tool calls against the
// orchestrator and resolving approval pauses. It returns the last assistant
// text and whether the run ended in a denial.
func (d *Driver) drain(ctx context.Context, stream EventStream) (text string, denied bool, err error) {
	orch := d.cfg.Orchestrator
	for {
		ev, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return text, denied, nil
		}
		if err != nil {
			return "", false, err
		}
		d.emit(ev)

		switch ev.Kind {
		case EventMessage:
			if ev.Text != "" {
				text = ev.Text
			}
		case EventToolCall:
			if ev.Call != nil {
				orch.RecordToolCall(ev.Call.Name, ev.Call.Arguments)
			}
		case EventToolCallBatch:
			for _, call := range ev.Calls {
				orch.RecordToolCall(call.Name, call.Arguments)
			}
		case EventApprovalRequired:
			approved, decideErr := d.decideApproval(ctx, ev.Approval)
			if decideErr != nil {
				return "", false, decideErr
			}
			if !approved {
				denied = true
			}
		case EventError:
			return "", false, ev.Err
		case EventCompleted:
			if ev.Denied {
				denied = true
			}
		}
	}
}

func (d *Driver) decideApproval(ctx context.Context, req *ApprovalRequest) (bool, error) {
	if req == nil {
		return false, errors.New("approval event without a request")
	}
	d.setState(StateAwaitingApproval)
	defer d.setState(StateRunning)

	d.logInfo("approval required", "id", req.ID, "tool", req.Call.Name)
	approved, err := d.cfg.Approvals.Decide(ctx, req)
	if err != nil {
		return false, fmt.Errorf("approval %q: %w", req.ID, err)
	}
	d.cfg.Runtime.SubmitApproval(ctx, req, approved)
	d.logInfo("approval decided", "id", req.ID, "approved", approved)
	return approved, nil
}
