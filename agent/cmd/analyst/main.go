package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/analyst/agent/pkg/agentrun"
	"github.com/malbeclabs/analyst/agent/pkg/orchestrator"
	"github.com/malbeclabs/analyst/api/config"
	"github.com/malbeclabs/analyst/api/handlers"
	"github.com/malbeclabs/analyst/utils/pkg/logger"
)

const (
	defaultMaxRuns    = 16
	defaultRetryDelay = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	questionFlag := flag.String("question", "", "question to answer (required)")
	modelFlag := flag.String("model", "", "Anthropic model (or set ANTHROPIC_MODEL env var)")
	compactFlag := flag.Bool("compact", false, "use the compact pipeline (skip the formatting step)")
	autoApproveFlag := flag.Bool("auto-approve", false, "approve gated tool calls without prompting")
	maxRunsFlag := flag.Int("max-runs", defaultMaxRuns, "maximum number of agent runs")
	retryDelayFlag := flag.Duration("retry-delay", defaultRetryDelay, "pause before retrying a stalled step")
	flag.Parse()

	_ = godotenv.Load()

	if *questionFlag == "" {
		flag.Usage()
		return errors.New("--question is required")
	}

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return errors.New("ANTHROPIC_API_KEY is required")
	}
	model := *modelFlag
	if model == "" {
		model = os.Getenv("ANTHROPIC_MODEL")
	}

	log := logger.New(*verboseFlag)

	if err := config.Load(); err != nil {
		return fmt.Errorf("load clickhouse config: %w", err)
	}
	defer config.Close()

	querier := handlers.NewDBQuerier()
	schema := handlers.NewDBSchemaFetcher()
	runtime, err := agentrun.NewAnthropicRuntime(agentrun.AnthropicConfig{
		Logger: log,
		APIKey: apiKey,
		Model:  model,
		Tools:  &agentrun.WarehouseTools{Querier: querier, Schema: schema},
		Schema: schema,
	})
	if err != nil {
		return err
	}

	pipeline := orchestrator.DefaultPipeline()
	if *compactFlag {
		pipeline = orchestrator.CompactPipeline()
	}
	catalog, err := orchestrator.LoadCatalog(pipeline)
	if err != nil {
		return err
	}
	orch := orchestrator.New(pipeline, catalog, log)

	approvals := agentrun.ApprovalDecider(terminalApprover{})
	if *autoApproveFlag {
		approvals = agentrun.ApprovalFunc(func(ctx context.Context, req *agentrun.ApprovalRequest) (bool, error) {
			return true, nil
		})
	}

	driver, err := agentrun.NewDriver(agentrun.DriverConfig{
		Logger:       log,
		Runtime:      runtime,
		Orchestrator: orch,
		Approvals:    approvals,
		MaxRuns:      *maxRunsFlag,
		RetryDelay:   *retryDelayFlag,
		OnEvent:      printEvent,
		OnCheckpoint: func(state []byte) {
			if wc, err := orchestrator.DecodeContext(state); err == nil {
				fmt.Printf("\n== step: %s (visited %d, tool calls %d) ==\n",
					wc.CurrentStep, len(wc.StepHistory), len(wc.ToolCalls))
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	answer, err := driver.Run(ctx, *questionFlag)
	if err != nil {
		if errors.Is(err, agentrun.ErrApprovalDenied) {
			fmt.Println("\nAnalysis abandoned: tool call denied.")
			return nil
		}
		return err
	}

	fmt.Println("\n=== Answer ===")
	fmt.Println(answer)
	return nil
}

func printEvent(ev agentrun.Event) {
	switch ev.Kind {
	case agentrun.EventMessage:
		fmt.Println(ev.Text)
	case agentrun.EventToolCall:
		fmt.Printf("  [tool] %s %v\n", ev.Call.Name, ev.Call.Arguments)
	case agentrun.EventToolCallBatch:
		for _, call := range ev.Calls {
			fmt.Printf("  [tool] %s %v\n", call.Name, call.Arguments)
		}
	case agentrun.EventError:
		fmt.Printf("  [error] %v\n", ev.Err)
	}
}

// terminalApprover prompts on stdin for gated tool calls.
type terminalApprover struct{}

func (terminalApprover) Decide(ctx context.Context, req *agentrun.ApprovalRequest) (bool, error) {
	fmt.Printf("\nApproval required for %s %v\nRun it? [y/N]: ", req.Call.Name, req.Call.Arguments)

	answer := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case line := <-answer:
		return line == "y" || line == "yes", nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
