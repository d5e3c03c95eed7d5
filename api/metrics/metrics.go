package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_runs_started_total",
		Help: "Analysis runs started.",
	})

	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_runs_finished_total",
		Help: "Analysis runs finished, by terminal status.",
	}, []string{"status"})

	stepTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_step_transitions_total",
		Help: "Workflow step transitions.",
	}, []string{"from", "to"})

	stepRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_step_retries_total",
		Help: "Workflow step retries.",
	}, []string{"step"})

	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_tool_calls_total",
		Help: "Agent tool calls observed.",
	}, []string{"tool"})

	approvalVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analyst_approval_verdicts_total",
		Help: "Verdicts on gated tool calls.",
	}, []string{"verdict"})

	clickhouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "analyst_clickhouse_query_duration_seconds",
		Help:    "ClickHouse query latency.",
		Buckets: prometheus.DefBuckets,
	})

	clickhouseQueryErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "analyst_clickhouse_query_errors_total",
		Help: "ClickHouse query failures.",
	})
)

func RecordRunStarted() { runsStarted.Inc() }

func RecordRunFinished(status string) { runsFinished.WithLabelValues(status).Inc() }

func RecordStepTransition(from, to string) { stepTransitions.WithLabelValues(from, to).Inc() }

func RecordStepRetry(step string) { stepRetries.WithLabelValues(step).Inc() }

func RecordToolCall(tool string) { toolCalls.WithLabelValues(tool).Inc() }

func RecordApproval(approved bool) {
	verdict := "denied"
	if approved {
		verdict = "approved"
	}
	approvalVerdicts.WithLabelValues(verdict).Inc()
}

func RecordClickHouseQuery(duration time.Duration, err error) {
	clickhouseQueryDuration.Observe(duration.Seconds())
	if err != nil {
		clickhouseQueryErrors.Inc()
	}
}
