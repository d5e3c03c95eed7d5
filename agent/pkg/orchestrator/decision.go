package orchestrator

// DecisionKind classifies what the orchestrator wants to happen next.
type DecisionKind string

const (
	// DecisionNoWorkflow means no workflow has been started for the session.
	DecisionNoWorkflow DecisionKind = "no_workflow"
	// DecisionAdvance moves the workflow to Decision.Next.
	DecisionAdvance DecisionKind = "advance"
	// DecisionRetry keeps the workflow on its current step.
	DecisionRetry DecisionKind = "retry_current"
	// DecisionComplete ends the workflow.
	DecisionComplete DecisionKind = "complete"
)

// Decision is the outcome of examining the current phase. Next is set only
// for advance decisions.
type Decision struct {
	Kind DecisionKind `json:"kind"`
	Next Step         `json:"next,omitempty"`
}

// AdvanceTo builds an advance decision targeting the given step.
func AdvanceTo(next Step) Decision {
	return Decision{Kind: DecisionAdvance, Next: next}
}
