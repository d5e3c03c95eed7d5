package orchestrator

import "fmt"

// Step identifies one phase of the analysis workflow. Steps are serialized by
// their string tag, never by position, so pipelines can be reordered without
// breaking persisted contexts.
type Step string

const (
	StepBuildQuery    Step = "build_query"
	StepValidateQuery Step = "validate_query"
	StepExecuteQuery  Step = "execute_query"
	StepVerifyResults Step = "verify_results"
	StepFormatResults Step = "format_results"

	// StepExploreData is the off-pipeline fallback used when the agent needs
	// to look at the data before it can build a query.
	StepExploreData Step = "explore_data"
)

// ParseStep converts a wire tag back into a Step.
func ParseStep(s string) (Step, error) {
	switch Step(s) {
	case StepBuildQuery, StepValidateQuery, StepExecuteQuery,
		StepVerifyResults, StepFormatResults, StepExploreData:
		return Step(s), nil
	}
	return "", fmt.Errorf("unknown workflow step %q", s)
}

// Pipeline is the workflow definition: an ordered sequence of steps whose last
// element is terminal, plus fallback steps that sit outside the sequence and
// name the pipeline step they re-enter at.
type Pipeline struct {
	Steps     []Step
	Fallbacks map[Step]Step
}

// DefaultPipeline returns the standard five-step analysis pipeline.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Steps: []Step{
			StepBuildQuery,
			StepValidateQuery,
			StepExecuteQuery,
			StepVerifyResults,
			StepFormatResults,
		},
		Fallbacks: map[Step]Step{
			StepExploreData: StepBuildQuery,
		},
	}
}

// CompactPipeline returns a four-step pipeline that skips the formatting
// phase, ending on verification. Useful for hosts that render results
// themselves.
func CompactPipeline() Pipeline {
	return Pipeline{
		Steps: []Step{
			StepBuildQuery,
			StepValidateQuery,
			StepExecuteQuery,
			StepVerifyResults,
		},
		Fallbacks: map[Step]Step{
			StepExploreData: StepBuildQuery,
		},
	}
}

// Len returns the number of on-pipeline steps.
func (p Pipeline) Len() int { return len(p.Steps) }

// First returns the initial step of the pipeline.
func (p Pipeline) First() Step {
	if len(p.Steps) == 0 {
		panic("orchestrator: empty pipeline")
	}
	return p.Steps[0]
}

// Terminal returns the last on-pipeline step.
func (p Pipeline) Terminal() Step {
	if len(p.Steps) == 0 {
		panic("orchestrator: empty pipeline")
	}
	return p.Steps[len(p.Steps)-1]
}

// Index returns the zero-based position of step in the ordered sequence, or
// -1 for fallback and unknown steps.
func (p Pipeline) Index(step Step) int {
	for i, s := range p.Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// Next returns the step after the given on-pipeline step. For fallback steps
// it returns the configured re-entry step. ok is false for the terminal step
// and for steps the pipeline does not know.
func (p Pipeline) Next(step Step) (next Step, ok bool) {
	if re, isFallback := p.Fallbacks[step]; isFallback {
		return re, true
	}
	i := p.Index(step)
	if i == -1 || i == len(p.Steps)-1 {
		return "", false
	}
	return p.Steps[i+1], true
}

// Contains reports whether step is part of the pipeline, including fallbacks.
func (p Pipeline) Contains(step Step) bool {
	if _, ok := p.Fallbacks[step]; ok {
		return true
	}
	return p.Index(step) != -1
}

// IsFallback reports whether step is an off-pipeline fallback.
func (p Pipeline) IsFallback(step Step) bool {
	_, ok := p.Fallbacks[step]
	return ok
}
