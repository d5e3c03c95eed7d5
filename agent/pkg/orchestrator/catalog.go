package orchestrator

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed prompts/*.md
var promptFS embed.FS

// Catalog maps every step of a pipeline to its instruction prompt template.
// Templates live in prompts/*.md with {{USER_QUERY}} and {{STEP_POSITION}}
// placeholders; rendering is pure string substitution.
type Catalog struct {
	pipeline  Pipeline
	templates map[Step]string
}

// LoadCatalog reads the embedded templates for every step the pipeline can
// reach. A missing template is a build-time mistake and returns an error.
func LoadCatalog(pipeline Pipeline) (*Catalog, error) {
	steps := make([]Step, 0, pipeline.Len()+len(pipeline.Fallbacks))
	steps = append(steps, pipeline.Steps...)
	for fb := range pipeline.Fallbacks {
		steps = append(steps, fb)
	}

	templates := make(map[Step]string, len(steps))
	for _, s := range steps {
		b, err := promptFS.ReadFile(fmt.Sprintf("prompts/%s.md", s))
		if err != nil {
			return nil, fmt.Errorf("load prompt template for %q: %w", s, err)
		}
		templates[s] = string(b)
	}
	return &Catalog{pipeline: pipeline, templates: templates}, nil
}

// MustLoadCatalog is LoadCatalog for process setup paths where a missing
// template should abort startup.
func MustLoadCatalog(pipeline Pipeline) *Catalog {
	c, err := LoadCatalog(pipeline)
	if err != nil {
		panic(err)
	}
	return c
}

// PromptFor renders the instruction prompt for a step. It is deterministic
// for a given (step, userQuery) pair and panics for steps outside the
// pipeline, which indicates a wiring bug.
func (c *Catalog) PromptFor(step Step, userQuery string) string {
	tmpl, ok := c.templates[step]
	if !ok {
		panic(fmt.Sprintf("orchestrator: no prompt for step %q", step))
	}
	out := strings.ReplaceAll(tmpl, "{{USER_QUERY}}", userQuery)
	out = strings.ReplaceAll(out, "{{STEP_POSITION}}", c.position(step))
	return out
}

func (c *Catalog) position(step Step) string {
	if c.pipeline.IsFallback(step) {
		return "Fallback Step"
	}
	i := c.pipeline.Index(step)
	n := c.pipeline.Len()
	if i == n-1 {
		return fmt.Sprintf("Final Step %d of %d", n, n)
	}
	return fmt.Sprintf("Step %d of %d", i+1, n)
}
