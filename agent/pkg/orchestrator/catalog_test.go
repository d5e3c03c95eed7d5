package orchestrator

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCatalogCoversPipeline(t *testing.T) {
	for _, p := range []Pipeline{DefaultPipeline(), CompactPipeline()} {
		catalog, err := LoadCatalog(p)
		require.NoError(t, err)

		all := append([]Step{}, p.Steps...)
		for fb := range p.Fallbacks {
			all = append(all, fb)
		}
		for _, s := range all {
			got := catalog.PromptFor(s, "how many invoices last month?")
			require.NotEmpty(t, got)
			require.Contains(t, got, "how many invoices last month?",
				"prompt for %s must restate the question verbatim", s)
			require.NotContains(t, got, "{{USER_QUERY}}")
			require.NotContains(t, got, "{{STEP_POSITION}}")
		}
	}
}

func TestCatalogStepPositions(t *testing.T) {
	catalog, err := LoadCatalog(DefaultPipeline())
	require.NoError(t, err)

	tests := []struct {
		step Step
		want string
	}{
		{StepBuildQuery, "Step 1 of 5"},
		{StepValidateQuery, "Step 2 of 5"},
		{StepExecuteQuery, "Step 3 of 5"},
		{StepVerifyResults, "Step 4 of 5"},
		{StepFormatResults, "Final Step 5 of 5"},
		{StepExploreData, "Fallback Step"},
	}
	for _, tt := range tests {
		t.Run(string(tt.step), func(t *testing.T) {
			require.Contains(t, catalog.PromptFor(tt.step, "q"), tt.want)
		})
	}
}

func TestCatalogIsDeterministic(t *testing.T) {
	catalog, err := LoadCatalog(DefaultPipeline())
	require.NoError(t, err)

	first := catalog.PromptFor(StepBuildQuery, "q")
	for i := 0; i < 3; i++ {
		require.Equal(t, first, catalog.PromptFor(StepBuildQuery, "q"))
	}
}

func TestCatalogPanicsOnUnknownStep(t *testing.T) {
	catalog, err := LoadCatalog(CompactPipeline())
	require.NoError(t, err)

	require.Panics(t, func() {
		catalog.PromptFor(StepFormatResults, "q")
	})
}

func TestTerminalPromptForbidsToolUse(t *testing.T) {
	catalog, err := LoadCatalog(DefaultPipeline())
	require.NoError(t, err)

	got := catalog.PromptFor(StepFormatResults, "q")
	require.Contains(t, strings.ToUpper(got), "DO NOT CALL ANY MORE TOOLS")
}

func TestPromptsNameRealTools(t *testing.T) {
	catalog, err := LoadCatalog(DefaultPipeline())
	require.NoError(t, err)

	for step, tools := range map[Step][]string{
		StepBuildQuery:  {"list_tables", "execute_sql"},
		StepExploreData: {"list_tables", "sample_rows"},
	} {
		got := catalog.PromptFor(step, "q")
		for _, tool := range tools {
			require.Contains(t, got, fmt.Sprintf("`%s`", tool))
		}
	}
}
