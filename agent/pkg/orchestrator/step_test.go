package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStep(t *testing.T) {
	tests := []struct {
		in      string
		want    Step
		wantErr bool
	}{
		{in: "build_query", want: StepBuildQuery},
		{in: "validate_query", want: StepValidateQuery},
		{in: "execute_query", want: StepExecuteQuery},
		{in: "verify_results", want: StepVerifyResults},
		{in: "format_results", want: StepFormatResults},
		{in: "explore_data", want: StepExploreData},
		{in: "BUILD_QUERY", wantErr: true},
		{in: "0", wantErr: true},
		{in: "", wantErr: true},
		{in: "synthesize", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseStep(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPipelineOrdering(t *testing.T) {
	p := DefaultPipeline()

	require.Equal(t, 5, p.Len())
	require.Equal(t, StepBuildQuery, p.First())
	require.Equal(t, StepFormatResults, p.Terminal())

	// Successor chain covers the whole sequence.
	cur := p.First()
	seen := []Step{cur}
	for {
		next, ok := p.Next(cur)
		if !ok {
			break
		}
		seen = append(seen, next)
		cur = next
	}
	require.Equal(t, p.Steps, seen)

	// Terminal has no successor.
	_, ok := p.Next(p.Terminal())
	require.False(t, ok)
}

func TestPipelineFallback(t *testing.T) {
	for _, p := range []Pipeline{DefaultPipeline(), CompactPipeline()} {
		require.True(t, p.IsFallback(StepExploreData))
		require.Equal(t, -1, p.Index(StepExploreData))
		require.True(t, p.Contains(StepExploreData))

		next, ok := p.Next(StepExploreData)
		require.True(t, ok)
		require.Equal(t, StepBuildQuery, next)
	}
}

func TestCompactPipelineTerminal(t *testing.T) {
	p := CompactPipeline()
	require.Equal(t, 4, p.Len())
	require.Equal(t, StepVerifyResults, p.Terminal())
	require.False(t, p.Contains(StepFormatResults))
}
