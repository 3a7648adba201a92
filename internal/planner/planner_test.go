package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
)

func TestRunParsesValidPlan(t *testing.T) {
	fake := &llmgateway.Fake{Responses: []string{`{"needRag":true,"needRisk":false,"ragQueries":["revenue"],"expected":["citations"],"confidence":0.8}`}}
	p := Run(context.Background(), fake, "what was revenue last year", "", "", nil)
	require.True(t, p.NeedRAG)
	require.False(t, p.NeedRisk)
	require.Equal(t, 0.8, p.Confidence)
}

func TestRunFallsBackOnParseFailure(t *testing.T) {
	fake := &llmgateway.Fake{Responses: []string{"not json"}}
	p := Run(context.Background(), fake, "hello", "", "", nil)
	require.False(t, p.NeedRAG)
	require.False(t, p.NeedRisk)
	require.Equal(t, 0.0, p.Confidence)
}

func TestSimKeywordForcesRisk(t *testing.T) {
	fake := &llmgateway.Fake{Responses: []string{`{"needRisk":false,"confidence":0.5}`}}
	p := Run(context.Background(), fake, "run a monte carlo simulation for revenue", "", "", nil)
	require.True(t, p.NeedRisk)
}

func TestDefinitionalQuerySuppressesRisk(t *testing.T) {
	fake := &llmgateway.Fake{Responses: []string{`{"needRisk":true,"confidence":0.5}`}}
	p := Run(context.Background(), fake, "what is compound interest", "", "", nil)
	require.False(t, p.NeedRisk)
}
