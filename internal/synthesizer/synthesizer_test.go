package synthesizer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
)

var errBoom = errors.New("boom")

func TestInferShapeDefaultsToTwoParagraphs(t *testing.T) {
	s := InferShape("tell me about revenue")
	require.Equal(t, "paragraphs", s.Kind)
	require.Equal(t, 2, s.Count)
}

func TestInferShapeBullets(t *testing.T) {
	s := InferShape("give me 4 key bullet points")
	require.Equal(t, "bullets", s.Kind)
	require.Equal(t, 4, s.Count)
}

func TestComposeParsesValidJSON(t *testing.T) {
	fake := &llmgateway.Fake{Responses: []string{`{"text":"Revenue grew [^d1].","citations":[{"id":"d1","title":"Report"}],"chartsSpec":null}`}}
	d := Compose(context.Background(), fake, Request{UserMsg: "revenue?", Shape: Shape{Kind: "paragraphs", Count: 2}})
	require.Contains(t, d.Text, "[Report](doc/d1)")
	require.Len(t, d.Citations, 1)
}

func TestComposeSalvagesOnParseFailure(t *testing.T) {
	fake := &llmgateway.Fake{Responses: []string{"not json but mentions [^d2] anyway"}}
	d := Compose(context.Background(), fake, Request{UserMsg: "revenue?"})
	require.Len(t, d.Citations, 1)
	require.Equal(t, "d2", d.Citations[0].ID)
}

func TestComposeFallsBackOnLLMError(t *testing.T) {
	fake := &llmgateway.Fake{Err: errBoom}
	d := Compose(context.Background(), fake, Request{UserMsg: "revenue?"})
	require.Equal(t, fallbackMessage, d.Text)
	require.Empty(t, d.Citations)
}

func TestAcknowledgeLowEvidence(t *testing.T) {
	d := AcknowledgeLowEvidence(Draft{Text: "answer"})
	require.Contains(t, d.Text, "insufficient evidence")
	require.Empty(t, d.Citations)
}
