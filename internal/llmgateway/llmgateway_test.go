package llmgateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "bogus"})
	require.Error(t, err)
}

func TestNewDefaultsToAnthropic(t *testing.T) {
	p, err := New(config.LLMConfig{})
	require.NoError(t, err)
	require.Contains(t, p.Name(), "anthropic")
}

func TestNewAllowsConfiguredModel(t *testing.T) {
	p, err := New(config.LLMConfig{AnthropicModel: "claude-x", AllowedModelID: "claude-x"})
	require.NoError(t, err)
	_, denied := Denied(p)
	require.False(t, denied)
}

func TestNewDeniesUnlistedModel(t *testing.T) {
	p, err := New(config.LLMConfig{AnthropicModel: "claude-x", AllowedModelID: "claude-y"})
	require.NoError(t, err)
	msg, denied := Denied(p)
	require.True(t, denied)
	require.Equal(t, "ERROR: MODEL_NOT_ALLOWED. Requested=claude-x Allowed=claude-y", msg)

	_, err = p.Complete(context.Background(), Request{})
	require.ErrorContains(t, err, "MODEL_NOT_ALLOWED")
}
