package embedprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

func TestDeterministicStableAcrossCalls(t *testing.T) {
	p := NewDeterministic(32, 7)
	a, err := p.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	b, err := p.EmbedBatch(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a[0], 32)
}

func TestLocalChainEmbedsEveryText(t *testing.T) {
	c, err := New(config.EmbeddingConfig{Mode: "local", Dimension: 16})
	require.NoError(t, err)
	vecs, err := c.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	require.Equal(t, 16, c.Dimension())
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(config.EmbeddingConfig{Mode: "bogus"})
	require.Error(t, err)
}
