package riskcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignatureStable(t *testing.T) {
	spec := Spec{"trials": 500, "variables": map[string]any{"ticker": "ACME"}}
	a, err := Signature(spec, "1.0")
	require.NoError(t, err)
	b, err := Signature(spec, "1.0")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Signature(spec, "1.1")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestBoundTrialsClamps(t *testing.T) {
	out := BoundTrials(Spec{"trials": "$1,000,000"}, 20000)
	require.Equal(t, 20000, out["trials"])

	out = BoundTrials(Spec{"trials": 5}, 20000)
	require.Equal(t, 100, out["trials"])
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_, ok := c.Read(ctx, "sig-1")
	require.False(t, ok)

	c.Store(ctx, "sig-1", Result{"ok": true})
	r, ok := c.Read(ctx, "sig-1")
	require.True(t, ok)
	require.Equal(t, true, r["ok"])
}

func TestCoerceFloatFallsBackOnGarbage(t *testing.T) {
	require.Equal(t, 42.0, coerceFloat("not a number", 42.0, "revenue"))
	require.Equal(t, 12.5, coerceFloat("$12.50", 0, "revenue"))
}
