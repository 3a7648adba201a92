package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitCoversEveryWord(t *testing.T) {
	text := strings.Repeat("word ", 500)
	chunks := Split("doc-1", text, Options{MaxTokens: 50, OverlapTokens: 10})
	require.NotEmpty(t, chunks)
	total := 0
	for _, c := range chunks {
		total += c.TokenCount
	}
	require.GreaterOrEqual(t, total, 500)
}

func TestChunkIDStable(t *testing.T) {
	a := ChunkID("doc-1", 0, "hello world")
	b := ChunkID("doc-1", 0, "hello world")
	require.Equal(t, a, b)

	c := ChunkID("doc-1", 1, "hello world")
	require.NotEqual(t, a, c)
}

func TestSplitEmptyText(t *testing.T) {
	require.Empty(t, Split("doc-1", "   ", Options{}))
}

func TestSplitDefaultsWhenUnset(t *testing.T) {
	chunks := Split("doc-1", "one two three", Options{})
	require.Len(t, chunks, 1)
	require.Equal(t, "one two three", chunks[0].Text)
}
