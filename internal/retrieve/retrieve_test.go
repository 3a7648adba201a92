package retrieve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
)

func TestFuseMaxPerModality(t *testing.T) {
	ft := []databases.SearchResult{{ID: "c1", Score: 0.8, Metadata: map[string]string{"doc_id": "d1"}}}
	vec := []databases.VectorResult{{ID: "c1", Score: 0.3, Metadata: map[string]string{"doc_id": "d1"}}}
	hits := fuseMaxPerModality(ft, vec)
	require.Len(t, hits, 1)
	require.Equal(t, 0.8, hits[0].CombinedScore)
}

func TestScopeByFilenameRestoresWhenEmpty(t *testing.T) {
	hits := []Hit{{ChunkID: "c1", Metadata: map[string]string{"filename": "other.pdf"}}}
	scoped := scopeByFilename(hits, "what is in report.txt")
	require.Len(t, scoped, 1)
}

func TestCapPerDoc(t *testing.T) {
	hits := []Hit{
		{ChunkID: "c1", DocID: "d1"},
		{ChunkID: "c2", DocID: "d1"},
		{ChunkID: "c3", DocID: "d1"},
		{ChunkID: "c4", DocID: "d2"},
	}
	capped := capPerDoc(hits, 2)
	require.Len(t, capped, 3)
}

func TestConfidence(t *testing.T) {
	require.Equal(t, 0.0, Confidence(nil))
	require.InDelta(t, 0.99, Confidence([]Hit{{CombinedScore: 5}, {CombinedScore: 0}}), 0.001)
}

func TestRetrieverQueryUsesLexicalOnlyWithoutEmbedder(t *testing.T) {
	r := &Retriever{Search: databases.NewMemorySearch()}
	require.NoError(t, r.Search.Index(context.Background(), "c1", "revenue grew in 2024", nil))
	hits, err := r.Query(context.Background(), "revenue", Options{TopK: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}
