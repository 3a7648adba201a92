package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLedgerIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	complete, err := s.StageComplete(ctx, "ing-1", "parse_normalize")
	require.NoError(t, err)
	require.False(t, complete)

	require.NoError(t, s.MarkStageComplete(ctx, "ing-1", "parse_normalize"))
	require.NoError(t, s.MarkStageComplete(ctx, "ing-1", "parse_normalize"))

	complete, err = s.StageComplete(ctx, "ing-1", "parse_normalize")
	require.NoError(t, err)
	require.True(t, complete)
}

func TestMemoryStoreCascadeDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.PutManifest(ctx, Manifest{IngestID: "ing-1", TenantID: "t1", ObjectKey: "t1/landing/ing-1/raw/a.txt", CreatedAt: time.Now()}))
	require.NoError(t, s.UpsertChunks(ctx, []Chunk{{ChunkID: "c1", DocID: "ing-1", TenantID: "t1", Text: "hello"}}))
	require.NoError(t, s.UpsertVector(ctx, Vector{ChunkID: "c1", DocID: "ing-1", TenantID: "t1", Embedding: []float32{0.1, 0.2}}))

	require.NoError(t, s.DeleteIngestCascade(ctx, "ing-1", "t1"))

	_, err := s.GetManifest(ctx, "ing-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.Empty(t, s.chunks)
	require.Empty(t, s.vectors)
}

func TestIngestionStatusTerminal(t *testing.T) {
	require.True(t, StatusCompleted.IsTerminal())
	require.True(t, StatusFailed.IsTerminal())
	require.False(t, StatusQueued.IsTerminal())
	require.False(t, StatusProcessing.IsTerminal())
}
