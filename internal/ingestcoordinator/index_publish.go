package ingestcoordinator

import (
	"context"
	"fmt"

	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

// runIndexPublish embeds all chunk texts, upserts vectors, and indexes
// documents into the lexical+vector store; on any error, transitions
// FAILED(stage, error).
func (c *Coordinator) runIndexPublish(ctx context.Context, man statestore.Manifest) error {
	chunks, err := c.Store.ListChunksByDoc(ctx, man.IngestID)
	if err != nil {
		return c.failStage(ctx, man, StageIndexPublish, fmt.Sprintf("list chunks: %v", err))
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	embeddings, err := c.Embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return c.failStage(ctx, man, StageIndexPublish, fmt.Sprintf("embedding failed: %v", err))
	}
	if len(embeddings) != len(chunks) {
		// Length mismatch: pad or truncate rather than crashing the worker.
		embeddings = padOrTruncate(embeddings, len(chunks), c.Embedder.Dimension())
	}

	for i, ch := range chunks {
		if err := c.Store.UpsertVector(ctx, statestore.Vector{
			ChunkID:   ch.ChunkID,
			TenantID:  ch.TenantID,
			DocID:     ch.DocID,
			Embedding: embeddings[i],
			Metadata:  ch.Metadata,
		}); err != nil {
			return c.failStage(ctx, man, StageIndexPublish, fmt.Sprintf("upsert vector: %v", err))
		}
		if err := c.Vector.Upsert(ctx, ch.ChunkID, embeddings[i], ch.Metadata); err != nil {
			return c.failStage(ctx, man, StageIndexPublish, fmt.Sprintf("vector index upsert: %v", err))
		}
		if err := c.Search.Index(ctx, ch.ChunkID, ch.Text, ch.Metadata); err != nil {
			return c.failStage(ctx, man, StageIndexPublish, fmt.Sprintf("lexical index: %v", err))
		}
	}
	return nil
}

func padOrTruncate(vecs [][]float32, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		if i < len(vecs) {
			out[i] = vecs[i]
		} else {
			out[i] = make([]float32, dim)
		}
	}
	return out
}
