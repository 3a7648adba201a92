package ingestcoordinator

import (
	"context"
	"fmt"

	"github.com/dalibouzir/ragtunnel/internal/chunker"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

// pathLikeMetadataKeys are stripped from the per-chunk metadata before the
// authoritative object_key/suffix/basename/raw URI are re-applied.
var pathLikeMetadataKeys = []string{
	"path", "raw_path", "raw_uri", "rawKey", "raw_key", "object", "object_key",
}

// runChunkEmbed splits the canonical text into chunks and upserts them;
// embedding the chunk texts happens later, in index_publish.
func (c *Coordinator) runChunkEmbed(ctx context.Context, man statestore.Manifest) error {
	cp, ok := decodeCanonical(man.Metadata)
	if !ok {
		return c.failStage(ctx, man, StageChunkEmbed, "canonical payload missing")
	}

	strategy := chunker.Options{
		MaxTokens:     c.Opts.DefaultStrategy.MaxTokens,
		OverlapTokens: c.Opts.DefaultStrategy.OverlapTokens,
	}
	if cp.ChunkStrategy != nil {
		if mt, ok := cp.ChunkStrategy["max_tokens"]; ok && mt > 0 {
			strategy.MaxTokens = mt
		}
		if ot, ok := cp.ChunkStrategy["overlap_tokens"]; ok && ot >= 0 {
			strategy.OverlapTokens = ot
		}
	}

	windows := chunker.Split(man.IngestID, cp.Text, strategy)

	chunkMeta := map[string]string{}
	for k, v := range man.Metadata {
		if s, ok := v.(string); ok {
			chunkMeta[k] = s
		}
	}
	for k, v := range cp.Metadata {
		chunkMeta[k] = v
	}
	for _, k := range pathLikeMetadataKeys {
		delete(chunkMeta, k)
	}
	chunkMeta["object_key"] = man.ObjectKey
	chunkMeta["object_suffix"] = man.ObjectSuffix
	chunkMeta["basename"] = man.OriginalBasename
	chunkMeta["raw_uri"] = fmt.Sprintf("%s/%s/landing/%s/raw/%s", c.Opts.Bucket, man.TenantID, man.IngestID, man.ObjectSuffix)
	chunkMeta["doc_type"] = cp.DocType
	chunkMeta["lang"] = cp.Lang

	chunks := make([]statestore.Chunk, len(windows))
	for i, w := range windows {
		chunks[i] = statestore.Chunk{
			ChunkID:    w.ChunkID,
			DocID:      man.IngestID,
			TenantID:   man.TenantID,
			Text:       w.Text,
			Lang:       cp.Lang,
			TokenCount: w.TokenCount,
			ChunkIndex: w.Index,
			Metadata:   chunkMeta,
		}
	}

	if len(chunks) > 0 {
		if err := c.Store.UpsertChunks(ctx, chunks); err != nil {
			return c.failStage(ctx, man, StageChunkEmbed, fmt.Sprintf("upsert chunks: %v", err))
		}
	}

	if err := c.Store.MergeManifestMetadata(ctx, man.IngestID, encodeCanonical(cp)); err != nil {
		return c.failStage(ctx, man, StageChunkEmbed, fmt.Sprintf("merge canonical metadata: %v", err))
	}
	return nil
}
