package statestore

import (
	"context"
	"time"
)

// Interface is the durable-table surface consumed by the ingestion
// coordinator and the HTTP handlers. *Store (Postgres) and *MemoryStore
// (tests) both satisfy it.
type Interface interface {
	PutManifest(ctx context.Context, m Manifest) error
	GetManifest(ctx context.Context, ingestID string) (Manifest, error)
	MergeManifestMetadata(ctx context.Context, ingestID string, patch map[string]any) error
	ListIngestions(ctx context.Context, tenantID string, limit int) ([]ManifestStateRow, error)
	ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]ManifestStateRow, error)

	UpsertIngestionState(ctx context.Context, st IngestionState) error
	GetIngestionState(ctx context.Context, ingestID string) (IngestionState, error)

	StageComplete(ctx context.Context, ingestID, stage string) (bool, error)
	MarkStageComplete(ctx context.Context, ingestID, stage string) error

	UpsertChunks(ctx context.Context, chunks []Chunk) error
	ListChunksByDoc(ctx context.Context, docID string) ([]Chunk, error)
	UpsertVector(ctx context.Context, v Vector) error

	PutDQReport(ctx context.Context, r DQReport) error
	PutPIIReport(ctx context.Context, r PIIReport) error

	AddLineage(ctx context.Context, node LineageNode, parent string) error

	DeleteIngestCascade(ctx context.Context, ingestID, tenantID string) error
}

var (
	_ Interface = (*Store)(nil)
	_ Interface = (*MemoryStore)(nil)
)
