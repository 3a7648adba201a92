// Package ingestcoordinator drives the per-document ingestion state machine:
// QUEUED -> PROCESSING(parse_normalize) -> PROCESSING(pii_dq) ->
// PROCESSING(enrich) -> PROCESSING(chunk_embed) -> PROCESSING(index_publish)
// -> COMPLETED, with any stage able to transition to FAILED(stage, reason).
// It is the component that wires together the storage facade, state store,
// text extractor, PII+DQ engine, chunker, and embedding provider into the
// stage contracts.
package ingestcoordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dalibouzir/ragtunnel/internal/chunker"
	"github.com/dalibouzir/ragtunnel/internal/embedprovider"
	"github.com/dalibouzir/ragtunnel/internal/ingestqueue"
	"github.com/dalibouzir/ragtunnel/internal/objectstore"
	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
	"github.com/dalibouzir/ragtunnel/internal/piidq"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
	"github.com/dalibouzir/ragtunnel/internal/textextract"
)

// Stage names, used both as IngestionState.Stage values and as
// ingestqueue.StageTask.Stage values.
const (
	StageParseNormalize = "parse_normalize"
	StagePIIDQ          = "pii_dq"
	StageEnrich         = "enrich"
	StageChunkEmbed     = "chunk_embed"
	StageIndexPublish   = "index_publish"
	StageReindexQueued  = "reindex_queued"
)

var stageOrder = []string{StageParseNormalize, StagePIIDQ, StageEnrich, StageChunkEmbed, StageIndexPublish}

func nextStage(stage string) (string, bool) {
	for i, s := range stageOrder {
		if s == stage && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// ChunkStrategy bounds the chunker for one doc_type, overridden only for
// {max_tokens, overlap_tokens} by a per-document canonical chunk strategy.
type ChunkStrategy struct {
	MaxTokens     int
	OverlapTokens int
}

// Options configures the coordinator's defaults.
type Options struct {
	Bucket          string
	IndexName       string
	DefaultStrategy ChunkStrategy
	ContinueOnWarn  bool
	FailOnPII       bool
	DefaultMask     string
	DefaultPolicy   piidq.Policy
	DQChecks        piidq.ChecksConfig
	OCR             textextract.OCR
}

// Coordinator implements ingestqueue.StageRunner and owns ingest lifecycle
// operations (create, reindex, delete) used by the HTTP API.
type Coordinator struct {
	Store    statestore.Interface
	Objects  *objectstore.Facade
	Search   databases.FullTextSearch
	Vector   databases.VectorStore
	Embedder *embedprovider.Chain
	Queue    ingestqueue.Enqueuer
	Opts     Options
}

var _ ingestqueue.StageRunner = (*Coordinator)(nil)

// now is overridable in tests; production always uses wall-clock time.
var now = time.Now

// CreateIngest persists a manifest, writes the initial QUEUED state, and
// enqueues the first stage. It is invoked by the HTTP upload handler and by
// the MinIO webhook handler.
func (c *Coordinator) CreateIngest(ctx context.Context, man statestore.Manifest) error {
	if err := c.Store.PutManifest(ctx, man); err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}
	if err := c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
		IngestID:  man.IngestID,
		TenantID:  man.TenantID,
		Status:    statestore.StatusQueued,
		Stage:     "queued",
		UpdatedAt: now(),
	}); err != nil {
		return fmt.Errorf("upsert ingestion state: %w", err)
	}
	return c.Queue.Enqueue(ctx, ingestqueue.StageTask{IngestID: man.IngestID, TenantID: man.TenantID, Stage: StageParseNormalize})
}

// Reindex requeues parse_normalize for an existing manifest: a QUEUED
// transition with stage="reindex_queued".
func (c *Coordinator) Reindex(ctx context.Context, ingestID, tenantID string) error {
	man, err := c.Store.GetManifest(ctx, ingestID)
	if err != nil {
		return err
	}
	if tenantID != "" && man.TenantID != tenantID {
		return statestore.ErrNotFound
	}
	if err := c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
		IngestID:  man.IngestID,
		TenantID:  man.TenantID,
		Status:    statestore.StatusQueued,
		Stage:     StageReindexQueued,
		UpdatedAt: now(),
	}); err != nil {
		return err
	}
	return c.Queue.Enqueue(ctx, ingestqueue.StageTask{IngestID: man.IngestID, TenantID: man.TenantID, Stage: StageParseNormalize})
}

// SweepStale requeues ingests stuck in QUEUED or PROCESSING whose state row
// hasn't been touched in staleAfter: a crashed worker or a lost queue
// message otherwise leaves the document stranded short of COMPLETED
// forever. Each stale ingest is requeued from parse_normalize exactly like
// Reindex, and the stage is recorded as "reindex_queued" so the ingestion
// state shows the sweep restarted it rather than the original run
// completing. It
// returns the number of ingests requeued.
func (c *Coordinator) SweepStale(ctx context.Context, staleAfter time.Duration) (int, error) {
	rows, err := c.Store.ListStaleProcessing(ctx, now().Add(-staleAfter), 0)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	requeued := 0
	for _, row := range rows {
		if err := c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
			IngestID:  row.Manifest.IngestID,
			TenantID:  row.Manifest.TenantID,
			Status:    statestore.StatusQueued,
			Stage:     StageReindexQueued,
			UpdatedAt: now(),
		}); err != nil {
			log.Error().Err(err).Str("ingest_id", row.Manifest.IngestID).Msg("ingestcoordinator: sweep stale requeue failed")
			continue
		}
		if err := c.Queue.Enqueue(ctx, ingestqueue.StageTask{IngestID: row.Manifest.IngestID, TenantID: row.Manifest.TenantID, Stage: StageParseNormalize}); err != nil {
			log.Error().Err(err).Str("ingest_id", row.Manifest.IngestID).Msg("ingestcoordinator: sweep stale enqueue failed")
			continue
		}
		requeued++
	}
	return requeued, nil
}

// DeleteIngest performs the cascading delete: durable-table cascade, then
// object-store prefix delete, then index removal filtered by
// (tenant_id, doc_id).
func (c *Coordinator) DeleteIngest(ctx context.Context, ingestID, tenantID string) error {
	man, err := c.Store.GetManifest(ctx, ingestID)
	if err != nil {
		return err
	}
	if man.TenantID != tenantID {
		return fmt.Errorf("tenant mismatch")
	}
	if err := c.Store.DeleteIngestCascade(ctx, ingestID, tenantID); err != nil {
		return fmt.Errorf("cascade delete: %w", err)
	}
	if err := c.Objects.DeleteIngest(ctx, tenantID, ingestID); err != nil {
		log.Warn().Err(err).Str("ingest_id", ingestID).Msg("ingestcoordinator: object delete failed")
	}
	if err := c.Search.Remove(ctx, ingestID); err != nil {
		log.Warn().Err(err).Str("ingest_id", ingestID).Msg("ingestcoordinator: lexical index remove failed")
	}
	if err := c.Vector.Delete(ctx, ingestID); err != nil {
		log.Warn().Err(err).Str("ingest_id", ingestID).Msg("ingestcoordinator: vector index remove failed")
	}
	return nil
}

// RunStage implements ingestqueue.StageRunner.
func (c *Coordinator) RunStage(ctx context.Context, task ingestqueue.StageTask) error {
	man, err := c.Store.GetManifest(ctx, task.IngestID)
	if err != nil {
		// Manifest absent: log and exit without touching state.
		log.Warn().Str("ingest_id", task.IngestID).Str("stage", task.Stage).Msg("ingestcoordinator: manifest not found, dropping task")
		return nil
	}

	if st, err := c.Store.GetIngestionState(ctx, man.IngestID); err == nil && st.Status.IsTerminal() {
		// Terminal states are absorbing: Reindex resets an ingest to QUEUED
		// before requeueing it, so only stray or redelivered tasks land here.
		log.Info().Str("ingest_id", man.IngestID).Str("stage", task.Stage).Msg("ingestcoordinator: ingest already terminal, dropping task")
		return nil
	}

	if done, _ := c.Store.StageComplete(ctx, man.IngestID, task.Stage); done {
		c.enqueueNext(ctx, man, task.Stage)
		return nil
	}

	if err := c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
		IngestID:  man.IngestID,
		TenantID:  man.TenantID,
		Status:    statestore.StatusProcessing,
		Stage:     task.Stage,
		StartedAt: now(),
		UpdatedAt: now(),
	}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	switch task.Stage {
	case StageParseNormalize:
		err = c.runParseNormalize(ctx, man)
	case StagePIIDQ:
		err = c.runPIIDQ(ctx, man)
	case StageEnrich:
		err = c.runEnrich(ctx, man)
	case StageChunkEmbed:
		err = c.runChunkEmbed(ctx, man)
	case StageIndexPublish:
		err = c.runIndexPublish(ctx, man)
	default:
		log.Warn().Str("stage", task.Stage).Msg("ingestcoordinator: unknown stage")
		return nil
	}
	if err != nil {
		return nil // failure already recorded via failStage inside the stage
	}

	if err := c.Store.MarkStageComplete(ctx, man.IngestID, task.Stage); err != nil {
		return fmt.Errorf("mark stage complete: %w", err)
	}
	if err := c.Store.AddLineage(ctx, statestore.LineageNode{ID: man.IngestID + ":" + task.Stage + ":completed", Type: "stage"}, man.IngestID); err != nil {
		log.Warn().Err(err).Msg("ingestcoordinator: lineage write failed")
	}

	c.enqueueNext(ctx, man, task.Stage)
	return nil
}

func (c *Coordinator) enqueueNext(ctx context.Context, man statestore.Manifest, stage string) {
	next, ok := nextStage(stage)
	if !ok {
		if err := c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
			IngestID:   man.IngestID,
			TenantID:   man.TenantID,
			Status:     statestore.StatusCompleted,
			Stage:      stage,
			FinishedAt: ptrTime(now()),
			UpdatedAt:  now(),
		}); err != nil {
			log.Error().Err(err).Str("ingest_id", man.IngestID).Msg("ingestcoordinator: failed to mark completed")
		}
		return
	}
	if err := c.Queue.Enqueue(ctx, ingestqueue.StageTask{IngestID: man.IngestID, TenantID: man.TenantID, Stage: next}); err != nil {
		log.Error().Err(err).Str("ingest_id", man.IngestID).Str("next_stage", next).Msg("ingestcoordinator: enqueue next stage failed")
	}
}

// failStage transitions to FAILED(stage, reason), unless the stage's ledger
// row already exists — prevents double-fail on a redelivered task that
// already succeeded.
func (c *Coordinator) failStage(ctx context.Context, man statestore.Manifest, stage, reason string) error {
	if done, _ := c.Store.StageComplete(ctx, man.IngestID, stage); done {
		return nil
	}
	if err := c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
		IngestID:   man.IngestID,
		TenantID:   man.TenantID,
		Status:     statestore.StatusFailed,
		Stage:      stage,
		Error:      reason,
		DLQReason:  reason,
		FinishedAt: ptrTime(now()),
		UpdatedAt:  now(),
	}); err != nil {
		log.Error().Err(err).Str("ingest_id", man.IngestID).Msg("ingestcoordinator: failed to record FAILED state")
	}
	return fmt.Errorf("%s", reason)
}

func ptrTime(t time.Time) *time.Time { return &t }
