package ingestcoordinator

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/config"
	"github.com/dalibouzir/ragtunnel/internal/embedprovider"
	"github.com/dalibouzir/ragtunnel/internal/ingestqueue"
	"github.com/dalibouzir/ragtunnel/internal/objectstore"
	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
	"github.com/dalibouzir/ragtunnel/internal/piidq"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *ingestqueue.FakeQueue, *objectstore.Facade) {
	t.Helper()
	objStore := objectstore.NewMemoryStore()
	facade := objectstore.NewFacade(objStore, "ragtunnel")
	embedder, err := embedprovider.New(config.EmbeddingConfig{Mode: "local", Dimension: 8})
	require.NoError(t, err)

	queue := ingestqueue.NewFakeQueue()
	return &Coordinator{
		Store:    statestore.NewMemoryStore(),
		Objects:  facade,
		Search:   databases.NewMemorySearch(),
		Vector:   databases.NewMemoryVector(),
		Embedder: embedder,
		Queue:    queue,
		Opts: Options{
			Bucket:          "ragtunnel",
			IndexName:       "rag-chunks",
			DefaultStrategy: ChunkStrategy{MaxTokens: 50, OverlapTokens: 10},
			ContinueOnWarn:  true,
			DefaultMask:     "[REDACTED]",
			DQChecks:        piidq.ChecksConfig{NotEmpty: true},
		},
	}, queue, facade
}

func seedManifest(t *testing.T, c *Coordinator, facade *objectstore.Facade, ingestID, text string) statestore.Manifest {
	t.Helper()
	ctx := context.Background()
	key, err := facade.PutRaw(ctx, "tenant-a", ingestID, "report.txt", bytes.NewBufferString(text), "text/plain")
	require.NoError(t, err)
	man := statestore.Manifest{
		IngestID:         ingestID,
		TenantID:         "tenant-a",
		ObjectKey:        key,
		ObjectSuffix:     "txt",
		OriginalBasename: "report.txt",
		Mime:             "text/plain",
		Uploader:         "alice",
		CreatedAt:        time.Now(),
		Metadata:         map[string]any{},
	}
	require.NoError(t, c.Store.PutManifest(ctx, man))
	return man
}

func TestFullPipelineReachesCompleted(t *testing.T) {
	c, queue, facade := newTestCoordinator(t)
	ctx := context.Background()
	text := "Acme Corp reported strong quarterly revenue growth driven by new product launches. " +
		"Contact support at ops@acme.example for more information about the filing."
	man := seedManifest(t, c, facade, "doc-1", text)

	require.NoError(t, c.RunStage(ctx, ingestqueue.StageTask{IngestID: man.IngestID, TenantID: man.TenantID, Stage: StageParseNormalize}))
	tasks := queue.Drain()
	require.Len(t, tasks, 1)
	require.Equal(t, StagePIIDQ, tasks[0].Stage)

	require.NoError(t, c.RunStage(ctx, tasks[0]))
	tasks = queue.Drain()
	require.Len(t, tasks, 1)
	require.Equal(t, StageEnrich, tasks[0].Stage)

	require.NoError(t, c.RunStage(ctx, tasks[0]))
	tasks = queue.Drain()
	require.Equal(t, StageChunkEmbed, tasks[0].Stage)

	require.NoError(t, c.RunStage(ctx, tasks[0]))
	tasks = queue.Drain()
	require.Equal(t, StageIndexPublish, tasks[0].Stage)

	require.NoError(t, c.RunStage(ctx, tasks[0]))
	require.Empty(t, queue.Drain())

	st, err := c.Store.GetIngestionState(ctx, man.IngestID)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusCompleted, st.Status)
	require.NotNil(t, st.FinishedAt)

	cp, ok := decodeCanonical(func() map[string]any {
		m, err := c.Store.GetManifest(ctx, man.IngestID)
		require.NoError(t, err)
		return m.Metadata
	}())
	require.True(t, ok)
	require.Contains(t, cp.PIIReport, "EMAIL_ADDRESS")

	chunks, err := c.Store.ListChunksByDoc(ctx, man.IngestID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
}

func TestPIIDQFailsOnPolicyWhenFailOnPIISet(t *testing.T) {
	c, queue, facade := newTestCoordinator(t)
	c.Opts.FailOnPII = true
	ctx := context.Background()
	man := seedManifest(t, c, facade, "doc-2", "Reach me at bob@example.com for details about the account.")

	require.NoError(t, c.RunStage(ctx, ingestqueue.StageTask{IngestID: man.IngestID, TenantID: man.TenantID, Stage: StageParseNormalize}))
	tasks := queue.Drain()
	require.NoError(t, c.RunStage(ctx, tasks[0]))

	st, err := c.Store.GetIngestionState(ctx, man.IngestID)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusFailed, st.Status)
	require.Equal(t, "PII policy violation", st.Error)
	require.Empty(t, queue.Drain())
}

func TestRunStageNoopsWhenManifestMissing(t *testing.T) {
	c, queue, _ := newTestCoordinator(t)
	err := c.RunStage(context.Background(), ingestqueue.StageTask{IngestID: "ghost", Stage: StageParseNormalize})
	require.NoError(t, err)
	require.Empty(t, queue.Drain())
}

func TestRunStageSkipsAlreadyCompletedStage(t *testing.T) {
	c, queue, facade := newTestCoordinator(t)
	ctx := context.Background()
	man := seedManifest(t, c, facade, "doc-3", "short text, no entities here at all really")

	require.NoError(t, c.Store.MarkStageComplete(ctx, man.IngestID, StageParseNormalize))
	require.NoError(t, c.RunStage(ctx, ingestqueue.StageTask{IngestID: man.IngestID, TenantID: man.TenantID, Stage: StageParseNormalize}))

	tasks := queue.Drain()
	require.Len(t, tasks, 1)
	require.Equal(t, StagePIIDQ, tasks[0].Stage)
}

func TestDeleteIngestCascades(t *testing.T) {
	c, _, facade := newTestCoordinator(t)
	ctx := context.Background()
	man := seedManifest(t, c, facade, "doc-4", "nothing sensitive here")

	require.NoError(t, c.DeleteIngest(ctx, man.IngestID, man.TenantID))
	_, err := c.Store.GetManifest(ctx, man.IngestID)
	require.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestReindexRequeuesParseNormalize(t *testing.T) {
	c, queue, facade := newTestCoordinator(t)
	ctx := context.Background()
	man := seedManifest(t, c, facade, "doc-5", "nothing sensitive here")

	require.NoError(t, c.Reindex(ctx, man.IngestID, man.TenantID))
	tasks := queue.Drain()
	require.Len(t, tasks, 1)
	require.Equal(t, StageParseNormalize, tasks[0].Stage)

	st, err := c.Store.GetIngestionState(ctx, man.IngestID)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusQueued, st.Status)
	require.Equal(t, StageReindexQueued, st.Stage)
}

func TestSweepStaleRequeuesOldIngests(t *testing.T) {
	c, queue, facade := newTestCoordinator(t)
	ctx := context.Background()
	stuck := seedManifest(t, c, facade, "doc-6", "stuck mid pipeline")
	fresh := seedManifest(t, c, facade, "doc-7", "just started")

	require.NoError(t, c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
		IngestID:  stuck.IngestID,
		TenantID:  stuck.TenantID,
		Status:    statestore.StatusProcessing,
		Stage:     StageChunkEmbed,
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}))
	require.NoError(t, c.Store.UpsertIngestionState(ctx, statestore.IngestionState{
		IngestID:  fresh.IngestID,
		TenantID:  fresh.TenantID,
		Status:    statestore.StatusProcessing,
		Stage:     StagePIIDQ,
		UpdatedAt: time.Now(),
	}))

	n, err := c.SweepStale(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	tasks := queue.Drain()
	require.Len(t, tasks, 1)
	require.Equal(t, stuck.IngestID, tasks[0].IngestID)
	require.Equal(t, StageParseNormalize, tasks[0].Stage)

	st, err := c.Store.GetIngestionState(ctx, stuck.IngestID)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusQueued, st.Status)
	require.Equal(t, StageReindexQueued, st.Stage)

	freshSt, err := c.Store.GetIngestionState(ctx, fresh.IngestID)
	require.NoError(t, err)
	require.Equal(t, statestore.StatusProcessing, freshSt.Status)
}
