package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a lookup by ingest_id finds no row.
var ErrNotFound = errors.New("statestore: not found")

// Store is the Postgres-backed implementation of the durable tables backing
// ingestion. Open bootstraps the schema with CREATE ... IF NOT EXISTS
// statements and fails if any of them errors; production deployments manage
// migrations externally.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and bootstraps the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.bootstrap(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS manifests (
			ingest_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			source TEXT,
			object_key TEXT NOT NULL,
			object_suffix TEXT,
			original_basename TEXT,
			doc_type_hint TEXT,
			checksum_sha256 TEXT,
			size BIGINT,
			mime TEXT,
			uploader TEXT,
			labels TEXT[] NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS manifests_tenant_object_key_idx ON manifests(tenant_id, object_key)`,
		`CREATE TABLE IF NOT EXISTS ingestion_states (
			ingest_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			error TEXT NOT NULL DEFAULT '',
			dlq_reason TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS stage_ledger (
			ingest_id TEXT NOT NULL,
			stage_name TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (ingest_id, stage_name)
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			chunk_id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			text TEXT NOT NULL,
			lang TEXT,
			token_count INT NOT NULL DEFAULT 0,
			section_path TEXT,
			page_start INT,
			page_end INT,
			is_table BOOLEAN NOT NULL DEFAULT false,
			chunk_index INT NOT NULL DEFAULT 0,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			ts tsvector GENERATED ALWAYS AS (to_tsvector('simple', coalesce(text,''))) STORED
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_ts_idx ON chunks USING GIN (ts)`,
		`CREATE INDEX IF NOT EXISTS chunks_doc_id_idx ON chunks(doc_id)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			chunk_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			embedding JSONB NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS dq_reports (
			id BIGSERIAL PRIMARY KEY,
			ingest_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			results JSONB NOT NULL,
			all_passed BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS pii_reports (
			id BIGSERIAL PRIMARY KEY,
			ingest_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			counts JSONB NOT NULL,
			total INT NOT NULL,
			action TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS lineage_nodes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS lineage_edges (
			parent TEXT NOT NULL,
			child TEXT NOT NULL,
			PRIMARY KEY (parent, child)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

// PutManifest inserts a manifest row. (tenant_id, object_key) is unique;
// re-ingesting the same physical object under a new ingest_id is allowed by
// the caller's choice of conflict handling upstream (ON CONFLICT DO NOTHING
// here — a fresh ingest attempt for the same object reuses the row's
// ingest_id via a prior lookup).
func (s *Store) PutManifest(ctx context.Context, m Manifest) error {
	md, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO manifests(ingest_id, tenant_id, source, object_key, object_suffix, original_basename,
	doc_type_hint, checksum_sha256, size, mime, uploader, labels, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13, coalesce($14, now()))
ON CONFLICT (ingest_id) DO NOTHING
`, m.IngestID, m.TenantID, m.Source, m.ObjectKey, m.ObjectSuffix, m.OriginalBasename,
		m.DocTypeHint, m.ChecksumSHA256, m.Size, m.Mime, m.Uploader, m.Labels, md, nilTime(m.CreatedAt))
	return err
}

func nilTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// GetManifest loads a manifest by ingest_id.
func (s *Store) GetManifest(ctx context.Context, ingestID string) (Manifest, error) {
	row := s.pool.QueryRow(ctx, `
SELECT ingest_id, tenant_id, source, object_key, object_suffix, original_basename,
	doc_type_hint, checksum_sha256, size, mime, uploader, labels, metadata, created_at
FROM manifests WHERE ingest_id=$1`, ingestID)
	var m Manifest
	var md []byte
	if err := row.Scan(&m.IngestID, &m.TenantID, &m.Source, &m.ObjectKey, &m.ObjectSuffix, &m.OriginalBasename,
		&m.DocTypeHint, &m.ChecksumSHA256, &m.Size, &m.Mime, &m.Uploader, &m.Labels, &md, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, err
	}
	_ = json.Unmarshal(md, &m.Metadata)
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m, nil
}

// MergeManifestMetadata merges patch into the manifest's metadata (shallow,
// top-level keys from patch win). The pii_dq stage uses this to merge
// redaction/DQ results back into the manifest row.
func (s *Store) MergeManifestMetadata(ctx context.Context, ingestID string, patch map[string]any) error {
	m, err := s.GetManifest(ctx, ingestID)
	if err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	for k, v := range patch {
		m.Metadata[k] = v
	}
	md, err := json.Marshal(m.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `UPDATE manifests SET metadata=$2 WHERE ingest_id=$1`, ingestID, md)
	return err
}

// ManifestStateRow is one manifest joined with its ingestion state, as
// returned by ListIngestions (a tenant's rows, newest first) and
// ListStaleProcessing.
type ManifestStateRow struct {
	Manifest Manifest
	State    IngestionState
}

func (s *Store) ListIngestions(ctx context.Context, tenantID string, limit int) ([]ManifestStateRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx, `
SELECT m.ingest_id, m.tenant_id, m.source, m.object_key, m.object_suffix, m.original_basename,
	m.doc_type_hint, m.checksum_sha256, m.size, m.mime, m.uploader, m.labels, m.metadata, m.created_at,
	s.status, s.stage, s.started_at, s.finished_at, s.error, s.dlq_reason, s.updated_at
FROM manifests m
JOIN ingestion_states s ON s.ingest_id = m.ingest_id
WHERE m.tenant_id = $1
ORDER BY m.created_at DESC
LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ManifestStateRow
	for rows.Next() {
		var r ManifestStateRow
		var md []byte
		if err := rows.Scan(&r.Manifest.IngestID, &r.Manifest.TenantID, &r.Manifest.Source, &r.Manifest.ObjectKey,
			&r.Manifest.ObjectSuffix, &r.Manifest.OriginalBasename, &r.Manifest.DocTypeHint, &r.Manifest.ChecksumSHA256,
			&r.Manifest.Size, &r.Manifest.Mime, &r.Manifest.Uploader, &r.Manifest.Labels, &md, &r.Manifest.CreatedAt,
			&r.State.Status, &r.State.Stage, &r.State.StartedAt, &r.State.FinishedAt, &r.State.Error, &r.State.DLQReason, &r.State.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(md, &r.Manifest.Metadata)
		r.State.IngestID = r.Manifest.IngestID
		r.State.TenantID = r.Manifest.TenantID
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListStaleProcessing returns ingests stuck in a non-terminal status whose
// state row hasn't been touched since before olderThan, oldest first.
func (s *Store) ListStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]ManifestStateRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT m.ingest_id, m.tenant_id, m.source, m.object_key, m.object_suffix, m.original_basename,
	m.doc_type_hint, m.checksum_sha256, m.size, m.mime, m.uploader, m.labels, m.metadata, m.created_at,
	s.status, s.stage, s.started_at, s.finished_at, s.error, s.dlq_reason, s.updated_at
FROM manifests m
JOIN ingestion_states s ON s.ingest_id = m.ingest_id
WHERE s.status IN ('QUEUED', 'PROCESSING') AND s.updated_at < $1
ORDER BY s.updated_at ASC
LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ManifestStateRow
	for rows.Next() {
		var r ManifestStateRow
		var md []byte
		if err := rows.Scan(&r.Manifest.IngestID, &r.Manifest.TenantID, &r.Manifest.Source, &r.Manifest.ObjectKey,
			&r.Manifest.ObjectSuffix, &r.Manifest.OriginalBasename, &r.Manifest.DocTypeHint, &r.Manifest.ChecksumSHA256,
			&r.Manifest.Size, &r.Manifest.Mime, &r.Manifest.Uploader, &r.Manifest.Labels, &md, &r.Manifest.CreatedAt,
			&r.State.Status, &r.State.Stage, &r.State.StartedAt, &r.State.FinishedAt, &r.State.Error, &r.State.DLQReason, &r.State.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(md, &r.Manifest.Metadata)
		r.State.IngestID = r.Manifest.IngestID
		r.State.TenantID = r.Manifest.TenantID
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertIngestionState sets status/stage for an ingest_id, inserting the row
// on first use. Monotonicity (terminal states are absorbing) is enforced by
// the caller (internal/ingestcoordinator); this layer is a plain upsert.
func (s *Store) UpsertIngestionState(ctx context.Context, st IngestionState) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO ingestion_states(ingest_id, tenant_id, status, stage, started_at, finished_at, error, dlq_reason, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8, now())
ON CONFLICT (ingest_id) DO UPDATE SET
	status=EXCLUDED.status, stage=EXCLUDED.stage, started_at=coalesce(ingestion_states.started_at, EXCLUDED.started_at),
	finished_at=EXCLUDED.finished_at, error=EXCLUDED.error, dlq_reason=EXCLUDED.dlq_reason, updated_at=now()
`, st.IngestID, st.TenantID, string(st.Status), st.Stage, nilTime(st.StartedAt), st.FinishedAt, st.Error, st.DLQReason)
	return err
}

func (s *Store) GetIngestionState(ctx context.Context, ingestID string) (IngestionState, error) {
	row := s.pool.QueryRow(ctx, `
SELECT ingest_id, tenant_id, status, stage, started_at, finished_at, error, dlq_reason, updated_at
FROM ingestion_states WHERE ingest_id=$1`, ingestID)
	var st IngestionState
	var status string
	if err := row.Scan(&st.IngestID, &st.TenantID, &status, &st.Stage, &st.StartedAt, &st.FinishedAt, &st.Error, &st.DLQReason, &st.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return IngestionState{}, ErrNotFound
		}
		return IngestionState{}, err
	}
	st.Status = IngestionStatus(status)
	return st, nil
}

// StageComplete reports whether (ingest_id, stage) is already recorded in
// the ledger — used by the coordinator's "check ledger before failing"
// guard to avoid double-fail on retries.
func (s *Store) StageComplete(ctx context.Context, ingestID, stage string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stage_ledger WHERE ingest_id=$1 AND stage_name=$2)`, ingestID, stage).Scan(&exists)
	return exists, err
}

// MarkStageComplete inserts a ledger row; idempotent via ON CONFLICT DO NOTHING.
func (s *Store) MarkStageComplete(ctx context.Context, ingestID, stage string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO stage_ledger(ingest_id, stage_name) VALUES ($1,$2) ON CONFLICT DO NOTHING`, ingestID, stage)
	return err
}

// UpsertChunks inserts chunks, ignoring rows whose chunk_id already exists
// (insert-or-ignore, matching workers/tasks.py's _record_chunks).
func (s *Store) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		md, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(`
INSERT INTO chunks(chunk_id, doc_id, tenant_id, text, lang, token_count, section_path, page_start, page_end, is_table, chunk_index, metadata)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (chunk_id) DO NOTHING`,
			c.ChunkID, c.DocID, c.TenantID, c.Text, c.Lang, c.TokenCount, c.SectionPath, c.PageStart, c.PageEnd, c.IsTable, c.ChunkIndex, md)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return nil
}

// ListChunksByDoc returns every chunk row for docID, ordered by chunk_index,
// used by index_publish to re-read what chunk_embed durably wrote.
func (s *Store) ListChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
SELECT chunk_id, doc_id, tenant_id, text, lang, token_count, section_path, page_start, page_end, is_table, chunk_index, metadata
FROM chunks WHERE doc_id=$1 ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var md []byte
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.TenantID, &c.Text, &c.Lang, &c.TokenCount, &c.SectionPath, &c.PageStart, &c.PageEnd, &c.IsTable, &c.ChunkIndex, &md); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		_ = json.Unmarshal(md, &c.Metadata)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertVector inserts or updates a vector row (ON CONFLICT chunk_id update
// embedding + metadata); written during the index_publish stage.
func (s *Store) UpsertVector(ctx context.Context, v Vector) error {
	emb, err := json.Marshal(v.Embedding)
	if err != nil {
		return err
	}
	md, err := json.Marshal(v.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO vectors(chunk_id, tenant_id, doc_id, embedding, metadata)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (chunk_id) DO UPDATE SET embedding=EXCLUDED.embedding, metadata=EXCLUDED.metadata
`, v.ChunkID, v.TenantID, v.DocID, emb, md)
	return err
}

func (s *Store) PutDQReport(ctx context.Context, r DQReport) error {
	results, err := json.Marshal(r.Results)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO dq_reports(ingest_id, tenant_id, results, all_passed) VALUES ($1,$2,$3,$4)`,
		r.IngestID, r.TenantID, results, r.AllPassed)
	return err
}

func (s *Store) PutPIIReport(ctx context.Context, r PIIReport) error {
	counts, err := json.Marshal(r.Counts)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO pii_reports(ingest_id, tenant_id, counts, total, action) VALUES ($1,$2,$3,$4,$5)`,
		r.IngestID, r.TenantID, counts, r.Total, r.Action)
	return err
}

func (s *Store) AddLineage(ctx context.Context, node LineageNode, parent string) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO lineage_nodes(id, type) VALUES ($1,$2) ON CONFLICT (id) DO NOTHING`, node.ID, node.Type); err != nil {
		return err
	}
	if parent == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO lineage_edges(parent, child) VALUES ($1,$2) ON CONFLICT DO NOTHING`, parent, node.ID)
	return err
}

// DeleteIngestCascade removes every durable row associated with ingestID,
// in dependency order: children before the manifest row itself.
func (s *Store) DeleteIngestCascade(ctx context.Context, ingestID, tenantID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stmts := []struct {
		sql  string
		args []any
	}{
		{`DELETE FROM vectors WHERE doc_id=$1 AND tenant_id=$2`, []any{ingestID, tenantID}},
		{`DELETE FROM chunks WHERE doc_id=$1 AND tenant_id=$2`, []any{ingestID, tenantID}},
		{`DELETE FROM dq_reports WHERE ingest_id=$1 AND tenant_id=$2`, []any{ingestID, tenantID}},
		{`DELETE FROM pii_reports WHERE ingest_id=$1 AND tenant_id=$2`, []any{ingestID, tenantID}},
		{`DELETE FROM lineage_edges WHERE parent LIKE $1 || ':%' OR child LIKE $1 || ':%' OR parent=$1 OR child=$1`, []any{ingestID}},
		{`DELETE FROM lineage_nodes WHERE id LIKE $1 || ':%' OR id=$1`, []any{ingestID}},
		{`DELETE FROM manifests WHERE ingest_id=$1 AND tenant_id=$2`, []any{ingestID, tenantID}},
		{`DELETE FROM ingestion_states WHERE ingest_id=$1 AND tenant_id=$2`, []any{ingestID, tenantID}},
		{`DELETE FROM stage_ledger WHERE ingest_id=$1`, []any{ingestID}},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	return tx.Commit(ctx)
}
