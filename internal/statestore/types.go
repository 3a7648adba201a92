// Package statestore holds the durable tables backing ingestion: the
// manifest, ingestion state, stage ledger, chunks, vectors, DQ/PII reports,
// and lineage.
package statestore

import "time"

// Manifest is written once per ingested object and mutated only via
// metadata merges from later stages.
type Manifest struct {
	IngestID         string
	TenantID         string
	Source           string
	ObjectKey        string
	ObjectSuffix     string
	OriginalBasename string
	DocTypeHint      string
	ChecksumSHA256   string
	Size             int64
	Mime             string
	Uploader         string
	Labels           []string
	Metadata         map[string]any
	CreatedAt        time.Time
}

// IngestionStatus enumerates the terminal/non-terminal states of an ingest.
type IngestionStatus string

const (
	StatusQueued     IngestionStatus = "QUEUED"
	StatusProcessing IngestionStatus = "PROCESSING"
	StatusCompleted  IngestionStatus = "COMPLETED"
	StatusFailed     IngestionStatus = "FAILED"
)

// IsTerminal reports whether s is an absorbing state.
func (s IngestionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IngestionState is the one-row-per-ingest_id status projection.
type IngestionState struct {
	IngestID   string
	TenantID   string
	Status     IngestionStatus
	Stage      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
	DLQReason  string
	UpdatedAt  time.Time
}

// Chunk is a contiguous word-bounded window of extracted text.
type Chunk struct {
	ChunkID     string
	DocID       string
	TenantID    string
	Text        string
	Lang        string
	TokenCount  int
	SectionPath string
	PageStart   int
	PageEnd     int
	IsTable     bool
	ChunkIndex  int
	Metadata    map[string]string
}

// Vector is the embedding for a chunk.
type Vector struct {
	ChunkID   string
	TenantID  string
	DocID     string
	Embedding []float32
	Metadata  map[string]string
}

// DQReport is an append-only per-run data-quality report.
type DQReport struct {
	IngestID  string
	TenantID  string
	Results   map[string]bool
	AllPassed bool
	CreatedAt time.Time
}

// PIIReport is an append-only per-run PII report.
type PIIReport struct {
	IngestID  string
	TenantID  string
	Counts    map[string]int
	Total     int
	Action    string
	CreatedAt time.Time
}

// LineageNode is a typed audit node, e.g. "stage:pii_dq:completed".
type LineageNode struct {
	ID   string
	Type string
}

// LineageEdge links a parent node to a child node.
type LineageEdge struct {
	Parent string
	Child  string
}
