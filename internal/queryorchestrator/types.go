// Package queryorchestrator threads a user turn through memory recall,
// planning, hybrid retrieval with an evidence gate, risk simulation, and
// final synthesis into a structured response envelope, wiring together
// internal/planner, internal/retrieve, internal/riskcache,
// internal/synthesizer, and internal/memorystore.
package queryorchestrator

import (
	"time"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
	"github.com/dalibouzir/ragtunnel/internal/memorystore"
	"github.com/dalibouzir/ragtunnel/internal/retrieve"
	"github.com/dalibouzir/ragtunnel/internal/riskcache"
	"github.com/dalibouzir/ragtunnel/internal/synthesizer"
)

// Options bounds and tunes the pipeline, sourced from config.RAGConfig,
// config.RiskConfig, and config.MemoryConfig.
type Options struct {
	ScoreThreshold    float64
	MinDistinctDocs   int
	MaxContextChunks  int
	MinChunkChars     int
	PerDocCap         int
	VectorTopK        int
	VectorMinScore    float64
	RiskMaxTrials     int
	RiskDefaults      riskcache.Defaults
	DataVersion       string
	MemoryTokenCap    int
	SummaryEveryTurns int
	SummaryMaxChars   int
	TargetLatencyLLM  time.Duration
	TargetLatencyRAG  time.Duration
	TargetLatencyRisk time.Duration
}

func (o Options) normalized() Options {
	if o.ScoreThreshold <= 0 {
		o.ScoreThreshold = 0.18
	}
	if o.MinDistinctDocs <= 0 {
		o.MinDistinctDocs = 3
	}
	if o.MaxContextChunks <= 0 {
		o.MaxContextChunks = 5
	}
	if o.MinChunkChars <= 0 {
		o.MinChunkChars = ragMinChars
	}
	if o.PerDocCap <= 0 {
		o.PerDocCap = 2
	}
	if o.VectorTopK <= 0 {
		o.VectorTopK = 12
	}
	if o.RiskMaxTrials <= 0 {
		o.RiskMaxTrials = 20000
	}
	if o.DataVersion == "" {
		o.DataVersion = "1.0"
	}
	if o.MemoryTokenCap <= 0 {
		o.MemoryTokenCap = 1500
	}
	if o.SummaryEveryTurns <= 0 {
		o.SummaryEveryTurns = 6
	}
	if o.SummaryMaxChars <= 0 {
		o.SummaryMaxChars = 2000
	}
	if o.TargetLatencyLLM <= 0 {
		o.TargetLatencyLLM = 2 * time.Second
	}
	if o.TargetLatencyRAG <= 0 {
		o.TargetLatencyRAG = 4 * time.Second
	}
	if o.TargetLatencyRisk <= 0 {
		o.TargetLatencyRisk = 6 * time.Second
	}
	return o
}

// Orchestrator wires the six constituent packages together behind one
// Handle entrypoint.
type Orchestrator struct {
	Memory          *memorystore.Store
	Retriever       *retrieve.Retriever
	RiskClient      *riskcache.Client
	RiskCache       riskcache.Cache
	PlannerProvider llmgateway.Provider
	WriterProvider  llmgateway.Provider
	Opts            Options
}

// Response is the assistant-response envelope returned to the caller.
type Response struct {
	Route     string                 `json:"route"`
	Text      string                 `json:"text"`
	Used      map[string]any         `json:"used"`
	Citations []synthesizer.Citation `json:"citations"`
	Charts    map[string]any         `json:"charts,omitempty"`
	Memory    map[string]any         `json:"memory"`
	Metrics   map[string]any         `json:"metrics"`
	Telemetry map[string]any         `json:"telemetry"`
	Meta      map[string]any         `json:"meta"`
}

const insufficientMessage = "INSUFFICIENT EVIDENCE"

const ragMinChars = 300

var dateBiasStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
