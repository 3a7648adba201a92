// Package config loads process configuration from the environment.
//
// Values are read once at startup via Load and threaded through components
// explicitly (see Design Notes §9 "Global settings singletons" — no
// component reads os.Getenv directly).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// S3SSEConfig configures server-side encryption for the object store.
type S3SSEConfig struct {
	Mode     string // "", "sse-s3", "sse-kms"
	KMSKeyID string
}

// S3Config configures the storage facade's S3/MinIO-compatible backend.
type S3Config struct {
	Bucket                string
	Region                string
	Endpoint              string
	AccessKey             string
	SecretKey             string
	Prefix                string
	UsePathStyle          bool
	TLSInsecureSkipVerify bool
	SSE                   S3SSEConfig
	PresignTTLDefault     time.Duration
	PresignTTLMax         time.Duration
}

// PostgresConfig configures the state store and lexical index backend.
type PostgresConfig struct {
	DSN string
}

// QdrantConfig configures the vector store backend.
type QdrantConfig struct {
	DSN        string
	Collection string
	Dimension  int
	Metric     string
}

// KafkaConfig configures the ingestion stage broker queue.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	MaxRetries    int
}

// RedisConfig configures the optional risk-cache mirror and webhook dedupe guard.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EmbeddingConfig selects and configures the embedding provider chain.
type EmbeddingConfig struct {
	Mode       string // "ollama" | "openai" | "local" | "auto"
	OllamaURL  string
	OllamaModel string
	OpenAIKey  string
	OpenAIModel string
	Dimension  int
	BatchSize  int
}

// LLMConfig configures the generative LLM gateway used by planner/synthesizer.
type LLMConfig struct {
	Provider        string // "anthropic" | "openai"
	AnthropicAPIKey string
	AnthropicModel  string
	OpenAIAPIKey    string
	OpenAIModel     string
	AllowedModelID  string
	RequestTimeout  time.Duration
}

// RAGConfig tunes hybrid retrieval and the evidence gate.
type RAGConfig struct {
	IndexName         string
	ScoreThreshold    float64
	MinDistinctDocs   int
	MaxContextChunks  int
	PerDocCap         int
	VectorTopK        int
	VectorMinScore    float64
	RerankURL         string
}

// RiskConfig bounds Monte Carlo simulation requests.
type RiskConfig struct {
	SimURL            string
	DataVersion       string
	MaxTrials         int
	DefaultRevenue    float64
	DefaultMargin     float64
	DefaultRevSigma   float64
	DefaultMarginSigma float64
	RequestTimeout    time.Duration
}

// MemoryConfig bounds per-thread conversational memory.
type MemoryConfig struct {
	Capacity           int
	TokenCap           int
	SummaryEveryTurns  int
	SummaryMaxChars    int
}

// OCRConfig toggles OCR fallback in the text extractor.
type OCRConfig struct {
	Enabled   bool
	Languages []string
}

// IngestConfig tunes the ingestion coordinator.
type IngestConfig struct {
	MaxTokensDefault    int
	OverlapTokensDefault int
	StaleAfter          time.Duration
	WorkerConcurrency   int
}

// Config aggregates all process configuration.
type Config struct {
	HTTPAddrIngest string
	HTTPAddrQuery  string
	LogLevel       string
	LogFormat      string // "console" | "json"
	OTLPEndpoint   string

	S3       S3Config
	Postgres PostgresConfig
	Qdrant   QdrantConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Embedding EmbeddingConfig
	LLM      LLMConfig
	RAG      RAGConfig
	Risk     RiskConfig
	Memory   MemoryConfig
	OCR      OCRConfig
	Ingest   IngestConfig
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from the environment (optionally a local .env
// file, via godotenv.Overload) and applies defaults for every component.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{
		HTTPAddrIngest: firstNonEmpty(os.Getenv("INGEST_HTTP_ADDR"), ":8081"),
		HTTPAddrQuery:  firstNonEmpty(os.Getenv("QUERY_HTTP_ADDR"), ":8082"),
		LogLevel:       firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
		LogFormat:      firstNonEmpty(os.Getenv("LOG_FORMAT"), "json"),
		OTLPEndpoint:   strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),

		S3: S3Config{
			Bucket:                firstNonEmpty(os.Getenv("S3_BUCKET"), "ragtunnel"),
			Region:                firstNonEmpty(os.Getenv("S3_REGION"), "us-east-1"),
			Endpoint:              strings.TrimSpace(os.Getenv("S3_ENDPOINT")),
			AccessKey:             strings.TrimSpace(os.Getenv("S3_ACCESS_KEY")),
			SecretKey:             strings.TrimSpace(os.Getenv("S3_SECRET_KEY")),
			Prefix:                strings.TrimSpace(os.Getenv("S3_PREFIX")),
			UsePathStyle:          envBool("S3_USE_PATH_STYLE", true),
			TLSInsecureSkipVerify: envBool("S3_TLS_INSECURE", false),
			SSE: S3SSEConfig{
				Mode:     strings.TrimSpace(os.Getenv("S3_SSE_MODE")),
				KMSKeyID: strings.TrimSpace(os.Getenv("S3_SSE_KMS_KEY_ID")),
			},
			PresignTTLDefault: envDuration("PRESIGN_TTL_DEFAULT", 15*time.Minute),
			PresignTTLMax:     envDuration("PRESIGN_TTL_MAX", time.Hour),
		},

		Postgres: PostgresConfig{
			DSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), "postgres://localhost:5432/ragtunnel?sslmode=disable"),
		},

		Qdrant: QdrantConfig{
			DSN:        firstNonEmpty(os.Getenv("QDRANT_DSN"), "http://localhost:6334"),
			Collection: firstNonEmpty(os.Getenv("QDRANT_COLLECTION"), "rag-chunks"),
			Dimension:  envInt("EMBEDDING_DIMENSION", 768),
			Metric:     firstNonEmpty(os.Getenv("QDRANT_METRIC"), "cosine"),
		},

		Kafka: KafkaConfig{
			Brokers:       envList("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topic:         firstNonEmpty(os.Getenv("KAFKA_INGEST_TOPIC"), "ingest-stages"),
			ConsumerGroup: firstNonEmpty(os.Getenv("KAFKA_CONSUMER_GROUP"), "ragtunnel-ingest"),
			MaxRetries:    envInt("KAFKA_MAX_RETRIES", 3),
		},

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Password: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),
			DB:       envInt("REDIS_DB", 0),
		},

		Embedding: EmbeddingConfig{
			Mode:        firstNonEmpty(os.Getenv("EMBEDDING_MODE"), "auto"),
			OllamaURL:   firstNonEmpty(os.Getenv("OLLAMA_EMBED_URL"), "http://localhost:11434/api/embeddings"),
			OllamaModel: firstNonEmpty(os.Getenv("OLLAMA_EMBED_MODEL"), "nomic-embed-text"),
			OpenAIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			OpenAIModel: firstNonEmpty(os.Getenv("OPENAI_EMBED_MODEL"), "text-embedding-3-small"),
			Dimension:   envInt("EMBEDDING_DIMENSION", 768),
			BatchSize:   envInt("EMBEDDING_BATCH_SIZE", 16),
		},

		LLM: LLMConfig{
			Provider:        firstNonEmpty(os.Getenv("LLM_PROVIDER"), "anthropic"),
			AnthropicAPIKey: strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
			AnthropicModel:  firstNonEmpty(os.Getenv("ANTHROPIC_MODEL"), "claude-3-7-sonnet-latest"),
			OpenAIAPIKey:    strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			OpenAIModel:     firstNonEmpty(os.Getenv("OPENAI_MODEL"), "gpt-4o-mini"),
			AllowedModelID:  strings.TrimSpace(os.Getenv("LLM_ALLOWED_MODEL_ID")),
			RequestTimeout:  envDuration("LLM_REQUEST_TIMEOUT", 30*time.Second),
		},

		RAG: RAGConfig{
			IndexName:        firstNonEmpty(os.Getenv("RAG_INDEX_NAME"), "rag-chunks"),
			ScoreThreshold:   envFloat("RAG_SCORE_THRESHOLD", 0.18),
			MinDistinctDocs:  envInt("RAG_MIN_DISTINCT_DOCS", 3),
			MaxContextChunks: envInt("RAG_MAX_CONTEXT_CHUNKS", 5),
			PerDocCap:        envInt("RAG_PER_DOC_CAP", 2),
			VectorTopK:       envInt("RAG_VECTOR_TOP_K", 12),
			VectorMinScore:   envFloat("RAG_VECTOR_MIN_SCORE", 0.0),
			RerankURL:        strings.TrimSpace(os.Getenv("RERANK_URL")),
		},

		Risk: RiskConfig{
			SimURL:             firstNonEmpty(os.Getenv("RISK_SIM_URL"), "http://localhost:9000"),
			DataVersion:        firstNonEmpty(os.Getenv("RISK_DATA_VERSION"), "1.0"),
			MaxTrials:          envInt("RISK_MAX_TRIALS", 20000),
			DefaultRevenue:     envFloat("RISK_DEFAULT_REVENUE", 1_000_000),
			DefaultMargin:      envFloat("RISK_DEFAULT_MARGIN", 0.15),
			DefaultRevSigma:    envFloat("RISK_DEFAULT_REV_SIGMA", 0.2),
			DefaultMarginSigma: envFloat("RISK_DEFAULT_MARGIN_SIGMA", 0.05),
			RequestTimeout:     envDuration("RISK_REQUEST_TIMEOUT", 20*time.Second),
		},

		Memory: MemoryConfig{
			Capacity:          envInt("MEMORY_CAPACITY", 40),
			TokenCap:          envInt("MEMORY_TOKEN_CAP", 1500),
			SummaryEveryTurns: envInt("MEMORY_SUMMARY_EVERY_TURNS", 6),
			SummaryMaxChars:   envInt("MEMORY_SUMMARY_MAX_CHARS", 2000),
		},

		OCR: OCRConfig{
			Enabled:   envBool("OCR_ENABLED", false),
			Languages: envList("OCR_LANGUAGES", []string{"eng"}),
		},

		Ingest: IngestConfig{
			MaxTokensDefault:     envInt("CHUNK_MAX_TOKENS", 220),
			OverlapTokensDefault: envInt("CHUNK_OVERLAP_TOKENS", 40),
			StaleAfter:           envDuration("INGEST_STALE_AFTER", 6*time.Hour),
			WorkerConcurrency:    envInt("INGEST_WORKER_CONCURRENCY", 4),
		},
	}

	return cfg, nil
}
