// Command querysvc runs the query orchestrator's HTTP API: memory recall,
// planning, hybrid retrieval with the evidence gate, optional Monte Carlo
// risk simulation, and synthesis into the AssistantResponse envelope.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/dalibouzir/ragtunnel/internal/config"
	"github.com/dalibouzir/ragtunnel/internal/embedprovider"
	"github.com/dalibouzir/ragtunnel/internal/httpapi"
	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
	"github.com/dalibouzir/ragtunnel/internal/memorystore"
	"github.com/dalibouzir/ragtunnel/internal/observability"
	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
	"github.com/dalibouzir/ragtunnel/internal/queryorchestrator"
	"github.com/dalibouzir/ragtunnel/internal/retrieve"
	"github.com/dalibouzir/ragtunnel/internal/riskcache"
	"github.com/dalibouzir/ragtunnel/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("querysvc: failed to load config")
	}
	observability.InitLogger("", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			Enabled:     true,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
			ServiceName: "ragtunnel-querysvc",
		})
		if err != nil {
			log.Warn().Err(err).Msg("querysvc: otel setup failed, continuing without tracing")
		} else {
			defer shutdown(context.Background())
		}
	}

	pgPool, err := databases.OpenPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("querysvc: failed to open lexical index pool")
	}
	search := databases.NewPostgresSearch(pgPool)
	vector, err := databases.NewQdrantVector(cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Qdrant.Dimension, cfg.Qdrant.Metric)
	if err != nil {
		log.Fatal().Err(err).Msg("querysvc: failed to init vector store")
	}
	manager := databases.Manager{Search: search, Vector: vector}
	defer manager.Close()

	embedder, err := embedprovider.New(cfg.Embedding)
	if err != nil {
		log.Fatal().Err(err).Msg("querysvc: failed to init embedding provider")
	}

	retriever := &retrieve.Retriever{
		Search:   manager.Search,
		Vector:   manager.Vector,
		Embedder: embedder,
	}
	if cfg.RAG.RerankURL != "" {
		retriever.Rerank = retrieve.NewHTTPReranker(cfg.RAG.RerankURL, observability.NewHTTPClient(nil))
	}

	plannerProvider, err := llmgateway.New(cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("querysvc: failed to init planner LLM provider")
	}
	writerProvider, err := llmgateway.New(cfg.LLM)
	if err != nil {
		log.Fatal().Err(err).Msg("querysvc: failed to init writer LLM provider")
	}

	riskCache := riskcache.NewMemoryCache()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		riskCache = riskcache.NewRedisMirrored(riskCache, rdb, 24*time.Hour)
	}

	orch := &queryorchestrator.Orchestrator{
		Memory:    memorystore.New(),
		Retriever: retriever,
		RiskClient: &riskcache.Client{
			SimulatorURL: cfg.Risk.SimURL,
			HTTPClient:   observability.NewHTTPClient(nil),
			Timeout:      cfg.Risk.RequestTimeout,
		},
		RiskCache:       riskCache,
		PlannerProvider: plannerProvider,
		WriterProvider:  writerProvider,
		Opts: queryorchestrator.Options{
			ScoreThreshold:   cfg.RAG.ScoreThreshold,
			MinDistinctDocs:  cfg.RAG.MinDistinctDocs,
			MaxContextChunks: cfg.RAG.MaxContextChunks,
			PerDocCap:        cfg.RAG.PerDocCap,
			VectorTopK:       cfg.RAG.VectorTopK,
			VectorMinScore:   cfg.RAG.VectorMinScore,
			RiskMaxTrials:    cfg.Risk.MaxTrials,
			RiskDefaults: riskcache.Defaults{
				Revenue:         cfg.Risk.DefaultRevenue,
				OperatingMargin: cfg.Risk.DefaultMargin,
				RevSigma:        cfg.Risk.DefaultRevSigma,
				MarginSigma:     cfg.Risk.DefaultMarginSigma,
				Trials:          cfg.Risk.MaxTrials,
			},
			DataVersion:       cfg.Risk.DataVersion,
			MemoryTokenCap:    cfg.Memory.TokenCap,
			SummaryEveryTurns: cfg.Memory.SummaryEveryTurns,
			SummaryMaxChars:   cfg.Memory.SummaryMaxChars,
		},
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddrQuery,
		Handler:           httpapi.NewQueryServer(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("querysvc: graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddrQuery).Msg("querysvc: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("querysvc: server stopped")
	}
}
