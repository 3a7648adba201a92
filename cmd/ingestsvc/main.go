// Command ingestsvc runs the ingestion HTTP API and its stage-queue workers:
// accept uploads, drive the per-document state machine through a
// Kafka-backed broker queue, and serve status, listing, reindex, delete,
// and presign endpoints over the durable tables.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dalibouzir/ragtunnel/internal/config"
	"github.com/dalibouzir/ragtunnel/internal/embedprovider"
	"github.com/dalibouzir/ragtunnel/internal/httpapi"
	"github.com/dalibouzir/ragtunnel/internal/ingestcoordinator"
	"github.com/dalibouzir/ragtunnel/internal/ingestqueue"
	"github.com/dalibouzir/ragtunnel/internal/objectstore"
	"github.com/dalibouzir/ragtunnel/internal/observability"
	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
	"github.com/dalibouzir/ragtunnel/internal/piidq"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
	"github.com/dalibouzir/ragtunnel/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("ingestsvc: failed to load config")
	}
	observability.InitLogger("", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			Enabled:     true,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    true,
			ServiceName: "ragtunnel-ingestsvc",
		})
		if err != nil {
			log.Warn().Err(err).Msg("ingestsvc: otel setup failed, continuing without tracing")
		} else {
			defer shutdown(context.Background())
		}
	}

	store, err := statestore.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestsvc: failed to open state store")
	}
	defer store.Close()

	s3store, err := objectstore.NewS3Store(ctx, cfg.S3, objectstore.WithHTTPClient(observability.NewHTTPClient(nil)))
	if err != nil {
		log.Fatal().Err(err).Msg("ingestsvc: failed to init object store")
	}
	if err := s3store.EnsureBucket(ctx); err != nil {
		log.Warn().Err(err).Msg("ingestsvc: ensure bucket failed")
	}
	objects := objectstore.NewFacade(s3store, cfg.S3.Bucket)

	pgPool, err := databases.OpenPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestsvc: failed to open lexical index pool")
	}
	search := databases.NewPostgresSearch(pgPool)
	vector, err := databases.NewQdrantVector(cfg.Qdrant.DSN, cfg.Qdrant.Collection, cfg.Qdrant.Dimension, cfg.Qdrant.Metric)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestsvc: failed to init vector store")
	}
	manager := databases.Manager{Search: search, Vector: vector}
	defer manager.Close()

	embedder, err := embedprovider.New(cfg.Embedding)
	if err != nil {
		log.Fatal().Err(err).Msg("ingestsvc: failed to init embedding provider")
	}

	queue := ingestqueue.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer queue.Close()

	coord := &ingestcoordinator.Coordinator{
		Store:    store,
		Objects:  objects,
		Search:   manager.Search,
		Vector:   manager.Vector,
		Embedder: embedder,
		Queue:    queue,
		Opts: ingestcoordinator.Options{
			Bucket:    cfg.S3.Bucket,
			IndexName: cfg.RAG.IndexName,
			DefaultStrategy: ingestcoordinator.ChunkStrategy{
				MaxTokens:     cfg.Ingest.MaxTokensDefault,
				OverlapTokens: cfg.Ingest.OverlapTokensDefault,
			},
			ContinueOnWarn: true,
			FailOnPII:      false,
			DefaultMask:    "[REDACTED]",
			DefaultPolicy:  piidq.Policy{},
			DQChecks: piidq.ChecksConfig{
				NotEmpty:       true,
				LanguageDetect: true,
			},
		},
	}

	consumer := ingestqueue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, cfg.Kafka.Topic, coord, cfg.Ingest.WorkerConcurrency, 200)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("ingestsvc: stage consumer stopped")
		}
	}()

	go runStaleSweeper(ctx, coord, cfg.Ingest.StaleAfter)

	ingestServer := httpapi.NewIngestServer(coord, store, objects)
	if cfg.Redis.Addr != "" {
		dedupe, err := httpapi.NewRedisDedupeStore(cfg.Redis.Addr)
		if err != nil {
			log.Warn().Err(err).Msg("ingestsvc: redis dedupe store unavailable, webhook dedup falls back to manifest lookup")
		} else {
			ingestServer.Dedupe = dedupe
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddrIngest,
		Handler:           ingestServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("ingestsvc: graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.HTTPAddrIngest).Msg("ingestsvc: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("ingestsvc: server stopped")
	}
}

// runStaleSweeper periodically requeues ingests stranded in QUEUED or
// PROCESSING past staleAfter, recovering from crashed workers or dropped
// queue messages. It ticks at a quarter of staleAfter (floored at one
// minute) and stops when ctx is cancelled.
func runStaleSweeper(ctx context.Context, coord *ingestcoordinator.Coordinator, staleAfter time.Duration) {
	if staleAfter <= 0 {
		return
	}
	interval := staleAfter / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := coord.SweepStale(ctx, staleAfter)
			if err != nil {
				log.Warn().Err(err).Msg("ingestsvc: stale sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("requeued", n).Msg("ingestsvc: stale sweep requeued ingests")
			}
		}
	}
}
