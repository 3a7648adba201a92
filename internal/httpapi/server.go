// Package httpapi exposes the ingestion and query services over HTTP using a
// Go 1.22+ method+path net/http.ServeMux.
package httpapi

import (
	"net/http"

	"github.com/dalibouzir/ragtunnel/internal/ingestcoordinator"
	"github.com/dalibouzir/ragtunnel/internal/objectstore"
	"github.com/dalibouzir/ragtunnel/internal/queryorchestrator"
	"github.com/dalibouzir/ragtunnel/internal/statestore"
)

// IngestServer exposes the ingestion endpoints.
type IngestServer struct {
	coord   *ingestcoordinator.Coordinator
	store   statestore.Interface
	objects *objectstore.Facade
	// Dedupe guards the MinIO webhook against redelivered notifications for
	// the same object URI. Nil when no Redis address is configured, in
	// which case the manifest-existence check alone provides dedup.
	Dedupe DedupeStore
	mux    *http.ServeMux
}

// NewIngestServer wires the ingestion HTTP surface to a coordinator, the
// state store it shares, and the object store facade used for presigning.
func NewIngestServer(coord *ingestcoordinator.Coordinator, store statestore.Interface, objects *objectstore.Facade) *IngestServer {
	s := &IngestServer{coord: coord, store: store, objects: objects, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *IngestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *IngestServer) registerRoutes() {
	s.mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	s.mux.HandleFunc("GET /v1/status/{ingestID}", s.handleStatus)
	s.mux.HandleFunc("GET /v1/ingestions", s.handleListIngestions)
	s.mux.HandleFunc("POST /v1/reindex", s.handleReindex)
	s.mux.HandleFunc("DELETE /v1/ingest/{ingestID}", s.handleDeleteIngest)
	s.mux.HandleFunc("GET /v1/files/presign", s.handlePresign)
	s.mux.HandleFunc("POST /webhook/minio", s.handleMinioWebhook)
	s.mux.HandleFunc("GET /health", handleHealth)
}

// QueryServer exposes the query endpoint.
type QueryServer struct {
	orch *queryorchestrator.Orchestrator
	mux  *http.ServeMux
}

// NewQueryServer wires the query HTTP surface to an orchestrator.
func NewQueryServer(orch *queryorchestrator.Orchestrator) *QueryServer {
	s := &QueryServer{orch: orch, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *QueryServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *QueryServer) registerRoutes() {
	s.mux.HandleFunc("POST /v1/query", s.handleQuery)
	s.mux.HandleFunc("GET /health", handleHealth)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
