package queryorchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
	"github.com/dalibouzir/ragtunnel/internal/memorystore"
	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
	"github.com/dalibouzir/ragtunnel/internal/retrieve"
	"github.com/dalibouzir/ragtunnel/internal/riskcache"
)

func seedDoc(t *testing.T, search databases.FullTextSearch, docID, text string) {
	t.Helper()
	require.NoError(t, search.Index(context.Background(), docID+"-chunk-1", text, map[string]string{
		"doc_id": docID,
		"title":  "Report " + docID,
	}))
}

func newOrchestrator(t *testing.T, plannerResp, writerResp string) (*Orchestrator, databases.FullTextSearch) {
	t.Helper()
	search := databases.NewMemorySearch()
	retriever := &retrieve.Retriever{Search: search}
	return &Orchestrator{
		Memory:          memorystore.New(),
		Retriever:       retriever,
		PlannerProvider: &llmgateway.Fake{Responses: []string{plannerResp}},
		WriterProvider:  &llmgateway.Fake{Responses: []string{writerResp}},
		// databases.NewMemorySearch caps its snippet at 200 chars, well under
		// the real pipeline's 300-char evidence-gate default, so tests lower
		// the bar rather than asserting against a snippet length no fake hits.
		Opts: Options{MinChunkChars: 50},
	}, search
}

func TestHandleRAGRouteWithSufficientEvidence(t *testing.T) {
	planResp := `{"needRag":true,"needRisk":false,"ragQueries":["acme revenue growth"],"riskSpec":null,"expected":["citations"],"confidence":0.8}`
	writerResp := `{"text":"Revenue grew according to the filings.","citations":[{"id":"doc-1","title":"Report A"},{"id":"doc-2","title":"Report B"}],"chartsSpec":null}`
	o, search := newOrchestrator(t, planResp, writerResp)

	longText := strings.Repeat("Acme Corp reported strong quarterly revenue growth across every region. ", 6)
	seedDoc(t, search, "doc-1", longText)
	seedDoc(t, search, "doc-2", longText)
	seedDoc(t, search, "doc-3", longText)

	resp := o.Handle(context.Background(), "thread-1", "What drove Acme's revenue growth?", nil)

	require.Equal(t, "RAG", resp.Route)
	require.Len(t, resp.Citations, 2)
	require.Contains(t, resp.Used, "rag")
	require.Equal(t, true, resp.Telemetry["rag_used"])
}

func TestHandleInsufficientEvidenceWhenTooFewDistinctDocs(t *testing.T) {
	planResp := `{"needRag":true,"needRisk":false,"ragQueries":["acme revenue growth"],"riskSpec":null,"expected":["citations"],"confidence":0.8}`
	writerResp := `{"text":"should not be reached","citations":[],"chartsSpec":null}`
	o, search := newOrchestrator(t, planResp, writerResp)

	longText := strings.Repeat("Acme Corp reported strong quarterly revenue growth across every region. ", 6)
	seedDoc(t, search, "doc-1", longText)

	resp := o.Handle(context.Background(), "thread-2", "What drove Acme's revenue growth?", nil)

	require.Equal(t, "RAG", resp.Route)
	require.Equal(t, insufficientMessage, resp.Text)
	require.Empty(t, resp.Citations)
}

func TestHandleLLMOnlyRoute(t *testing.T) {
	planResp := `{"needRag":false,"needRisk":false,"ragQueries":[],"riskSpec":null,"expected":["summary"],"confidence":0.6}`
	writerResp := `{"text":"Space is vast and mostly empty.","citations":[],"chartsSpec":null}`
	o, _ := newOrchestrator(t, planResp, writerResp)

	resp := o.Handle(context.Background(), "thread-3", "Tell me a fun fact about space.", nil)

	require.Equal(t, "LLM_ONLY", resp.Route)
	require.Empty(t, resp.Citations)
}

func TestHandleRiskRoute(t *testing.T) {
	sim := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"stats":{"mean":100,"p50":95,"p95":150,"p_loss":0.1,"n":500},"metadata":{"n":500}}`))
	}))
	defer sim.Close()

	planResp := `{"needRag":false,"needRisk":true,"ragQueries":[],"riskSpec":{"variables":{"revenue":1000000,"operatingMargin":0.15,"revSigma":0.2,"marginSigma":0.05},"trials":500},"expected":["probabilities"],"confidence":0.9}`
	writerResp := `{"text":"The margin outlook looks stable with a mean near 100.","citations":[],"chartsSpec":null}`
	o, _ := newOrchestrator(t, planResp, writerResp)
	o.RiskClient = &riskcache.Client{SimulatorURL: sim.URL}
	o.RiskCache = riskcache.NewMemoryCache()

	resp := o.Handle(context.Background(), "thread-4", "Run a Monte Carlo simulation for our margin outlook.", nil)

	require.Equal(t, "RISK", resp.Route)
	require.Equal(t, true, resp.Telemetry["risk_used"])
}

func TestHandleAppendsTurnToMemory(t *testing.T) {
	planResp := `{"needRag":false,"needRisk":false,"ragQueries":[],"riskSpec":null,"expected":["summary"],"confidence":0.6}`
	writerResp := `{"text":"Noted.","citations":[],"chartsSpec":null}`
	o, _ := newOrchestrator(t, planResp, writerResp)

	o.Handle(context.Background(), "thread-5", "Remember this for later.", nil)
	window := o.Memory.GetRecentWindow("thread-5", 500)
	require.Contains(t, window, "Remember this for later.")
	require.Contains(t, window, "Noted.")
}
