package queryorchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
	"github.com/dalibouzir/ragtunnel/internal/memorystore"
	"github.com/dalibouzir/ragtunnel/internal/planner"
	"github.com/dalibouzir/ragtunnel/internal/retrieve"
	"github.com/dalibouzir/ragtunnel/internal/riskcache"
	"github.com/dalibouzir/ragtunnel/internal/synthesizer"
)

var now = time.Now

// Handle runs the full query pipeline for one turn: memory recall,
// planning, the RAG evidence gate, risk simulation, synthesis, the
// low-evidence guard, and turn persistence.
func (o *Orchestrator) Handle(ctx context.Context, threadID, userMsg string, meta map[string]any) Response {
	if msg, denied := llmgateway.Denied(o.PlannerProvider); denied {
		return o.deniedResponse(msg)
	}
	if msg, denied := llmgateway.Denied(o.WriterProvider); denied {
		return o.deniedResponse(msg)
	}

	opts := o.Opts.normalized()
	t0 := now()

	shortCtx := o.Memory.GetRecentWindow(threadID, opts.MemoryTokenCap)
	longCtx := o.Memory.RetrieveLongSummary(threadID)
	recalls := o.Memory.VectorRecall(threadID, userMsg, 5)

	plan := planner.Run(ctx, o.PlannerProvider, userMsg, shortCtx, longCtx, recalls)
	shapeHint := synthesizer.InferShape(userMsg)

	telemetry := map[string]any{
		"plan":      planMap(plan),
		"rag_used":  false,
		"risk_used": false,
		"meta":      metaOrEmpty(meta),
	}

	forceRag := shouldForceRag(userMsg)
	ragRequired := plan.NeedRAG || forceRag
	telemetry["rag_required"] = ragRequired
	telemetry["rag_mode_forced"] = forceRag

	var rag *ragPack
	var ragDebug map[string]any
	var ragConf, ragLatencyMs float64

	if ragRequired {
		rag, ragDebug, ragConf, ragLatencyMs = o.runRagStage(ctx, userMsg, plan.RAGQueries, opts, telemetry)
		if rag == nil {
			totalLatencyMs := msSince(t0)
			telemetry["rag_latency_ms"] = roundTo(ragLatencyMs, 1)
			telemetry["rag_conf"] = ragConf
			telemetry["disclosure"] = "Retrieval confidence gate failed before synthesis."
			telemetry["helpUsed"] = map[string]any{"rag": false, "risk": false}
			telemetry["target_latency_ms"] = opts.TargetLatencyRAG.Milliseconds()
			telemetry["within_latency_budget"] = totalLatencyMs <= float64(opts.TargetLatencyRAG.Milliseconds())
			telemetry["latency_ms"] = totalLatencyMs
			return o.buildInsufficientResponse(threadID, userMsg, shortCtx, plan, opts, telemetry, totalLatencyMs, ragDebug)
		}
	}

	risk, _ := o.runRiskStage(ctx, plan, opts, telemetry)

	disclosure := buildDisclosure(rag, risk, opts.DataVersion)

	var ragDocs []retrieve.Hit
	var evidenceHint string
	forceNoCitations := false
	if rag != nil {
		ragDocs = rag.docs
	}
	if ragRequired && len(ragDocs) == 0 {
		evidenceHint = "Document search did not meet the confidence threshold—acknowledge uncertainty and rely on conversation memory."
		forceNoCitations = true
	}

	var riskResult riskcache.Result
	var routerMeta map[string]any
	if risk != nil {
		riskResult = risk.result
	}
	if rag != nil {
		routerMeta = rag.router
	}

	final := synthesizer.Compose(ctx, o.WriterProvider, synthesizer.Request{
		UserMsg:          userMsg,
		ShortCtx:         shortCtx,
		LongCtx:          longCtx,
		Recalls:          recalls,
		RAGDocs:          ragDocs,
		Risk:             riskResult,
		Disclosure:       disclosure,
		Shape:            shapeHint,
		ForceNoCitations: forceNoCitations,
		EvidenceHint:     evidenceHint,
		RouterMetadata:   routerMeta,
		RAGTemplate:      rag != nil,
		Timeout:          opts.TargetLatencyLLM,
	})

	if rag != nil && countFactualClaims(final.Text) > 2 && len(final.Citations) < 2 {
		final = synthesizer.AcknowledgeLowEvidence(final)
	}

	o.Memory.AppendTurn(threadID, userMsg, final.Text)
	longUpdated := o.Memory.MaybeUpdateLongSummary(threadID, opts.SummaryEveryTurns, opts.SummaryMaxChars)

	totalLatencyMs := msSince(t0)
	metrics := mergeMetrics(final.Metrics, totalLatencyMs)

	docIDs := make([]string, 0, len(final.Citations))
	for _, c := range final.Citations {
		docIDs = append(docIDs, c.ID)
	}
	citationCount := len(final.Citations)
	claims := countFactualClaims(final.Text)
	if claims < 1 {
		claims = 1
	}
	expectedCitations := claims
	if len(ragDocs) < expectedCitations {
		expectedCitations = len(ragDocs)
	}
	if expectedCitations < 1 {
		expectedCitations = 1
	}
	citationMissRate := 0.0
	if rag != nil {
		rate := 1.0 - float64(citationCount)/float64(expectedCitations)
		if rate < 0 {
			rate = 0
		}
		citationMissRate = rate
	}

	riskActive := risk != nil && len(risk.result) > 0
	helpUsed := map[string]any{"rag": rag != nil, "risk": riskActive}
	latencyTarget := opts.TargetLatencyLLM
	switch {
	case riskActive:
		latencyTarget = opts.TargetLatencyRisk
	case rag != nil:
		latencyTarget = opts.TargetLatencyRAG
	}

	telemetry["docIds"] = docIDs
	telemetry["citation_count"] = citationCount
	telemetry["citation_miss_rate"] = roundTo(citationMissRate, 4)
	telemetry["latency_ms"] = totalLatencyMs
	telemetry["target_latency_ms"] = latencyTarget.Milliseconds()
	telemetry["within_latency_budget"] = totalLatencyMs <= float64(latencyTarget.Milliseconds())
	telemetry["tokens_in"] = metrics["tokens_in"]
	telemetry["tokens_out"] = metrics["tokens_out"]
	telemetry["cost_usd"] = metrics["cost_usd"]
	telemetry["memory_short_tokens"] = memorystore.ApproxTokenLen(shortCtx)
	telemetry["long_summary_updated"] = longUpdated
	telemetry["helpUsed"] = helpUsed
	telemetry["disclosure"] = disclosure
	telemetry["rag_latency_ms"] = roundTo(ragLatencyMs, 1)
	telemetry["model"] = final.Model
	if _, ok := telemetry["rag_conf"]; !ok {
		telemetry["rag_conf"] = ragConf
	}
	if _, ok := telemetry["planner_conf"]; !ok {
		telemetry["planner_conf"] = plan.Confidence
	}

	route := "LLM_ONLY"
	switch {
	case rag != nil && riskActive:
		route = "RAG_RISK"
	case rag != nil:
		route = "RAG"
	case riskActive:
		route = "RISK"
	}
	telemetry["route"] = route

	metaPayload := map[string]any{}
	if citations := buildCitationMeta(final.Citations, ragDocs); len(citations) > 0 {
		metaPayload["citations"] = citations
	}
	if risk != nil && risk.err != "" {
		metaPayload["risk"] = map[string]any{"error": risk.err}
	}

	return Response{
		Route:     route,
		Text:      final.Text,
		Used:      buildUsed(plan, rag, risk, ragDebug),
		Citations: final.Citations,
		Charts:    final.Charts,
		Memory:    map[string]any{"shortTokens": memorystore.ApproxTokenLen(shortCtx), "longSummaryUpdated": longUpdated},
		Metrics:   metrics,
		Telemetry: telemetry,
		Meta:      metaPayload,
	}
}

// deniedResponse returns the fixed MODEL_NOT_ALLOWED envelope without
// touching memory, retrieval, or risk simulation.
func (o *Orchestrator) deniedResponse(message string) Response {
	return Response{
		Route: "ERROR",
		Text:  message,
		Metrics: map[string]any{
			"tokens_in":  0,
			"tokens_out": 0,
			"cost_usd":   0.0,
			"latency_ms": 0.0,
		},
		Telemetry: map[string]any{"error": "model_not_allowed"},
		Meta:      map[string]any{},
	}
}

func (o *Orchestrator) buildInsufficientResponse(threadID, userMsg, shortCtx string, plan planner.Plan, opts Options, telemetry map[string]any, totalLatencyMs float64, ragDebug map[string]any) Response {
	o.Memory.AppendTurn(threadID, userMsg, insufficientMessage)
	longUpdated := o.Memory.MaybeUpdateLongSummary(threadID, opts.SummaryEveryTurns, opts.SummaryMaxChars)

	metrics := map[string]any{
		"tokens_in":  0,
		"tokens_out": 0,
		"cost_usd":   0.0,
		"latency_ms": totalLatencyMs,
	}
	if _, ok := telemetry["docIds"]; !ok {
		telemetry["docIds"] = []string{}
	}
	if _, ok := telemetry["citation_count"]; !ok {
		telemetry["citation_count"] = 0
	}
	if _, ok := telemetry["citation_miss_rate"]; !ok {
		telemetry["citation_miss_rate"] = 1.0
	}
	telemetry["memory_short_tokens"] = memorystore.ApproxTokenLen(shortCtx)

	return Response{
		Route:     "RAG",
		Text:      insufficientMessage,
		Used:      buildUsed(plan, nil, nil, ragDebug),
		Citations: nil,
		Memory:    map[string]any{"shortTokens": memorystore.ApproxTokenLen(shortCtx), "longSummaryUpdated": longUpdated},
		Metrics:   metrics,
		Telemetry: telemetry,
		Meta:      map[string]any{},
	}
}

// runRagStage executes hybrid retrieval plus the evidence gate. It returns
// a nil ragPack when the gate rejects the result (too few distinct
// high-scoring sources), with ragDebug populated for the
// insufficient-evidence telemetry.
func (o *Orchestrator) runRagStage(ctx context.Context, userMsg string, planRagQueries []string, opts Options, telemetry map[string]any) (*ragPack, map[string]any, float64, float64) {
	topK := 10
	if isShortQuery(userMsg) {
		topK = 12
	}
	freshnessBias := needsFreshResults(userMsg)

	defaultRouter := map[string]any{
		"route": "RAG", "top_k": topK, "threshold": opts.ScoreThreshold,
		"doc_count": 0, "doc_total": 0, "max_score": 0.0, "freshness_bias": freshnessBias,
	}
	telemetry["router_metadata"] = defaultRouter

	tRag := now()
	if o.Retriever == nil {
		return nil, map[string]any{"error": "retriever not configured"}, 0, msSince(tRag)
	}

	base := planRagQueries
	if len(base) == 0 {
		base = []string{userMsg}
	}
	rewrites := expandQueries(base, userMsg)
	telemetry["rag_rewrites"] = rewrites

	batches := make([][]retrieve.Hit, 0, len(rewrites))
	for _, q := range rewrites {
		hits, err := o.Retriever.Query(ctx, q, retrieve.Options{
			TopK:           topK,
			VectorTopK:     opts.VectorTopK,
			VectorMinScore: opts.VectorMinScore,
			PerDocCap:      opts.PerDocCap,
		})
		if err != nil {
			log.Warn().Err(err).Str("query", q).Msg("hybrid search failed")
			ragLatencyMs := msSince(tRag)
			return nil, map[string]any{"error": err.Error()}, 0, ragLatencyMs
		}
		batches = append(batches, hits)
	}
	ragLatencyMs := msSince(tRag)

	merged := mergeHits(batches)
	filtered := filterShortChunks(merged, opts.MinChunkChars)
	withFreshness := applyFreshnessBias(filtered, freshnessBias)
	deduped := deduplicateHits(withFreshness)

	ragConf := retrieve.Confidence(deduped)
	maxScore := maxHitScore(deduped)
	distinctIDs := distinctHighScoreDocIDs(deduped, opts.ScoreThreshold)
	docCount := len(distinctIDs)

	routerMetadata := map[string]any{
		"route":          "RAG",
		"top_k":          topK,
		"threshold":      opts.ScoreThreshold,
		"doc_count":      docCount,
		"doc_total":      len(deduped),
		"max_score":      roundTo(maxScore, 3),
		"freshness_bias": freshnessBias,
	}
	telemetry["router_metadata"] = routerMetadata

	if docCount < opts.MinDistinctDocs {
		failure := "LOW_CONFIDENCE"
		if len(deduped) == 0 {
			failure = "NO_MATCHES"
		}
		topScores := make([]float64, 0, 3)
		titles := make([]string, 0, 3)
		for i, h := range deduped {
			if i >= 3 {
				break
			}
			topScores = append(topScores, roundTo(hitScore(h), 3))
			titles = append(titles, describeTitle(h))
		}
		telemetry["rag_failure"] = failure
		telemetry["rag_debug"] = map[string]any{
			"top_scores":        topScores,
			"matched_titles":    titles,
			"corpus_status_hint": failure,
		}
		return nil, map[string]any{
			"top_scores":         topScores,
			"matched_titles":     titles,
			"corpus_status_hint": failure,
		}, ragConf, ragLatencyMs
	}

	trimmed := deduped
	if len(trimmed) > opts.MaxContextChunks {
		trimmed = trimmed[:opts.MaxContextChunks]
	}
	telemetry["rag_used"] = true
	return &ragPack{docs: trimmed, confidence: ragConf, latencyMs: ragLatencyMs, router: routerMetadata}, nil, ragConf, ragLatencyMs
}

// runRiskStage resolves the planner's risk spec through the signature cache
// and simulator client.
func (o *Orchestrator) runRiskStage(ctx context.Context, plan planner.Plan, opts Options, telemetry map[string]any) (*riskPack, string) {
	if !plan.NeedRisk {
		return nil, ""
	}
	if plan.RiskSpec == nil {
		telemetry["risk_attempted"] = false
		telemetry["risk_used"] = false
		telemetry["risk_error"] = "risk_spec_missing"
		return &riskPack{result: nil, version: opts.DataVersion, err: "risk_spec_missing"}, "risk_spec_missing"
	}

	spec := riskcache.Spec(plan.RiskSpec)
	signature, err := riskcache.Signature(spec, opts.DataVersion)
	if err != nil {
		telemetry["risk_error"] = "signature_failed"
		return &riskPack{version: opts.DataVersion, err: "signature_failed"}, "signature_failed"
	}

	var cached riskcache.Result
	cacheHit := false
	if o.RiskCache != nil {
		cached, cacheHit = o.RiskCache.Read(ctx, signature)
	}

	var result riskcache.Result
	var riskErr string
	if cacheHit {
		result = cached
	} else if o.RiskClient != nil {
		bounded := riskcache.BoundTrials(spec, opts.RiskMaxTrials)
		simPayload := o.RiskClient.Run(ctx, bounded, opts.RiskDefaults)
		if errVal, hasErr := simPayload["error"]; hasErr {
			if s, ok := errVal.(string); ok {
				riskErr = s
			} else {
				riskErr = "simulation_failed"
			}
		} else {
			result = simPayload
			if o.RiskCache != nil {
				o.RiskCache.Store(ctx, signature, simPayload)
			}
		}
	} else {
		riskErr = "simulator_not_configured"
	}

	pack := &riskPack{signature: signature, result: result, version: opts.DataVersion, cacheHit: cacheHit, err: riskErr}
	if riskErr != "" {
		telemetry["risk_error"] = riskErr
	}
	telemetry["risk_attempted"] = true
	telemetry["risk_used"] = len(result) > 0
	telemetry["risk_cache_hit"] = cacheHit
	telemetry["risk_signature"] = signature
	telemetry["risk_version"] = opts.DataVersion
	return pack, riskErr
}

func msSince(t0 time.Time) float64 {
	return float64(now().Sub(t0).Microseconds()) / 1000.0
}

func metaOrEmpty(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	return meta
}

// planMap round-trips Plan through JSON so the planner's exact field names
// (needRag, needRisk, ...) land in telemetry the same way they do in the
// AssistantResponse the writer prompt describes.
func planMap(p planner.Plan) map[string]any {
	b, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

func mergeMetrics(draftMetrics map[string]any, latencyMs float64) map[string]any {
	out := map[string]any{
		"tokens_in":  0,
		"tokens_out": 0,
		"cost_usd":   0.0,
	}
	for k, v := range draftMetrics {
		out[k] = v
	}
	out["latency_ms"] = latencyMs
	return out
}
