// Package synthesizer implements the final answer composer that enforces
// the inferred shape, resolves [^docId] citations against retrieved
// documents, and salvages a usable answer when the writer LLM's JSON
// output is malformed.
package synthesizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
	"github.com/dalibouzir/ragtunnel/internal/memorystore"
	"github.com/dalibouzir/ragtunnel/internal/retrieve"
	"github.com/dalibouzir/ragtunnel/internal/riskcache"
)

// Citation is a resolved reference attached to the final answer.
type Citation struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Draft is the synthesizer's output, ready for the response envelope.
type Draft struct {
	Text      string
	Citations []Citation
	Charts    map[string]any
	Model     string
	Metrics   map[string]any
}

// Request bundles everything the writer prompt needs.
type Request struct {
	UserMsg          string
	ShortCtx         string
	LongCtx          string
	Recalls          []memorystore.RecallHit
	RAGDocs          []retrieve.Hit
	Risk             riskcache.Result
	Disclosure       string
	Shape            Shape
	ForceNoCitations bool
	EvidenceHint     string
	RouterMetadata   map[string]any
	RAGTemplate      bool
	Timeout          time.Duration
}

const fallbackMessage = "I ran into an issue contacting the generation service. Please retry shortly."

var inlineCitationRe = regexp.MustCompile(`\[\^([^\]]+)\]`)

// DocsBaseURL is the configurable base URL citations are resolved against.
var DocsBaseURL = "http://localhost:3000/docs"

func resolveDocURL(metadata map[string]string) string {
	for _, key := range []string{"path", "raw_path", "raw_uri", "rawKey", "raw_key", "object", "object_key"} {
		if v := strings.TrimSpace(metadata[key]); v != "" {
			base := DocsBaseURL
			sep := "?"
			if strings.Contains(base, "?") {
				sep = "&"
			}
			return base + sep + "path=" + url.QueryEscape(v)
		}
	}
	return ""
}

func buildCitationLookup(docs []retrieve.Hit) map[string]Citation {
	lookup := make(map[string]Citation, len(docs))
	for _, d := range docs {
		docID := strings.TrimSpace(d.DocID)
		if docID == "" {
			continue
		}
		title := d.Metadata["title"]
		if title == "" {
			title = d.Metadata["filename"]
		}
		if title == "" {
			title = docID
		}
		u := resolveDocURL(d.Metadata)
		if u == "" {
			u = "doc/" + docID
		}
		lookup[docID] = Citation{ID: docID, Title: title, URL: u}
	}
	return lookup
}

func formatDocuments(docs []retrieve.Hit) string {
	if len(docs) == 0 {
		return "None"
	}
	n := len(docs)
	if n > 5 {
		n = 5
	}
	var parts []string
	for i, d := range docs[:n] {
		id := d.DocID
		if id == "" {
			id = fmt.Sprintf("doc_%d", i+1)
		}
		title := d.Metadata["title"]
		if title == "" {
			title = d.Metadata["filename"]
		}
		if title == "" {
			title = id
		}
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] %s\n%s", id, title, text))
	}
	if len(parts) == 0 {
		return "None"
	}
	return strings.Join(parts, "\n\n")
}

func formatSimulation(risk riskcache.Result) string {
	if len(risk) == 0 {
		return "None"
	}
	stats, _ := risk["stats"].(map[string]any)
	metadata, _ := risk["metadata"].(map[string]any)
	get := func(m map[string]any, key string) any {
		if m == nil {
			return nil
		}
		return m[key]
	}
	n := get(stats, "n")
	if n == nil {
		n = get(metadata, "n")
	}
	notes := get(metadata, "scenarioNotes")
	if notes == nil {
		notes = get(metadata, "notes")
	}
	return fmt.Sprintf("Trials: %v\nMean: %v\nP50: %v\nP95: %v\nP(loss): %v\nNotes: %v",
		n, get(stats, "mean"), get(stats, "p50"), get(stats, "p95"), get(stats, "p_loss"), notes)
}

func formatRecalls(recalls []memorystore.RecallHit) string {
	if len(recalls) == 0 {
		return "None"
	}
	n := len(recalls)
	if n > 5 {
		n = 5
	}
	var lines []string
	for _, r := range recalls[:n] {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		lines = append(lines, "(score="+strconv.FormatFloat(r.Score, 'f', 4, 64)+") "+text)
	}
	if len(lines) == 0 {
		return "None"
	}
	return strings.Join(lines, "\n")
}

func buildInstructions(req Request) []string {
	instructions := []string{
		"You are the final assistant. Use the retrieved DOCUMENTS and/or SIMULATION data plus conversation context.",
		"Follow the user's requested structure exactly - no extra headings unless explicitly asked.",
		"Respond in a single narrative voice - never mention planners, helper modes (LLM/RAG/Risk), or retrieval steps.",
		"Do not inject stock sections such as Executive Summary, Key Facts, Why It Matters, or Next Best Actions unless the user or this system instruction explicitly requires them.",
		req.Shape.Instruction(),
		"Include concrete numbers, deltas, currency, and dates when available.",
		`Return ONLY valid JSON (no Markdown fences) using this schema: {"text":string,"citations":[{"id":string,"title":string}],"chartsSpec":object|null}.`,
		"Fill the 'text' field with the final answer that follows the requested format; use an empty array for 'citations' when none exist and omit extra keys.",
	}
	if WantsCharts(req.UserMsg) {
		instructions = append(instructions, `The user referenced charts/graphs: in addition to the narrative, return a chartsSpec entry that visualises the primary metric using a clear data structure such as {"type":"line","title":"Revenue Growth","data":{"rows":[...]}}.`)
	}
	if len(req.RAGDocs) > 0 && !req.ForceNoCitations {
		instructions = append(instructions, "Each factual sentence (>12 words) that quotes numbers/dates/names from DOCUMENTS must include a citation [^docId] immediately after the claim.")
	}
	if req.RAGTemplate && len(req.RAGDocs) > 0 {
		instructions = append(instructions,
			"Because DOCUMENTS qualified under the evidence gate, follow this structure exactly:",
			"Executive Summary - up to 5 concise bullet points focused on the user's question.",
			"Evidence Table - provide a Markdown table with headers 'Source | Date | Key Fact | Score' and at least 3 rows drawn from distinct documents.",
			`Quotes - add 2-3 short quoted lines ("...") that include inline citations plus source and date in parentheses.`,
			"Citations - finish with a bullet list of the cited doc IDs/titles or links.",
		)
		if req.RouterMetadata != nil {
			instructions = append(instructions, fmt.Sprintf(
				"Append one final line that reports router metadata exactly as route=%v, top_k=%v, threshold=%v, doc_count=%v, max_score=%v.",
				req.RouterMetadata["route"], req.RouterMetadata["top_k"], req.RouterMetadata["threshold"], req.RouterMetadata["doc_count"], req.RouterMetadata["max_score"]))
		} else {
			instructions = append(instructions, "Append one final line summarizing router metadata as route=<mode>, top_k=<value>, threshold=<value>, doc_count=<value>, max_score=<value>.")
		}
	}
	if len(req.Risk) > 0 {
		instructions = append(instructions, "When simulations are used, cite only mean, p50, p95, and probability of loss plus one sentence on assumptions - never dump raw arrays or templates.")
	}
	if req.ForceNoCitations {
		instructions = append(instructions, "Document retrieval was too weak; do NOT fabricate citations.")
	}
	if req.EvidenceHint != "" {
		instructions = append(instructions, "Context note: "+req.EvidenceHint)
	}
	instructions = append(instructions, "Do not repeat this disclosure inside the answer: "+req.Disclosure)
	return instructions
}

type rawDraft struct {
	Text       string           `json:"text"`
	Citations  []map[string]any `json:"citations"`
	ChartsSpec map[string]any   `json:"chartsSpec"`
}

func extractJSON(text string) (rawDraft, error) {
	snippet := strings.TrimSpace(text)
	start := strings.Index(snippet, "{")
	end := strings.LastIndex(snippet, "}")
	if start == -1 || end == -1 || end <= start {
		return rawDraft{}, fmt.Errorf("synthesizer: LLM output missing JSON block")
	}
	var out rawDraft
	if err := json.Unmarshal([]byte(snippet[start:end+1]), &out); err != nil {
		return rawDraft{}, err
	}
	return out, nil
}

func extractInlineDocIDs(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, m := range inlineCitationRe.FindAllStringSubmatch(text, -1) {
		id := strings.TrimSpace(m[1])
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func applyClickableCitations(text string, citations []Citation) string {
	for _, c := range citations {
		title := c.Title
		if title == "" {
			title = c.ID
		}
		urlStr := c.URL
		if urlStr == "" {
			urlStr = "doc/" + c.ID
		}
		pattern := regexp.MustCompile(regexp.QuoteMeta("[^" + c.ID + "]"))
		text = pattern.ReplaceAllString(text, "["+title+"]("+urlStr+")")
	}
	return text
}

// Compose calls the writer LLM with the requested structure enforced and
// returns a normalized Draft. On LLM failure, a fixed retry message is
// returned with empty citations (or, when the call's deadline passed, a
// "Timed out while waiting for <provider>" message); on JSON parse failure,
// inline [^id] references are salvaged from the raw text.
func Compose(ctx context.Context, provider llmgateway.Provider, req Request) Draft {
	instructions := buildInstructions(req)
	contextBlock := "Short context:\n" + orNone(req.ShortCtx) + "\n\n" +
		"Long summary:\n" + orNone(req.LongCtx) + "\n\n" +
		"Vector recalls:\n" + formatRecalls(req.Recalls) + "\n\n" +
		"Documents:\n" + formatDocuments(req.RAGDocs) + "\n\n" +
		"Simulation:\n" + formatSimulation(req.Risk) + "\n\n" +
		"User message:\n" + req.UserMsg

	temperature := 0.35
	if len(req.RAGDocs) > 0 {
		temperature = 0.25
	}

	lookup := buildCitationLookup(req.RAGDocs)

	system := strings.Join(instructions, "\n")
	tokensIn := memorystore.ApproxTokenLen(system) + memorystore.ApproxTokenLen(contextBlock)

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	raw, err := provider.Complete(callCtx, llmgateway.Request{
		System:      system,
		User:        contextBlock,
		Temperature: temperature,
		MaxTokens:   640,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Str("provider", provider.Name()).Msg("synthesizer llm call timed out")
			return Draft{Text: fmt.Sprintf("Timed out while waiting for %s", provider.Name()), Metrics: metricsFor(tokensIn, 0, provider.Name())}
		}
		log.Error().Err(err).Msg("synthesizer llm call failed")
		return Draft{Text: fallbackMessage, Metrics: metricsFor(tokensIn, 0, "")}
	}
	tokensOut := memorystore.ApproxTokenLen(raw)

	parsed, err := extractJSON(raw)
	if err != nil {
		log.Warn().Err(err).Str("raw_sample", sample(raw, 400)).Msg("synthesizer json parse failed, salvaging inline citations")
		inlineIDs := extractInlineDocIDs(raw)
		var citations []Citation
		for _, id := range inlineIDs {
			c, ok := lookup[id]
			if !ok {
				c = Citation{ID: id, Title: id, URL: "doc/" + id}
			}
			citations = append(citations, c)
		}
		text := strings.TrimSpace(raw)
		if text == "" {
			text = fallbackMessage
		}
		text = applyClickableCitations(text, citations)
		return Draft{Text: text, Citations: citations, Metrics: metricsFor(tokensIn, tokensOut, provider.Name())}
	}

	var citations []Citation
	for _, item := range parsed.Citations {
		id := stringField(item, "id", "doc_id")
		if id == "" {
			continue
		}
		lookupEntry := lookup[id]
		title := stringField(item, "title", "name")
		if title == "" {
			title = lookupEntry.Title
		}
		if title == "" {
			title = id
		}
		urlStr := lookupEntry.URL
		if urlStr == "" {
			urlStr = "doc/" + id
		}
		citations = append(citations, Citation{ID: id, Title: title, URL: urlStr})
	}

	text := applyClickableCitations(strings.TrimSpace(parsed.Text), citations)
	return Draft{Text: text, Citations: citations, Charts: parsed.ChartsSpec, Model: provider.Name(), Metrics: metricsFor(tokensIn, tokensOut, provider.Name())}
}

// metricsFor fills the tokens_in/tokens_out/cost_usd fields the response
// envelope's metrics block reports. No provider in this codebase returns
// metered usage, and no pricing table exists anywhere in the corpus, so
// cost_usd stays a fixed 0.0 rather than inventing a rate card.
func metricsFor(tokensIn, tokensOut int, model string) map[string]any {
	m := map[string]any{
		"tokens_in":  tokensIn,
		"tokens_out": tokensOut,
		"cost_usd":   0.0,
	}
	if model != "" {
		m["model"] = model
	}
	return m
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}

func sample(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// AcknowledgeLowEvidence prepends a disclosure when citations were expected
// but retrieval came up short, matching synthesis.py's low-evidence guard.
func AcknowledgeLowEvidence(d Draft) Draft {
	text := "Document search returned insufficient evidence for citations, so the following summary relies on conversation context only:\n\n" + d.Text
	return Draft{Text: text, Citations: nil, Charts: d.Charts, Model: d.Model, Metrics: d.Metrics}
}
