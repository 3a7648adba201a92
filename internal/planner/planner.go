// Package planner is an LLM-driven router that decides whether a query
// needs RAG and/or risk simulation, including a fixed keyword list and a
// definitional-pattern override.
package planner

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dalibouzir/ragtunnel/internal/llmgateway"
	"github.com/dalibouzir/ragtunnel/internal/memorystore"
)

// Plan is the structured routing decision the synthesizer consumes.
type Plan struct {
	NeedRAG    bool           `json:"needRag"`
	NeedRisk   bool           `json:"needRisk"`
	RAGQueries []string       `json:"ragQueries"`
	RiskSpec   map[string]any `json:"riskSpec"`
	Expected   []string       `json:"expected"`
	Confidence float64        `json:"confidence"`
}

func defaultPlan() Plan {
	return Plan{Expected: []string{"summary"}}
}

var simKeywords = []string{
	"monte carlo",
	"simulate",
	"simulation",
	"risk scenario",
	"probability distribution",
	"distribution of outcomes",
	"forecast scenarios",
	"n paths",
	"10 000 paths",
	"10000 paths",
	"simulate downside",
	"simulate upside",
	"simulate volatility",
	"simulate revenue range",
}

var definitionalRe = regexp.MustCompile(`(?i)\b(what\s+is|what's|define|explain)\b`)

func forcesRisk(query string) bool {
	lowered := strings.ToLower(query)
	for _, kw := range simKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func looksDefinitional(query string) bool {
	return definitionalRe.MatchString(query)
}

const systemPrompt = `You are a planning agent. Using the user's message and conversation context, decide if the assistant should consult DOCUMENTS (RAG) and/or QUANTITATIVE SIMULATION (RISK).
Avoid keyword bias - reason about the goal. Return strict JSON:
{
  "needRag": boolean,
  "needRisk": boolean,
  "ragQueries": string[],
  "riskSpec": { "variables": {...}, "trials": number, "scenarioNotes": string } | null,
  "expected": ["citations"|"probabilities"|"charts"|"summary"...],
  "confidence": number
}
When the user wants facts/policies/metrics from files, set needRag=true. When they need probabilities, Monte Carlo, ROI, or sensitivities, set needRisk=true. Otherwise both should be false. Respond with JSON only.`

func renderRecalls(recalls []memorystore.RecallHit) string {
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

// Run runs the planner LLM and returns a structured Plan, falling back to
// a permissive default on any JSON/validation failure.
func Run(ctx context.Context, provider llmgateway.Provider, userMsg, shortCtx, longCtx string, recalls []memorystore.RecallHit) Plan {
	contextBlock := "Short-term context:\n" + orNone(shortCtx) + "\n\n" +
		"Long summary:\n" + orNone(longCtx) + "\n\n" +
		"Vector recalls:\n" + renderRecalls(recalls) + "\n\n" +
		"User message:\n" + userMsg

	raw, err := provider.Complete(ctx, llmgateway.Request{
		System:      systemPrompt,
		User:        contextBlock,
		Temperature: 0,
		MaxTokens:   320,
	})
	if err != nil {
		log.Warn().Err(err).Msg("planner llm call failed")
		return defaultPlan()
	}

	var p Plan
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &p); err != nil {
		log.Warn().Err(err).Msg("planner json parse failed")
		return defaultPlan()
	}

	if p.Confidence < 0 {
		p.Confidence = 0
	}
	if p.Confidence > 1 {
		p.Confidence = 1
	}

	force := forcesRisk(userMsg)
	if !force && looksDefinitional(userMsg) {
		p.NeedRisk = false
	}
	if force {
		p.NeedRisk = true
	}
	return p
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}
