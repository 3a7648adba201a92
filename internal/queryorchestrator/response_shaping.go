package queryorchestrator

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/dalibouzir/ragtunnel/internal/planner"
	"github.com/dalibouzir/ragtunnel/internal/retrieve"
	"github.com/dalibouzir/ragtunnel/internal/riskcache"
	"github.com/dalibouzir/ragtunnel/internal/synthesizer"
)

var sentenceSplitRe = regexp.MustCompile(`[.!?]`)

var factualKeywords = []string{"percent", "increase", "decrease", "roi", "margin"}

// countFactualClaims counts sentences that look like they assert a number
// or a financial claim.
func countFactualClaims(text string) int {
	count := 0
	for _, segment := range sentenceSplitRe.Split(text, -1) {
		sentence := strings.TrimSpace(segment)
		if sentence == "" {
			continue
		}
		if containsDigit(sentence) {
			count++
			continue
		}
		lowered := strings.ToLower(sentence)
		for _, kw := range factualKeywords {
			if strings.Contains(lowered, kw) {
				count++
				break
			}
		}
	}
	return count
}

func containsDigit(s string) bool {
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}

type ragPack struct {
	docs       []retrieve.Hit
	confidence float64
	latencyMs  float64
	router     map[string]any
}

type riskPack struct {
	signature string
	result    riskcache.Result
	version   string
	cacheHit  bool
	err       string
}

// buildDisclosure composes the fixed "Answered by LLM with help from: ..."
// sentence reported in telemetry and surfaced to callers that show it.
func buildDisclosure(rag *ragPack, risk *riskPack, dataVersion string) string {
	if rag == nil && risk == nil {
		return "Answered by LLM (no external evidence used)."
	}
	docsUsed := 0
	if rag != nil {
		docsUsed = len(rag.docs)
	}
	riskUsed := risk != nil && len(risk.result) > 0
	simVersion := dataVersion
	if risk != nil && risk.version != "" {
		simVersion = risk.version
	}
	simPhrase := "Simulation (not used)"
	if riskUsed {
		simPhrase = "Simulation v" + simVersion
	}
	return "Answered by LLM with help from: Documents (" + strconv.Itoa(docsUsed) + ") · " + simPhrase
}

// buildUsed assembles the response envelope's "used" block.
func buildUsed(plan planner.Plan, rag *ragPack, risk *riskPack, ragDebug map[string]any) map[string]any {
	used := map[string]any{}
	if rag != nil {
		docIDs := make([]string, 0, len(rag.docs))
		for _, d := range rag.docs {
			id := d.DocID
			if id == "" {
				id = d.ChunkID
			}
			if id != "" {
				docIDs = append(docIDs, id)
			}
		}
		entry := map[string]any{"docIds": docIDs, "confidence": rag.confidence}
		if rag.router != nil {
			entry["router"] = rag.router
		}
		used["rag"] = entry
	} else if ragDebug != nil {
		used["rag"] = map[string]any{"docIds": []string{}, "confidence": 0.0, "debug": ragDebug}
	}
	if risk != nil {
		vars := map[string]any{}
		if plan.RiskSpec != nil {
			if v, ok := plan.RiskSpec["variables"].(map[string]any); ok {
				vars = v
			}
		}
		riskEntry := map[string]any{"signature": risk.signature, "version": risk.version, "vars": vars}
		if risk.err != "" {
			riskEntry["error"] = risk.err
		}
		used["risk"] = riskEntry
	}
	return used
}

// buildCitationMeta resolves final.Citations against the retrieved docs to
// produce the file-path-bearing entries meta.citations exposes, falling
// back to the raw doc list when the writer omitted structured citations.
func buildCitationMeta(citations []synthesizer.Citation, docs []retrieve.Hit) []map[string]any {
	if len(docs) == 0 {
		return nil
	}
	lookup := map[string]retrieve.Hit{}
	var order []string
	for _, d := range docs {
		id := d.DocID
		if id == "" {
			id = d.ChunkID
		}
		if id == "" {
			continue
		}
		if _, ok := lookup[id]; ok {
			continue
		}
		lookup[id] = d
		order = append(order, id)
	}

	entryFor := func(id string, hit retrieve.Hit) map[string]any {
		path := firstNonEmpty(hit.Metadata["path"], hit.Metadata["raw_path"], hit.Metadata["raw_uri"],
			hit.Metadata["rawKey"], hit.Metadata["raw_key"], hit.Metadata["object"], hit.Metadata["object_key"])
		if path == "" {
			return nil
		}
		fileName := firstNonEmpty(hit.Metadata["file_name"], hit.Metadata["filename"], hit.Metadata["original_basename"],
			hit.Metadata["title"], hit.Metadata["doc_title"], hit.Metadata["name"])
		if fileName == "" {
			fileName = id
		}
		entry := map[string]any{"id": id, "file_name": fileName, "path": path}
		if score := hitScore(hit); score != 0 {
			entry["score"] = roundTo(score, 3)
		}
		return entry
	}

	var entries []map[string]any
	seen := map[string]struct{}{}
	for _, c := range citations {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		hit, ok := lookup[id]
		if !ok {
			continue
		}
		if entry := entryFor(id, hit); entry != nil {
			entries = append(entries, entry)
			seen[id] = struct{}{}
		}
	}
	if len(entries) > 0 {
		return entries
	}
	for _, id := range order {
		if _, ok := seen[id]; ok {
			continue
		}
		if entry := entryFor(id, lookup[id]); entry != nil {
			entries = append(entries, entry)
			seen[id] = struct{}{}
		}
	}
	return entries
}
