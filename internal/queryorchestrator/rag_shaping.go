package queryorchestrator

import (
	"sort"
	"strings"
	"time"

	"github.com/dalibouzir/ragtunnel/internal/retrieve"
)

var appleQueryTerms = []string{
	"Apple",
	`"Apple Inc."`,
	"AAPL",
	"App Store",
	"EU DMA",
	"antitrust",
	"DOJ",
	"CMA",
	"SAMR",
	"services revenue",
	"buybacks",
	"China",
	"India",
	"supply chain",
}

var forceRagKeywords = []string{
	"company", "companies", "financial", "financials", "earnings", "revenue",
	"arr", "mrr", "kpi", "metric", "news", "policy", "regulation", "regulatory",
	"legal", "lawsuit", "litigation", "launch", "product launch", "product",
	"guidance", "since", "trend",
}

var freshnessHints = []string{"latest", "recent", "since", "update", "new", "today", "this week"}

func shouldForceRag(userMsg string) bool {
	lowered := strings.ToLower(userMsg)
	for _, kw := range forceRagKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

func isShortQuery(userMsg string) bool {
	return len(strings.Fields(userMsg)) < 8
}

func needsFreshResults(userMsg string) bool {
	lowered := strings.ToLower(userMsg)
	for _, hint := range freshnessHints {
		if strings.Contains(lowered, hint) {
			return true
		}
	}
	return false
}

func mentionsApple(userMsg string) bool {
	lowered := strings.ToLower(userMsg)
	return strings.Contains(lowered, "apple") || strings.Contains(lowered, "aapl") || strings.Contains(lowered, "app store")
}

// expandQueries dedupes the planner's rewrites (case-insensitively) and, for
// Apple-adjacent questions, appends a fixed set of regulatory/financial
// search terms so a single ambiguous mention of "Apple" pulls in the wider
// context a one-line rewrite would miss.
func expandQueries(baseQueries []string, userMsg string) []string {
	seen := map[string]struct{}{}
	var expanded []string
	for _, q := range baseQueries {
		normalized := strings.TrimSpace(q)
		if normalized == "" {
			continue
		}
		lowered := strings.ToLower(normalized)
		if _, ok := seen[lowered]; ok {
			continue
		}
		seen[lowered] = struct{}{}
		expanded = append(expanded, normalized)
	}
	if mentionsApple(userMsg) {
		for _, term := range appleQueryTerms {
			lowered := strings.ToLower(term)
			if _, ok := seen[lowered]; ok {
				continue
			}
			expanded = append(expanded, term)
			seen[lowered] = struct{}{}
		}
	}
	if len(expanded) == 0 {
		return []string{userMsg}
	}
	return expanded
}

func filterShortChunks(hits []retrieve.Hit, minChars int) []retrieve.Hit {
	out := make([]retrieve.Hit, 0, len(hits))
	for _, h := range hits {
		if len(strings.TrimSpace(h.Text)) >= minChars {
			out = append(out, h)
		}
	}
	return out
}

// hitScore is the ranking score the orchestrator reasons about downstream
// of retrieve.Retriever.Query's own sort: rerank score when one was
// computed, otherwise the fused lexical/vector score.
func hitScore(h retrieve.Hit) float64 {
	if h.RerankScore != 0 {
		return h.RerankScore
	}
	return h.CombinedScore
}

// mergeHits combines hits from multiple rewritten queries by chunk_id,
// keeping the max score seen for each, mirroring fuseMaxPerModality's
// approach to merging modalities applied one level up to merge queries.
func mergeHits(batches [][]retrieve.Hit) []retrieve.Hit {
	byID := map[string]retrieve.Hit{}
	var order []string
	for _, batch := range batches {
		for _, h := range batch {
			existing, ok := byID[h.ChunkID]
			if !ok {
				byID[h.ChunkID] = h
				order = append(order, h.ChunkID)
				continue
			}
			if hitScore(h) > hitScore(existing) {
				byID[h.ChunkID] = h
			}
		}
	}
	out := make([]retrieve.Hit, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return hitScore(out[i]) > hitScore(out[j]) })
	return out
}

var dateMetadataKeys = []string{"date", "published_at", "published", "timestamp"}

func parseDocDate(metadata map[string]string) (time.Time, bool) {
	for _, key := range dateMetadataKeys {
		v := strings.TrimSpace(metadata[key])
		if v == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// applyFreshnessBias re-sorts hits by score plus a flat 0.05 bonus for
// documents dated on or after 2024-01-01.
func applyFreshnessBias(hits []retrieve.Hit, biasRecent bool) []retrieve.Hit {
	if !biasRecent {
		return hits
	}
	type scored struct {
		score float64
		hit   retrieve.Hit
	}
	items := make([]scored, 0, len(hits))
	for _, h := range hits {
		score := hitScore(h)
		if docDate, ok := parseDocDate(h.Metadata); ok && !docDate.Before(dateBiasStart) {
			score += 0.05
		}
		items = append(items, scored{score: score, hit: h})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })
	out := make([]retrieve.Hit, len(items))
	for i, it := range items {
		out[i] = it.hit
	}
	return out
}

func describeTitle(h retrieve.Hit) string {
	for _, key := range []string{"title", "filename", "doc_title", "name"} {
		if v := strings.TrimSpace(h.Metadata[key]); v != "" {
			return v
		}
	}
	for _, key := range []string{"source", "publisher"} {
		if v := strings.TrimSpace(h.Metadata[key]); v != "" {
			return v
		}
	}
	if h.DocID != "" {
		return h.DocID
	}
	return h.ChunkID
}

// deduplicateHits drops hits sharing the same (outlet, date, title) tuple,
// keeping the first (highest-scored, since callers sort beforehand).
func deduplicateHits(hits []retrieve.Hit) []retrieve.Hit {
	seen := map[string]struct{}{}
	out := make([]retrieve.Hit, 0, len(hits))
	for _, h := range hits {
		outlet := strings.ToLower(strings.TrimSpace(firstNonEmpty(h.Metadata["source"], h.Metadata["publisher"], h.Metadata["outlet"])))
		title := strings.ToLower(describeTitle(h))
		dateKey := ""
		if d, ok := parseDocDate(h.Metadata); ok {
			dateKey = d.Format("2006-01-02")
		}
		key := outlet + "|" + dateKey + "|" + title
		if title == "" {
			key = outlet + "|" + dateKey + "|" + h.ChunkID
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, h)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// distinctHighScoreDocIDs returns, in encounter order, the doc_ids of hits
// scoring at or above threshold.
func distinctHighScoreDocIDs(hits []retrieve.Hit, threshold float64) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, h := range hits {
		if hitScore(h) < threshold {
			continue
		}
		id := h.DocID
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

func maxHitScore(hits []retrieve.Hit) float64 {
	best := 0.0
	for _, h := range hits {
		if s := hitScore(h); s > best {
			best = s
		}
	}
	return best
}

func roundTo(f float64, places int) float64 {
	mul := 1.0
	for i := 0; i < places; i++ {
		mul *= 10
	}
	return float64(int(f*mul+0.5)) / mul
}
