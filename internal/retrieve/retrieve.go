// Package retrieve implements the hybrid retriever: BM25 + kNN fused by
// max-score-per-modality (not reciprocal rank fusion), filename scoping,
// cross-encoder rerank with graceful fallback, a per-doc cap, and a
// confidence estimator.
package retrieve

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/dalibouzir/ragtunnel/internal/embedprovider"
	"github.com/dalibouzir/ragtunnel/internal/persistence/databases"
)

// Options configures one retrieval call.
type Options struct {
	TopK           int
	VectorTopK     int
	VectorMinScore float64
	PerDocCap      int
	SourceTag      string
}

func (o Options) normalized() Options {
	if o.TopK <= 0 {
		o.TopK = 10
	}
	if o.VectorTopK <= 0 {
		o.VectorTopK = o.TopK
	}
	if o.PerDocCap <= 0 {
		o.PerDocCap = 2
	}
	return o
}

// Hit is one retrieved chunk with its fused score and explanation.
type Hit struct {
	ChunkID      string
	DocID        string
	Text         string
	Snippet      string
	Metadata     map[string]string
	BM25Score    float64
	VectorScore  float64
	CombinedScore float64
	RerankScore  float64
}

// Reranker scores a (query, text) pair; cross-encoder models implement this.
// When unavailable, callers pass NoopReranker, whose score is always 0 so
// ordering falls back to CombinedScore.
type Reranker interface {
	Score(ctx context.Context, query, text string) (float64, error)
}

type noopReranker struct{}

func (noopReranker) Score(context.Context, string, string) (float64, error) { return 0, nil }

// NoopReranker is the fallback used when no cross-encoder is configured.
var NoopReranker Reranker = noopReranker{}

var filenameTokenRe = regexp.MustCompile(`(?i)\b[\w\-]+\.(txt|pdf|csv|md|docx|pptx|xlsx|json)\b`)

// Retriever wires a lexical store, a vector store, an embedder, and an
// optional reranker into the hybrid retrieval pipeline.
type Retriever struct {
	Search   databases.FullTextSearch
	Vector   databases.VectorStore
	Embedder *embedprovider.Chain
	Rerank   Reranker
}

// Query executes the full hybrid pipeline and returns the final top_k hits.
func (r *Retriever) Query(ctx context.Context, query string, opt Options) ([]Hit, error) {
	opt = opt.normalized()
	size := opt.TopK
	if opt.VectorTopK > size {
		size = opt.VectorTopK
	}

	ftResults, err := r.Search.Search(ctx, query, size)
	if err != nil {
		return nil, err
	}

	var vecResults []databases.VectorResult
	if r.Embedder != nil && r.Vector != nil {
		vecs, embErr := r.Embedder.EmbedBatch(ctx, []string{query})
		if embErr == nil && len(vecs) == 1 {
			vecResults, err = r.Vector.SimilaritySearch(ctx, vecs[0], size, nil)
			if err != nil {
				return nil, err
			}
			vecResults = applyMinScore(vecResults, opt.VectorMinScore)
		}
	}

	merged := fuseMaxPerModality(ftResults, vecResults)

	if opt.SourceTag != "" {
		merged = filterBySource(merged, opt.SourceTag)
	}

	merged = scopeByFilename(merged, query)

	for i := range merged {
		score, rerankErr := r.rerankerOrNoop().Score(ctx, query, merged[i].Text)
		if rerankErr == nil {
			merged[i].RerankScore = score
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].RerankScore != merged[j].RerankScore {
			return merged[i].RerankScore > merged[j].RerankScore
		}
		return merged[i].CombinedScore > merged[j].CombinedScore
	})

	capped := capPerDoc(merged, opt.PerDocCap)
	if len(capped) > opt.TopK {
		capped = capped[:opt.TopK]
	}
	return capped, nil
}

func (r *Retriever) rerankerOrNoop() Reranker {
	if r.Rerank != nil {
		return r.Rerank
	}
	return NoopReranker
}

// fuseMaxPerModality merges lexical and vector hits by chunk_id, keeping the
// max score seen per modality, with combined_score = max(bm25, vector).
func fuseMaxPerModality(ft []databases.SearchResult, vec []databases.VectorResult) []Hit {
	byID := map[string]*Hit{}
	order := []string{}
	get := func(id string) *Hit {
		if h, ok := byID[id]; ok {
			return h
		}
		h := &Hit{ChunkID: id, Metadata: map[string]string{}}
		byID[id] = h
		order = append(order, id)
		return h
	}
	for _, r := range ft {
		h := get(r.ID)
		if r.Score > h.BM25Score {
			h.BM25Score = r.Score
		}
		h.Snippet = r.Snippet
		mergeMetadata(h.Metadata, r.Metadata)
	}
	for _, r := range vec {
		h := get(r.ID)
		if r.Score > h.VectorScore {
			h.VectorScore = r.Score
		}
		mergeMetadata(h.Metadata, r.Metadata)
	}
	out := make([]Hit, 0, len(order))
	for _, id := range order {
		h := byID[id]
		h.DocID = deriveDocID(h.ChunkID, h.Metadata)
		h.CombinedScore = h.BM25Score
		if h.VectorScore > h.CombinedScore {
			h.CombinedScore = h.VectorScore
		}
		if h.Text == "" {
			h.Text = h.Snippet
		}
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CombinedScore > out[j].CombinedScore })
	return out
}

func mergeMetadata(dst, src map[string]string) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}

func applyMinScore(results []databases.VectorResult, min float64) []databases.VectorResult {
	if min <= 0 {
		return results
	}
	filtered := make([]databases.VectorResult, 0, len(results))
	for _, r := range results {
		if r.Score >= min {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		return results
	}
	return filtered
}

func filterBySource(hits []Hit, source string) []Hit {
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if strings.EqualFold(h.Metadata["source"], source) {
			out = append(out, h)
		}
	}
	return out
}

// scopeByFilename restricts hits to those whose filename metadata matches a
// `name.ext` token found in the query. If that leaves zero hits, the
// unscoped set is returned unchanged.
func scopeByFilename(hits []Hit, query string) []Hit {
	token := filenameTokenRe.FindString(query)
	if token == "" {
		return hits
	}
	token = strings.ToLower(token)
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		for _, field := range []string{"filename", "original_basename", "object_suffix"} {
			if strings.Contains(strings.ToLower(h.Metadata[field]), token) {
				out = append(out, h)
				break
			}
		}
	}
	if len(out) == 0 {
		return hits
	}
	return out
}

// capPerDoc retains at most k chunks per doc_id, preserving input order.
func capPerDoc(hits []Hit, k int) []Hit {
	counts := map[string]int{}
	out := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if counts[h.DocID] >= k {
			continue
		}
		counts[h.DocID]++
		out = append(out, h)
	}
	return out
}

func deriveDocID(chunkID string, md map[string]string) string {
	if d := md["doc_id"]; d != "" {
		return d
	}
	return chunkID
}

// Confidence estimates retrieval confidence: given the top and second-top
// combined scores s1 >= s2, confidence = clamp(0.5*s1 + 0.5*(s1-s2), 0,
// 0.99); 0 if s1 <= 0.
func Confidence(hits []Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	s1 := hits[0].CombinedScore
	if s1 <= 0 {
		return 0
	}
	s2 := 0.0
	if len(hits) > 1 {
		s2 = hits[1].CombinedScore
	}
	c := 0.5*s1 + 0.5*(s1-s2)
	if c < 0 {
		c = 0
	}
	if c > 0.99 {
		c = 0.99
	}
	return c
}
