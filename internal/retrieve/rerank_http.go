package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPReranker calls an external cross-encoder service over HTTP, the way
// riskcache.Client calls the Monte Carlo simulator: POST a small JSON body,
// decode a score back out, and degrade to NoopReranker's zero score on any
// failure rather than fail the query.
type HTTPReranker struct {
	URL        string
	HTTPClient *http.Client
}

// NewHTTPReranker builds a reranker bound to a cross-encoder endpoint.
func NewHTTPReranker(url string, client *http.Client) *HTTPReranker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPReranker{URL: url, HTTPClient: client}
}

type rerankRequest struct {
	Query string `json:"query"`
	Text  string `json:"text"`
}

type rerankResponse struct {
	Score float64 `json:"score"`
}

// Score implements Reranker. Transport and decode failures return a zero
// score with a nil error; a non-200 status returns an error, which
// retrieve.Query treats as "leave RerankScore at 0". Either way the hybrid
// search goes on with a zero rerank score instead of aborting.
func (r *HTTPReranker) Score(ctx context.Context, query, text string) (float64, error) {
	body, err := json.Marshal(rerankRequest{Query: query, Text: text})
	if err != nil {
		return 0, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return 0, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rerank: unexpected status %d", resp.StatusCode)
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, nil
	}
	return out.Score, nil
}

var _ Reranker = (*HTTPReranker)(nil)
