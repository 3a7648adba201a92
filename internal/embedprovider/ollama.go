package embedprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

// ollamaProvider calls Ollama's /api/embeddings endpoint directly over
// net/http; there's no dedicated Ollama Go client in play, so the wire
// call is made with the standard library. Everything above the wire call (batching, chaining, fallback) still
// follows the same provider-chain idiom as the other providers.
type ollamaProvider struct {
	baseURL string
	model   string
	dim     int
	client  *http.Client
}

func newOllama(cfg config.EmbeddingConfig) Provider {
	base := strings.TrimRight(cfg.OllamaURL, "/")
	base = strings.TrimSuffix(base, "/api/embeddings")
	if base == "" {
		base = "http://localhost:11434"
	}
	model := cfg.OllamaModel
	if model == "" {
		model = "nomic-embed-text"
	}
	return &ollamaProvider{baseURL: base, model: model, dim: cfg.Dimension, client: http.DefaultClient}
}

func (p *ollamaProvider) Name() string   { return "ollama:" + p.model }
func (p *ollamaProvider) Dimension() int { return p.dim }

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (p *ollamaProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.embedOne(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (p *ollamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: p.model, Prompt: text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama embeddings: status %d", resp.StatusCode)
	}
	var out ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("ollama embeddings: decode: %w", err)
	}
	vec := make([]float32, len(out.Embedding))
	for i, f := range out.Embedding {
		vec[i] = float32(f)
	}
	return vec, nil
}
