// Package embedprovider implements the embedding half of ingestion: a
// provider chain selected by {ollama|openai|local|auto}, batching, and a
// deterministic local fallback for tests.
package embedprovider

import (
	"context"
	"errors"
	"fmt"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

// Provider embeds a batch of texts into fixed-length vectors.
type Provider interface {
	Name() string
	Dimension() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Chain tries providers in order, falling through to the next on failure;
// "auto" mode chains ollama then openai.
type Chain struct {
	providers []Provider
	batchSize int
}

// New builds the provider chain named by cfg.Mode ("ollama", "openai",
// "local", or "auto"). "auto" tries ollama then openai.
func New(cfg config.EmbeddingConfig) (*Chain, error) {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	switch cfg.Mode {
	case "ollama":
		return &Chain{providers: []Provider{newOllama(cfg)}, batchSize: batch}, nil
	case "openai":
		return &Chain{providers: []Provider{newOpenAI(cfg)}, batchSize: batch}, nil
	case "local":
		return &Chain{providers: []Provider{NewDeterministic(cfg.Dimension, 0)}, batchSize: batch}, nil
	case "auto", "":
		return &Chain{providers: []Provider{newOllama(cfg), newOpenAI(cfg)}, batchSize: batch}, nil
	default:
		return nil, fmt.Errorf("embedprovider: unknown provider %q", cfg.Mode)
	}
}

// EmbedBatch sends texts through providers[0]; on error it falls through to
// the next provider. Batching respects cfg.BatchSize. If every provider
// fails, an aggregated error is returned.
func (c *Chain) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var errs []error
	for _, p := range c.providers {
		out, err := embedBatched(ctx, p, texts, c.batchSize)
		if err == nil {
			return out, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return nil, errors.Join(errs...)
}

func embedBatched(ctx context.Context, p Provider, texts []string, batchSize int) ([][]float32, error) {
	var out [][]float32
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.EmbedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// Dimension returns the dimension of the first configured provider, which
// must match the index template's configured dimension D.
func (c *Chain) Dimension() int {
	if len(c.providers) == 0 {
		return 0
	}
	return c.providers[0].Dimension()
}
