package embedprovider

import (
	"context"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

// openaiProvider calls the OpenAI embeddings endpoint, grounded on the
// teacher's internal/llm/openai client's NewClient(opts...) idiom.
type openaiProvider struct {
	client sdk.Client
	model  string
	dim    int
}

func newOpenAI(cfg config.EmbeddingConfig) Provider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIKey)}
	model := cfg.OpenAIModel
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openaiProvider{client: sdk.NewClient(opts...), model: model, dim: cfg.Dimension}
}

func (p *openaiProvider) Name() string   { return "openai:" + p.model }
func (p *openaiProvider) Dimension() int { return p.dim }

func (p *openaiProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embeddings.New(ctx, sdk.EmbeddingNewParams{
		Model: sdk.EmbeddingModel(p.model),
		Input: sdk.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
