package llmgateway

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

type openaiProvider struct {
	client sdk.Client
	model  string
}

func resolveOpenAIModel(cfg config.LLMConfig) string {
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = "gpt-4o-mini"
	}
	return model
}

func newOpenAI(cfg config.LLMConfig) Provider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.OpenAIAPIKey))}
	return &openaiProvider{client: sdk.NewClient(opts...), model: resolveOpenAIModel(cfg)}
}

func (p *openaiProvider) Name() string { return "openai:" + p.model }

func (p *openaiProvider) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	resp, err := p.client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(p.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(req.System),
			sdk.UserMessage(req.User),
		},
		Temperature:         sdk.Float(req.Temperature),
		MaxCompletionTokens: sdk.Int(maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai complete: empty choices")
	}
	return resp.Choices[0].Message.Content, nil
}
