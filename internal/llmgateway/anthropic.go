package llmgateway

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

type anthropicProvider struct {
	sdk   anthropic.Client
	model string
}

func resolveAnthropicModel(cfg config.LLMConfig) string {
	model := strings.TrimSpace(cfg.AnthropicModel)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return model
}

func newAnthropic(cfg config.LLMConfig) Provider {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.AnthropicAPIKey))}
	return &anthropicProvider{sdk: anthropic.NewClient(opts...), model: resolveAnthropicModel(cfg)}
}

func (p *anthropicProvider) Name() string { return "anthropic:" + p.model }

func (p *anthropicProvider) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	msg, err := p.sdk.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
		Temperature: anthropic.Float(req.Temperature),
	})
	if err != nil {
		return "", fmt.Errorf("anthropic complete: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}
