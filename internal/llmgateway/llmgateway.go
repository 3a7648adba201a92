// Package llmgateway wraps anthropic-sdk-go and openai-go/v2 behind a
// single-shot strict-JSON completion interface for the planner and
// synthesizer. It is deliberately simpler than a tool-calling/streaming/
// multi-modal chat client: the orchestrator only ever needs "send a
// system+user prompt, get back text" at temperature 0.
package llmgateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/dalibouzir/ragtunnel/internal/config"
)

// Request is one completion call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Provider performs a single-shot completion and returns raw text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// New selects anthropic or openai per cfg.Provider and enforces
// cfg.AllowedModelID when set: a configured model id other than the
// allowed one causes every Complete call to fail closed rather than reach
// the provider.
func New(cfg config.LLMConfig) (Provider, error) {
	var p Provider
	var model string
	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "":
		model = resolveAnthropicModel(cfg)
		p = newAnthropic(cfg)
	case "openai":
		model = resolveOpenAIModel(cfg)
		p = newOpenAI(cfg)
	default:
		return nil, fmt.Errorf("llmgateway: unknown provider %q", cfg.Provider)
	}

	if allowed := strings.TrimSpace(cfg.AllowedModelID); allowed != "" && model != allowed {
		msg := fmt.Sprintf("ERROR: MODEL_NOT_ALLOWED. Requested=%s Allowed=%s", model, allowed)
		return &deniedProvider{message: msg}, nil
	}
	return p, nil
}

// deniedProvider refuses every completion because the configured model id
// is not the allowed one. It still satisfies Provider so callers don't
// need a separate construction-time error path; the refusal surfaces as
// the text a caller sends back to the user.
type deniedProvider struct {
	message string
}

func (p *deniedProvider) Name() string { return "denied" }

func (p *deniedProvider) Complete(_ context.Context, _ Request) (string, error) {
	return "", fmt.Errorf("%s", p.message)
}

// Denied reports whether p is a model-not-allowed refusal, returning the
// exact user-visible text it refuses every completion with.
func Denied(p Provider) (string, bool) {
	dp, ok := p.(*deniedProvider)
	if !ok {
		return "", false
	}
	return dp.message, true
}
