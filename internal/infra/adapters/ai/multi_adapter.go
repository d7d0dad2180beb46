// File: internal/infra/adapters/ai/multi_adapter.go
package ai

import (
	"context"
	"errors"
	"strings"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

var _ adapter.CompletionClient = (*MultiAIAdapter)(nil)

var errNoProvider = errors.New("no completion provider configured")

// MultiAIAdapter routes each call to a provider based on the requested model.
type MultiAIAdapter struct {
	defaultProvider string // e.g., "openai" or "gemini"
	byProvider      map[string]adapter.CompletionClient
	modelToProvider map[string]string // model -> provider
}

// NewMultiAIAdapter does not inject any default model; each provider adapter
// owns its own default.
func NewMultiAIAdapter(
	defaultProvider string,
	byProvider map[string]adapter.CompletionClient,
	modelToProvider map[string]string,
) *MultiAIAdapter {
	return &MultiAIAdapter{
		defaultProvider: strings.ToLower(defaultProvider),
		byProvider:      byProvider,
		modelToProvider: modelToProvider,
	}
}

func (m *MultiAIAdapter) resolveProvider(model string) string {
	if p := m.modelToProvider[model]; p != "" {
		return strings.ToLower(p)
	}
	l := strings.ToLower(model)
	switch {
	case strings.HasPrefix(l, "gemini"):
		return providerGemini
	case strings.HasPrefix(l, "gpt"), strings.HasPrefix(l, "o1"), strings.HasPrefix(l, "o3"):
		return providerOpenAI
	default:
		return m.defaultProvider
	}
}

func (m *MultiAIAdapter) pick(model string) adapter.CompletionClient {
	if a := m.byProvider[m.resolveProvider(model)]; a != nil {
		return a
	}
	if a := m.byProvider[m.defaultProvider]; a != nil {
		return a
	}
	return nil
}

func (m *MultiAIAdapter) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	a := m.pick(opts.Model)
	if a == nil {
		return model.Message{}, adapter.Usage{}, providerError(m.resolveProvider(opts.Model), 0, errNoProvider)
	}
	return a.Complete(ctx, messages, opts)
}
