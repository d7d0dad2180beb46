package ai

import (
	"context"
	"time"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
	"conversation-api/internal/infra/metrics"
)

// Compile-time check
var _ adapter.CompletionClient = (*limitedAI)(nil)

// limitedAI bounds in-flight completions and records call metrics. Waiting
// for a slot honours ctx.
type limitedAI struct {
	inner    adapter.CompletionClient
	provider string
	sem      chan struct{}
	timeout  time.Duration
}

func NewLimitedAI(inner adapter.CompletionClient, provider string, maxConcurrent int, timeout time.Duration) adapter.CompletionClient {
	l := &limitedAI{inner: inner, provider: provider, timeout: timeout}
	if maxConcurrent > 0 {
		l.sem = make(chan struct{}, maxConcurrent)
	}
	return l
}

func (l *limitedAI) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	if l.sem != nil {
		select {
		case l.sem <- struct{}{}:
			defer func() { <-l.sem }()
		case <-ctx.Done():
			return model.Message{}, adapter.Usage{}, ctx.Err()
		}
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	metrics.IncAIInFlight()
	defer metrics.DecAIInFlight()

	start := time.Now()
	reply, usage, err := l.inner.Complete(ctx, messages, opts)
	metrics.ObserveCompletion(l.provider, opts.Model, usage.PromptTokens, usage.CompletionTokens, time.Since(start).Milliseconds(), err == nil)
	return reply, usage, err
}
