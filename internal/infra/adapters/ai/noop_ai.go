package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

var _ adapter.CompletionClient = (*NoopAIAdapter)(nil)

// NoopAIAdapter answers every query locally for dev runs and tests. The reply
// echoes the last message so round trips are visible.
type NoopAIAdapter struct {
	delay time.Duration
	log   *zerolog.Logger
}

func NewNoopAIAdapter(delay time.Duration, logger *zerolog.Logger) *NoopAIAdapter {
	if logger == nil {
		l := zerolog.Nop()
		logger = &l
	}
	return &NoopAIAdapter{delay: delay, log: logger}
}

func (a *NoopAIAdapter) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return model.Message{}, adapter.Usage{}, ctx.Err()
		}
	}
	if len(messages) == 0 {
		return model.Message{}, adapter.Usage{}, providerError("noop", 0, errNoMessages)
	}
	last := messages[len(messages)-1]
	a.log.Debug().Int("history", len(messages)).Str("model", opts.Model).Msg("noop completion")
	return model.Message{
		Role:    model.RoleAssistant,
		Content: fmt.Sprintf("noop reply to %q", last.Content),
	}, adapter.Usage{}, nil
}
