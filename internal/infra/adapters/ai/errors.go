package ai

import (
	"context"
	"errors"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

var (
	errNoMessages = errors.New("no messages")
	errNoChoices  = errors.New("no choice content")
)

// providerError wraps err as an adapter.CompletionError. Context errors are
// returned unchanged so callers can tell cancellation from a provider failure.
func providerError(provider string, status int, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &adapter.CompletionError{Provider: provider, StatusCode: status, Err: err}
}

func modelOrDefault(model, def string) string {
	if model != "" {
		return model
	}
	return def
}

// replyRole maps a provider role string back into the closed role set. An
// unknown role is returned as-is; the engine rejects it.
func replyRole(r string) model.Role {
	if r == "" {
		return model.RoleAssistant
	}
	return model.Role(r)
}
