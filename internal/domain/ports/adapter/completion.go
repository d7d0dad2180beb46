package adapter

import (
	"context"
	"fmt"

	"conversation-api/internal/domain/model"
)

// CompletionOptions are the sampling settings for a single completion call.
type CompletionOptions struct {
	Model       string // empty means the provider default
	Temperature float64
	MaxTokens   int // 0 means provider default
}

// Usage for a single completion call, as reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionClient is the port for the LLM completion service. Given the
// ordered history it returns exactly one reply message.
type CompletionClient interface {
	Complete(ctx context.Context, messages []model.Message, opts CompletionOptions) (model.Message, Usage, error)
}

// TokenCounter returns the token cost of text under a fixed encoding.
// It must be deterministic and return 0 for the empty string.
type TokenCounter interface {
	Count(text string) int
}

// CompletionError is returned by completion adapters when the provider rejects
// the request, throttles it or answers with something unusable.
type CompletionError struct {
	Provider   string
	StatusCode int // HTTP status when known, else 0
	Err        error
}

func (e *CompletionError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// RateLimited reports whether the provider throttled the call.
func (e *CompletionError) RateLimited() bool { return e.StatusCode == 429 }
