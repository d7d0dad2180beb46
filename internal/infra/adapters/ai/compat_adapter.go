package ai

import (
	"context"
	"errors"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

var _ adapter.CompletionClient = (*CompatAdapter)(nil)

const providerCompat = "compat"

// CompatAdapter targets OpenAI-compatible gateways (vLLM, Ollama, LocalAI,
// hosted proxies) that expose /v1/chat/completions at a custom base URL.
type CompatAdapter struct {
	client *goopenai.Client
	model  string
}

func NewCompatAdapter(apiKey, baseURL, defaultModel string) (*CompatAdapter, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("compat: base url empty")
	}
	cfg := goopenai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimRight(baseURL, "/")
	return &CompatAdapter{
		client: goopenai.NewClientWithConfig(cfg),
		model:  defaultModel,
	}, nil
}

func (c *CompatAdapter) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	if len(messages) == 0 {
		return model.Message{}, adapter.Usage{}, providerError(providerCompat, 0, errNoMessages)
	}
	req := goopenai.ChatCompletionRequest{
		Model:       modelOrDefault(opts.Model, c.model),
		Messages:    toCompatMessages(messages),
		MaxTokens:   opts.MaxTokens,
		Temperature: float32(opts.Temperature),
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return model.Message{}, adapter.Usage{}, providerError(providerCompat, statusOf(err), err)
	}
	u := adapter.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	for _, ch := range resp.Choices {
		if ch.Message.Content != "" {
			return model.Message{Role: replyRole(ch.Message.Role), Content: ch.Message.Content}, u, nil
		}
	}
	return model.Message{}, u, providerError(providerCompat, 0, errNoChoices)
}

func toCompatMessages(msgs []model.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		msg := goopenai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content}
		if m.Role == model.RoleFunction {
			msg.Name = functionName(m.Name)
		}
		out = append(out, msg)
	}
	return out
}

func statusOf(err error) int {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
