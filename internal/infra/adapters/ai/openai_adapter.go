package ai

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.CompletionClient = (*OpenAIAdapter)(nil)

const providerOpenAI = "openai"

// OpenAIAdapter talks to the Chat Completions API through the official SDK.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// NewOpenAIAdapter builds the adapter. baseURL may be empty for api.openai.com.
func NewOpenAIAdapter(apiKey, baseURL, defaultModel string, timeout time.Duration) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key empty")
	}
	if defaultModel == "" {
		defaultModel = "gpt-3.5-turbo-0125"
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(2),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAIAdapter{
		client: openai.NewClient(opts...),
		model:  defaultModel,
	}, nil
}

func (o *OpenAIAdapter) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	if len(messages) == 0 {
		return model.Message{}, adapter.Usage{}, providerError(providerOpenAI, 0, errNoMessages)
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(modelOrDefault(opts.Model, o.model)),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return model.Message{}, adapter.Usage{}, providerError(providerOpenAI, apiErr.StatusCode, err)
		}
		return model.Message{}, adapter.Usage{}, providerError(providerOpenAI, 0, err)
	}

	u := adapter.Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
	}
	for _, c := range resp.Choices {
		if c.Message.Content != "" {
			return model.Message{
				Role:    replyRole(string(c.Message.Role)),
				Content: c.Message.Content,
			}, u, nil
		}
	}
	return model.Message{}, u, providerError(providerOpenAI, 0, errNoChoices)
}

func toOpenAIMessages(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case model.RoleFunction:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfFunction: &openai.ChatCompletionFunctionMessageParam{
					Content: openai.String(m.Content),
					Name:    functionName(m.Name),
				},
			})
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// functionName fills the name the API requires for function messages.
func functionName(n string) string {
	if n == "" {
		return "function"
	}
	return n
}
