// File: internal/infra/adapters/ai/gemini_adapter.go
package ai

import (
	"context"
	"errors"

	"google.golang.org/genai"

	"conversation-api/internal/domain/model"
	"conversation-api/internal/domain/ports/adapter"
)

var _ adapter.CompletionClient = (*GeminiAdapter)(nil)

const providerGemini = "gemini"

type GeminiAdapter struct {
	client       *genai.Client
	defaultModel string
}

// NewGeminiAdapter creates a Gemini adapter using the official SDK.
func NewGeminiAdapter(ctx context.Context, apiKey, baseURL, defaultModel string) (*GeminiAdapter, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL: baseURL,
		},
	})
	if err != nil {
		return nil, err
	}
	if defaultModel == "" {
		defaultModel = "gemini-2.0-flash"
	}
	return &GeminiAdapter{client: c, defaultModel: defaultModel}, nil
}

func (g *GeminiAdapter) Complete(ctx context.Context, messages []model.Message, opts adapter.CompletionOptions) (model.Message, adapter.Usage, error) {
	if len(messages) == 0 {
		return model.Message{}, adapter.Usage{}, providerError(providerGemini, 0, errNoMessages)
	}
	system, contents := toGenAIContents(messages)
	cfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(opts.Temperature)),
		SystemInstruction: system,
	}
	if opts.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(opts.MaxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, modelOrDefault(opts.Model, g.defaultModel), contents, cfg)
	if err != nil {
		return model.Message{}, adapter.Usage{}, providerError(providerGemini, geminiStatus(err), err)
	}

	u := adapter.Usage{}
	if resp.UsageMetadata != nil {
		u.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		u.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		u.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	text := resp.Text()
	if text == "" {
		return model.Message{}, u, providerError(providerGemini, 0, errNoChoices)
	}
	return model.Message{Role: model.RoleAssistant, Content: text}, u, nil
}

// toGenAIContents splits system messages into the system instruction; Gemini
// history only knows "user" and "model".
func toGenAIContents(msgs []model.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case model.RoleAssistant:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return system, out
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
