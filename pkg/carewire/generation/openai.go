package generation

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openaiBackend calls an OpenAI-compatible chat completion API. BaseURL
// overrides the endpoint for self-hosted or proxy deployments.
type openaiBackend struct {
	client *openai.Client
	cfg    Config
}

func newOpenAIBackend(cfg Config) *openaiBackend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openaiBackend{client: openai.NewClientWithConfig(clientCfg), cfg: cfg}
}

func (b *openaiBackend) Provider() string { return "OpenAI" }

func (b *openaiBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Temperature: b.cfg.Temperature,
		MaxTokens:   int(b.cfg.MaxOutputTokens),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		// Surface status and body so the retry loop can classify.
		var aerr *openai.APIError
		if errors.As(err, &aerr) {
			return "", &apiError{statusCode: aerr.HTTPStatusCode, body: aerr.Message, provider: "OpenAI"}
		}
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
