package generation

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// geminiBackend talks to the Gemini API, or to Vertex AI when a GCP project
// is configured. Credentials come from the API key or, on Vertex, from
// application default credentials.
type geminiBackend struct {
	client *genai.Client
	cfg    Config
}

func newGeminiBackend(ctx context.Context, cfg Config) (*geminiBackend, error) {
	cc := &genai.ClientConfig{}
	if cfg.Project != "" {
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		cc.Backend = genai.BackendVertexAI
	} else {
		cc.APIKey = cfg.APIKey
		cc.Backend = genai.BackendGeminiAPI
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &geminiBackend{client: client, cfg: cfg}, nil
}

func (b *geminiBackend) Provider() string { return "Gemini" }

func (b *geminiBackend) Generate(ctx context.Context, model, prompt string) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	temp := b.cfg.Temperature
	gc := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: b.cfg.MaxOutputTokens,
	}

	res, err := b.client.Models.GenerateContent(ctx, model, contents, gc)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}

	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned empty text")
	}
	return text, nil
}
