// Package generation produces agent-assist artifacts (conversation summaries,
// suggested replies, knowledge snippets, intent clarifications) from a
// pluggable text-generation backend. Callers are responsible for redacting
// PHI before anything reaches this package; nothing here writes transcripts
// to logs.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
)

// Capability is the generation surface the assist orchestrator consumes.
// Implementations must be safe for concurrent use.
type Capability interface {
	// Summarize condenses a full conversation into bullet points.
	Summarize(ctx context.Context, messages []conversation.Message) (*SummaryResult, error)

	// SuggestReplies proposes next agent responses given recent context and
	// the patient's most recent message.
	SuggestReplies(ctx context.Context, contextMessages []conversation.Message, lastMessage string) (*ReplyResult, error)

	// KnowledgeSnippet answers an agent-facing query with a short snippet.
	KnowledgeSnippet(ctx context.Context, query string) (*KnowledgeResult, error)

	// ClarifyIntent assesses an NLU classification and, when it looks wrong,
	// proposes a clarifying question to ask the patient.
	ClarifyIntent(ctx context.Context, message, detectedIntent string, confidence float64) (*ClarificationResult, error)
}

// SummaryResult is the outcome of Summarize.
type SummaryResult struct {
	Summary      string `json:"summary"`
	MessageCount int    `json:"message_count"`
	Model        string `json:"model"`
}

// Reply is one suggested agent response.
type Reply struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ReplyResult is the outcome of SuggestReplies.
type ReplyResult struct {
	Replies []Reply `json:"replies"`
	Model   string  `json:"model"`
}

// KnowledgeResult is the outcome of KnowledgeSnippet.
type KnowledgeResult struct {
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevance_score"`
	Model     string  `json:"model"`
}

// ClarificationResult is the outcome of ClarifyIntent. ClarifyingQuestion is
// nil when the model judged the classification correct.
type ClarificationResult struct {
	IsCorrect            bool    `json:"is_correct"`
	ConfidenceAssessment string  `json:"confidence_assessment"`
	ClarifyingQuestion   *string `json:"clarifying_question"`
}

// Constants are the reported scoring values for generated artifacts. The
// backends cannot score their own output, so these stand in until real
// scoring exists; they are configurable rather than buried in code.
type Constants struct {
	SummaryConfidence    float64   `yaml:"summary_confidence"`
	KnowledgeRelevance   float64   `yaml:"knowledge_relevance"`
	ReplyConfidences     []float64 `yaml:"reply_confidences"`
	ExtraReplyConfidence float64   `yaml:"extra_reply_confidence"`
}

// DefaultConstants returns the stock scoring values.
func DefaultConstants() Constants {
	return Constants{
		SummaryConfidence:    0.90,
		KnowledgeRelevance:   0.85,
		ReplyConfidences:     []float64{0.85, 0.80, 0.75},
		ExtraReplyConfidence: 0.70,
	}
}

// Config selects and tunes the generation backend.
type Config struct {
	// Provider is one of "gemini", "openai", or "static".
	Provider string `yaml:"provider"`

	Model          string   `yaml:"model"`
	FallbackModels []string `yaml:"fallback_models"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // OpenAI-compatible endpoint override

	// Project and Location switch the gemini provider to Vertex AI.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`

	Temperature     float32 `yaml:"temperature"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`

	NumReplies          int     `yaml:"num_replies"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`

	MaxRetries       int `yaml:"max_retries"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`

	Constants Constants `yaml:"constants"`
}

// Effective returns the config with zero values filled from defaults.
func (c Config) Effective() Config {
	if c.Provider == "" {
		c.Provider = "gemini"
	}
	if c.Model == "" {
		c.Model = "gemini-pro"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = 1024
	}
	if c.NumReplies == 0 {
		c.NumReplies = 3
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = 0.7
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.InitialBackoffMs == 0 {
		c.InitialBackoffMs = 1000
	}
	if c.MaxBackoffMs == 0 {
		c.MaxBackoffMs = 30000
	}
	if c.Constants.SummaryConfidence == 0 {
		c.Constants.SummaryConfidence = 0.90
	}
	if c.Constants.KnowledgeRelevance == 0 {
		c.Constants.KnowledgeRelevance = 0.85
	}
	if len(c.Constants.ReplyConfidences) == 0 {
		c.Constants.ReplyConfidences = []float64{0.85, 0.80, 0.75}
	}
	if c.Constants.ExtraReplyConfidence == 0 {
		c.Constants.ExtraReplyConfidence = 0.70
	}
	return c
}

// backend is the provider-specific primitive: one prompt in, one text out.
type backend interface {
	// Provider returns the provider name for logs and error messages.
	Provider() string

	// Generate runs a single completion against the named model.
	Generate(ctx context.Context, model, prompt string) (string, error)
}

// Generator implements Capability on top of a backend, adding prompt
// construction, retry with fallback models, and output parsing.
type Generator struct {
	cfg     Config
	backend backend
	logger  *slog.Logger
}

// New builds a Generator for the configured provider. The context is only
// used for backend client construction, not stored.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Generator, error) {
	cfg = cfg.Effective()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "generation")

	var b backend
	var err error
	switch cfg.Provider {
	case "gemini":
		b, err = newGeminiBackend(ctx, cfg)
	case "openai":
		b = newOpenAIBackend(cfg)
	case "static":
		b = newStaticBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown generation provider %q (supported: gemini, openai, static)", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", cfg.Provider, err)
	}

	logger.Info("generation backend ready", "provider", cfg.Provider, "model", cfg.Model)
	return &Generator{cfg: cfg, backend: b, logger: logger}, nil
}

// Provider returns the active backend's provider name.
func (g *Generator) Provider() string {
	return g.backend.Provider()
}

// Summarize implements Capability.
func (g *Generator) Summarize(ctx context.Context, messages []conversation.Message) (*SummaryResult, error) {
	prompt := summarizationPrompt(formatTranscript(messages))
	text, model, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	summary := strings.TrimSpace(text)
	g.logger.Info("conversation summarized", "message_count", len(messages), "summary_length", len(summary))
	return &SummaryResult{Summary: summary, MessageCount: len(messages), Model: model}, nil
}

// SuggestReplies implements Capability. Only the most recent five context
// messages are sent; the raw model output is parsed as a JSON array with a
// plain-line fallback (see parseReplies).
func (g *Generator) SuggestReplies(ctx context.Context, contextMessages []conversation.Message, lastMessage string) (*ReplyResult, error) {
	if len(contextMessages) > 5 {
		contextMessages = contextMessages[len(contextMessages)-5:]
	}
	prompt := smartReplyPrompt(formatTranscript(contextMessages), lastMessage)
	text, model, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("suggest replies: %w", err)
	}

	texts := parseReplies(text, g.cfg.NumReplies)
	replies := make([]Reply, len(texts))
	for i, t := range texts {
		replies[i] = Reply{Text: t, Confidence: g.replyConfidence(i)}
	}
	g.logger.Info("smart replies generated", "num_replies", len(replies))
	return &ReplyResult{Replies: replies, Model: model}, nil
}

// KnowledgeSnippet implements Capability.
func (g *Generator) KnowledgeSnippet(ctx context.Context, query string) (*KnowledgeResult, error) {
	text, model, err := g.generate(ctx, knowledgePrompt(query))
	if err != nil {
		return nil, fmt.Errorf("knowledge snippet: %w", err)
	}
	return &KnowledgeResult{
		Snippet:   strings.TrimSpace(text),
		Relevance: g.cfg.Constants.KnowledgeRelevance,
		Model:     model,
	}, nil
}

// ClarifyIntent implements Capability. Malformed model output falls back to
// a neutral assessment derived from the NLU confidence (see parseClarification).
func (g *Generator) ClarifyIntent(ctx context.Context, message, detectedIntent string, confidence float64) (*ClarificationResult, error) {
	prompt := intentClarificationPrompt(message, detectedIntent, confidence)
	text, _, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("clarify intent: %w", err)
	}
	result := parseClarification(text, confidence, g.cfg.ConfidenceThreshold)
	g.logger.Info("intent clarified", "original_intent", detectedIntent, "is_correct", result.IsCorrect)
	return result, nil
}

func (g *Generator) replyConfidence(i int) float64 {
	if i < len(g.cfg.Constants.ReplyConfidences) {
		return g.cfg.Constants.ReplyConfidences[i]
	}
	return g.cfg.Constants.ExtraReplyConfidence
}

// generate runs the prompt against the primary model and then each fallback
// model, retrying retryable failures per model with exponential backoff.
// Returns the text and the model that produced it.
func (g *Generator) generate(ctx context.Context, prompt string) (string, string, error) {
	models := make([]string, 0, 1+len(g.cfg.FallbackModels))
	models = append(models, g.cfg.Model)
	models = append(models, g.cfg.FallbackModels...)

	initialBackoff := time.Duration(g.cfg.InitialBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(g.cfg.MaxBackoffMs) * time.Millisecond

	var lastErr error
	for _, model := range models {
		for attempt := 0; ; attempt++ {
			text, err := g.backend.Generate(ctx, model, prompt)
			if err == nil {
				return text, model, nil
			}
			lastErr = err

			kind := kindOf(err)
			if !kind.IsRetryable() {
				g.logger.Error("generation failed with non-retryable error",
					"model", model,
					"kind", kind.String(),
					"error", err,
				)
				if kind == KindBilling || kind == KindAuth {
					return "", "", fmt.Errorf("%s (%s): %w", g.backend.Provider(), model, err)
				}
				return "", "", err
			}

			if attempt >= g.cfg.MaxRetries {
				g.logger.Warn("exhausted retries for model, trying next fallback",
					"model", model,
					"attempts", attempt+1,
					"error", err,
				)
				break
			}

			// min(initial * 2^attempt, maxBackoff)
			backoff := initialBackoff
			for i := 0; i < attempt; i++ {
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
					break
				}
			}

			// Respect Retry-After on rate limits.
			retryAfter := backoff
			if apierr, ok := lastErr.(*apiError); ok && apierr.statusCode == 429 && apierr.retryAfterSec > 0 {
				serverDelay := time.Duration(apierr.retryAfterSec) * time.Second
				if serverDelay > maxBackoff {
					serverDelay = maxBackoff
				}
				if serverDelay > retryAfter {
					retryAfter = serverDelay
				}
			}

			g.logger.Info("retrying after retryable error",
				"model", model,
				"attempt", attempt+1,
				"kind", kind.String(),
				"backoff_ms", retryAfter.Milliseconds(),
				"error", err,
			)

			select {
			case <-ctx.Done():
				return "", "", fmt.Errorf("context cancelled during backoff: %w", ctx.Err())
			case <-time.After(retryAfter):
			}
		}
	}
	return "", "", fmt.Errorf("all models and retries exhausted: %w", lastErr)
}

// formatTranscript renders messages as "ROLE: text" lines, the shape every
// prompt template expects.
func formatTranscript(messages []conversation.Message) string {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = strings.ToUpper(m.Role) + ": " + m.Text
	}
	return strings.Join(lines, "\n")
}
