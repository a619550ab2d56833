// Package nlu resolves patient utterances to intents, either through a
// Dialogflow-CX-style detect-intent endpoint or a built-in keyword matcher
// suitable for development and tests.
package nlu

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultLanguageCode is applied when a request does not carry one.
const DefaultLanguageCode = "en"

// Intent is a recognized patient intent and the engine's confidence in it.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Result is the outcome of a single detect-intent call.
type Result struct {
	ResponseID          string         `json:"response_id"`
	QueryText           string         `json:"query_text"`
	Intent              Intent         `json:"intent"`
	Parameters          map[string]any `json:"parameters,omitempty"`
	FulfillmentMessages []string       `json:"fulfillment_messages,omitempty"`
	CurrentPage         string         `json:"current_page,omitempty"`
}

// Engine detects the intent behind a single utterance.
type Engine interface {
	// Provider identifies the engine implementation.
	Provider() string

	// DetectIntent resolves text to an intent within the given session.
	// An empty languageCode falls back to DefaultLanguageCode.
	DetectIntent(ctx context.Context, sessionID, text, languageCode string) (*Result, error)
}

// Config selects and configures an NLU engine.
type Config struct {
	Provider       string `yaml:"provider"`
	Endpoint       string `yaml:"endpoint"`
	Project        string `yaml:"project"`
	Location       string `yaml:"location"`
	Agent          string `yaml:"agent"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Effective returns the config with defaults applied.
func (c Config) Effective() Config {
	out := c
	if out.Provider == "" {
		out.Provider = "static"
	}
	if out.Endpoint == "" {
		out.Endpoint = "https://dialogflow.googleapis.com"
	}
	if out.Location == "" {
		out.Location = "global"
	}
	if out.TimeoutSeconds <= 0 {
		out.TimeoutSeconds = 10
	}
	return out
}

// New builds the engine named by cfg.Provider.
func New(cfg Config, logger *slog.Logger) (Engine, error) {
	cfg = cfg.Effective()
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Provider) {
	case "static":
		return newStaticEngine(logger), nil
	case "dialogflow":
		return newDialogflowEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported nlu provider: %s (supported: dialogflow, static)", cfg.Provider)
	}
}
