// Package config defines the service configuration and loads it from YAML
// with environment expansion and secret resolution.
package config

import (
	"fmt"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/assist"
	"github.com/rfontaine/carewire/pkg/carewire/crm"
	"github.com/rfontaine/carewire/pkg/carewire/generation"
	"github.com/rfontaine/carewire/pkg/carewire/nlu"
	"github.com/rfontaine/carewire/pkg/carewire/redact"
	"github.com/rfontaine/carewire/pkg/carewire/storage"
	"github.com/rfontaine/carewire/pkg/carewire/telephony"
)

// Config holds the full service configuration.
type Config struct {
	// App holds service identity and request-level limits.
	App AppConfig `yaml:"app"`

	// Gateway configures the HTTP listener and its middleware.
	Gateway GatewayConfig `yaml:"gateway"`

	// Generation selects and tunes the reply/summary backend.
	Generation generation.Config `yaml:"generation"`

	// Redaction adds deployment-specific PHI categories on top of the
	// built-in ones.
	Redaction RedactionConfig `yaml:"redaction"`

	// Rules configures the keyword-to-action suggestion table.
	Rules RulesConfig `yaml:"rules"`

	// Assist tunes the agent-assist orchestrator.
	Assist AssistConfig `yaml:"assist"`

	// Conversation controls the in-memory conversation store.
	Conversation ConversationConfig `yaml:"conversation"`

	// NLU configures intent detection.
	NLU nlu.Config `yaml:"nlu"`

	// CRM configures the patient-record backend.
	CRM crm.Config `yaml:"crm"`

	// Telephony configures the contact-center platform client and webhooks.
	Telephony telephony.Config `yaml:"telephony"`

	// Storage configures the archive database.
	Storage storage.Config `yaml:"storage"`

	// Scheduler configures the background jobs.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures log level and format.
	Logging LoggingConfig `yaml:"logging"`
}

// AppConfig holds service identity and request-level limits.
type AppConfig struct {
	// Name is the service name used in logs and responses.
	Name string `yaml:"name"`

	// Environment is "development" or "production".
	Environment string `yaml:"environment"`

	// RequestTimeoutSeconds bounds each gateway request (default: 30).
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// MaxConversationHistory caps the messages returned and fed to
	// generation per conversation (default: 50).
	MaxConversationHistory int `yaml:"max_conversation_history"`
}

// GatewayConfig configures the HTTP listener.
type GatewayConfig struct {
	// Address is the listen address (default: ":8080").
	Address string `yaml:"address"`

	// AuthToken is the Bearer token required on /api/* routes
	// (empty = no auth).
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins lists allowed origins for CORS (empty = no CORS).
	CORSOrigins []string `yaml:"cors_origins"`

	// Rate is the per-caller token bucket.
	Rate RateConfig `yaml:"rate"`
}

// RateConfig is a per-caller token bucket.
type RateConfig struct {
	// RPS is the sustained requests per second per caller (default: 10).
	RPS float64 `yaml:"rps"`

	// Burst is the instantaneous allowance per caller (default: 20).
	Burst int `yaml:"burst"`
}

// RedactionConfig adds deployment-specific PHI patterns. Extra rules run
// after the built-in categories.
type RedactionConfig struct {
	Extra []redact.Rule `yaml:"extra"`
}

// RulesConfig configures action suggestions. File points at a YAML rules
// file that is hot-reloaded on change; Actions defines rules inline. File
// wins when both are set; built-ins apply when neither is.
type RulesConfig struct {
	File    string              `yaml:"file"`
	Actions []assist.ActionRule `yaml:"actions"`
}

// AssistConfig tunes the agent-assist orchestrator.
type AssistConfig struct {
	// OperationTimeoutMs bounds each generation sub-operation
	// (default: 15000).
	OperationTimeoutMs int `yaml:"operation_timeout_ms"`

	// MaxParallel caps concurrent sub-operations (default: 3).
	MaxParallel int `yaml:"max_parallel"`
}

// ConversationConfig controls the in-memory conversation store.
type ConversationConfig struct {
	// MaxIdleMinutes is how long a conversation may sit without activity
	// before the sweep closes it (default: 120).
	MaxIdleMinutes int `yaml:"max_idle_minutes"`
}

// SchedulerConfig configures the background jobs. Specs use standard
// 5-field cron syntax; an empty spec disables that job.
type SchedulerConfig struct {
	// Enabled turns the scheduler on/off (default: true).
	Enabled bool `yaml:"enabled"`

	// SweepSpec schedules the stale-conversation sweep (default: every
	// 10 minutes).
	SweepSpec string `yaml:"sweep_spec"`

	// TokenRefreshSpec schedules proactive platform token refresh
	// (default: every 45 minutes).
	TokenRefreshSpec string `yaml:"token_refresh_spec"`

	// SnapshotSpec schedules the metrics snapshot log line (default:
	// hourly).
	SnapshotSpec string `yaml:"snapshot_spec"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:                   "carewire",
			Environment:            "development",
			RequestTimeoutSeconds:  30,
			MaxConversationHistory: 50,
		},
		Gateway: GatewayConfig{
			Address: ":8080",
			Rate: RateConfig{
				RPS:   10,
				Burst: 20,
			},
		},
		Generation: generation.Config{}.Effective(),
		NLU:        nlu.Config{}.Effective(),
		CRM: crm.Config{
			Provider: "salesforce",
		},
		Telephony: telephony.Config{}.Effective(),
		Storage:   storage.Config{}.Effective(),
		Conversation: ConversationConfig{
			MaxIdleMinutes: 120,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			SweepSpec:        "*/10 * * * *",
			TokenRefreshSpec: "*/45 * * * *",
			SnapshotSpec:     "0 * * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// AssistSettings assembles the orchestrator settings from the assist and
// generation sections.
func (c *Config) AssistSettings() assist.Config {
	return assist.Config{
		OperationTimeout: time.Duration(c.Assist.OperationTimeoutMs) * time.Millisecond,
		MaxParallel:      c.Assist.MaxParallel,
		Constants:        c.Generation.Constants,
	}
}

// Validate checks cross-field constraints the section types cannot. Provider
// and driver names are validated by their constructors.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}

	if c.Gateway.Address == "" {
		return fmt.Errorf("gateway.address must not be empty")
	}
	if c.Gateway.Rate.RPS < 0 {
		return fmt.Errorf("gateway.rate.rps must not be negative")
	}
	if c.Gateway.Rate.Burst < 0 {
		return fmt.Errorf("gateway.rate.burst must not be negative")
	}

	if c.App.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("app.request_timeout_seconds must be positive")
	}
	if c.App.MaxConversationHistory <= 0 {
		return fmt.Errorf("app.max_conversation_history must be positive")
	}
	if c.Conversation.MaxIdleMinutes <= 0 {
		return fmt.Errorf("conversation.max_idle_minutes must be positive")
	}

	return nil
}

// Sanitized returns a copy safe to print: secret values are replaced with a
// placeholder, environment references are kept as written.
func (c *Config) Sanitized() Config {
	out := *c
	out.Gateway.AuthToken = maskSecret(c.Gateway.AuthToken)
	out.Generation.APIKey = maskSecret(c.Generation.APIKey)
	out.NLU.Token = maskSecret(c.NLU.Token)
	out.CRM.APIKey = maskSecret(c.CRM.APIKey)
	out.Telephony.ClientSecret = maskSecret(c.Telephony.ClientSecret)
	out.Telephony.WebhookSecret = maskSecret(c.Telephony.WebhookSecret)
	out.Storage.DSN = maskSecret(c.Storage.DSN)
	return out
}

func maskSecret(value string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	return "[redacted]"
}
