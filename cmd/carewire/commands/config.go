package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configTemplate is written by `carewire config init`. Secrets are env
// references so the raw file never holds credentials.
const configTemplate = `# CareWire service configuration.
# Values of the form ${NAME} are resolved from the vault, the OS keyring,
# or the environment at startup.

app:
  name: carewire
  environment: development
  request_timeout_seconds: 30
  max_conversation_history: 50

gateway:
  address: ":8080"
  auth_token: ${CAREWIRE_API_TOKEN}
  cors_origins: []
  rate:
    rps: 10
    burst: 20

# Reply and summary generation. Provider "static" needs no API key and is
# meant for local development.
generation:
  provider: gemini
  model: gemini-pro
  api_key: ${GEMINI_API_KEY}
  temperature: 0.7
  max_output_tokens: 1024
  num_replies: 3
  confidence_threshold: 0.7

# Intent detection. Provider "dialogflow" needs project and token; "static"
# matches keywords locally.
nlu:
  provider: static
  project: ""
  location: global
  agent: ""
  token: ${NLU_API_TOKEN}

# Patient records. Provider "sql" reads from the storage database below;
# "salesforce" is a canned demo directory.
crm:
  provider: salesforce
  endpoint: ""
  api_key: ${CRM_API_KEY}

# Contact-center platform client. Leave client_id empty to run webhook-only
# (no wrap-up or agent notifications).
telephony:
  client_id: ""
  client_secret: ${TELEPHONY_CLIENT_SECRET}
  webhook_secret: ${TELEPHONY_WEBHOOK_SECRET}
  wrapup_code: ""

# Archive database for closed conversations.
storage:
  driver: sqlite
  path: ./data/carewire.db

# Extra PHI categories on top of the built-in ones. Each entry needs a name
# and an RE2 pattern.
redaction:
  extra: []

# Next-best-action rules. A file is hot-reloaded on change; inline actions
# are fixed until restart. Built-in defaults apply when both are empty.
rules:
  file: ""
  actions: []

assist:
  operation_timeout_ms: 15000
  max_parallel: 3

conversation:
  max_idle_minutes: 120

scheduler:
  enabled: true
  sweep_spec: "*/10 * * * *"
  token_refresh_spec: "*/45 * * * *"
  snapshot_spec: "0 * * * *"

logging:
  level: info
  format: json
`

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage service configuration",
		Long: `Inspect and manage the carewire configuration file.

Examples:
  carewire config init
  carewire config show
  carewire config validate`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
	)

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = "config.yaml"
			}

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", path)
			}

			if err := os.WriteFile(path, []byte(configTemplate), 0o600); err != nil {
				return fmt.Errorf("writing config: %w", err)
			}

			fmt.Printf("Wrote %s\n", path)
			fmt.Println("Store credentials with 'carewire vault set <NAME>' or export them as environment variables.")
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg.Sanitized())
			if err != nil {
				return fmt.Errorf("encoding config: %w", err)
			}

			fmt.Printf("# %s\n", path)
			fmt.Print(string(out))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file for errors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
}
