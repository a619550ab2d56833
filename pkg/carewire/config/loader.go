package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rfontaine/carewire/pkg/carewire/secrets"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
//
// Capture groups:
//   - Group 1: variable name (${} syntax)
//   - Group 2: modifier type ("-" for default, "?" for error)
//   - Group 3: default value or error message
//   - Group 4: variable name (bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads and parses a YAML configuration file. Loads .env files first,
// expands environment references, overlays the result on defaults, and
// resolves secrets. Returns an error if any ${VAR:?error} pattern has its
// variable unset.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying values on
// DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"carewire.yaml",
		"carewire.yml",
		"configs/config.yaml",
		"configs/carewire.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// AuditSecrets warns about credentials hardcoded in the config file. It
// re-reads the file without env expansion, so values that were injected from
// the environment or vault are never flagged; only literals typed into the
// YAML are. Called on startup.
func AuditSecrets(path string, logger *slog.Logger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}

	check := func(value, field, envName string) {
		if value == "" || IsEnvReference(value) || !looksLikeRealKey(value) {
			return
		}
		logger.Warn(field+" appears to be hardcoded in config, move it to the vault or environment",
			"hint", fmt.Sprintf("set '%s' to ${%s}", field, envName))
	}

	genEnv := secrets.ProviderKeyEnv[raw.Generation.Provider]
	if genEnv == "" {
		genEnv = "GEMINI_API_KEY"
	}
	check(raw.Generation.APIKey, "generation.api_key", genEnv)
	check(raw.Gateway.AuthToken, "gateway.auth_token", "CAREWIRE_API_TOKEN")
	check(raw.NLU.Token, "nlu.token", "NLU_API_TOKEN")
	check(raw.CRM.APIKey, "crm.api_key", "CRM_API_KEY")
	check(raw.Telephony.ClientSecret, "telephony.client_secret", "TELEPHONY_CLIENT_SECRET")
	check(raw.Telephony.WebhookSecret, "telephony.webhook_secret", "TELEPHONY_WEBHOOK_SECRET")
}

// IsEnvReference reports whether a string is an environment variable
// reference rather than a literal value.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from the working directory. godotenv does
// NOT overwrite variables that are already set, so vault-injected values
// keep precedence.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with environment values. Unset variables without a modifier
// keep their placeholder. The ${VAR:?error} pattern returns the match
// prefixed with "ERROR:" so validation can catch it.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		submatches := envVarPattern.FindStringSubmatch(match)

		var varName, modifierType, modifierValue, bareVar string
		if len(submatches) >= 2 {
			varName = submatches[1]
		}
		if len(submatches) >= 3 {
			modifierType = submatches[2]
		}
		if len(submatches) >= 4 {
			modifierValue = submatches[3]
		}
		if len(submatches) >= 5 {
			bareVar = submatches[4]
		}

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if varName != "" {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			if modifierType == "?" {
				errorMsg := modifierValue
				if errorMsg == "" {
					errorMsg = "required environment variable not set"
				}
				return "ERROR:" + varName + ":" + errorMsg
			}
			if modifierType == "-" {
				return modifierValue
			}
			return match
		}

		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars plus an error for any
// ${VAR:?error} pattern whose variable is unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	if idx := strings.Index(result, "ERROR:"); idx >= 0 {
		rest := result[idx+len("ERROR:"):]
		colonIdx := strings.Index(rest, ":")
		if colonIdx == -1 {
			return "", fmt.Errorf("config error: malformed error marker")
		}
		varName := rest[:colonIdx]
		errorMsg := strings.SplitN(rest[colonIdx+1:], "\n", 2)[0]
		if errorMsg == "" {
			errorMsg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", varName, errorMsg)
	}
	return result, nil
}

// resolveSecrets fills credential fields that are empty or unresolved
// references from the keyring and environment. Hardcoded values are left
// alone; AuditSecrets warns about those.
func resolveSecrets(cfg *Config) {
	resolve := func(field *string, name string) {
		if *field != "" && !IsEnvReference(*field) {
			return
		}
		if val := secrets.Resolve(nil, name, ""); val != "" {
			*field = val
		}
	}

	resolve(&cfg.Gateway.AuthToken, "CAREWIRE_API_TOKEN")
	if name, ok := secrets.ProviderKeyEnv[strings.ToLower(cfg.Generation.Provider)]; ok {
		resolve(&cfg.Generation.APIKey, name)
	}
	resolve(&cfg.NLU.Token, "NLU_API_TOKEN")
	resolve(&cfg.CRM.APIKey, "CRM_API_KEY")
	resolve(&cfg.Telephony.ClientSecret, "TELEPHONY_CLIENT_SECRET")
	resolve(&cfg.Telephony.WebhookSecret, "TELEPHONY_WEBHOOK_SECRET")
	resolve(&cfg.Storage.DSN, "STORAGE_DSN")
}

// resolveRelativePaths converts relative file paths to absolute ones based
// on the config file's directory, so they work regardless of the working
// directory the service is started from.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	if cfg.Storage.Path != "" {
		cfg.Storage.Path = resolvePathFromConfig(cfg.Storage.Path, configDir)
	}
	if cfg.Rules.File != "" {
		cfg.Rules.File = resolvePathFromConfig(cfg.Rules.File, configDir)
	}
}

// resolvePathFromConfig makes a path absolute, resolving relative paths
// against the config file's directory and expanding a leading ~.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(configDir, path)
}

// looksLikeRealKey heuristically checks whether a string looks like a real
// credential rather than a placeholder or reference.
func looksLikeRealKey(s string) bool {
	if s == "" || IsEnvReference(s) {
		return false
	}
	if strings.HasPrefix(s, "sk-") {
		return true
	}
	return len(s) > 20
}

// checkFilePermissions warns when the config file is group- or
// world-readable.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
