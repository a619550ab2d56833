package secrets

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService namespaces carewire entries in the OS keyring.
const keyringService = "carewire"

// KnownSecrets lists every credential the service can resolve. Vault and
// keyring entries are stored under these names, and InjectEnv exports them
// under the same names so ${VAR} config references line up.
var KnownSecrets = []string{
	"CAREWIRE_API_TOKEN",
	"GEMINI_API_KEY",
	"OPENAI_API_KEY",
	"TELEPHONY_CLIENT_SECRET",
	"TELEPHONY_WEBHOOK_SECRET",
	"NLU_API_TOKEN",
	"CRM_API_KEY",
	"STORAGE_DSN",
}

// ProviderKeyEnv maps a generation provider to the environment variable
// holding its API key.
var ProviderKeyEnv = map[string]string{
	"gemini": "GEMINI_API_KEY",
	"openai": "OPENAI_API_KEY",
}

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(name, value string) error {
	if err := keyring.Set(keyringService, name, value); err != nil {
		return fmt.Errorf("storing %s in keyring: %w", name, err)
	}
	return nil
}

// GetKeyring retrieves a secret from the OS keyring. Returns an empty string
// when the entry is missing or the keyring is unavailable.
func GetKeyring(name string) string {
	value, err := keyring.Get(keyringService, name)
	if err != nil {
		return ""
	}
	return value
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(name string) error {
	if err := keyring.Delete(keyringService, name); err != nil {
		return fmt.Errorf("deleting %s from keyring: %w", name, err)
	}
	return nil
}

// KeyringAvailable tests whether an OS keyring is usable by writing and
// deleting a probe entry. Headless hosts typically have none.
func KeyringAvailable() bool {
	probe := "carewire-keyring-probe"
	if err := keyring.Set(keyringService, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, probe)
	return true
}

// Resolve looks up one secret by name: unlocked vault first, then OS
// keyring, then the process environment, then the fallback value from the
// config file. Empty results fall through to the next source.
func Resolve(vault *Vault, name, fallback string) string {
	if vault != nil && vault.IsUnlocked() {
		if value, err := vault.Get(name); err == nil && value != "" {
			return value
		}
	}

	if value := GetKeyring(name); value != "" {
		return value
	}

	if value := os.Getenv(name); value != "" {
		return value
	}

	return fallback
}

// Bootstrap opens the vault before configuration is loaded, so vault secrets
// are in the environment by the time ${VAR} references are expanded. The
// password comes from CAREWIRE_VAULT_PASSWORD, or an interactive prompt when
// stdin is a terminal. Returns nil without error when no vault file exists.
func Bootstrap(logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vault := NewVault(VaultFile)
	if !vault.Exists() {
		return nil, nil
	}

	password := os.Getenv(VaultPasswordEnv)
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			logger.Warn("vault found but no password available, secrets will not be loaded",
				"vault", vault.Path(), "env", VaultPasswordEnv)
			return nil, nil
		}
		var err error
		password, err = ReadPassword("Vault password: ")
		if err != nil {
			return nil, fmt.Errorf("reading vault password: %w", err)
		}
	}

	if err := vault.Unlock(password); err != nil {
		return nil, fmt.Errorf("unlocking vault: %w", err)
	}

	if err := vault.InjectEnv(); err != nil {
		return nil, fmt.Errorf("injecting vault secrets: %w", err)
	}

	logger.Info("vault unlocked", "secrets", len(vault.List()))
	return vault, nil
}
