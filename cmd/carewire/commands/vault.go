package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rfontaine/carewire/pkg/carewire/secrets"
)

func newVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage the encrypted credential vault",
		Long: `Manage the encrypted vault (` + secrets.VaultFile + `) that holds service
credentials. On startup the vault is unlocked and its secrets are injected
into the environment, where ${NAME} config references pick them up.

Set ` + secrets.VaultPasswordEnv + ` to unlock without a prompt.

Examples:
  carewire vault init
  carewire vault set GEMINI_API_KEY
  carewire vault list`,
	}

	cmd.AddCommand(
		newVaultInitCmd(),
		newVaultSetCmd(),
		newVaultGetCmd(),
		newVaultListCmd(),
		newVaultDeleteCmd(),
		newVaultChangePasswordCmd(),
	)

	return cmd
}

// openVault unlocks the existing vault, prompting for the password unless
// the environment provides it.
func openVault() (*secrets.Vault, error) {
	v := secrets.NewVault(secrets.VaultFile)
	if !v.Exists() {
		return nil, fmt.Errorf("no vault at %s, run 'carewire vault init' first", secrets.VaultFile)
	}

	password := os.Getenv(secrets.VaultPasswordEnv)
	if password == "" {
		var err error
		password, err = secrets.ReadPassword("Vault password: ")
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
	}

	if err := v.Unlock(password); err != nil {
		return nil, err
	}
	return v, nil
}

func newVaultInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new vault",
		RunE: func(_ *cobra.Command, _ []string) error {
			v := secrets.NewVault(secrets.VaultFile)
			if v.Exists() {
				return fmt.Errorf("vault already exists at %s", secrets.VaultFile)
			}

			password, err := secrets.ReadPassword("New vault password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			confirm, err := secrets.ReadPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if password != confirm {
				return fmt.Errorf("passwords do not match")
			}

			if err := v.Create(password); err != nil {
				return err
			}

			fmt.Printf("Vault created at %s\n", secrets.VaultFile)
			fmt.Printf("Known secret names: %s\n", strings.Join(secrets.KnownSecrets, ", "))
			return nil
		},
	}
}

func newVaultSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret in the vault",
		Long: `Store a secret. When VALUE is omitted it is read from a hidden
prompt, which keeps the secret out of shell history.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}

			name := args[0]
			var value string
			if len(args) == 2 {
				value = args[1]
			} else {
				value, err = secrets.ReadPassword(fmt.Sprintf("Value for %s: ", name))
				if err != nil {
					return fmt.Errorf("reading value: %w", err)
				}
			}
			if value == "" {
				return fmt.Errorf("refusing to store an empty value")
			}

			if err := v.Set(name, value); err != nil {
				return err
			}

			fmt.Printf("Stored %s\n", name)
			return nil
		},
	}
}

func newVaultGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAME",
		Short: "Print a secret value",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}

			value, err := v.Get(args[0])
			if err != nil {
				return err
			}

			fmt.Println(value)
			return nil
		},
	}
}

func newVaultListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored secret names",
		RunE: func(_ *cobra.Command, _ []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}

			names := v.List()
			if len(names) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newVaultDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a secret from the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}

			if err := v.Delete(args[0]); err != nil {
				return err
			}

			fmt.Printf("Deleted %s\n", args[0])
			return nil
		},
	}
}

func newVaultChangePasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-password",
		Short: "Re-encrypt the vault under a new password",
		RunE: func(_ *cobra.Command, _ []string) error {
			v, err := openVault()
			if err != nil {
				return err
			}

			newPassword, err := secrets.ReadPassword("New vault password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			confirm, err := secrets.ReadPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if newPassword != confirm {
				return fmt.Errorf("passwords do not match")
			}

			if err := v.ChangePassword(newPassword); err != nil {
				return err
			}

			fmt.Println("Vault password changed.")
			return nil
		},
	}
}
