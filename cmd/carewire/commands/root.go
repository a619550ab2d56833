// Package commands implements the carewire CLI.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "carewire",
		Short: "CareWire - healthcare contact center orchestration",
		Long: `CareWire connects a contact-center platform to intent detection,
patient records, and real-time agent assistance. It receives telephony
webhooks, answers virtual-agent fulfillment calls, and suggests
summaries, replies, and next actions to human agents.

Examples:
  carewire serve
  carewire serve --config ./config.yaml
  carewire config validate
  carewire vault init
  carewire health`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newConfigCmd(),
		newVaultCmd(),
		newHealthCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
