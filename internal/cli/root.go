// Package cli implements the relay command-line interface.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tessro/relay/internal/paths"
)

// relayDir is the global --relay-dir flag value.
var relayDir string

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Local message relay for AI coding agents",
	Long:  "relay runs a local daemon that routes messages between AI coding agent CLIs over a Unix socket.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Propagate --relay-dir through the environment so every path
		// helper picks it up.
		if relayDir != "" {
			if err := os.Setenv(paths.EnvRelayDir, relayDir); err != nil {
				return err
			}
		}
		return nil
	},
}

// RelayDir returns the value of the --relay-dir flag.
func RelayDir() string {
	return relayDir
}

func init() {
	rootCmd.PersistentFlags().StringVar(&relayDir, "relay-dir", "", "base directory for relay data (overrides ~/.relay)")
}

func Execute() error {
	return rootCmd.Execute()
}
