// Package commands implements the quilt command-line interface using
// Cobra: run the engine, manage configuration, print the version.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "quilt",
	Short: "quilt is a private mesh engine",
	Long: `quilt runs a device inside a private peer-to-peer network:
tiered peer discovery, direct and relayed delivery, presence gossip,
and store-and-forward messaging for peers that are offline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "quilt.json", "Path to the configuration file")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
