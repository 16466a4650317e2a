// Package main implements the signalforged CLI.
//
// Commands are split across files: serve.go runs the full pipeline
// daemon, hitl.go holds the human-in-the-loop question commands, and
// status.go prints aggregate statistics from the data files.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalforge/signalforge/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "signalforged",
	Short: "signalforge - autonomous learning-and-healing pipeline",
	Long: `signalforged runs the signalforge multi-agent pipeline: raw events
flow through the WITNESS perception agent into classified signals, the
ARCHITECT cognition agent plans them into task DAGs, and a durable
priority-ordered message bus carries everything in between.

Run "signalforged serve" to start the daemon, or use the hitl and
status commands against a daemon's data files.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/signalforged.yaml", "Path to configuration file")

	rootCmd.AddCommand(
		serveCmd,
		hitlCmd,
		statusCmd,
	)
}

// loadConfig loads the configured YAML file, falling back to defaults
// when it does not exist.
func loadConfig() *config.Config {
	if _, err := os.Stat(configPath); err != nil {
		return config.DefaultConfig()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", configPath, err)
		return config.DefaultConfig()
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
