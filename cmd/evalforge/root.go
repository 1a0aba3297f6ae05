package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/evalforge/evalforge/pkg/config"
)

// Version is set via ldflags at build time.
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "evalforge",
	Short: "Multi-agent business idea evaluation engine",
	Long: `Evalforge orchestrates specialized analysis agents over a dependency
graph to evaluate business ideas: market sizing, competitive analysis,
pricing strategy and willingness to pay.

Agents declare their dependencies; the engine dispatches them level by
level, retries transient failures with backoff, and guards failing agents
with circuit breakers.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Path to YAML configuration file")
}

// loadConfig reads the configured file, or defaults when none is given.
func loadConfig() (*config.Config, error) {
	if configFile == "" {
		return config.Default(), nil
	}
	return config.Load(configFile)
}
