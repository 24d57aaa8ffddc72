package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/s1366560/overseer/internal/config"
	"github.com/s1366560/overseer/pkg/models"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "overseer",
	Short: "Sub-agent orchestration engine",
	Long: `Overseer routes user requests to specialized sub-agents, decomposes
large tasks into dependency-ordered subtasks, and executes them in
parallel with bounded concurrency.

Runs are tracked per conversation with full lifecycle state, survive
process restarts, and can be listed, cancelled, and inspected at any
point.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (default: XDG config dir)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration, honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// loadAgents loads sub-agent definitions from the configured directory.
func loadAgents(cfg *config.Config) ([]*models.SubAgentDefinition, error) {
	defs, err := config.LoadAgentDefinitions(cfg.Agents.Dir)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no sub-agent definitions in %s", cfg.Agents.Dir)
	}
	return defs, nil
}
