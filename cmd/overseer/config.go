package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/s1366560/overseer/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show resolved configuration",
	Long: `Display the resolved configuration after defaults, the user config
file, project overrides, and environment variables are applied.

Configuration is stored at ~/.config/overseer/config.yaml.
Project-specific overrides can be placed in .overseer.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		displayConfig(cfg)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.Init()
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Add sub-agent definitions under the agents/ directory next to it.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
}

func displayConfig(cfg *config.Config) {
	fmt.Printf("anthropic.api_key: %s\n", config.MaskAPIKey(cfg.Anthropic.APIKey))
	fmt.Printf("anthropic.model: %s\n", cfg.Anthropic.Model)
	fmt.Printf("store.backend: %s\n", cfg.Store.Backend)
	fmt.Printf("store.sqlite.path: %s\n", cfg.Store.SQLite.Path)
	if cfg.Store.Postgres.URL != "" {
		fmt.Printf("store.postgres.url: %s\n", cfg.Store.Postgres.URL)
		fmt.Printf("store.postgres.max_conns: %d\n", cfg.Store.Postgres.MaxConns)
	}
	if cfg.Store.Redis.Addr != "" {
		fmt.Printf("store.redis.addr: %s\n", cfg.Store.Redis.Addr)
		fmt.Printf("store.redis.ttl: %s\n", cfg.Store.Redis.TTL)
	}
	fmt.Printf("registry.capacity: %d\n", cfg.Registry.Capacity)
	fmt.Printf("registry.retention: %s\n", cfg.Registry.Retention)
	fmt.Printf("registry.cross_process: %t\n", cfg.Registry.CrossProcess)
	fmt.Printf("session.lane_capacity: %d\n", cfg.Session.LaneCapacity)
	fmt.Printf("session.default_timeout: %s\n", cfg.Session.DefaultTimeout)
	fmt.Printf("session.announce_max_attempts: %d\n", cfg.Session.AnnounceMaxAttempts)
	fmt.Printf("scheduler.max_parallel: %d\n", cfg.Scheduler.MaxParallel)
	fmt.Printf("scheduler.task_timeout: %s\n", cfg.Scheduler.TaskTimeout)
	fmt.Printf("scheduler.abort_on_failure: %t\n", cfg.Scheduler.AbortOnFailure)
	fmt.Printf("router.skip_threshold: %.2f\n", cfg.Router.SkipThreshold)
	fmt.Printf("router.remote_min_confidence: %.2f\n", cfg.Router.RemoteMinConfidence)
	fmt.Printf("router.keyword_floor: %.2f\n", cfg.Router.KeywordFloor)
	fmt.Printf("decomposer.max_subtasks: %d\n", cfg.Decomposer.MaxSubTasks)
	fmt.Printf("admission.max_per_conversation: %d\n", cfg.Admission.MaxPerConversation)
	fmt.Printf("admission.max_per_requester: %d\n", cfg.Admission.MaxPerRequester)
	fmt.Printf("admission.max_per_lineage: %d\n", cfg.Admission.MaxPerLineage)
	fmt.Printf("admission.max_depth: %d\n", cfg.Admission.MaxDepth)
	fmt.Printf("agents.dir: %s\n", cfg.Agents.Dir)
}
