package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/spf13/cobra"

	"github.com/s1366560/overseer/internal/aggregate"
	"github.com/s1366560/overseer/internal/agent"
	"github.com/s1366560/overseer/internal/config"
	"github.com/s1366560/overseer/internal/decision"
	"github.com/s1366560/overseer/internal/decompose"
	"github.com/s1366560/overseer/internal/registry"
	"github.com/s1366560/overseer/internal/router"
	"github.com/s1366560/overseer/internal/runstore"
	"github.com/s1366560/overseer/internal/scheduler"
	"github.com/s1366560/overseer/pkg/models"
)

var (
	runConversation string
	runAgent        string
	runNoDecompose  bool
	runParallel     int
	runTimeout      time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <task>",
	Short: "Run a task through routing, decomposition, and execution",
	Long: `Run a task end to end.

The task is routed to the best-fitting sub-agent, decomposed into
dependency-ordered subtasks, and executed in parallel with bounded
concurrency. Results are merged into a single rollup.

Use --agent to skip routing and target a sub-agent directly, and
--no-decompose to run the task as a single unit.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().StringVar(&runConversation, "conversation", "default", "Conversation id to record runs under")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Target sub-agent by name, bypassing routing")
	runCmd.Flags().BoolVar(&runNoDecompose, "no-decompose", false, "Run the task as a single subtask")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "Override scheduler max parallel")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Override per-task timeout")
}

func runTask(cmd *cobra.Command, args []string) error {
	task := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	apiKey, err := config.GetAPIKey(cfg)
	if err != nil {
		return err
	}
	agents, err := loadAgents(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := newRegistry(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	decider := decision.NewClaudeClient(client, cfg.Anthropic.Model)

	target := runAgent
	if target == "" {
		d := router.New(decider, router.Config{
			SkipThreshold:       cfg.Router.SkipThreshold,
			RemoteMinConfidence: cfg.Router.RemoteMinConfidence,
			KeywordFloor:        cfg.Router.KeywordFloor,
		}).Route(ctx, task, "", agents)
		if d.SubAgent == "" {
			return fmt.Errorf("no sub-agent matched the task; use --agent to target one directly")
		}
		target = d.SubAgent
		fmt.Printf("Routed to %s (%.0f%% via %s)\n", d.SubAgent, d.Confidence*100, d.Source)
	} else if findAgent(agents, target) == nil {
		return fmt.Errorf("unknown sub-agent %q", target)
	}

	tasks := decomposeTask(ctx, decider, cfg, task, agents, target)
	fmt.Printf("Executing %d subtask(s)\n", len(tasks))

	run, err := reg.CreateRun(ctx, runConversation, target, task, nil)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if _, err := reg.MarkRunning(ctx, runConversation, run.RunID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	batch, err := executeBatch(ctx, client, cfg, tasks, agents)
	if err != nil {
		recordFailure(reg, runConversation, run.RunID, err)
		return err
	}

	results := make([]*models.StepResult, 0, len(batch.Results))
	for _, r := range batch.Results {
		results = append(results, r)
	}
	agg := aggregate.New(aggregate.NewClaudeSummarizer(client, cfg.Anthropic.Model)).
		Merge(ctx, results, batch.Duration)

	if agg.Success {
		if _, err := reg.MarkCompleted(ctx, runConversation, run.RunID, agg.Summary, agg.TokensUsed); err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
	} else {
		if _, err := reg.MarkFailed(ctx, runConversation, run.RunID, agg.Summary); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
	}

	printBatch(run.RunID, batch, agg)
	if !agg.Success {
		return fmt.Errorf("%d of %d subtask(s) failed", batch.Failed, agg.Total)
	}
	return nil
}

// decomposeTask splits the task unless decomposition is disabled, in
// which case a single subtask targets the routed agent.
func decomposeTask(ctx context.Context, decider decision.Client, cfg *config.Config, task string, agents []*models.SubAgentDefinition, target string) []*models.SubTask {
	if runNoDecompose {
		return []*models.SubTask{{ID: "task-1", Description: task, TargetSubAgent: target}}
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}
	tasks := decompose.New(decider, cfg.Decomposer.MaxSubTasks).Decompose(ctx, task, "", names)
	for _, t := range tasks {
		if t.TargetSubAgent == "" {
			t.TargetSubAgent = target
		}
	}
	return tasks
}

// executeBatch runs the subtasks and relays progress to stdout.
func executeBatch(ctx context.Context, client anthropic.Client, cfg *config.Config, tasks []*models.SubTask, agents []*models.SubAgentDefinition) (*scheduler.BatchResult, error) {
	schedCfg := scheduler.Config{
		MaxParallel:    cfg.Scheduler.MaxParallel,
		TaskTimeout:    cfg.Scheduler.TaskTimeout,
		AbortOnFailure: cfg.Scheduler.AbortOnFailure,
	}
	if runParallel > 0 {
		schedCfg.MaxParallel = runParallel
	}
	if runTimeout > 0 {
		schedCfg.TaskTimeout = runTimeout
	}

	sched := scheduler.New(agent.NewClaudeFactory(client, 0), schedCfg)
	events, err := sched.Execute(ctx, tasks, agents, "")
	if err != nil {
		return nil, fmt.Errorf("schedule subtasks: %w", err)
	}

	for ev := range events {
		switch ev.Type {
		case scheduler.EventTaskStarted:
			fmt.Printf("  [%s] started (%s)\n", ev.TaskID, ev.SubAgent)
		case scheduler.EventTaskCompleted:
			fmt.Printf("  [%s] done\n", ev.TaskID)
		case scheduler.EventTaskFailed:
			fmt.Printf("  [%s] failed: %s\n", ev.TaskID, ev.Message)
		case scheduler.EventTaskDropped:
			fmt.Printf("  [%s] dropped: %s\n", ev.TaskID, ev.Message)
		case scheduler.EventBatchCompleted:
			return ev.Batch, nil
		}
	}
	return nil, fmt.Errorf("scheduler closed without a batch result")
}

func recordFailure(reg *registry.Registry, conversationID, runID string, err error) {
	_, _ = reg.MarkFailed(context.Background(), conversationID, runID, err.Error())
}

func printBatch(runID string, batch *scheduler.BatchResult, agg *models.AggregatedResult) {
	fmt.Println()
	fmt.Printf("Run %s: %d completed, %d failed", runID, batch.Completed, batch.Failed)
	if len(batch.Dropped) > 0 {
		fmt.Printf(", %d dropped", len(batch.Dropped))
	}
	fmt.Printf(" in %s\n", batch.Duration.Round(time.Millisecond))
	fmt.Printf("Tokens used: %d\n\n%s\n", agg.TokensUsed, agg.Summary)
}

func findAgent(agents []*models.SubAgentDefinition, name string) *models.SubAgentDefinition {
	for _, a := range agents {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// openStore builds the configured persistence backend, wrapping it in
// the Redis cache when an address is configured.
func openStore(ctx context.Context, cfg *config.Config) (runstore.Store, error) {
	var durable runstore.Store
	switch cfg.Store.Backend {
	case "", "sqlite":
		s, err := runstore.OpenSQLite(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		durable = s
	case "postgres":
		s, err := runstore.OpenPostgres(ctx, runstore.PostgresConfig{
			URL:             cfg.Store.Postgres.URL,
			MaxConns:        cfg.Store.Postgres.MaxConns,
			MinConns:        cfg.Store.Postgres.MinConns,
			MaxConnLifetime: cfg.Store.Postgres.MaxConnLifetime,
			ConnectTimeout:  cfg.Store.Postgres.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		durable = s
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.Redis.Addr == "" {
		return durable, nil
	}
	cache, err := runstore.OpenRedis(ctx, runstore.RedisConfig{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
		TTL:      cfg.Store.Redis.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("open redis cache: %w", err)
	}
	return runstore.NewHybrid(durable, cache), nil
}

func newRegistry(ctx context.Context, store runstore.Store, cfg *config.Config) (*registry.Registry, error) {
	opts := []registry.Option{
		registry.WithCapacity(cfg.Registry.Capacity),
		registry.WithRetention(cfg.Registry.Retention),
	}
	if cfg.Registry.CrossProcess {
		opts = append(opts, registry.WithCrossProcessSync())
	}
	return registry.New(ctx, store, opts...)
}
