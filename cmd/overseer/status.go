package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/s1366560/overseer/pkg/models"
)

var (
	statusConversation string
	statusActive       bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List sub-agent runs for a conversation",
	Long: `Display tracked runs for a conversation, newest first.

Shows each run's id, sub-agent, lifecycle state, and timing. Use
--active to show only pending and running runs.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusConversation, "conversation", "default", "Conversation id to inspect")
	statusCmd.Flags().BoolVar(&statusActive, "active", false, "Show only pending and running runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	reg, err := newRegistry(ctx, store, cfg)
	if err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}

	var statuses []models.RunStatus
	if statusActive {
		statuses = []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}
	}
	runs, err := reg.ListRuns(ctx, statusConversation, statuses...)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if len(runs) == 0 {
		fmt.Printf("No runs in conversation %q.\n", statusConversation)
		return nil
	}

	fmt.Printf("Conversation %s: %d run(s)\n\n", statusConversation, len(runs))
	for _, run := range runs {
		fmt.Printf("  %s  %-10s %-12s %s\n", run.RunID, run.Status, runTiming(run), run.SubAgentName)
		fmt.Printf("    task: %s\n", truncate(run.Task, 70))
		if run.Error != "" {
			fmt.Printf("    error: %s\n", truncate(run.Error, 70))
		}
	}
	return nil
}

// runTiming renders elapsed time for active runs and total execution
// time for terminal ones.
func runTiming(run *models.SubAgentRun) string {
	if run.Status.Terminal() {
		if run.ExecutionTimeMS > 0 {
			return formatDuration(time.Duration(run.ExecutionTimeMS) * time.Millisecond)
		}
		return "-"
	}
	if run.StartedAt != nil {
		return formatDuration(time.Since(*run.StartedAt))
	}
	return formatDuration(time.Since(run.CreatedAt))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if m > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dh", h)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
