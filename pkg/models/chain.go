package models

import "time"

// StepResult is the outcome of one chain step or scheduled sub-task.
type StepResult struct {
	// TaskID identifies the sub-task or step.
	TaskID string `json:"task_id"`
	// SubAgentName is the sub-agent that executed the step.
	SubAgentName string `json:"subagent_name"`
	// Success reports whether the step completed without error.
	Success bool `json:"success"`
	// Summary is a short form of the step output.
	Summary string `json:"summary,omitempty"`
	// FullText is the complete step output.
	FullText string `json:"full_text,omitempty"`
	// Error is the failure reason, if any.
	Error string `json:"error,omitempty"`
	// Skipped reports whether the step was skipped by its condition.
	Skipped bool `json:"skipped,omitempty"`
	// TokensUsed is the token count reported by the execution unit.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// ToolCalls is the tool invocation count reported by the execution unit.
	ToolCalls int `json:"tool_calls,omitempty"`
	// Duration is the wall-clock time for the step.
	Duration time.Duration `json:"duration,omitempty"`
}

// ChainStep is one stage of a sequential sub-agent pipeline.
type ChainStep struct {
	// SubAgent names the sub-agent for this step.
	SubAgent string
	// TaskTemplate is the step task with {input}, {prev}, {prev_full}
	// and {step_N} placeholders.
	TaskTemplate string
	// Condition, when set, is evaluated against the most recent completed
	// result; a false value skips the step.
	Condition func(prev *StepResult) bool
	// Name is the display name for events and results.
	Name string
}

// DisplayName returns the step's name, falling back to its sub-agent.
func (s ChainStep) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.SubAgent
}

// ChainResult is the immutable rollup of one chain execution.
type ChainResult struct {
	// StepsCompleted counts steps that actually ran (skips excluded).
	StepsCompleted int `json:"steps_completed"`
	// StepsTotal is the declared number of steps.
	StepsTotal int `json:"steps_total"`
	// Success reports whether every executed step succeeded.
	Success bool `json:"success"`
	// Output is the last successful step's summary.
	Output string `json:"output,omitempty"`
	// Steps holds the per-step results in order.
	Steps []*StepResult `json:"steps"`
	// TokensUsed is the summed token count across steps.
	TokensUsed int64 `json:"tokens_used"`
	// ToolCalls is the summed tool invocation count across steps.
	ToolCalls int `json:"tool_calls"`
	// Duration is the total wall-clock time for the chain.
	Duration time.Duration `json:"duration"`
}

// AggregatedResult merges N independent results into one summary.
type AggregatedResult struct {
	// Completed counts results that succeeded.
	Completed int `json:"completed"`
	// Total is the number of results merged.
	Total int `json:"total"`
	// Success reports whether every result succeeded.
	Success bool `json:"success"`
	// Summary is the merged result text.
	Summary string `json:"summary"`
	// TokensUsed is the summed token count.
	TokensUsed int64 `json:"tokens_used"`
	// ToolCalls is the summed tool invocation count.
	ToolCalls int `json:"tool_calls"`
	// Duration is the longest constituent duration.
	Duration time.Duration `json:"duration"`
}
