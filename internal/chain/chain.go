// Package chain executes an ordered pipeline of sub-agent steps. Each
// step's task is rendered from a template over the original input and
// earlier results; steps run strictly in order and the chain halts on
// the first failure.
package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/s1366560/overseer/internal/agent"
	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/pkg/models"
)

// Chain runs ChainSteps sequentially against the execution-unit factory.
type Chain struct {
	factory agent.RunnerFactory
	// stepTimeout bounds each step. Zero means no per-step timeout.
	stepTimeout time.Duration
}

// New creates a Chain over the given execution-unit factory.
func New(factory agent.RunnerFactory, stepTimeout time.Duration) *Chain {
	return &Chain{factory: factory, stepTimeout: stepTimeout}
}

// Run executes the steps in order against the named sub-agents. Every
// step gets a fresh execution unit. A step whose condition evaluates
// false on the most recent completed result is recorded as skipped and
// does not advance the previous-result reference. The chain halts on
// the first failing step or on ctx cancellation; the result is always
// returned, never an error, so callers see partial progress.
func (c *Chain) Run(ctx context.Context, input string, steps []models.ChainStep, agents map[string]*models.SubAgentDefinition) *models.ChainResult {
	start := time.Now()
	result := &models.ChainResult{StepsTotal: len(steps)}

	// prev tracks the most recent completed (not skipped) step result.
	var prev *models.StepResult

	// Output carries the last successful step's summary even when the
	// chain halts early.
	defer func() {
		if prev != nil {
			result.Output = prev.Summary
		}
		result.Duration = time.Since(start)
	}()

	for i, step := range steps {
		select {
		case <-ctx.Done():
			logging.Debugf("[chain] aborted before step %d (%s)", i, step.DisplayName())
			return result
		default:
		}

		stepResult := &models.StepResult{
			TaskID:       fmt.Sprintf("step_%d", i),
			SubAgentName: step.SubAgent,
		}

		if step.Condition != nil && !step.Condition(prev) {
			stepResult.Skipped = true
			result.Steps = append(result.Steps, stepResult)
			logging.Debugf("[chain] step %d (%s) skipped by condition", i, step.DisplayName())
			continue
		}

		def, ok := agents[step.SubAgent]
		if !ok {
			stepResult.Error = fmt.Sprintf("unknown sub-agent %q", step.SubAgent)
			result.Steps = append(result.Steps, stepResult)
			return result
		}

		task := renderTemplate(step.TaskTemplate, input, prev, result.Steps)
		completion := c.runStep(ctx, def, task)

		stepResult.Success = completion.Success
		stepResult.Summary = summarize(completion.Text)
		stepResult.FullText = completion.Text
		stepResult.Error = completion.Err
		stepResult.TokensUsed = completion.TokensUsed
		stepResult.ToolCalls = completion.ToolCalls

		result.Steps = append(result.Steps, stepResult)
		result.StepsCompleted++
		result.TokensUsed += completion.TokensUsed
		result.ToolCalls += completion.ToolCalls

		if !completion.Success {
			logging.Debugf("[chain] step %d (%s) failed, halting: %s", i, step.DisplayName(), completion.Err)
			return result
		}

		prev = stepResult
	}

	result.Success = true
	return result
}

func (c *Chain) runStep(ctx context.Context, def *models.SubAgentDefinition, task string) *agent.Completion {
	stepCtx := ctx
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}

	runner := c.factory()
	events, err := runner.Run(stepCtx, agent.Request{
		Definition: def,
		Context:    agent.BuildExecContext(def, task, "", ""),
	})
	if err != nil {
		return &agent.Completion{Success: false, Err: err.Error()}
	}
	return agent.Drain(stepCtx, events)
}

// renderTemplate substitutes {input}, {prev}, {prev_full}, and {step_N}
// placeholders. prev refers to the most recent completed step; skipped
// steps keep their slot for {step_N} but render empty.
func renderTemplate(template, input string, prev *models.StepResult, earlier []*models.StepResult) string {
	out := strings.ReplaceAll(template, "{input}", input)

	prevSummary, prevFull := "", ""
	if prev != nil {
		prevSummary = prev.Summary
		prevFull = prev.FullText
	}
	out = strings.ReplaceAll(out, "{prev}", prevSummary)
	out = strings.ReplaceAll(out, "{prev_full}", prevFull)

	for i, step := range earlier {
		out = strings.ReplaceAll(out, fmt.Sprintf("{step_%d}", i), step.Summary)
	}
	return out
}

const summaryLimit = 300

func summarize(text string) string {
	if len(text) <= summaryLimit {
		return text
	}
	return text[:summaryLimit] + "..."
}
