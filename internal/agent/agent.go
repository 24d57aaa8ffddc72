// Package agent defines the execution-unit boundary: the collaborator
// that drives one sub-agent's reasoning and tool loop. The orchestration
// layer consumes it as a stream of progress events ending in exactly one
// completion.
package agent

import (
	"context"
	"strings"

	"github.com/s1366560/overseer/pkg/models"
)

// EventType classifies stream events.
type EventType string

const (
	// EventProgress carries intermediate output from the execution unit.
	EventProgress EventType = "progress"
	// EventCompletion terminates the stream. Exactly one per run.
	EventCompletion EventType = "completion"
)

// Event is one element of the execution stream.
type Event struct {
	Type    EventType
	Message string
	// Completion is set only on EventCompletion.
	Completion *Completion
}

// Completion is the terminal outcome of one execution.
type Completion struct {
	// Text is the final output of the sub-agent.
	Text string
	// Success reports whether the sub-agent considers the task done.
	Success bool
	// ToolCalls counts tool invocations made during the run.
	ToolCalls int
	// TokensUsed counts input plus output tokens.
	TokensUsed int64
	// Err carries the failure description when Success is false.
	Err string
}

// Request is the input to one execution.
type Request struct {
	// Definition identifies the sub-agent and its system prompt.
	Definition *models.SubAgentDefinition
	// Context is the isolated execution context for this run.
	Context ExecContext
	// Model overrides the definition's model when non-empty.
	Model string
	// Thinking enables extended reasoning when supported.
	Thinking bool
}

// Runner drives one sub-agent execution. Run returns a stream of events
// terminated by exactly one completion event, after which the channel is
// closed. Cancelling ctx stops the run; the stream still terminates with
// a completion describing the interruption.
type Runner interface {
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// RunnerFactory produces a fresh Runner per task, step, or run. Execution
// units carry per-run state and must never be shared.
type RunnerFactory func() Runner

// ExecContext is the isolated context one execution sees: its own system
// prompt, a condensed slice of conversation history, and an optional
// knowledge snippet. Nothing else from the parent conversation leaks in.
type ExecContext struct {
	SystemPrompt string
	History      string
	Knowledge    string
	Task         string
}

// historyLimit bounds the condensed history carried into a sub-agent.
const historyLimit = 4000

// BuildExecContext assembles an isolated context for one execution. The
// history is condensed to its most recent tail.
func BuildExecContext(def *models.SubAgentDefinition, task, history, knowledge string) ExecContext {
	return ExecContext{
		SystemPrompt: def.SystemPrompt,
		History:      condense(history, historyLimit),
		Knowledge:    knowledge,
		Task:         task,
	}
}

// Prompt renders the user-facing prompt for the execution unit.
func (c ExecContext) Prompt() string {
	var b strings.Builder
	if c.History != "" {
		b.WriteString("Recent context:\n")
		b.WriteString(c.History)
		b.WriteString("\n\n")
	}
	if c.Knowledge != "" {
		b.WriteString("Relevant knowledge:\n")
		b.WriteString(c.Knowledge)
		b.WriteString("\n\n")
	}
	b.WriteString("Task: ")
	b.WriteString(c.Task)
	return b.String()
}

// condense keeps the most recent tail of the history within the limit,
// cutting on a line boundary where possible.
func condense(history string, limit int) string {
	if len(history) <= limit {
		return history
	}
	tail := history[len(history)-limit:]
	if idx := strings.IndexByte(tail, '\n'); idx >= 0 && idx < len(tail)-1 {
		tail = tail[idx+1:]
	}
	return tail
}

// Drain consumes an event stream until its completion event, returning
// it. A stream that closes without a completion yields a failed one.
func Drain(ctx context.Context, events <-chan Event) *Completion {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return &Completion{Success: false, Err: "execution stream closed without completion"}
			}
			if ev.Type == EventCompletion && ev.Completion != nil {
				return ev.Completion
			}
		case <-ctx.Done():
			return &Completion{Success: false, Err: ctx.Err().Error()}
		}
	}
}
