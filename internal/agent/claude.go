package agent

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/s1366560/overseer/internal/logging"
)

const defaultModel = string(anthropic.ModelClaudeSonnet4_20250514)

// ClaudeRunner is the API-backed execution unit. It drives one sub-agent
// via the Anthropic Messages API, streaming each assistant turn as a
// progress event and terminating with a single completion.
type ClaudeRunner struct {
	client        anthropic.Client
	maxIterations int
}

// NewClaudeRunner creates a runner over the given SDK client.
func NewClaudeRunner(client anthropic.Client, maxIterations int) *ClaudeRunner {
	if maxIterations <= 0 {
		maxIterations = 25
	}
	return &ClaudeRunner{client: client, maxIterations: maxIterations}
}

// NewClaudeFactory returns a RunnerFactory producing fresh runners over a
// shared SDK client. The client is stateless; per-run state lives in the
// runner.
func NewClaudeFactory(client anthropic.Client, maxIterations int) RunnerFactory {
	return func() Runner {
		return NewClaudeRunner(client, maxIterations)
	}
}

// Run drives the sub-agent loop until the model ends its turn, the
// iteration cap is reached, or ctx is cancelled.
func (r *ClaudeRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if req.Definition == nil {
		return nil, fmt.Errorf("execution request missing sub-agent definition")
	}

	out := make(chan Event, 64)
	go r.loop(ctx, req, out)
	return out, nil
}

func (r *ClaudeRunner) loop(ctx context.Context, req Request, out chan<- Event) {
	defer close(out)

	model := req.Definition.Model
	if req.Model != "" {
		model = req.Model
	}
	if model == "" {
		model = defaultModel
	}

	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Context.Prompt())),
	}

	var (
		totalTokens int64
		finalText   string
	)

	for iteration := 0; iteration < r.maxIterations; iteration++ {
		select {
		case <-ctx.Done():
			r.complete(ctx, out, &Completion{Success: false, TokensUsed: totalTokens, Err: ctx.Err().Error()})
			return
		default:
		}

		resp, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: 8192,
			System: []anthropic.TextBlockParam{
				{Text: req.Context.SystemPrompt},
			},
			Messages: messages,
		})
		if err != nil {
			logging.Debugf("[agent] api call failed for %s: %v", req.Definition.Name, err)
			r.complete(ctx, out, &Completion{Success: false, TokensUsed: totalTokens, Err: fmt.Sprintf("api error: %v", err)})
			return
		}

		totalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens

		var turnText string
		for _, block := range resp.Content {
			if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
				turnText += variant.Text
			}
		}

		if turnText != "" {
			r.emit(ctx, out, Event{Type: EventProgress, Message: turnText})
		}

		if resp.StopReason == anthropic.StopReasonEndTurn {
			finalText = turnText
			r.complete(ctx, out, &Completion{
				Text:       finalText,
				Success:    true,
				TokensUsed: totalTokens,
			})
			return
		}

		messages = append(messages,
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(turnText)),
			anthropic.NewUserMessage(anthropic.NewTextBlock("Continue.")),
		)
	}

	r.complete(ctx, out, &Completion{
		Success:    false,
		TokensUsed: totalTokens,
		Err:        fmt.Sprintf("max iterations (%d) reached", r.maxIterations),
	})
}

func (r *ClaudeRunner) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

// complete delivers the terminal event. The buffered channel guarantees
// it lands even when the consumer already gave up; consumers rely on
// exactly one completion per stream.
func (r *ClaudeRunner) complete(_ context.Context, out chan<- Event, c *Completion) {
	out <- Event{Type: EventCompletion, Completion: c}
}
