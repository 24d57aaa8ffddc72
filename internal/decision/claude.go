package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/s1366560/overseer/internal/logging"
)

const decomposePrompt = `Break this task into parallelizable sub-tasks, each sized for a single sub-agent. If the task does not benefit from splitting, return an empty task list.

Task:
%s
%s
Available sub-agents: %s

Return ONLY a JSON object with this exact structure (no other text):
{
  "tasks": [
    {
      "id": "short-unique-id",
      "description": "what this sub-task does",
      "target": "sub-agent name, or omit to auto-route",
      "dependencies": ["ids of sub-tasks that must finish first"]
    }
  ],
  "reasoning": "one sentence on the split"
}

Guidelines:
- At most %d sub-tasks
- Keep sub-tasks as independent as possible
- Only add dependencies when one task truly needs another's output`

const routePrompt = `Which sub-agent should handle this query? Answer "none" if no candidate fits.

Query:
%s
%s
Candidates: %s

Return ONLY a JSON object with this exact structure (no other text):
{
  "choice": "candidate name or none",
  "confidence": 0.0,
  "reasoning": "one sentence"
}`

// ClaudeClient implements the decision boundary over the Anthropic
// Messages API. One request per call; any failure or malformed output
// degrades to an empty decision.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClient creates a decision client. An empty model uses a fast
// default suited to classification calls.
func NewClaudeClient(client anthropic.Client, model string) *ClaudeClient {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaudeSonnet4_20250514
	}
	return &ClaudeClient{client: client, model: m}
}

var _ Client = (*ClaudeClient)(nil)

// Decompose issues one decomposition request. Remote or parse failures
// return an empty response and a nil error: callers degrade, not fail.
func (c *ClaudeClient) Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error) {
	contextBlock := ""
	if req.Context != "" {
		contextBlock = "\nContext:\n" + req.Context + "\n"
	}
	prompt := fmt.Sprintf(decomposePrompt, req.Task, contextBlock, strings.Join(req.Candidates, ", "), req.MaxSubTasks)

	text, err := c.ask(ctx, prompt)
	if err != nil {
		logging.Debugf("[decision] decompose request failed: %v", err)
		return DecomposeResponse{}, nil
	}

	var resp DecomposeResponse
	if err := json.Unmarshal(extractJSONObject(text), &resp); err != nil {
		logging.Debugf("[decision] decompose response unparseable: %v", err)
		return DecomposeResponse{}, nil
	}
	return resp, nil
}

// Route issues one routing request. Remote or parse failures return an
// empty response and a nil error.
func (c *ClaudeClient) Route(ctx context.Context, req RouteRequest) (RouteResponse, error) {
	contextBlock := ""
	if req.Context != "" {
		contextBlock = "\nContext:\n" + req.Context + "\n"
	}
	candidates := append(append([]string{}, req.Candidates...), "none")
	prompt := fmt.Sprintf(routePrompt, req.Query, contextBlock, strings.Join(candidates, ", "))

	text, err := c.ask(ctx, prompt)
	if err != nil {
		logging.Debugf("[decision] route request failed: %v", err)
		return RouteResponse{}, nil
	}

	var resp RouteResponse
	if err := json.Unmarshal(extractJSONObject(text), &resp); err != nil {
		logging.Debugf("[decision] route response unparseable: %v", err)
		return RouteResponse{}, nil
	}
	if strings.EqualFold(resp.Choice, "none") {
		resp.Choice = ""
	}
	if resp.Confidence < 0 {
		resp.Confidence = 0
	}
	if resp.Confidence > 1 {
		resp.Confidence = 1
	}
	return resp, nil
}

func (c *ClaudeClient) ask(ctx context.Context, prompt string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 2048,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	return text.String(), nil
}

// extractJSONObject finds the outermost JSON object in model output that
// may carry extra prose around it.
func extractJSONObject(text string) []byte {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return []byte("{}")
	}
	return []byte(text[start : end+1])
}
