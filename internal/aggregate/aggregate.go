// Package aggregate merges independent step results into one rollup.
// The merged summary is a mechanical join by default; when a decision
// client is present the join is replaced by a remote summarization,
// degrading back to the join on failure.
package aggregate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/pkg/models"
)

// Summarizer condenses joined results into one summary. Optional.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Aggregator merges step results.
type Aggregator struct {
	summarizer Summarizer
}

// New creates an Aggregator. summarizer may be nil.
func New(summarizer Summarizer) *Aggregator {
	return &Aggregator{summarizer: summarizer}
}

// Merge combines results into one immutable rollup. It never fails: a
// summarizer error falls back to the mechanical join.
func (a *Aggregator) Merge(ctx context.Context, results []*models.StepResult, duration time.Duration) *models.AggregatedResult {
	agg := &models.AggregatedResult{
		Total:    len(results),
		Success:  true,
		Duration: duration,
	}

	var parts []string
	for _, r := range results {
		if r.Skipped {
			continue
		}
		agg.TokensUsed += r.TokensUsed
		agg.ToolCalls += r.ToolCalls
		if r.Success {
			agg.Completed++
			parts = append(parts, fmt.Sprintf("[%s] %s", r.SubAgentName, r.Summary))
		} else {
			agg.Success = false
			parts = append(parts, fmt.Sprintf("[%s] failed: %s", r.SubAgentName, r.Error))
		}
	}

	joined := strings.Join(parts, "\n")
	agg.Summary = joined

	if a.summarizer != nil && joined != "" {
		summary, err := a.summarizer.Summarize(ctx, joined)
		if err != nil || summary == "" {
			logging.Debugf("[aggregate] remote summarization failed, keeping join: %v", err)
		} else {
			agg.Summary = summary
		}
	}
	return agg
}

// ClaudeSummarizer summarizes via the Anthropic Messages API.
type ClaudeSummarizer struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeSummarizer creates a remote summarizer. An empty model uses a
// fast default.
func NewClaudeSummarizer(client anthropic.Client, model string) *ClaudeSummarizer {
	m := anthropic.Model(model)
	if model == "" {
		m = anthropic.ModelClaudeSonnet4_20250514
	}
	return &ClaudeSummarizer{client: client, model: m}
}

// Summarize condenses the joined results into a short unified summary.
func (s *ClaudeSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     s.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(
				"Merge these sub-agent results into one short summary for the user:\n\n" + text)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize results: %w", err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			out.WriteString(variant.Text)
		}
	}
	return out.String(), nil
}
