// Package router chooses which sub-agent handles a piece of text. It is
// a two-tier decision: keyword scoring always runs first and can settle
// the answer without any remote call; the remote classifier is consulted
// only when keywords are not confident enough.
package router

import (
	"context"
	"strings"

	"github.com/s1366560/overseer/internal/decision"
	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/pkg/models"
)

// Source identifies which tier produced a routing decision.
type Source string

const (
	// SourceKeyword means tier-1 keyword scoring settled the decision.
	SourceKeyword Source = "keyword"
	// SourceRemote means the remote classifier settled the decision.
	SourceRemote Source = "remote"
	// SourceNone means no candidate matched.
	SourceNone Source = "none"
)

// Decision is the outcome of one routing call.
type Decision struct {
	// SubAgent is the chosen candidate, empty when Source is none.
	SubAgent string
	// Confidence is the winning tier's confidence in [0, 1].
	Confidence float64
	// Source identifies the deciding tier.
	Source Source
	// MatchedKeywords lists the trigger keywords found, for keyword
	// decisions.
	MatchedKeywords []string
	// Reasoning carries the remote classifier's explanation, if any.
	Reasoning string
}

// Config holds the router thresholds.
type Config struct {
	// SkipThreshold is the keyword confidence at or above which the
	// remote classifier is skipped entirely.
	SkipThreshold float64
	// RemoteMinConfidence is the minimum remote confidence to accept.
	RemoteMinConfidence float64
	// KeywordFloor is the minimum keyword confidence for the fallback
	// when the remote tier declines or is absent.
	KeywordFloor float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SkipThreshold:       0.75,
		RemoteMinConfidence: 0.60,
		KeywordFloor:        0.30,
	}
}

// HybridRouter combines keyword scoring with an optional remote
// classifier. A nil classifier disables tier 2.
type HybridRouter struct {
	classifier decision.Client
	cfg        Config
}

// New creates a HybridRouter. classifier may be nil.
func New(classifier decision.Client, cfg Config) *HybridRouter {
	return &HybridRouter{classifier: classifier, cfg: cfg}
}

// Route decides which of the candidate sub-agents should handle the
// query. convContext optionally carries recent conversation context for
// the remote tier.
func (r *HybridRouter) Route(ctx context.Context, query, convContext string, candidates []*models.SubAgentDefinition) Decision {
	keyword := scoreCandidates(query, candidates)

	if keyword.Confidence >= r.cfg.SkipThreshold {
		logging.Debugf("[router] keyword fast path: %s (%.2f)", keyword.SubAgent, keyword.Confidence)
		return keyword
	}

	if r.classifier != nil {
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.Name)
		}
		resp, err := r.classifier.Route(ctx, decision.RouteRequest{
			Query:      query,
			Context:    convContext,
			Candidates: names,
		})
		if err == nil && resp.Choice != "" && resp.Confidence >= r.cfg.RemoteMinConfidence {
			logging.Debugf("[router] remote decision: %s (%.2f)", resp.Choice, resp.Confidence)
			return Decision{
				SubAgent:   resp.Choice,
				Confidence: resp.Confidence,
				Source:     SourceRemote,
				Reasoning:  resp.Reasoning,
			}
		}
		logging.Debugf("[router] remote declined (choice=%q conf=%.2f err=%v), trying keyword fallback", resp.Choice, resp.Confidence, err)
	}

	if keyword.SubAgent != "" && keyword.Confidence >= r.cfg.KeywordFloor {
		logging.Debugf("[router] keyword fallback: %s (%.2f)", keyword.SubAgent, keyword.Confidence)
		return keyword
	}

	return Decision{Source: SourceNone}
}

// expectedMatches is the keyword count treated as a full-confidence
// match. Candidates with fewer keywords use their actual count.
const expectedMatches = 3

// extraMatchBoost is added per match beyond the expected count.
const extraMatchBoost = 0.05

// maxKeywordConfidence keeps keyword confidence strictly below 1 so a
// remote decision can always outrank it in principle.
const maxKeywordConfidence = 0.99

// scoreCandidates runs tier-1 keyword scoring over all candidates and
// returns the best as a keyword decision, or a none decision when no
// keyword matches at all.
func scoreCandidates(query string, candidates []*models.SubAgentDefinition) Decision {
	lower := strings.ToLower(query)

	best := Decision{Source: SourceNone}
	for _, c := range candidates {
		var matched []string
		for _, kw := range c.Keywords {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}

		conf := confidence(len(matched), len(c.Keywords))
		if conf > best.Confidence {
			best = Decision{
				SubAgent:        c.Name,
				Confidence:      conf,
				Source:          SourceKeyword,
				MatchedKeywords: matched,
			}
		}
	}
	return best
}

// confidence maps a match count to [0, maxKeywordConfidence]: the ratio
// of matches to the expected count, plus a small boost per extra match.
func confidence(matched, totalKeywords int) float64 {
	expected := expectedMatches
	if totalKeywords < expected {
		expected = totalKeywords
	}
	if expected == 0 {
		return 0
	}

	conf := float64(matched) / float64(expected)
	if matched > expected {
		conf = 1 + float64(matched-expected)*extraMatchBoost
	}
	if conf > maxKeywordConfidence {
		conf = maxKeywordConfidence
	}
	return conf
}
