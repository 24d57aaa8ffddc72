package router

import (
	"context"
	"errors"
	"testing"

	"github.com/s1366560/overseer/internal/decision"
	"github.com/s1366560/overseer/pkg/models"
)

// fakeClassifier counts Route calls and returns a canned decision.
type fakeClassifier struct {
	resp  decision.RouteResponse
	err   error
	calls int
}

func (f *fakeClassifier) Route(_ context.Context, _ decision.RouteRequest) (decision.RouteResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeClassifier) Decompose(_ context.Context, _ decision.DecomposeRequest) (decision.DecomposeResponse, error) {
	return decision.DecomposeResponse{}, nil
}

func testAgents() []*models.SubAgentDefinition {
	return []*models.SubAgentDefinition{
		{Name: "researcher", Keywords: []string{"research", "papers", "sources"}},
		{Name: "coder", Keywords: []string{"code", "implement", "bug", "compile"}},
	}
}

func TestFastPathSkipsRemote(t *testing.T) {
	remote := &fakeClassifier{resp: decision.RouteResponse{Choice: "coder", Confidence: 0.95}}
	r := New(remote, DefaultConfig())

	// All three researcher keywords present: confidence well above the
	// skip threshold.
	d := r.Route(context.Background(), "research papers and cite sources", "", testAgents())

	if d.Source != SourceKeyword || d.SubAgent != "researcher" {
		t.Fatalf("decision = %+v, want keyword/researcher", d)
	}
	if remote.calls != 0 {
		t.Errorf("remote calls = %d, want 0 on the fast path", remote.calls)
	}
	if d.Confidence < DefaultConfig().SkipThreshold {
		t.Errorf("confidence = %.2f, below skip threshold", d.Confidence)
	}
}

func TestRemoteDecisionAccepted(t *testing.T) {
	remote := &fakeClassifier{resp: decision.RouteResponse{
		Choice:     "coder",
		Confidence: 0.88,
		Reasoning:  "query describes a defect",
	}}
	r := New(remote, DefaultConfig())

	d := r.Route(context.Background(), "something is wrong with the build", "", testAgents())

	if d.Source != SourceRemote || d.SubAgent != "coder" {
		t.Fatalf("decision = %+v, want remote/coder", d)
	}
	if remote.calls != 1 {
		t.Errorf("remote calls = %d, want 1", remote.calls)
	}
	if d.Reasoning == "" {
		t.Error("remote reasoning dropped")
	}
}

func TestKeywordFallbackWhenRemoteUnconfident(t *testing.T) {
	remote := &fakeClassifier{resp: decision.RouteResponse{Choice: "researcher", Confidence: 0.2}}
	r := New(remote, DefaultConfig())

	// One coder keyword: below skip threshold, above floor.
	d := r.Route(context.Background(), "fix this bug please", "", testAgents())

	if remote.calls != 1 {
		t.Fatalf("remote calls = %d, want 1", remote.calls)
	}
	if d.Source != SourceKeyword || d.SubAgent != "coder" {
		t.Errorf("decision = %+v, want keyword fallback to coder", d)
	}
}

func TestKeywordFallbackWhenRemoteFails(t *testing.T) {
	remote := &fakeClassifier{err: errors.New("remote unavailable")}
	r := New(remote, DefaultConfig())

	d := r.Route(context.Background(), "fix this bug please", "", testAgents())
	if d.Source != SourceKeyword || d.SubAgent != "coder" {
		t.Errorf("decision = %+v, want keyword fallback", d)
	}
}

func TestNoMatchWithoutRemote(t *testing.T) {
	r := New(nil, DefaultConfig())

	d := r.Route(context.Background(), "completely unrelated text", "", testAgents())
	if d.Source != SourceNone || d.SubAgent != "" {
		t.Errorf("decision = %+v, want none", d)
	}
}

func TestNoMatchBelowFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeywordFloor = 0.5
	r := New(nil, cfg)

	// One of four coder keywords: 1/3 expected = 0.33, below the raised
	// floor.
	d := r.Route(context.Background(), "fix this bug please", "", testAgents())
	if d.Source != SourceNone {
		t.Errorf("decision = %+v, want none below floor", d)
	}
}

func TestConfidenceScoring(t *testing.T) {
	tests := []struct {
		name    string
		matched int
		total   int
		want    float64
	}{
		{"no keywords", 0, 0, 0},
		{"one of three", 1, 3, 1.0 / 3.0},
		{"full expected set", 3, 3, 0.99},
		{"extra matches boost", 4, 6, 0.99},
		{"single keyword agent", 1, 1, 0.99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := confidence(tt.matched, tt.total)
			if diff := got - tt.want; diff > 0.001 || diff < -0.001 {
				t.Errorf("confidence(%d, %d) = %.3f, want %.3f", tt.matched, tt.total, got, tt.want)
			}
		})
	}
}

func TestBestCandidateWins(t *testing.T) {
	r := New(nil, DefaultConfig())

	d := r.Route(context.Background(), "implement the code to research this bug", "", testAgents())
	// coder matches three keywords, researcher matches one.
	if d.SubAgent != "coder" {
		t.Errorf("chose %q, want the higher-scoring coder", d.SubAgent)
	}
}
