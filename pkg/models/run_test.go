package models

import (
	"errors"
	"testing"
)

func newTestRun(t *testing.T) *SubAgentRun {
	t.Helper()
	run, err := NewSubAgentRun("run-1", "conv-1", "researcher", "find things")
	if err != nil {
		t.Fatalf("NewSubAgentRun: %v", err)
	}
	return run
}

func TestNewSubAgentRunValidation(t *testing.T) {
	tests := []struct {
		name                       string
		runID, convID, agent, task string
	}{
		{"empty run id", "", "c", "a", "t"},
		{"empty conversation id", "r", "", "a", "t"},
		{"empty agent", "r", "c", "", "t"},
		{"empty task", "r", "c", "a", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSubAgentRun(tt.runID, tt.convID, tt.agent, tt.task); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestRunLifecycleCompleted(t *testing.T) {
	run := newTestRun(t)
	if run.Status != RunStatusPending {
		t.Fatalf("expected pending, got %s", run.Status)
	}

	if err := run.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if run.Status != RunStatusRunning || run.StartedAt == nil {
		t.Errorf("expected running with StartedAt set, got %s / %v", run.Status, run.StartedAt)
	}

	if err := run.Complete("all done", 1234); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}
	if run.EndedAt == nil {
		t.Error("expected EndedAt set")
	}
	if run.Summary != "all done" || run.TokensUsed != 1234 {
		t.Errorf("unexpected summary/tokens: %q / %d", run.Summary, run.TokensUsed)
	}
}

func TestRunLifecycleFailed(t *testing.T) {
	run := newTestRun(t)
	if err := run.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := run.Fail("boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if run.Status != RunStatusFailed || run.Error != "boom" || run.EndedAt == nil {
		t.Errorf("unexpected failed run: %+v", run)
	}
}

func TestRunCancelAndTimeoutFromPendingAndRunning(t *testing.T) {
	pending := newTestRun(t)
	if err := pending.Cancel(); err != nil {
		t.Errorf("cancel from pending: %v", err)
	}
	if pending.Status != RunStatusCancelled || pending.EndedAt == nil {
		t.Errorf("expected cancelled with EndedAt, got %s", pending.Status)
	}

	running := newTestRun(t)
	_ = running.Start()
	if err := running.TimeOut("deadline"); err != nil {
		t.Errorf("time out from running: %v", err)
	}
	if running.Status != RunStatusTimedOut || running.Error != "deadline" {
		t.Errorf("expected timed_out, got %s / %q", running.Status, running.Error)
	}
}

func TestTerminalRunsRejectTransitions(t *testing.T) {
	run := newTestRun(t)
	_ = run.Start()
	_ = run.Complete("done", 0)

	before := *run
	transitions := map[string]func() error{
		"start":    run.Start,
		"fail":     func() error { return run.Fail("x") },
		"cancel":   run.Cancel,
		"time out": func() error { return run.TimeOut("x") },
		"complete": func() error { return run.Complete("y", 1) },
	}
	for name, fn := range transitions {
		if err := fn(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s on terminal run: expected ErrInvalidTransition, got %v", name, err)
		}
	}
	if run.Status != before.Status || run.Summary != before.Summary {
		t.Error("terminal run state changed by rejected transition")
	}
}

func TestCompleteRequiresRunning(t *testing.T) {
	run := newTestRun(t)
	if err := run.Complete("done", 0); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("complete from pending: expected ErrInvalidTransition, got %v", err)
	}
	if run.Status != RunStatusPending {
		t.Errorf("status changed to %s", run.Status)
	}
}

func TestMetadataOnTerminalRun(t *testing.T) {
	run := newTestRun(t)
	_ = run.Start()
	_ = run.Fail("err")

	run.SetMeta(MetaAnnounceStatus, "delivered")
	if got := run.Meta(MetaAnnounceStatus); got != "delivered" {
		t.Errorf("expected metadata attachment on terminal run, got %q", got)
	}
}

func TestRunClone(t *testing.T) {
	run := newTestRun(t)
	_ = run.Start()
	run.SetMeta("k", "v")

	cp := run.Clone()
	cp.SetMeta("k", "changed")
	cp.Status = RunStatusFailed

	if run.Meta("k") != "v" {
		t.Error("clone shares metadata map with original")
	}
	if run.Status != RunStatusRunning {
		t.Error("clone shares status with original")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusRunning} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
