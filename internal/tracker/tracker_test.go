package tracker

import (
	"strings"
	"testing"

	"github.com/s1366560/overseer/pkg/models"
)

func TestTrackAndLifecycle(t *testing.T) {
	tr := New()
	tr.Track("exec-1", "conv-1", "researcher")

	state := tr.Get("conv-1", "exec-1")
	if state == nil {
		t.Fatal("tracked state missing")
	}
	if state.Status != models.ExecStatusStarting {
		t.Errorf("status = %s, want starting", state.Status)
	}

	tr.SetRunning("conv-1", "exec-1", 25)
	state = tr.Get("conv-1", "exec-1")
	if state.Status != models.ExecStatusRunning || state.Progress != 25 {
		t.Errorf("state = %s/%d, want running/25", state.Status, state.Progress)
	}

	tr.SetCompleted("conv-1", "exec-1", "found three papers", 1024, 7)
	state = tr.Get("conv-1", "exec-1")
	if state.Status != models.ExecStatusCompleted {
		t.Errorf("status = %s, want completed", state.Status)
	}
	if state.Progress != 100 {
		t.Errorf("progress = %d, want 100", state.Progress)
	}
	if state.TokensUsed != 1024 || state.ToolCallsCount != 7 {
		t.Errorf("usage = %d/%d", state.TokensUsed, state.ToolCallsCount)
	}
}

func TestProgressClamped(t *testing.T) {
	tr := New()
	tr.Track("exec-1", "conv-1", "worker")

	tr.SetRunning("conv-1", "exec-1", 250)
	if got := tr.Get("conv-1", "exec-1").Progress; got != 100 {
		t.Errorf("progress = %d, want clamped to 100", got)
	}

	tr.SetProgress("conv-1", "exec-1", -5)
	if got := tr.Get("conv-1", "exec-1").Progress; got != 0 {
		t.Errorf("progress = %d, want clamped to 0", got)
	}
}

func TestSummaryTruncated(t *testing.T) {
	tr := New()
	tr.Track("exec-1", "conv-1", "worker")

	long := strings.Repeat("x", 2000)
	tr.SetCompleted("conv-1", "exec-1", long, 0, 0)

	got := tr.Get("conv-1", "exec-1").ResultSummary
	if len(got) >= 2000 {
		t.Errorf("summary not truncated, len = %d", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated summary missing ellipsis")
	}
}

func TestUpdateUnknownExecutionIsNoOp(t *testing.T) {
	tr := New()
	tr.SetFailed("conv-1", "ghost", "boom")
	if tr.Get("conv-1", "ghost") != nil {
		t.Error("update materialized an untracked execution")
	}
}

func TestEvictionDropsOldestTerminal(t *testing.T) {
	tr := NewWithLimit(2)

	tr.Track("exec-1", "conv-1", "worker")
	tr.SetCompleted("conv-1", "exec-1", "done", 0, 0)
	tr.Track("exec-2", "conv-1", "worker")
	tr.Track("exec-3", "conv-1", "worker")

	if tr.Get("conv-1", "exec-1") != nil {
		t.Error("oldest terminal entry not evicted")
	}
	if tr.Get("conv-1", "exec-2") == nil || tr.Get("conv-1", "exec-3") == nil {
		t.Error("active entries evicted")
	}
}

func TestEvictionSparesActiveEntries(t *testing.T) {
	tr := NewWithLimit(2)

	tr.Track("exec-1", "conv-1", "worker")
	tr.Track("exec-2", "conv-1", "worker")
	tr.Track("exec-3", "conv-1", "worker")

	// All entries active: over the bound but nothing evictable.
	if len(tr.List("conv-1")) != 3 {
		t.Errorf("active entries evicted, have %d", len(tr.List("conv-1")))
	}
}

func TestListInsertionOrderAndIsolation(t *testing.T) {
	tr := New()
	tr.Track("exec-1", "conv-1", "a")
	tr.Track("exec-2", "conv-1", "b")
	tr.Track("exec-9", "conv-2", "c")

	list := tr.List("conv-1")
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ExecutionID != "exec-1" || list[1].ExecutionID != "exec-2" {
		t.Error("list not in insertion order")
	}

	// Mutating a returned copy must not affect the tracker.
	list[0].Status = models.ExecStatusFailed
	if tr.Get("conv-1", "exec-1").Status == models.ExecStatusFailed {
		t.Error("returned state shares memory with the tracker")
	}
}
