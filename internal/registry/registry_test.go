package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/s1366560/overseer/pkg/models"
)

// fakeStore is an in-memory Store for registry tests.
type fakeStore struct {
	mu   sync.Mutex
	runs map[string]map[string]*models.SubAgentRun

	saveErr error
	saves   int
	deletes int
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]map[string]*models.SubAgentRun)}
}

func (f *fakeStore) Save(_ context.Context, run *models.SubAgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	conv := f.runs[run.ConversationID]
	if conv == nil {
		conv = make(map[string]*models.SubAgentRun)
		f.runs[run.ConversationID] = conv
	}
	conv[run.RunID] = run.Clone()
	f.saves++
	return nil
}

func (f *fakeStore) Load(_ context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[conversationID][runID]
	if !ok {
		return nil, nil
	}
	return run.Clone(), nil
}

func (f *fakeStore) LoadConversation(_ context.Context, conversationID string) ([]*models.SubAgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SubAgentRun
	for _, run := range f.runs[conversationID] {
		out = append(out, run.Clone())
	}
	return out, nil
}

func (f *fakeStore) LoadActive(_ context.Context) ([]*models.SubAgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.SubAgentRun
	for _, conv := range f.runs {
		for _, run := range conv {
			if !run.Status.Terminal() {
				out = append(out, run.Clone())
			}
		}
	}
	return out, nil
}

func (f *fakeStore) Delete(_ context.Context, conversationID, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.runs[conversationID], runID)
	f.deletes++
	return nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) get(conversationID, runID string) *models.SubAgentRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[conversationID][runID]
	if !ok {
		return nil
	}
	return run.Clone()
}

func newTestRegistry(t *testing.T, store *fakeStore, opts ...Option) *Registry {
	t.Helper()
	reg, err := New(context.Background(), store, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return reg
}

func TestCreateRunPersistsPending(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	run, err := reg.CreateRun(ctx, "conv-1", "researcher", "find prior art", map[string]string{
		models.MetaParentRunID: "root-1",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != models.RunStatusPending {
		t.Errorf("status = %s, want pending", run.Status)
	}
	if run.RunID == "" {
		t.Error("expected a generated run id")
	}
	if run.Meta(models.MetaParentRunID) != "root-1" {
		t.Error("metadata not attached at creation")
	}

	persisted := store.get("conv-1", run.RunID)
	if persisted == nil {
		t.Fatal("run not persisted")
	}
	if persisted.Status != models.RunStatusPending {
		t.Errorf("persisted status = %s, want pending", persisted.Status)
	}
}

func TestLifecycleTransitionsPersist(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	run, err := reg.CreateRun(ctx, "conv-1", "coder", "write the parser", nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	applied, err := reg.MarkRunning(ctx, "conv-1", run.RunID)
	if err != nil || !applied {
		t.Fatalf("MarkRunning = (%v, %v), want (true, nil)", applied, err)
	}

	applied, err = reg.MarkCompleted(ctx, "conv-1", run.RunID, "parser done", 512)
	if err != nil || !applied {
		t.Fatalf("MarkCompleted = (%v, %v), want (true, nil)", applied, err)
	}

	persisted := store.get("conv-1", run.RunID)
	if persisted.Status != models.RunStatusCompleted {
		t.Errorf("persisted status = %s, want completed", persisted.Status)
	}
	if persisted.Summary != "parser done" {
		t.Errorf("summary = %q", persisted.Summary)
	}
	if persisted.TokensUsed != 512 {
		t.Errorf("tokens = %d, want 512", persisted.TokensUsed)
	}
	if persisted.EndedAt == nil {
		t.Error("EndedAt not stamped")
	}
}

func TestGuardMismatchIsSilentNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	run, _ := reg.CreateRun(ctx, "conv-1", "coder", "task", nil)
	if _, err := reg.MarkRunning(ctx, "conv-1", run.RunID); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if _, err := reg.MarkCancelled(ctx, "conv-1", run.RunID); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	// A late completion guarded on the active statuses must lose quietly.
	applied, err := reg.MarkCompleted(ctx, "conv-1", run.RunID, "late", 0,
		models.RunStatusPending, models.RunStatusRunning)
	if err != nil {
		t.Fatalf("guarded MarkCompleted: %v", err)
	}
	if applied {
		t.Error("guarded transition applied against a terminal run")
	}

	persisted := store.get("conv-1", run.RunID)
	if persisted.Status != models.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled to stand", persisted.Status)
	}
}

func TestUnguardedInvalidTransitionErrors(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	run, _ := reg.CreateRun(ctx, "conv-1", "coder", "task", nil)

	// Complete requires running; no guard means the violation surfaces.
	_, err := reg.MarkCompleted(ctx, "conv-1", run.RunID, "done", 0)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRecoveryTimesOutActiveRuns(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()

	pending, err := models.NewSubAgentRun("run-p", "conv-1", "coder", "stale pending")
	if err != nil {
		t.Fatalf("NewSubAgentRun: %v", err)
	}
	running, err := models.NewSubAgentRun("run-r", "conv-1", "coder", "stale running")
	if err != nil {
		t.Fatalf("NewSubAgentRun: %v", err)
	}
	if err := running.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, _ := models.NewSubAgentRun("run-d", "conv-1", "coder", "finished")
	done.Start()
	done.Complete("ok", 1)

	for _, run := range []*models.SubAgentRun{pending, running, done} {
		if err := store.Save(ctx, run); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}

	reg := newTestRegistry(t, store)

	for _, id := range []string{"run-p", "run-r"} {
		got, err := reg.GetRun(ctx, "conv-1", id)
		if err != nil {
			t.Fatalf("GetRun(%s): %v", id, err)
		}
		if got.Status != models.RunStatusTimedOut {
			t.Errorf("run %s status = %s, want timed_out", id, got.Status)
		}
		if got.Error != RecoveryAnnotation {
			t.Errorf("run %s error = %q, want recovery annotation", id, got.Error)
		}
		if got.Meta(models.MetaRecovered) != "true" {
			t.Errorf("run %s missing recovered marker", id)
		}
	}

	got, _ := reg.GetRun(ctx, "conv-1", "run-d")
	if got.Status != models.RunStatusCompleted {
		t.Errorf("terminal run touched by recovery: %s", got.Status)
	}
}

func TestListRunsNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	first, _ := reg.CreateRun(ctx, "conv-1", "a", "first", nil)
	time.Sleep(2 * time.Millisecond)
	second, _ := reg.CreateRun(ctx, "conv-1", "b", "second", nil)
	time.Sleep(2 * time.Millisecond)
	third, _ := reg.CreateRun(ctx, "conv-1", "c", "third", nil)

	reg.MarkRunning(ctx, "conv-1", second.RunID)

	all, err := reg.ListRuns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].RunID != third.RunID || all[2].RunID != first.RunID {
		t.Error("runs not ordered newest first")
	}

	active, err := reg.ListRuns(ctx, "conv-1", models.RunStatusRunning)
	if err != nil {
		t.Fatalf("ListRuns filtered: %v", err)
	}
	if len(active) != 1 || active[0].RunID != second.RunID {
		t.Errorf("filter returned %d runs", len(active))
	}
}

func TestListDescendantRuns(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	root, _ := reg.CreateRun(ctx, "conv-1", "root", "root task", nil)
	child, _ := reg.CreateRun(ctx, "conv-1", "child", "child task", map[string]string{
		models.MetaParentRunID: root.RunID,
	})
	grandchild, _ := reg.CreateRun(ctx, "conv-1", "grandchild", "leaf task", map[string]string{
		models.MetaParentRunID: child.RunID,
	})
	reg.CreateRun(ctx, "conv-1", "stranger", "unrelated", nil)

	descendants, err := reg.ListDescendantRuns(ctx, "conv-1", root.RunID)
	if err != nil {
		t.Fatalf("ListDescendantRuns: %v", err)
	}
	if len(descendants) != 2 {
		t.Fatalf("len = %d, want 2", len(descendants))
	}
	ids := map[string]bool{}
	for _, d := range descendants {
		ids[d.RunID] = true
	}
	if !ids[child.RunID] || !ids[grandchild.RunID] {
		t.Error("descendant walk missed a lineage member")
	}
	if ids[root.RunID] {
		t.Error("root included in its own descendants")
	}
}

func TestCountActiveRuns(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	a, _ := reg.CreateRun(ctx, "conv-1", "a", "one", map[string]string{
		models.MetaRequesterSessionKey: "sess-1",
	})
	reg.CreateRun(ctx, "conv-1", "b", "two", map[string]string{
		models.MetaRequesterSessionKey: "sess-2",
	})
	reg.CreateRun(ctx, "conv-1", "c", "three", map[string]string{
		models.MetaRequesterSessionKey: "sess-1",
	})

	n, err := reg.CountActiveRuns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("CountActiveRuns: %v", err)
	}
	if n != 3 {
		t.Errorf("active = %d, want 3", n)
	}

	n, err = reg.CountActiveRunsForRequester(ctx, "conv-1", "sess-1")
	if err != nil {
		t.Fatalf("CountActiveRunsForRequester: %v", err)
	}
	if n != 2 {
		t.Errorf("requester active = %d, want 2", n)
	}

	reg.MarkRunning(ctx, "conv-1", a.RunID)
	reg.MarkFailed(ctx, "conv-1", a.RunID, "boom")

	n, _ = reg.CountActiveRunsForRequester(ctx, "conv-1", "sess-1")
	if n != 1 {
		t.Errorf("requester active after failure = %d, want 1", n)
	}

	n, _ = reg.CountActiveRunsForRequester(ctx, "conv-1", "sess-unknown")
	if n != 0 {
		t.Errorf("unknown requester active = %d, want 0", n)
	}
}

func TestEvictionKeepsActiveAndNewestTerminal(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store, WithCapacity(3))

	var terminalIDs []string
	for i := 0; i < 4; i++ {
		run, err := reg.CreateRun(ctx, "conv-1", "worker", "batch item", nil)
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		reg.MarkRunning(ctx, "conv-1", run.RunID)
		reg.MarkCompleted(ctx, "conv-1", run.RunID, "ok", 1)
		terminalIDs = append(terminalIDs, run.RunID)
		time.Sleep(2 * time.Millisecond)
	}
	active, err := reg.CreateRun(ctx, "conv-1", "worker", "still going", nil)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	runs, err := reg.ListRuns(ctx, "conv-1")
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) > 3 {
		t.Errorf("conversation holds %d runs, capacity 3", len(runs))
	}

	if got, _ := reg.GetRun(ctx, "conv-1", active.RunID); got == nil {
		t.Fatal("active run evicted")
	}

	// The oldest terminal run is the first to go.
	if _, err := reg.GetRun(ctx, "conv-1", terminalIDs[0]); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("oldest terminal run still present, err = %v", err)
	}
	if got, _ := reg.GetRun(ctx, "conv-1", terminalIDs[len(terminalIDs)-1]); got == nil {
		t.Error("newest terminal run evicted before older ones")
	}
}

func TestRetentionPrunesOldTerminalRuns(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store, WithRetention(time.Millisecond))

	old, _ := reg.CreateRun(ctx, "conv-1", "worker", "old work", nil)
	reg.MarkRunning(ctx, "conv-1", old.RunID)
	reg.MarkCompleted(ctx, "conv-1", old.RunID, "ok", 1)

	time.Sleep(5 * time.Millisecond)

	// Any mutation triggers housekeeping.
	if _, err := reg.CreateRun(ctx, "conv-1", "worker", "new work", nil); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if _, err := reg.GetRun(ctx, "conv-1", old.RunID); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expired terminal run still present, err = %v", err)
	}
}

func TestCrossProcessSyncSeesExternalTransition(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store, WithCrossProcessSync())

	run, _ := reg.CreateRun(ctx, "conv-1", "worker", "shared task", nil)
	reg.MarkRunning(ctx, "conv-1", run.RunID)

	// Another process cancels the run behind our back.
	external := store.get("conv-1", run.RunID)
	if err := external.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := store.Save(ctx, external); err != nil {
		t.Fatalf("Save: %v", err)
	}

	applied, err := reg.MarkCompleted(ctx, "conv-1", run.RunID, "done", 0,
		models.RunStatusRunning)
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if applied {
		t.Error("completion applied despite external cancellation")
	}

	got, _ := reg.GetRun(ctx, "conv-1", run.RunID)
	if got.Status != models.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestAttachMetadataOnTerminalRun(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	reg := newTestRegistry(t, store)

	run, _ := reg.CreateRun(ctx, "conv-1", "worker", "task", nil)
	reg.MarkRunning(ctx, "conv-1", run.RunID)
	reg.MarkCompleted(ctx, "conv-1", run.RunID, "ok", 1)

	err := reg.AttachMetadata(ctx, "conv-1", run.RunID, map[string]string{
		models.MetaAnnounceStatus: "delivered",
	})
	if err != nil {
		t.Fatalf("AttachMetadata: %v", err)
	}

	persisted := store.get("conv-1", run.RunID)
	if persisted.Meta(models.MetaAnnounceStatus) != "delivered" {
		t.Error("metadata not persisted on terminal run")
	}
}
