package runstore

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/s1366560/overseer/pkg/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "overseer.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteSaveLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := sampleRun()

	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := s.Load(ctx, run.ConversationID, run.RunID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(run, loaded) {
		t.Errorf("load mismatch:\n got %+v\nwant %+v", loaded, run)
	}
}

func TestSQLiteLoadMissing(t *testing.T) {
	s := openTestStore(t)

	run, err := s.Load(context.Background(), "no-conv", "no-run")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if run != nil {
		t.Errorf("expected nil for missing run, got %+v", run)
	}
}

func TestSQLiteSaveReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := sampleRun()

	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}

	run.Summary = "revised"
	run.SetMeta("extra", "yes")
	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	loaded, err := s.Load(ctx, run.ConversationID, run.RunID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Summary != "revised" || loaded.Meta("extra") != "yes" {
		t.Errorf("update not persisted: %+v", loaded)
	}
}

func TestSQLiteLoadConversation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		run := sampleRun()
		run.RunID = id
		if err := s.Save(ctx, run); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	other := sampleRun()
	other.ConversationID = "other-conv"
	other.RunID = "r9"
	if err := s.Save(ctx, other); err != nil {
		t.Fatalf("Save other: %v", err)
	}

	runs, err := s.LoadConversation(ctx, "conv-7")
	if err != nil {
		t.Fatalf("LoadConversation: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("expected 3 runs, got %d", len(runs))
	}
}

func TestSQLiteDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := sampleRun()

	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, run.ConversationID, run.RunID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	loaded, err := s.Load(ctx, run.ConversationID, run.RunID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil after delete, got %+v", loaded)
	}

	// Deleting a missing run is not an error.
	if err := s.Delete(ctx, run.ConversationID, run.RunID); err != nil {
		t.Errorf("Delete missing: %v", err)
	}
}

func TestSQLitePurgeTerminalBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := sampleRun()
	old.RunID = "old"
	ended := time.Now().UTC().Add(-48 * time.Hour)
	old.EndedAt = &ended

	fresh := sampleRun()
	fresh.RunID = "fresh"
	freshEnded := time.Now().UTC().Add(-time.Hour)
	fresh.EndedAt = &freshEnded

	active := sampleRun()
	active.RunID = "active"
	active.Status = models.RunStatusRunning
	active.EndedAt = nil

	for _, r := range []*models.SubAgentRun{old, fresh, active} {
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save %s: %v", r.RunID, err)
		}
	}

	cutoff := formatTime(time.Now().UTC().Add(-24 * time.Hour))
	n, err := s.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("PurgeTerminalBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged run, got %d", n)
	}

	if run, _ := s.Load(ctx, "conv-7", "old"); run != nil {
		t.Error("old terminal run should have been purged")
	}
	if run, _ := s.Load(ctx, "conv-7", "fresh"); run == nil {
		t.Error("terminal run inside the retention window was purged")
	}
	if run, _ := s.Load(ctx, "conv-7", "active"); run == nil {
		t.Error("active run must never be purged")
	}
}
