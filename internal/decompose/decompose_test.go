package decompose

import (
	"context"
	"errors"
	"testing"

	"github.com/s1366560/overseer/internal/decision"
)

// fakeDecider returns a canned decomposition decision.
type fakeDecider struct {
	resp  decision.DecomposeResponse
	err   error
	calls int
}

func (f *fakeDecider) Decompose(_ context.Context, _ decision.DecomposeRequest) (decision.DecomposeResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeDecider) Route(_ context.Context, _ decision.RouteRequest) (decision.RouteResponse, error) {
	return decision.RouteResponse{}, nil
}

func TestDecomposeSplitsTask(t *testing.T) {
	client := &fakeDecider{resp: decision.DecomposeResponse{
		Tasks: []decision.DecomposedTask{
			{ID: "gather", Description: "gather requirements"},
			{ID: "build", Description: "build the feature", Target: "coder", Dependencies: []string{"gather"}},
		},
	}}

	d := New(client, 5)
	tasks := d.Decompose(context.Background(), "add exports", "", []string{"coder", "researcher"})

	if len(tasks) != 2 {
		t.Fatalf("len = %d, want 2", len(tasks))
	}
	if tasks[1].TargetSubAgent != "coder" {
		t.Errorf("target = %q", tasks[1].TargetSubAgent)
	}
	if len(tasks[1].Dependencies) != 1 || tasks[1].Dependencies[0] != "gather" {
		t.Errorf("deps = %v", tasks[1].Dependencies)
	}
	if client.calls != 1 {
		t.Errorf("remote calls = %d, want exactly 1", client.calls)
	}
}

func TestDecomposeDegradesOnError(t *testing.T) {
	client := &fakeDecider{err: errors.New("remote unavailable")}
	d := New(client, 5)

	tasks := d.Decompose(context.Background(), "add exports", "", nil)
	if len(tasks) != 1 {
		t.Fatalf("len = %d, want 1", len(tasks))
	}
	if tasks[0].Description != "add exports" {
		t.Errorf("description = %q, want original task", tasks[0].Description)
	}
}

func TestDecomposeDegradesOnEmptyDecision(t *testing.T) {
	d := New(&fakeDecider{}, 5)
	tasks := d.Decompose(context.Background(), "small fix", "", nil)
	if len(tasks) != 1 || tasks[0].Description != "small fix" {
		t.Errorf("tasks = %+v, want the original as a single task", tasks)
	}
}

func TestDecomposeDegradesOnUnknownDependency(t *testing.T) {
	client := &fakeDecider{resp: decision.DecomposeResponse{
		Tasks: []decision.DecomposedTask{
			{ID: "a", Description: "first", Dependencies: []string{"ghost"}},
		},
	}}

	d := New(client, 5)
	tasks := d.Decompose(context.Background(), "original", "", nil)
	if len(tasks) != 1 || tasks[0].Description != "original" {
		t.Error("inconsistent split should degrade to the original task")
	}
}

func TestDecomposeCapsSubTasks(t *testing.T) {
	client := &fakeDecider{resp: decision.DecomposeResponse{
		Tasks: []decision.DecomposedTask{
			{ID: "a", Description: "one"},
			{ID: "b", Description: "two"},
			{ID: "c", Description: "three"},
			{ID: "d", Description: "four"},
		},
	}}

	d := New(client, 2)
	tasks := d.Decompose(context.Background(), "big job", "", nil)
	if len(tasks) != 2 {
		t.Errorf("len = %d, want capped at 2", len(tasks))
	}
}

func TestDecomposeAssignsMissingIDs(t *testing.T) {
	client := &fakeDecider{resp: decision.DecomposeResponse{
		Tasks: []decision.DecomposedTask{
			{Description: "one"},
			{Description: "two"},
		},
	}}

	d := New(client, 5)
	tasks := d.Decompose(context.Background(), "job", "", nil)
	if tasks[0].ID == "" || tasks[1].ID == "" || tasks[0].ID == tasks[1].ID {
		t.Errorf("ids = %q, %q", tasks[0].ID, tasks[1].ID)
	}
}

func TestDecomposeNilClient(t *testing.T) {
	d := New(nil, 5)
	tasks := d.Decompose(context.Background(), "job", "", nil)
	if len(tasks) != 1 {
		t.Errorf("len = %d, want 1", len(tasks))
	}
}
