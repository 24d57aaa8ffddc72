// Package decompose turns one task into a small dependency graph of
// sub-tasks via the remote decision boundary. A failed or empty decision
// degrades to a single task equal to the original input: decomposition
// never fails its caller.
package decompose

import (
	"context"
	"fmt"

	"github.com/s1366560/overseer/internal/decision"
	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/pkg/models"
)

const defaultMaxSubTasks = 5

// Decomposer splits tasks using one remote decision per attempt.
type Decomposer struct {
	client      decision.Client
	maxSubTasks int
}

// New creates a Decomposer. maxSubTasks caps the split size; zero or
// negative uses the default.
func New(client decision.Client, maxSubTasks int) *Decomposer {
	if maxSubTasks <= 0 {
		maxSubTasks = defaultMaxSubTasks
	}
	return &Decomposer{client: client, maxSubTasks: maxSubTasks}
}

// Decompose asks the decision client for a split of the task. It always
// returns at least one sub-task; on any failure, empty decision, or
// inconsistent output it returns the original task as a single sub-task.
func (d *Decomposer) Decompose(ctx context.Context, task, convContext string, candidates []string) []*models.SubTask {
	single := []*models.SubTask{{
		ID:          "task-1",
		Description: task,
	}}

	if d.client == nil {
		return single
	}

	resp, err := d.client.Decompose(ctx, decision.DecomposeRequest{
		Task:        task,
		Context:     convContext,
		Candidates:  candidates,
		MaxSubTasks: d.maxSubTasks,
	})
	if err != nil || len(resp.Tasks) == 0 {
		logging.Debugf("[decompose] no usable split, keeping single task (err=%v)", err)
		return single
	}

	tasks, err := resolve(resp.Tasks, d.maxSubTasks)
	if err != nil {
		logging.Debugf("[decompose] split rejected: %v", err)
		return single
	}

	logging.Debugf("[decompose] split into %d sub-tasks: %s", len(tasks), resp.Reasoning)
	return tasks
}

// resolve validates a decomposition decision and converts it into
// sub-tasks: ids assigned where missing, the split capped, and every
// dependency resolved within the batch.
func resolve(decided []decision.DecomposedTask, limit int) ([]*models.SubTask, error) {
	if len(decided) > limit {
		decided = decided[:limit]
	}

	ids := make(map[string]bool, len(decided))
	tasks := make([]*models.SubTask, 0, len(decided))
	for i, dt := range decided {
		if dt.Description == "" {
			return nil, fmt.Errorf("sub-task %d has no description", i)
		}
		id := dt.ID
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		if ids[id] {
			return nil, fmt.Errorf("duplicate sub-task id %s", id)
		}
		ids[id] = true

		tasks = append(tasks, &models.SubTask{
			ID:             id,
			Description:    dt.Description,
			TargetSubAgent: dt.Target,
			Priority:       i,
		})
	}

	for i, dt := range decided {
		for _, dep := range dt.Dependencies {
			if !ids[dep] {
				return nil, fmt.Errorf("sub-task %s depends on unknown id %s", tasks[i].ID, dep)
			}
			tasks[i].Dependencies = append(tasks[i].Dependencies, dep)
		}
	}
	return tasks, nil
}
