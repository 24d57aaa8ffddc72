// Package scheduler executes a batch of sub-tasks honoring their
// dependency graph under a global concurrency cap, each task with its
// own timeout, producing one interleaved event stream plus a final
// aggregate.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/s1366560/overseer/internal/agent"
	"github.com/s1366560/overseer/internal/graph"
	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/pkg/models"
)

// Config holds the batch execution knobs.
type Config struct {
	// MaxParallel bounds how many tasks run at once. Zero means 3.
	MaxParallel int
	// TaskTimeout bounds each task's execution. Zero means 5 minutes.
	TaskTimeout time.Duration
	// AbortOnFailure cancels the whole batch on the first task failure.
	AbortOnFailure bool
	// EventBuffer sizes the event channel.
	EventBuffer int
}

// BatchResult is the closing aggregate of one batch.
type BatchResult struct {
	// Results holds one entry per executed task, keyed by task id.
	Results map[string]*models.StepResult
	// Dropped lists task ids discarded before scheduling.
	Dropped []string
	// Completed counts tasks that finished successfully.
	Completed int
	// Failed counts tasks that failed, timed out, or were aborted.
	Failed int
	// DroppedEvents counts stream events lost to a slow consumer.
	DroppedEvents uint64
	// Duration is the wall time of the whole batch.
	Duration time.Duration
}

// Success reports whether every scheduled task completed.
func (b *BatchResult) Success() bool {
	return b.Failed == 0 && len(b.Dropped) == 0
}

// Scheduler runs sub-task batches. Each Execute call is independent; a
// Scheduler may be reused across batches.
type Scheduler struct {
	factory agent.RunnerFactory
	cfg     Config
}

// New creates a Scheduler over the given execution-unit factory.
func New(factory agent.RunnerFactory, cfg Config) *Scheduler {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	return &Scheduler{factory: factory, cfg: cfg}
}

// Execute runs the batch. The returned channel carries task events and
// is closed after a final EventBatchCompleted carrying the BatchResult.
// Execute returns immediately after validation; the caller consumes the
// stream. Build errors (unknown dependency, cycle) fail fast before any
// task runs.
func (s *Scheduler) Execute(ctx context.Context, tasks []*models.SubTask, agents []*models.SubAgentDefinition, history string) (<-chan Event, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("no sub-agents available")
	}

	byName := make(map[string]*models.SubAgentDefinition, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}

	// Resolve targets before building the graph: a task whose target
	// does not resolve is dropped with a warning, and tasks depending on
	// it must not deadlock, so its id never enters the graph.
	var (
		scheduled []*models.SubTask
		dropped   []string
	)
	for _, task := range tasks {
		if task.TargetSubAgent != "" {
			if _, ok := byName[task.TargetSubAgent]; !ok {
				logging.Debugf("[scheduler] dropping task %s: unknown target %q", task.ID, task.TargetSubAgent)
				dropped = append(dropped, task.ID)
				continue
			}
		}
		scheduled = append(scheduled, task)
	}

	g := graph.New()
	if err := g.Build(scheduled); err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}

	em := newEmitter(s.cfg.EventBuffer)
	go s.run(ctx, g, scheduled, dropped, agents, byName, history, em)
	return em.events, nil
}

func (s *Scheduler) run(ctx context.Context, g *graph.DependencyGraph, tasks []*models.SubTask, dropped []string, agents []*models.SubAgentDefinition, byName map[string]*models.SubAgentDefinition, history string, em *emitter) {
	start := time.Now()

	batchCtx, abort := context.WithCancel(ctx)
	defer abort()

	for _, id := range dropped {
		em.emit(Event{Type: EventTaskDropped, TaskID: id, Message: "target sub-agent not found"})
	}

	sem := make(chan struct{}, s.cfg.MaxParallel)
	results := make(map[string]*models.StepResult, len(tasks))
	var resultsMu sync.Mutex

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task *models.SubTask) {
			defer wg.Done()

			result := s.runTask(batchCtx, g, task, agents, byName, history, sem, em)

			resultsMu.Lock()
			results[task.ID] = result
			resultsMu.Unlock()

			// Any outcome unblocks dependents; a dependent of a failed
			// task sees the failure in its inputs, not a deadlock.
			g.MarkComplete(task.ID)

			if !result.Skipped && !result.Success && s.cfg.AbortOnFailure {
				logging.Debugf("[scheduler] task %s failed, aborting batch", task.ID)
				abort()
			}
		}(task)
	}
	wg.Wait()

	batch := &BatchResult{
		Results:       results,
		Dropped:       dropped,
		DroppedEvents: em.droppedCount(),
		Duration:      time.Since(start),
	}
	for _, r := range results {
		if r.Success {
			batch.Completed++
		} else {
			batch.Failed++
		}
	}

	em.emit(Event{Type: EventBatchCompleted, Message: fmt.Sprintf("%d completed, %d failed", batch.Completed, batch.Failed), Batch: batch})
	em.close()
}

// runTask drives one task: wait for dependencies, acquire a slot, run
// the execution unit under the per-task timeout.
func (s *Scheduler) runTask(ctx context.Context, g *graph.DependencyGraph, task *models.SubTask, agents []*models.SubAgentDefinition, byName map[string]*models.SubAgentDefinition, history string, sem chan struct{}, em *emitter) *models.StepResult {
	def := byName[task.TargetSubAgent]
	if task.TargetSubAgent == "" {
		// Unspecified target resolves to the first available agent.
		def = agents[0]
	}

	result := &models.StepResult{TaskID: task.ID, SubAgentName: def.Name}

	// Wait until every dependency completes. MarkComplete broadcasts, so
	// this blocks without polling. The wait channel is taken before the
	// check: a completion landing between the two still wakes us.
	for {
		wait := g.WaitProgress()
		if g.DepsSatisfied(task.ID) {
			break
		}
		select {
		case <-wait:
		case <-ctx.Done():
			result.Error = "aborted before start"
			em.emit(Event{Type: EventTaskFailed, TaskID: task.ID, SubAgent: def.Name, Message: result.Error})
			return result
		}
	}

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		result.Error = "aborted before start"
		em.emit(Event{Type: EventTaskFailed, TaskID: task.ID, SubAgent: def.Name, Message: result.Error})
		return result
	}
	defer func() { <-sem }()

	em.emit(Event{Type: EventTaskStarted, TaskID: task.ID, SubAgent: def.Name, Message: task.Description})
	started := time.Now()

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	runner := s.factory()
	events, err := runner.Run(taskCtx, agent.Request{
		Definition: def,
		Context:    agent.BuildExecContext(def, task.Description, history, ""),
	})
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(started)
		em.emit(Event{Type: EventTaskFailed, TaskID: task.ID, SubAgent: def.Name, Message: result.Error})
		return result
	}

	completion := s.consume(taskCtx, task.ID, def.Name, events, em)
	result.Success = completion.Success
	result.Summary = summarize(completion.Text)
	result.FullText = completion.Text
	result.Error = completion.Err
	result.TokensUsed = completion.TokensUsed
	result.ToolCalls = completion.ToolCalls
	result.Duration = time.Since(started)

	if taskCtx.Err() == context.DeadlineExceeded {
		result.Success = false
		result.Error = fmt.Sprintf("task timed out after %s", s.cfg.TaskTimeout)
	}

	if result.Success {
		em.emit(Event{Type: EventTaskCompleted, TaskID: task.ID, SubAgent: def.Name, Message: result.Summary})
	} else {
		em.emit(Event{Type: EventTaskFailed, TaskID: task.ID, SubAgent: def.Name, Message: result.Error})
	}
	return result
}

// consume relays progress events and returns the stream's completion.
func (s *Scheduler) consume(ctx context.Context, taskID, subAgent string, events <-chan agent.Event, em *emitter) *agent.Completion {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return &agent.Completion{Success: false, Err: "execution stream closed without completion"}
			}
			switch ev.Type {
			case agent.EventProgress:
				em.emit(Event{Type: EventTaskProgress, TaskID: taskID, SubAgent: subAgent, Message: ev.Message})
			case agent.EventCompletion:
				if ev.Completion != nil {
					return ev.Completion
				}
			}
		case <-ctx.Done():
			return &agent.Completion{Success: false, Err: ctx.Err().Error()}
		}
	}
}

// summaryLimit bounds the summary carried in a step result.
const summaryLimit = 300

func summarize(text string) string {
	if len(text) <= summaryLimit {
		return text
	}
	return text[:summaryLimit] + "..."
}
