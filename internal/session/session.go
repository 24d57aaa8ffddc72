// Package session runs addressable, cancellable named sub-agent runs:
// durable registry tracking, global lane backpressure, outcome
// classification, and a retrying completion announce.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/s1366560/overseer/internal/agent"
	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/internal/registry"
	"github.com/s1366560/overseer/pkg/models"
)

// ErrRunExists indicates a unit is already registered under the run id.
var ErrRunExists = errors.New("run already exists")

// activeGuard is the expected-status set for outcome transitions: only a
// run still pending or running may be finalized by its own unit.
var activeGuard = []models.RunStatus{models.RunStatusPending, models.RunStatusRunning}

// Config holds the session runner knobs.
type Config struct {
	// LaneCapacity bounds simultaneous active session runs. Zero means 4.
	LaneCapacity int
	// DefaultTimeout bounds a run when no per-run override is set. Zero
	// means no timeout.
	DefaultTimeout time.Duration
	// AnnounceMaxAttempts caps announce persistence retries. Zero means 3.
	AnnounceMaxAttempts int
	// AnnounceBackoffBase is the first retry delay, doubled per attempt.
	// Zero means 100ms.
	AnnounceBackoffBase time.Duration
	// AnnounceLogSize caps the announce event log. Zero means 100.
	AnnounceLogSize int
}

// LaunchParams describe one named run.
type LaunchParams struct {
	ConversationID string
	// RunID is optional; empty generates one.
	RunID        string
	Definition   *models.SubAgentDefinition
	Task         string
	History      string
	SpawnMode    string
	Cleanup      string
	RequesterKey string
	ParentRunID  string
	// Metadata is merged into the run at creation.
	Metadata map[string]string
}

// handle tracks one active unit.
type handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	// controlled is set when Cancel stops the unit from outside.
	controlled atomic.Bool
}

// Runner launches and tracks named session runs.
type Runner struct {
	registry *registry.Registry
	factory  agent.RunnerFactory
	hooks    Hooks
	cfg      Config

	// lane is the shared semaphore bounding simultaneous runs.
	lane chan struct{}

	mu     sync.Mutex
	active map[string]*handle

	log          *announceLog
	hookFailures atomic.Uint64
}

// NewRunner creates a session Runner.
func NewRunner(reg *registry.Registry, factory agent.RunnerFactory, hooks Hooks, cfg Config) *Runner {
	if cfg.LaneCapacity <= 0 {
		cfg.LaneCapacity = 4
	}
	if cfg.AnnounceMaxAttempts <= 0 {
		cfg.AnnounceMaxAttempts = 3
	}
	if cfg.AnnounceBackoffBase <= 0 {
		cfg.AnnounceBackoffBase = 100 * time.Millisecond
	}
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Runner{
		registry: reg,
		factory:  factory,
		hooks:    hooks,
		cfg:      cfg,
		lane:     make(chan struct{}, cfg.LaneCapacity),
		active:   make(map[string]*handle),
		log:      newAnnounceLog(cfg.AnnounceLogSize),
	}
}

// Launch creates the run and starts its unit. The unit is gated so the
// spawning and spawned hooks always fire before any real work. Launch
// returns the run id once the run is registered and the gate released.
func (r *Runner) Launch(ctx context.Context, p LaunchParams) (string, error) {
	if p.Definition == nil {
		return "", fmt.Errorf("launch requires a sub-agent definition")
	}

	runID := p.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	spawnMode := p.SpawnMode
	if spawnMode == "" {
		spawnMode = "sync"
	}
	cleanup := p.Cleanup
	if cleanup == "" {
		cleanup = "keep"
	}

	r.mu.Lock()
	if _, exists := r.active[runID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	// Reserve the slot before creating the run so a concurrent Launch
	// with the same id is rejected.
	h := &handle{done: make(chan struct{})}
	r.active[runID] = h
	r.mu.Unlock()

	metadata := map[string]string{
		models.MetaSpawnMode: spawnMode,
		models.MetaCleanup:   cleanup,
	}
	if p.RequesterKey != "" {
		metadata[models.MetaRequesterSessionKey] = p.RequesterKey
	}
	if p.ParentRunID != "" {
		metadata[models.MetaParentRunID] = p.ParentRunID
		metadata[models.MetaLineageRootRunID] = r.lineageRoot(ctx, p.ConversationID, p.ParentRunID)
	}
	for k, v := range p.Metadata {
		metadata[k] = v
	}

	run, err := r.registry.CreateRunWithID(ctx, runID, p.ConversationID, p.Definition.Name, p.Task, metadata)
	if err != nil {
		r.removeHandle(runID)
		return "", err
	}

	payload := HookPayload{
		ConversationID: p.ConversationID,
		RunID:          runID,
		SubAgentName:   p.Definition.Name,
		SpawnMode:      spawnMode,
		Cleanup:        cleanup,
	}

	unitCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	started := make(chan struct{})
	go r.unit(unitCtx, run, p, h, started)

	// Both hooks fire before the gate opens, so no work precedes them.
	r.fireHook("spawning", func() error { return r.hooks.Spawning(payload) })
	r.fireHook("spawned", func() error { return r.hooks.Spawned(payload) })
	close(started)

	return runID, nil
}

// lineageRoot resolves the root of a parent's lineage, falling back to
// the parent itself.
func (r *Runner) lineageRoot(ctx context.Context, conversationID, parentRunID string) string {
	parent, err := r.registry.GetRun(ctx, conversationID, parentRunID)
	if err != nil {
		return parentRunID
	}
	if root := parent.Meta(models.MetaLineageRootRunID); root != "" {
		return root
	}
	return parentRunID
}

// unit is the gated goroutine driving one run end to end.
func (r *Runner) unit(ctx context.Context, run *models.SubAgentRun, p LaunchParams, h *handle, started <-chan struct{}) {
	defer close(h.done)
	defer r.removeHandle(run.RunID)

	select {
	case <-started:
	case <-ctx.Done():
		r.classify(run, h, &agent.Completion{Success: false, Err: "cancelled before start"}, false, 0)
		r.finalize(ctx, run, p, h, nil, "cancelled before start")
		return
	}

	// Resolve overrides from registry metadata: callers may have
	// attached them between creation and start.
	current, err := r.registry.GetRun(ctx, run.ConversationID, run.RunID)
	if err == nil {
		run = current
	}
	model := run.Meta(models.MetaModelOverride)
	thinking := run.Meta(models.MetaThinkingOverride) == "true"
	timeout := r.cfg.DefaultTimeout
	if raw := run.Meta(models.MetaRunTimeoutSeconds); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	// Global backpressure: every session run shares one lane semaphore.
	laneStart := time.Now()
	select {
	case r.lane <- struct{}{}:
	case <-ctx.Done():
		r.classify(run, h, &agent.Completion{Success: false, Err: "cancelled waiting for lane"}, false, 0)
		r.finalize(ctx, run, p, h, nil, "cancelled waiting for lane")
		return
	}
	defer func() { <-r.lane }()

	laneWait := time.Since(laneStart)
	_ = r.registry.AttachMetadata(context.Background(), run.ConversationID, run.RunID, map[string]string{
		models.MetaLaneWaitMS: strconv.FormatInt(laneWait.Milliseconds(), 10),
	})

	if applied, err := r.registry.MarkRunning(ctx, run.ConversationID, run.RunID, models.RunStatusPending); err != nil || !applied {
		logging.Debugf("[session] run %s could not start (applied=%v err=%v)", run.RunID, applied, err)
		r.finalize(ctx, run, p, h, nil, "not startable")
		return
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	var completion *agent.Completion
	runner := r.factory()
	events, err := runner.Run(runCtx, agent.Request{
		Definition: p.Definition,
		Context:    agent.BuildExecContext(p.Definition, p.Task, p.History, ""),
		Model:      model,
		Thinking:   thinking,
	})
	if err != nil {
		completion = &agent.Completion{Success: false, Err: err.Error()}
	} else {
		completion = agent.Drain(runCtx, events)
	}

	timedOut := runCtx.Err() == context.DeadlineExceeded
	r.classify(run, h, completion, timedOut, timeout)
	r.finalize(ctx, run, p, h, completion, "")
}

// classify applies exactly one registry transition for the outcome,
// guarded on the run still being active. A guard miss means a newer
// transition (external cancel, admin action) already won.
func (r *Runner) classify(run *models.SubAgentRun, h *handle, completion *agent.Completion, timedOut bool, timeout time.Duration) {
	// Transitions use a fresh context: the unit's context may already be
	// cancelled, but the outcome still has to be recorded.
	ctx := context.Background()

	switch {
	case timedOut:
		r.apply(run, "timed_out", func() (bool, error) {
			return r.registry.MarkTimedOut(ctx, run.ConversationID, run.RunID, fmt.Sprintf("run timed out after %s", timeout), activeGuard...)
		})
	case h.controlled.Load():
		r.apply(run, "cancelled", func() (bool, error) {
			return r.registry.MarkCancelled(ctx, run.ConversationID, run.RunID, activeGuard...)
		})
	case completion.Success:
		r.apply(run, "completed", func() (bool, error) {
			return r.registry.MarkCompleted(ctx, run.ConversationID, run.RunID, completion.Text, completion.TokensUsed, activeGuard...)
		})
	default:
		errMsg := completion.Err
		if errMsg == "" {
			errMsg = "sub-agent reported failure"
		}
		r.apply(run, "failed", func() (bool, error) {
			return r.registry.MarkFailed(ctx, run.ConversationID, run.RunID, errMsg, activeGuard...)
		})
	}
}

func (r *Runner) apply(run *models.SubAgentRun, outcome string, fn func() (bool, error)) {
	applied, err := fn()
	if err != nil {
		logging.Debugf("[session] %s transition for run %s errored: %v", outcome, run.RunID, err)
		return
	}
	if !applied {
		logging.Debugf("[session] %s transition for run %s lost to a newer transition", outcome, run.RunID)
	}
}

// announcePayload is the idempotent completion record persisted after a
// run ends.
type announcePayload struct {
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	Outcome         string `json:"outcome"`
	Result          string `json:"result,omitempty"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	TokensUsed      int64  `json:"tokens_used"`
	SpawnMode       string `json:"spawn_mode"`
	Cleanup         string `json:"cleanup"`
}

// finalize always runs: announce persistence (unless cancelled by
// control), the ended hook, and handle removal via the unit's defers.
func (r *Runner) finalize(ctx context.Context, run *models.SubAgentRun, p LaunchParams, h *handle, completion *agent.Completion, note string) {
	final, err := r.registry.GetRun(context.Background(), run.ConversationID, run.RunID)
	if err != nil {
		logging.Debugf("[session] finalize could not read run %s: %v", run.RunID, err)
		final = run
	}

	if !h.controlled.Load() {
		r.announce(final, completion, note)
	}

	r.fireHook("ended", func() error {
		return r.hooks.Ended(HookPayload{
			ConversationID: final.ConversationID,
			RunID:          final.RunID,
			SubAgentName:   final.SubAgentName,
			SpawnMode:      final.Meta(models.MetaSpawnMode),
			Cleanup:        final.Meta(models.MetaCleanup),
			FinalStatus:    string(final.Status),
			Summary:        final.Summary,
			Error:          final.Error,
		})
	})
}

// announce persists the completion record with exponential backoff. Each
// attempt appends an event log entry; exhausting the attempt cap records
// a giveup instead of raising.
func (r *Runner) announce(run *models.SubAgentRun, completion *agent.Completion, note string) {
	payload := announcePayload{
		RunID:           run.RunID,
		Status:          string(run.Status),
		Outcome:         outcomeOf(run, note),
		Result:          run.Summary,
		Error:           run.Error,
		ExecutionTimeMS: run.ExecutionTimeMS,
		TokensUsed:      run.TokensUsed,
		SpawnMode:       run.Meta(models.MetaSpawnMode),
		Cleanup:         run.Meta(models.MetaCleanup),
	}
	if completion != nil && payload.Result == "" {
		payload.Result = completion.Text
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		logging.Debugf("[session] announce payload for run %s unencodable: %v", run.RunID, err)
		return
	}

	ctx := context.Background()
	backoff := r.cfg.AnnounceBackoffBase
	for attempt := 1; attempt <= r.cfg.AnnounceMaxAttempts; attempt++ {
		err := r.registry.AttachMetadata(ctx, run.ConversationID, run.RunID, map[string]string{
			models.MetaAnnounceStatus:   announceDelivered,
			models.MetaAnnounceAttempts: strconv.Itoa(attempt),
			models.MetaAnnouncePayload:  string(encoded),
		})
		if err == nil {
			r.log.append(AnnounceEvent{Time: time.Now().UTC(), Kind: AnnounceDelivered, RunID: run.RunID, Attempt: attempt})
			return
		}

		r.log.append(AnnounceEvent{Time: time.Now().UTC(), Kind: AnnounceRetry, RunID: run.RunID, Attempt: attempt, Detail: err.Error()})
		logging.Debugf("[session] announce attempt %d for run %s failed: %v", attempt, run.RunID, err)

		if attempt < r.cfg.AnnounceMaxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	r.log.append(AnnounceEvent{Time: time.Now().UTC(), Kind: AnnounceGiveup, RunID: run.RunID, Attempt: r.cfg.AnnounceMaxAttempts})
	// Best effort marker; if the store is still down this fails too.
	_ = r.registry.AttachMetadata(ctx, run.ConversationID, run.RunID, map[string]string{
		models.MetaAnnounceStatus:   announceGiveup,
		models.MetaAnnounceAttempts: strconv.Itoa(r.cfg.AnnounceMaxAttempts),
	})
}

func outcomeOf(run *models.SubAgentRun, note string) string {
	if note != "" {
		return note
	}
	switch run.Status {
	case models.RunStatusCompleted:
		return "success"
	case models.RunStatusTimedOut:
		return "timeout"
	case models.RunStatusCancelled:
		return "cancelled"
	default:
		return "error"
	}
}

// Cancel stops an active run's unit. The unit classifies the outcome as
// cancelled-by-control and skips the announce.
func (r *Runner) Cancel(runID string) bool {
	r.mu.Lock()
	h, ok := r.active[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	h.controlled.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
	return true
}

// Wait blocks until the run's unit finishes. Unknown ids return
// immediately.
func (r *Runner) Wait(runID string) {
	r.mu.Lock()
	h, ok := r.active[runID]
	r.mu.Unlock()
	if ok {
		<-h.done
	}
}

// ActiveCount returns how many units are currently registered.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// AnnounceEvents returns a copy of the announce event log.
func (r *Runner) AnnounceEvents() []AnnounceEvent {
	return r.log.Events()
}

// AnnounceEventsDropped returns how many log entries were discarded.
func (r *Runner) AnnounceEventsDropped() uint64 {
	return r.log.Dropped()
}

// HookFailures returns how many hook invocations failed or panicked.
func (r *Runner) HookFailures() uint64 {
	return r.hookFailures.Load()
}

func (r *Runner) removeHandle(runID string) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
}

// fireHook invokes a lifecycle hook, counting failures and panics but
// never propagating them.
func (r *Runner) fireHook(name string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.hookFailures.Add(1)
			logging.Debugf("[session] %s hook panicked: %v", name, rec)
		}
	}()
	if err := fn(); err != nil {
		r.hookFailures.Add(1)
		logging.Debugf("[session] %s hook failed: %v", name, err)
	}
}
