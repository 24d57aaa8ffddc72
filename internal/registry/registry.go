// Package registry provides the in-memory run index. It is the only
// mutator of run state: every status change goes through a guarded
// transition here, backed by durable snapshots in a runstore.Store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/internal/runstore"
	"github.com/s1366560/overseer/pkg/models"
)

// ErrRunNotFound indicates the requested run does not exist.
var ErrRunNotFound = errors.New("run not found")

// RecoveryAnnotation is the error text stamped on runs forcibly timed out
// by boot recovery.
const RecoveryAnnotation = "recovered after restart"

const (
	defaultCapacity  = 200
	defaultRetention = 24 * time.Hour
)

// Registry indexes sub-agent runs per conversation and applies guarded
// lifecycle transitions. Mutations are last-writer-wins under an optional
// expected-status guard: a guard mismatch is a silent no-op, never an
// error, since a newer transition winning is the correct outcome.
type Registry struct {
	store runstore.Store

	// runs maps conversation id to run id to the authoritative copy.
	runs map[string]map[string]*models.SubAgentRun
	// hydrated marks conversations already loaded from the store.
	hydrated map[string]bool

	// capacity bounds runs kept per conversation.
	capacity int
	// retention is how long terminal runs are kept before pruning.
	retention time.Duration
	// crossProcess re-reads the store before each mutation so multiple
	// processes sharing one store observe each other's transitions.
	crossProcess bool

	mu sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithCapacity bounds the number of runs kept per conversation.
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithRetention sets how long terminal runs are kept before pruning.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithCrossProcessSync re-reads the store immediately before each
// mutation.
func WithCrossProcessSync() Option {
	return func(r *Registry) { r.crossProcess = true }
}

// New creates a Registry over the given store and runs crash recovery:
// any persisted run still pending or running is forcibly timed out with a
// recovery annotation. No execution is assumed to survive a restart.
func New(ctx context.Context, store runstore.Store, opts ...Option) (*Registry, error) {
	r := &Registry{
		store:     store,
		runs:      make(map[string]map[string]*models.SubAgentRun),
		hydrated:  make(map[string]bool),
		capacity:  defaultCapacity,
		retention: defaultRetention,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := r.recover(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// recover forcibly times out stale active runs found in the store.
func (r *Registry) recover(ctx context.Context) error {
	stale, err := r.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	for _, run := range stale {
		if err := run.TimeOut(RecoveryAnnotation); err != nil {
			// Snapshot decoded to a terminal status despite the active
			// filter; leave it alone.
			continue
		}
		run.SetMeta(models.MetaRecovered, "true")
		if err := r.store.Save(ctx, run); err != nil {
			return fmt.Errorf("persist recovered run %s: %w", run.RunID, err)
		}
		r.putLocked(run)
		logging.Debugf("[registry] recovered stale run %s (conversation %s) to timed_out", run.RunID, run.ConversationID)
	}
	return nil
}

// CreateRun creates a pending run with a generated id, indexes it, and
// persists its snapshot. Metadata entries are attached before the first
// save.
func (r *Registry) CreateRun(ctx context.Context, conversationID, subAgentName, task string, metadata map[string]string) (*models.SubAgentRun, error) {
	return r.CreateRunWithID(ctx, uuid.New().String(), conversationID, subAgentName, task, metadata)
}

// CreateRunWithID creates a pending run under a caller-chosen id, for
// addressable runs whose id is handed out before creation.
func (r *Registry) CreateRunWithID(ctx context.Context, runID, conversationID, subAgentName, task string, metadata map[string]string) (*models.SubAgentRun, error) {
	run, err := models.NewSubAgentRun(runID, conversationID, subAgentName, task)
	if err != nil {
		return nil, err
	}
	for k, v := range metadata {
		run.SetMeta(k, v)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.hydrateLocked(ctx, conversationID); err != nil {
		return nil, err
	}
	r.putLocked(run)
	if err := r.store.Save(ctx, run); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}
	r.evictLocked(ctx, conversationID)

	logging.Debugf("[registry] created run %s (%s) in conversation %s", run.RunID, subAgentName, conversationID)
	return run.Clone(), nil
}

// Transition applies fn to the run under the expected-status guard.
// It returns (false, nil) when the guard does not match the current
// status: the caller is stale and a newer transition already won.
// An empty guard always applies, and an invalid transition is then a
// synchronous error.
func (r *Registry) Transition(ctx context.Context, conversationID, runID string, expected []models.RunStatus, fn func(*models.SubAgentRun) error) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(ctx, conversationID, runID)
	if err != nil {
		return false, err
	}

	if r.crossProcess {
		fresh, err := r.store.Load(ctx, conversationID, runID)
		if err != nil {
			return false, fmt.Errorf("re-read run %s: %w", runID, err)
		}
		if fresh != nil {
			run = fresh
			r.putLocked(run)
		}
	}

	if len(expected) > 0 && !statusIn(run.Status, expected) {
		logging.Debugf("[registry] transition on run %s not applied: status %s not in expected set", runID, run.Status)
		return false, nil
	}

	if err := fn(run); err != nil {
		return false, err
	}

	if err := r.store.Save(ctx, run); err != nil {
		return false, fmt.Errorf("persist run %s: %w", runID, err)
	}
	r.evictLocked(ctx, conversationID)
	return true, nil
}

// MarkRunning transitions a run to running.
func (r *Registry) MarkRunning(ctx context.Context, conversationID, runID string, expected ...models.RunStatus) (bool, error) {
	return r.Transition(ctx, conversationID, runID, expected, func(run *models.SubAgentRun) error {
		return run.Start()
	})
}

// MarkCompleted transitions a run to completed with its result.
func (r *Registry) MarkCompleted(ctx context.Context, conversationID, runID, summary string, tokensUsed int64, expected ...models.RunStatus) (bool, error) {
	return r.Transition(ctx, conversationID, runID, expected, func(run *models.SubAgentRun) error {
		return run.Complete(summary, tokensUsed)
	})
}

// MarkFailed transitions a run to failed with the error message.
func (r *Registry) MarkFailed(ctx context.Context, conversationID, runID, errMsg string, expected ...models.RunStatus) (bool, error) {
	return r.Transition(ctx, conversationID, runID, expected, func(run *models.SubAgentRun) error {
		return run.Fail(errMsg)
	})
}

// MarkCancelled transitions a run to cancelled.
func (r *Registry) MarkCancelled(ctx context.Context, conversationID, runID string, expected ...models.RunStatus) (bool, error) {
	return r.Transition(ctx, conversationID, runID, expected, func(run *models.SubAgentRun) error {
		return run.Cancel()
	})
}

// MarkTimedOut transitions a run to timed out with the reason.
func (r *Registry) MarkTimedOut(ctx context.Context, conversationID, runID, reason string, expected ...models.RunStatus) (bool, error) {
	return r.Transition(ctx, conversationID, runID, expected, func(run *models.SubAgentRun) error {
		return run.TimeOut(reason)
	})
}

// AttachMetadata merges metadata entries into the run. Allowed in any
// status, including terminal ones.
func (r *Registry) AttachMetadata(ctx context.Context, conversationID, runID string, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(ctx, conversationID, runID)
	if err != nil {
		return err
	}
	for k, v := range metadata {
		run.SetMeta(k, v)
	}
	if err := r.store.Save(ctx, run); err != nil {
		return fmt.Errorf("persist run %s: %w", runID, err)
	}
	return nil
}

// GetRun returns a copy of the run.
func (r *Registry) GetRun(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, err := r.getLocked(ctx, conversationID, runID)
	if err != nil {
		return nil, err
	}
	return run.Clone(), nil
}

// ListRuns returns copies of the conversation's runs, newest first.
// A non-empty status filter keeps only matching runs.
func (r *Registry) ListRuns(ctx context.Context, conversationID string, statuses ...models.RunStatus) ([]*models.SubAgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.hydrateLocked(ctx, conversationID); err != nil {
		return nil, err
	}

	var out []*models.SubAgentRun
	for _, run := range r.runs[conversationID] {
		if len(statuses) > 0 && !statusIn(run.Status, statuses) {
			continue
		}
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// ListDescendantRuns returns copies of every run reachable from rootRunID
// by following parent_run_id links, excluding the root itself.
func (r *Registry) ListDescendantRuns(ctx context.Context, conversationID, rootRunID string) ([]*models.SubAgentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.hydrateLocked(ctx, conversationID); err != nil {
		return nil, err
	}

	children := make(map[string][]*models.SubAgentRun)
	for _, run := range r.runs[conversationID] {
		if parent := run.Meta(models.MetaParentRunID); parent != "" {
			children[parent] = append(children[parent], run)
		}
	}

	var out []*models.SubAgentRun
	queue := []string{rootRunID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			out = append(out, child.Clone())
			queue = append(queue, child.RunID)
		}
	}
	return out, nil
}

// CountActiveRuns returns the number of pending or running runs in the
// conversation.
func (r *Registry) CountActiveRuns(ctx context.Context, conversationID string) (int, error) {
	return r.countActive(ctx, conversationID, "")
}

// CountActiveRunsForRequester returns the number of pending or running
// runs created under the given requester session key. Unknown keys count
// zero.
func (r *Registry) CountActiveRunsForRequester(ctx context.Context, conversationID, requesterKey string) (int, error) {
	return r.countActive(ctx, conversationID, requesterKey)
}

func (r *Registry) countActive(ctx context.Context, conversationID, requesterKey string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.hydrateLocked(ctx, conversationID); err != nil {
		return 0, err
	}

	count := 0
	for _, run := range r.runs[conversationID] {
		if run.Status.Terminal() {
			continue
		}
		if requesterKey != "" && run.Meta(models.MetaRequesterSessionKey) != requesterKey {
			continue
		}
		count++
	}
	return count, nil
}

// getLocked returns the authoritative run pointer, hydrating the
// conversation from the store if needed. Caller must hold r.mu.
func (r *Registry) getLocked(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	if err := r.hydrateLocked(ctx, conversationID); err != nil {
		return nil, err
	}
	if run, ok := r.runs[conversationID][runID]; ok {
		return run, nil
	}

	run, err := r.store.Load(ctx, conversationID, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	r.putLocked(run)
	return run, nil
}

// hydrateLocked loads a conversation from the store on first access.
// Caller must hold r.mu.
func (r *Registry) hydrateLocked(ctx context.Context, conversationID string) error {
	if r.hydrated[conversationID] {
		return nil
	}

	runs, err := r.store.LoadConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("hydrate conversation %s: %w", conversationID, err)
	}
	for _, run := range runs {
		if _, exists := r.runs[conversationID][run.RunID]; !exists {
			r.putLocked(run)
		}
	}
	r.hydrated[conversationID] = true
	return nil
}

// putLocked indexes a run. Caller must hold r.mu.
func (r *Registry) putLocked(run *models.SubAgentRun) {
	conv := r.runs[run.ConversationID]
	if conv == nil {
		conv = make(map[string]*models.SubAgentRun)
		r.runs[run.ConversationID] = conv
	}
	conv[run.RunID] = run
}

// evictLocked prunes terminal runs for a conversation: first any that
// ended before the retention window, then oldest-terminal-by-end-time
// until the conversation fits its capacity. Active runs are never
// evicted. Caller must hold r.mu.
func (r *Registry) evictLocked(ctx context.Context, conversationID string) {
	conv := r.runs[conversationID]
	if conv == nil {
		return
	}

	cutoff := time.Now().UTC().Add(-r.retention)
	var terminal []*models.SubAgentRun
	for _, run := range conv {
		if !run.Status.Terminal() || run.EndedAt == nil {
			continue
		}
		if run.EndedAt.Before(cutoff) {
			r.dropLocked(ctx, run)
			continue
		}
		terminal = append(terminal, run)
	}

	if len(conv) <= r.capacity {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].EndedAt.Before(*terminal[j].EndedAt)
	})
	for _, run := range terminal {
		if len(conv) <= r.capacity {
			break
		}
		r.dropLocked(ctx, run)
	}
}

// dropLocked removes a run from the index and the store. Store failures
// are logged, not raised: eviction is housekeeping.
func (r *Registry) dropLocked(ctx context.Context, run *models.SubAgentRun) {
	delete(r.runs[run.ConversationID], run.RunID)
	if err := r.store.Delete(ctx, run.ConversationID, run.RunID); err != nil {
		logging.Debugf("[registry] evict delete failed for run %s: %v", run.RunID, err)
	}
	logging.Debugf("[registry] evicted terminal run %s from conversation %s", run.RunID, run.ConversationID)
}

func statusIn(s models.RunStatus, set []models.RunStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
