// Package models defines the shared domain types for overseer: delegated
// sub-agent runs, batch sub-tasks, chain steps, and result rollups.
package models

import (
	"errors"
	"fmt"
	"time"
)

// RunStatus represents the lifecycle state of a delegated run.
type RunStatus string

const (
	// RunStatusPending indicates the run is created but not started.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates the run is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run finished with an error.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled before finishing.
	RunStatusCancelled RunStatus = "cancelled"
	// RunStatusTimedOut indicates the run exceeded its deadline.
	RunStatusTimedOut RunStatus = "timed_out"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted,
		RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	default:
		return false
	}
}

// Metadata keys attached to runs by the orchestration layer.
const (
	// MetaParentRunID links a run to the run that spawned it.
	MetaParentRunID = "parent_run_id"
	// MetaLineageRootRunID links a run to the root of its delegation tree.
	MetaLineageRootRunID = "lineage_root_run_id"
	// MetaRequesterSessionKey identifies the session that requested the run.
	MetaRequesterSessionKey = "requester_session_key"
	// MetaSpawnMode records how the run was spawned (e.g. "detached").
	MetaSpawnMode = "spawn_mode"
	// MetaThreadRequested records whether a dedicated thread was requested.
	MetaThreadRequested = "thread_requested"
	// MetaCleanup records the cleanup policy echoed back on announce.
	MetaCleanup = "cleanup"
	// MetaModelOverride overrides the model for this run.
	MetaModelOverride = "model_override"
	// MetaThinkingOverride overrides the thinking setting for this run.
	MetaThinkingOverride = "thinking_override"
	// MetaRunTimeoutSeconds sets a per-run execution timeout.
	MetaRunTimeoutSeconds = "run_timeout_seconds"
	// MetaLaneWaitMS records how long the run waited for a lane slot.
	MetaLaneWaitMS = "lane_wait_ms"
	// MetaAnnounceStatus records the announce delivery outcome.
	MetaAnnounceStatus = "announce_status"
	// MetaAnnounceAttempts records how many announce attempts were made.
	MetaAnnounceAttempts = "announce_attempts"
	// MetaAnnouncePayload holds the serialized announce payload.
	MetaAnnouncePayload = "announce_payload"
	// MetaRecovered marks a run forcibly terminated by crash recovery.
	MetaRecovered = "recovered"
)

// ErrInvalidTransition indicates a run status transition from a disallowed
// source state.
var ErrInvalidTransition = errors.New("invalid run status transition")

// SubAgentRun tracks one delegated invocation of a sub-agent end to end.
// It is created pending by the registry and mutated only through the named
// transition methods; terminal statuses are immutable except for metadata.
type SubAgentRun struct {
	// RunID is the opaque unique token for this run.
	RunID string `json:"run_id"`
	// ConversationID scopes the run to one logical conversation.
	ConversationID string `json:"conversation_id"`
	// SubAgentName is the sub-agent executing the run.
	SubAgentName string `json:"subagent_name"`
	// Task is the delegated task text.
	Task string `json:"task"`
	// Status is the current lifecycle state.
	Status RunStatus `json:"status"`
	// CreatedAt is when the run was created (UTC).
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when execution began, if it did.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// EndedAt is when the run reached a terminal state, if it did.
	EndedAt *time.Time `json:"ended_at,omitempty"`
	// Summary is the final result text, if any.
	Summary string `json:"summary,omitempty"`
	// Error contains the failure reason for failed/timed-out runs.
	Error string `json:"error,omitempty"`
	// ExecutionTimeMS is the wall-clock execution time in milliseconds.
	ExecutionTimeMS int64 `json:"execution_time_ms,omitempty"`
	// TokensUsed is the token count reported by the execution unit.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// Metadata is an open string-keyed map of orchestration bookkeeping.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSubAgentRun creates a pending run, validating required fields.
func NewSubAgentRun(runID, conversationID, subAgentName, task string) (*SubAgentRun, error) {
	if runID == "" {
		return nil, errors.New("run id must not be empty")
	}
	if conversationID == "" {
		return nil, errors.New("conversation id must not be empty")
	}
	if subAgentName == "" {
		return nil, errors.New("subagent name must not be empty")
	}
	if task == "" {
		return nil, errors.New("task must not be empty")
	}
	return &SubAgentRun{
		RunID:          runID,
		ConversationID: conversationID,
		SubAgentName:   subAgentName,
		Task:           task,
		Status:         RunStatusPending,
		CreatedAt:      time.Now().UTC(),
		Metadata:       make(map[string]string),
	}, nil
}

// Start transitions the run from pending to running.
func (r *SubAgentRun) Start() error {
	if r.Status != RunStatusPending {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, r.Status)
	}
	now := time.Now().UTC()
	r.Status = RunStatusRunning
	r.StartedAt = &now
	return nil
}

// Complete transitions the run from running to completed and records the
// result summary and token usage.
func (r *SubAgentRun) Complete(summary string, tokensUsed int64) error {
	if r.Status != RunStatusRunning {
		return fmt.Errorf("%w: complete from %s", ErrInvalidTransition, r.Status)
	}
	r.end(RunStatusCompleted)
	r.Summary = summary
	r.TokensUsed = tokensUsed
	return nil
}

// Fail transitions the run from running to failed and records the error.
func (r *SubAgentRun) Fail(errMsg string) error {
	if r.Status != RunStatusRunning {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, r.Status)
	}
	r.end(RunStatusFailed)
	r.Error = errMsg
	return nil
}

// Cancel transitions the run from pending or running to cancelled.
func (r *SubAgentRun) Cancel() error {
	if r.Status != RunStatusPending && r.Status != RunStatusRunning {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, r.Status)
	}
	r.end(RunStatusCancelled)
	return nil
}

// TimeOut transitions the run from pending or running to timed out.
func (r *SubAgentRun) TimeOut(reason string) error {
	if r.Status != RunStatusPending && r.Status != RunStatusRunning {
		return fmt.Errorf("%w: time out from %s", ErrInvalidTransition, r.Status)
	}
	r.end(RunStatusTimedOut)
	r.Error = reason
	return nil
}

// end stamps the terminal status and timing bookkeeping.
func (r *SubAgentRun) end(status RunStatus) {
	now := time.Now().UTC()
	r.Status = status
	r.EndedAt = &now
	if r.StartedAt != nil {
		r.ExecutionTimeMS = now.Sub(*r.StartedAt).Milliseconds()
	}
}

// SetMeta attaches a metadata entry, allocating the map if needed.
// Metadata attachment is allowed in any status, including terminal ones.
func (r *SubAgentRun) SetMeta(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// Meta returns the metadata value for key, or "".
func (r *SubAgentRun) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// Clone returns a deep copy of the run.
func (r *SubAgentRun) Clone() *SubAgentRun {
	cp := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		cp.EndedAt = &t
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
