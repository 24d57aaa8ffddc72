// Package tracker keeps ephemeral progress state for detached background
// executions. It is a cheap in-memory counterpart to the durable run
// registry: nothing here survives a restart, and nothing should.
package tracker

import (
	"sync"
	"time"

	"github.com/s1366560/overseer/pkg/models"
)

const (
	defaultMaxPerConversation = 50
	// summaryLimit bounds stored result summaries.
	summaryLimit = 500
)

// StateTracker holds SubAgentState entries keyed by conversation then
// execution id, bounded per conversation.
type StateTracker struct {
	mu sync.RWMutex
	// states maps conversation id to execution id to state.
	states map[string]map[string]*models.SubAgentState
	// order remembers insertion order per conversation for eviction.
	order map[string][]string

	maxPerConversation int
}

// New creates a StateTracker with the default per-conversation bound.
func New() *StateTracker {
	return NewWithLimit(defaultMaxPerConversation)
}

// NewWithLimit creates a StateTracker bounding entries per conversation.
func NewWithLimit(limit int) *StateTracker {
	if limit <= 0 {
		limit = defaultMaxPerConversation
	}
	return &StateTracker{
		states:             make(map[string]map[string]*models.SubAgentState),
		order:              make(map[string][]string),
		maxPerConversation: limit,
	}
}

// Track registers a new execution in the starting state.
func (t *StateTracker) Track(executionID, conversationID, subAgentName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conv := t.states[conversationID]
	if conv == nil {
		conv = make(map[string]*models.SubAgentState)
		t.states[conversationID] = conv
	}

	conv[executionID] = &models.SubAgentState{
		ExecutionID:    executionID,
		SubAgentName:   subAgentName,
		ConversationID: conversationID,
		Status:         models.ExecStatusStarting,
		UpdatedAt:      time.Now().UTC(),
	}
	t.order[conversationID] = append(t.order[conversationID], executionID)
	t.evictLocked(conversationID)
}

// SetRunning marks an execution as running with the given progress.
func (t *StateTracker) SetRunning(conversationID, executionID string, progress int) {
	t.update(conversationID, executionID, func(s *models.SubAgentState) {
		s.Status = models.ExecStatusRunning
		s.Progress = clampProgress(progress)
	})
}

// SetProgress updates the progress percentage of a running execution.
func (t *StateTracker) SetProgress(conversationID, executionID string, progress int) {
	t.update(conversationID, executionID, func(s *models.SubAgentState) {
		s.Progress = clampProgress(progress)
	})
}

// SetCompleted records a successful terminal state with its summary.
func (t *StateTracker) SetCompleted(conversationID, executionID, summary string, tokensUsed int64, toolCalls int) {
	t.update(conversationID, executionID, func(s *models.SubAgentState) {
		s.Status = models.ExecStatusCompleted
		s.Progress = 100
		s.ResultSummary = truncate(summary, summaryLimit)
		s.TokensUsed = tokensUsed
		s.ToolCallsCount = toolCalls
	})
}

// SetFailed records a failed terminal state with its error.
func (t *StateTracker) SetFailed(conversationID, executionID, errMsg string) {
	t.update(conversationID, executionID, func(s *models.SubAgentState) {
		s.Status = models.ExecStatusFailed
		s.Error = truncate(errMsg, summaryLimit)
	})
}

// SetCancelled records a cancelled terminal state.
func (t *StateTracker) SetCancelled(conversationID, executionID string) {
	t.update(conversationID, executionID, func(s *models.SubAgentState) {
		s.Status = models.ExecStatusCancelled
	})
}

func (t *StateTracker) update(conversationID, executionID string, fn func(*models.SubAgentState)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, ok := t.states[conversationID][executionID]
	if !ok {
		return
	}
	fn(state)
	state.UpdatedAt = time.Now().UTC()
}

// Get returns a copy of one execution's state, or nil if unknown.
func (t *StateTracker) Get(conversationID, executionID string) *models.SubAgentState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.states[conversationID][executionID]
	if !ok {
		return nil
	}
	copied := *state
	return &copied
}

// List returns copies of every tracked state for a conversation in
// insertion order.
func (t *StateTracker) List(conversationID string) []*models.SubAgentState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*models.SubAgentState
	for _, id := range t.order[conversationID] {
		if state, ok := t.states[conversationID][id]; ok {
			copied := *state
			out = append(out, &copied)
		}
	}
	return out
}

// Remove drops one execution's state.
func (t *StateTracker) Remove(conversationID, executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states[conversationID], executionID)
}

// evictLocked drops the oldest terminal entries once the conversation
// exceeds its bound. Active entries are kept even when over the bound.
// Caller must hold t.mu.
func (t *StateTracker) evictLocked(conversationID string) {
	conv := t.states[conversationID]
	if len(conv) <= t.maxPerConversation {
		return
	}

	var kept []string
	for _, id := range t.order[conversationID] {
		state, ok := conv[id]
		if !ok {
			continue
		}
		if len(conv) > t.maxPerConversation && state.Status.Terminal() {
			delete(conv, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order[conversationID] = kept
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
