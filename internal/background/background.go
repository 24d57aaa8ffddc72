// Package background dispatches detached sub-agent executions. Work is
// fire-and-track: the caller gets an execution id immediately, progress
// lives in the ephemeral state tracker, and lifecycle events reach the
// caller through an injected callback.
package background

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/s1366560/overseer/internal/agent"
	"github.com/s1366560/overseer/internal/logging"
	"github.com/s1366560/overseer/internal/tracker"
	"github.com/s1366560/overseer/pkg/models"
)

// EventKind classifies callback notifications.
type EventKind string

const (
	// EventStarted fires once when the execution begins work.
	EventStarted EventKind = "started"
	// EventCompleted fires on successful completion.
	EventCompleted EventKind = "completed"
	// EventFailed fires on failure or cancellation.
	EventFailed EventKind = "failed"
)

// Notification is one callback payload.
type Notification struct {
	Kind           EventKind
	ExecutionID    string
	ConversationID string
	SubAgentName   string
	Summary        string
	Error          string
}

// Callback receives lifecycle notifications. It may be asynchronous;
// panics and slow consumers are the callback's own problem, the executor
// never blocks its run loop on delivery beyond the call itself.
type Callback func(Notification)

// Executor launches detached executions.
type Executor struct {
	factory agent.RunnerFactory
	tracker *tracker.StateTracker

	mu sync.Mutex
	// cancels maps execution id to the cancel func of its run context.
	cancels map[string]context.CancelFunc
}

// New creates an Executor publishing progress into the given tracker.
func New(factory agent.RunnerFactory, tr *tracker.StateTracker) *Executor {
	return &Executor{
		factory: factory,
		tracker: tr,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Launch dispatches one detached execution and returns its opaque
// execution id immediately. cb may be nil.
func (e *Executor) Launch(ctx context.Context, def *models.SubAgentDefinition, task, conversationID, history string, cb Callback) string {
	executionID := uuid.New().String()

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancels[executionID] = cancel
	e.mu.Unlock()

	e.tracker.Track(executionID, conversationID, def.Name)

	go e.run(runCtx, executionID, def, task, conversationID, history, cb)
	return executionID
}

func (e *Executor) run(ctx context.Context, executionID string, def *models.SubAgentDefinition, task, conversationID, history string, cb Callback) {
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.cancels[executionID]; ok {
			cancel()
			delete(e.cancels, executionID)
		}
		e.mu.Unlock()
	}()

	e.tracker.SetRunning(conversationID, executionID, 0)
	e.notify(cb, Notification{
		Kind:           EventStarted,
		ExecutionID:    executionID,
		ConversationID: conversationID,
		SubAgentName:   def.Name,
	})

	runner := e.factory()
	events, err := runner.Run(ctx, agent.Request{
		Definition: def,
		Context:    agent.BuildExecContext(def, task, history, ""),
	})
	if err != nil {
		e.tracker.SetFailed(conversationID, executionID, err.Error())
		e.notify(cb, Notification{
			Kind:           EventFailed,
			ExecutionID:    executionID,
			ConversationID: conversationID,
			SubAgentName:   def.Name,
			Error:          err.Error(),
		})
		return
	}

	completion := agent.Drain(ctx, events)

	if ctx.Err() != nil {
		e.tracker.SetCancelled(conversationID, executionID)
		e.notify(cb, Notification{
			Kind:           EventFailed,
			ExecutionID:    executionID,
			ConversationID: conversationID,
			SubAgentName:   def.Name,
			Error:          "cancelled",
		})
		return
	}

	if completion.Success {
		e.tracker.SetCompleted(conversationID, executionID, completion.Text, completion.TokensUsed, completion.ToolCalls)
		e.notify(cb, Notification{
			Kind:           EventCompleted,
			ExecutionID:    executionID,
			ConversationID: conversationID,
			SubAgentName:   def.Name,
			Summary:        completion.Text,
		})
		return
	}

	e.tracker.SetFailed(conversationID, executionID, completion.Err)
	e.notify(cb, Notification{
		Kind:           EventFailed,
		ExecutionID:    executionID,
		ConversationID: conversationID,
		SubAgentName:   def.Name,
		Error:          completion.Err,
	})
}

// Cancel stops an unfinished execution and marks its tracker state
// cancelled. Cancelling an unknown or finished id is a no-op.
func (e *Executor) Cancel(conversationID, executionID string) {
	e.mu.Lock()
	cancel, ok := e.cancels[executionID]
	e.mu.Unlock()

	if !ok {
		return
	}
	logging.Debugf("[background] cancelling execution %s", executionID)
	cancel()
	e.tracker.SetCancelled(conversationID, executionID)
}

// Status returns the tracked state for an execution, or nil if unknown.
func (e *Executor) Status(conversationID, executionID string) *models.SubAgentState {
	return e.tracker.Get(conversationID, executionID)
}

func (e *Executor) notify(cb Callback, n Notification) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Debugf("[background] callback panic for execution %s: %v", n.ExecutionID, r)
		}
	}()
	cb(n)
}
