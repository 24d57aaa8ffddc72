package models

import "time"

// ExecStatus is the lightweight status enum used by the ephemeral tracker
// for detached background executions. It is intentionally independent of
// RunStatus: tracker entries are cheap and never persisted.
type ExecStatus string

const (
	// ExecStatusStarting indicates the execution is being dispatched.
	ExecStatusStarting ExecStatus = "starting"
	// ExecStatusRunning indicates the execution is in progress.
	ExecStatusRunning ExecStatus = "running"
	// ExecStatusCompleted indicates the execution finished successfully.
	ExecStatusCompleted ExecStatus = "completed"
	// ExecStatusFailed indicates the execution finished with an error.
	ExecStatusFailed ExecStatus = "failed"
	// ExecStatusCancelled indicates the execution was cancelled.
	ExecStatusCancelled ExecStatus = "cancelled"
)

// Terminal returns true if the status is a final state.
func (s ExecStatus) Terminal() bool {
	switch s {
	case ExecStatusCompleted, ExecStatusFailed, ExecStatusCancelled:
		return true
	default:
		return false
	}
}

// SubAgentState is the ephemeral progress record for one detached
// background execution. Bounded per conversation, never recovered across
// restarts.
type SubAgentState struct {
	// ExecutionID is the opaque token returned at dispatch.
	ExecutionID string `json:"execution_id"`
	// SubAgentName identifies the executing sub-agent.
	SubAgentName string `json:"subagent_name"`
	// ConversationID scopes the execution to one conversation.
	ConversationID string `json:"conversation_id"`
	// Status is the current lightweight status.
	Status ExecStatus `json:"status"`
	// Progress is a 0-100 completion estimate.
	Progress int `json:"progress"`
	// ResultSummary is a truncated form of the final output.
	ResultSummary string `json:"result_summary,omitempty"`
	// Error is the failure reason, if any.
	Error string `json:"error,omitempty"`
	// TokensUsed is the token count reported by the execution unit.
	TokensUsed int64 `json:"tokens_used,omitempty"`
	// ToolCallsCount is the tool invocation count.
	ToolCallsCount int `json:"tool_calls_count,omitempty"`
	// UpdatedAt is when the entry was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}
