package models

// SubTask is one node in a decomposed batch of work. IDs are unique within
// a batch and dependencies reference other IDs in the same batch.
type SubTask struct {
	// ID is the batch-unique identifier for this sub-task.
	ID string `json:"id"`
	// Description is what the sub-task should accomplish.
	Description string `json:"description"`
	// TargetSubAgent names the sub-agent to run this task.
	// Empty means the scheduler auto-routes it.
	TargetSubAgent string `json:"target_subagent,omitempty"`
	// Dependencies lists sub-task IDs that must complete first.
	Dependencies []string `json:"dependencies,omitempty"`
	// Priority is informational ordering advice; lower runs earlier when
	// there is a choice.
	Priority int `json:"priority,omitempty"`
}

// SubAgentDefinition describes one registered sub-agent.
type SubAgentDefinition struct {
	// Name is the unique sub-agent identifier.
	Name string `json:"name" yaml:"name"`
	// Description summarizes what the sub-agent is for.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Keywords are trigger words used by keyword routing.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	// SystemPrompt is the sub-agent's base system prompt.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	// Model is the default model for this sub-agent.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// Tools lists the tool names available to this sub-agent.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}
