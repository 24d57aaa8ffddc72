package session

// HookPayload describes one run to the lifecycle hook sink.
type HookPayload struct {
	ConversationID string
	RunID          string
	SubAgentName   string
	SpawnMode      string
	Cleanup        string
	// FinalStatus, Summary, and Error are set only for the ended hook.
	FinalStatus string
	Summary     string
	Error       string
}

// Hooks is the outbound lifecycle sink. All three hooks are best-effort:
// errors and panics are counted and logged, never propagated.
type Hooks interface {
	// Spawning fires before the run's unit is released.
	Spawning(p HookPayload) error
	// Spawned fires once the unit is registered and about to start.
	Spawned(p HookPayload) error
	// Ended fires after finalization, whatever the outcome.
	Ended(p HookPayload) error
}

// NopHooks is a Hooks implementation that does nothing.
type NopHooks struct{}

func (NopHooks) Spawning(HookPayload) error { return nil }
func (NopHooks) Spawned(HookPayload) error  { return nil }
func (NopHooks) Ended(HookPayload) error    { return nil }
