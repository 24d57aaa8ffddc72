// Package decision defines the remote structured-decision boundary used
// for task decomposition and semantic routing. Implementations must
// tolerate malformed model output by degrading to an empty decision.
package decision

import "context"

// DecomposeRequest asks for a split of one task into sub-tasks.
type DecomposeRequest struct {
	// Task is the text to split.
	Task string
	// Context is optional surrounding conversation context.
	Context string
	// Candidates are the sub-agent names available as targets.
	Candidates []string
	// MaxSubTasks caps the size of the returned split.
	MaxSubTasks int
}

// DecomposedTask is one element of a decomposition decision.
type DecomposedTask struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Target       string   `json:"target,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// DecomposeResponse is the decomposition decision. An empty Tasks slice
// means "no split".
type DecomposeResponse struct {
	Tasks     []DecomposedTask `json:"tasks"`
	Reasoning string           `json:"reasoning,omitempty"`
}

// RouteRequest asks which sub-agent should handle a query.
type RouteRequest struct {
	// Query is the text to classify.
	Query string
	// Context is optional recent conversation context.
	Context string
	// Candidates are the sub-agent names to choose among. "none" is
	// always an implicit option.
	Candidates []string
}

// RouteResponse is the routing decision. An empty Choice means no match.
type RouteResponse struct {
	Choice     string  `json:"choice"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Client is the remote decision collaborator. Both operations issue at
// most one remote request per call and degrade to an empty response when
// the remote side fails or returns something unparseable.
type Client interface {
	Decompose(ctx context.Context, req DecomposeRequest) (DecomposeResponse, error)
	Route(ctx context.Context, req RouteRequest) (RouteResponse, error)
}
