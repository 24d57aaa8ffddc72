package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/s1366560/overseer/pkg/models"
)

// ErrAdmissionDenied indicates a launch would exceed a configured bound.
var ErrAdmissionDenied = errors.New("admission denied")

// AdmissionLimits bound concurrent delegation. Zero values disable the
// corresponding check.
type AdmissionLimits struct {
	// MaxPerConversation bounds active runs in one conversation.
	MaxPerConversation int
	// MaxPerRequester bounds active runs per requester session key.
	MaxPerRequester int
	// MaxPerLineage bounds active runs in one lineage tree.
	MaxPerLineage int
	// MaxDepth bounds parent chains: a run at MaxDepth may not delegate.
	MaxDepth int
}

// Admit checks every configured bound for a prospective launch. It is
// read-only against the registry and enforced by callers before Launch.
func (r *Runner) Admit(ctx context.Context, conversationID, requesterKey, parentRunID string, limits AdmissionLimits) error {
	if limits.MaxPerConversation > 0 {
		n, err := r.registry.CountActiveRuns(ctx, conversationID)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		if n >= limits.MaxPerConversation {
			return fmt.Errorf("%w: conversation has %d active runs (max %d)", ErrAdmissionDenied, n, limits.MaxPerConversation)
		}
	}

	if limits.MaxPerRequester > 0 && requesterKey != "" {
		n, err := r.registry.CountActiveRunsForRequester(ctx, conversationID, requesterKey)
		if err != nil {
			return fmt.Errorf("count requester runs: %w", err)
		}
		if n >= limits.MaxPerRequester {
			return fmt.Errorf("%w: requester %s has %d active runs (max %d)", ErrAdmissionDenied, requesterKey, n, limits.MaxPerRequester)
		}
	}

	if parentRunID == "" {
		return nil
	}

	if limits.MaxDepth > 0 {
		depth, err := r.delegationDepth(ctx, conversationID, parentRunID)
		if err != nil {
			return err
		}
		// The new run would sit one below the parent.
		if depth+1 >= limits.MaxDepth {
			return fmt.Errorf("%w: delegation depth %d reached (max %d)", ErrAdmissionDenied, depth+1, limits.MaxDepth)
		}
	}

	if limits.MaxPerLineage > 0 {
		root := r.lineageRoot(ctx, conversationID, parentRunID)
		n, err := r.activeLineageCount(ctx, conversationID, root)
		if err != nil {
			return err
		}
		if n >= limits.MaxPerLineage {
			return fmt.Errorf("%w: lineage %s has %d active runs (max %d)", ErrAdmissionDenied, root, n, limits.MaxPerLineage)
		}
	}

	return nil
}

// delegationDepth walks parent links up from the given run. A root run
// has depth zero.
func (r *Runner) delegationDepth(ctx context.Context, conversationID, runID string) (int, error) {
	depth := 0
	current := runID
	for current != "" {
		run, err := r.registry.GetRun(ctx, conversationID, current)
		if err != nil {
			return 0, fmt.Errorf("resolve delegation depth: %w", err)
		}
		parent := run.Meta(models.MetaParentRunID)
		if parent == "" {
			break
		}
		depth++
		current = parent

		// Parent links form a tree by construction; this is a backstop
		// against corrupted metadata.
		if depth > 100 {
			return depth, nil
		}
	}
	return depth, nil
}

// activeLineageCount counts active runs in the tree rooted at root,
// including the root itself.
func (r *Runner) activeLineageCount(ctx context.Context, conversationID, root string) (int, error) {
	count := 0

	rootRun, err := r.registry.GetRun(ctx, conversationID, root)
	if err == nil && !rootRun.Status.Terminal() {
		count++
	}

	descendants, err := r.registry.ListDescendantRuns(ctx, conversationID, root)
	if err != nil {
		return 0, fmt.Errorf("list lineage runs: %w", err)
	}
	for _, run := range descendants {
		if !run.Status.Terminal() {
			count++
		}
	}
	return count, nil
}
