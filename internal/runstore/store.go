// Package runstore provides durable snapshot persistence for sub-agent
// runs, keyed by conversation then run id. Three interchangeable backends
// are provided: an embedded SQLite store, a client/server Postgres store,
// and a Redis read-through cache composed with either durable store.
package runstore

import (
	"context"

	"github.com/s1366560/overseer/pkg/models"
)

// Store is the persistence boundary for run snapshots.
// Load returns (nil, nil) when no snapshot exists.
type Store interface {
	// Save persists the run snapshot, replacing any existing one.
	Save(ctx context.Context, run *models.SubAgentRun) error
	// Load retrieves one run snapshot.
	Load(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error)
	// LoadConversation retrieves every run snapshot for a conversation.
	LoadConversation(ctx context.Context, conversationID string) ([]*models.SubAgentRun, error)
	// LoadActive retrieves every pending or running snapshot across all
	// conversations. Used by boot-time crash recovery.
	LoadActive(ctx context.Context) ([]*models.SubAgentRun, error)
	// Delete removes one run snapshot. Deleting a missing run is not an
	// error.
	Delete(ctx context.Context, conversationID, runID string) error
	// Close releases backend resources.
	Close() error
}

// Compile-time verification that all backends implement Store.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*Hybrid)(nil)
)
