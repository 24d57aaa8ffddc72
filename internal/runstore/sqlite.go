package runstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/s1366560/overseer/pkg/models"
)

// SQLiteStore is the embedded file-backed Store. WAL mode is enabled for
// concurrent reads.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the default path for the overseer database.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "overseer", "overseer.db")
}

// OpenSQLite opens an SQLite store at the given path, creating parent
// directories and applying pending migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the path to the database file.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// migrate applies all pending schema migrations.
func (s *SQLiteStore) migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := s.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Runs},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := s.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Runs = `
CREATE TABLE IF NOT EXISTS sub_agent_runs (
	conversation_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	status TEXT NOT NULL,
	ended_at TEXT,
	snapshot TEXT NOT NULL,
	PRIMARY KEY (conversation_id, run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON sub_agent_runs(status);
`

// Save persists the run snapshot, replacing any existing one.
func (s *SQLiteStore) Save(ctx context.Context, run *models.SubAgentRun) error {
	data, err := EncodeSnapshot(run)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sub_agent_runs (conversation_id, run_id, status, ended_at, snapshot)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, run_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			snapshot = excluded.snapshot
	`, run.ConversationID, run.RunID, string(run.Status), formatNullableTime(run.EndedAt), string(data))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Load retrieves one run snapshot, or (nil, nil) if absent.
func (s *SQLiteStore) Load(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRowContext(ctx, `
		SELECT snapshot FROM sub_agent_runs
		WHERE conversation_id = ? AND run_id = ?
	`, conversationID, runID)

	var data string
	err := row.Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	return DecodeSnapshot([]byte(data))
}

// LoadConversation retrieves every run snapshot for a conversation.
// Snapshots with an unknown version are skipped.
func (s *SQLiteStore) LoadConversation(ctx context.Context, conversationID string) ([]*models.SubAgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT snapshot FROM sub_agent_runs WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	var runs []*models.SubAgentRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := DecodeSnapshot([]byte(data))
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, rows.Err()
}

// LoadActive retrieves every pending or running snapshot.
func (s *SQLiteStore) LoadActive(ctx context.Context) ([]*models.SubAgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.QueryContext(ctx, `
		SELECT snapshot FROM sub_agent_runs WHERE status IN ('pending', 'running')
	`)
	if err != nil {
		return nil, fmt.Errorf("load active runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.SubAgentRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run, err := DecodeSnapshot([]byte(data))
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, rows.Err()
}

// Delete removes one run snapshot.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.ExecContext(ctx, `
		DELETE FROM sub_agent_runs WHERE conversation_id = ? AND run_id = ?
	`, conversationID, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// PurgeTerminalBefore deletes terminal runs that ended before the cutoff.
// Returns the number of runs deleted.
func (s *SQLiteStore) PurgeTerminalBefore(ctx context.Context, cutoff string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM sub_agent_runs
		WHERE status IN ('completed', 'failed', 'cancelled', 'timed_out')
		  AND ended_at IS NOT NULL AND ended_at != '' AND ended_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
