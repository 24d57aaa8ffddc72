package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s1366560/overseer/pkg/models"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	// URL is the database connection string.
	URL string
	// MaxConns bounds the pool size. Zero keeps the driver default.
	MaxConns int
	// MinConns keeps warm connections. Zero keeps the driver default.
	MinConns int
	// MaxConnLifetime recycles connections after this duration.
	MaxConnLifetime time.Duration
	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration
}

// PostgresStore is the client/server relational Store backed by a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to Postgres, verifies the connection, and ensures
// the schema exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeCacheStatement

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the runs table if it does not exist.
func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sub_agent_runs (
			conversation_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			ended_at TEXT,
			snapshot TEXT NOT NULL,
			PRIMARY KEY (conversation_id, run_id)
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON sub_agent_runs(status);
	`)
	if err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Save persists the run snapshot, replacing any existing one.
func (s *PostgresStore) Save(ctx context.Context, run *models.SubAgentRun) error {
	data, err := EncodeSnapshot(run)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sub_agent_runs (conversation_id, run_id, status, ended_at, snapshot)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, run_id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			snapshot = EXCLUDED.snapshot
	`, run.ConversationID, run.RunID, string(run.Status), formatNullableTime(run.EndedAt), string(data))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

// Load retrieves one run snapshot, or (nil, nil) if absent.
func (s *PostgresStore) Load(ctx context.Context, conversationID, runID string) (*models.SubAgentRun, error) {
	var data string
	err := s.pool.QueryRow(ctx, `
		SELECT snapshot FROM sub_agent_runs
		WHERE conversation_id = $1 AND run_id = $2
	`, conversationID, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	return DecodeSnapshot([]byte(data))
}

// LoadConversation retrieves every run snapshot for a conversation.
func (s *PostgresStore) LoadConversation(ctx context.Context, conversationID string) ([]*models.SubAgentRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT snapshot FROM sub_agent_runs WHERE conversation_id = $1
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
func (s *PostgresStore) LoadActive(ctx context.Context) ([]*models.SubAgentRun, error) {
	rows, err := s.pool.Query(ctx, `
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
func (s *PostgresStore) Delete(ctx context.Context, conversationID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sub_agent_runs WHERE conversation_id = $1 AND run_id = $2
	`, conversationID, runID)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

// PurgeTerminalBefore deletes terminal runs that ended before the cutoff.
func (s *PostgresStore) PurgeTerminalBefore(ctx context.Context, cutoff string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sub_agent_runs
		WHERE status IN ('completed', 'failed', 'cancelled', 'timed_out')
		  AND ended_at IS NOT NULL AND ended_at != '' AND ended_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge terminal runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
