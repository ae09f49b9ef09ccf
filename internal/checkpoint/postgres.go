package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore keeps checkpoints in the warehouse database so that runs on
// different hosts share resume state.
type PostgresStore struct {
	db     *sql.DB
	closed atomic.Bool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sp_pull_checkpoints (
	id UUID NOT NULL,
	pull_type TEXT NOT NULL,
	period TEXT NOT NULL,
	region TEXT NOT NULL,
	status TEXT NOT NULL,
	unit_status JSONB NOT NULL DEFAULT '{}',
	checkpoint_data JSONB NOT NULL DEFAULT '{}',
	error_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	total_row_count INTEGER NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (pull_type, period, region)
)`

// OpenPostgresStore connects to dsn through pgx and ensures the table exists.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the checkpoint table if it is missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Get returns the record for key, or nil when there is none.
func (s *PostgresStore) Get(ctx context.Context, key Key) (*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM sp_pull_checkpoints WHERE pull_type = $1 AND period = $2 AND region = $3`,
		key.PullType, key.Period, key.Region)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return rec, nil
}

// Save upserts rec.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	if s.closed.Load() {
		return ErrClosed
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
	INSERT INTO sp_pull_checkpoints (`+recordColumns+`)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (pull_type, period, region) DO UPDATE SET
		id = EXCLUDED.id,
		status = EXCLUDED.status,
		unit_status = EXCLUDED.unit_status,
		checkpoint_data = EXCLUDED.checkpoint_data,
		error_count = EXCLUDED.error_count,
		last_error = EXCLUDED.last_error,
		total_row_count = EXCLUDED.total_row_count,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		duration_ms = EXCLUDED.duration_ms,
		updated_at = EXCLUDED.updated_at`, args...)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.Key, err)
	}
	return nil
}

// ListIncomplete returns in_progress and partial records, newest period first.
func (s *PostgresStore) ListIncomplete(ctx context.Context, pullType, region string) ([]*Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT `+recordColumns+` FROM sp_pull_checkpoints
	WHERE pull_type = $1 AND region = $2 AND status IN ('in_progress', 'partial')
	ORDER BY period DESC`, pullType, region)
	if err != nil {
		return nil, fmt.Errorf("list incomplete checkpoints: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
