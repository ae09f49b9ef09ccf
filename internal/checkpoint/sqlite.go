package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore implements Store using a local SQLite file. It is the default
// store for single-host runs.
type SQLiteStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	closed  bool
	writeMu sync.Mutex
}

// NewSQLiteStore opens (and creates if needed) the checkpoint database at
// dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(60000)&_time_format=sqlite", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS pull_checkpoints (
		id TEXT NOT NULL,
		pull_type TEXT NOT NULL,
		period TEXT NOT NULL,
		region TEXT NOT NULL,
		status TEXT NOT NULL,
		unit_status TEXT NOT NULL DEFAULT '{}',
		checkpoint_data TEXT NOT NULL DEFAULT '{}',
		error_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		total_row_count INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (pull_type, period, region)
	);

	CREATE INDEX IF NOT EXISTS idx_pull_checkpoints_status ON pull_checkpoints(pull_type, region, status);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Get returns the record for key, or nil when there is none.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var rec *Record
	err := s.retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+recordColumns+` FROM pull_checkpoints WHERE pull_type = ? AND period = ? AND region = ?`,
			key.PullType, key.Period, key.Region)
		r, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			rec = nil
			return nil
		}
		rec = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", key, err)
	}
	return rec, nil
}

// Save upserts rec.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	args, err := recordArgs(rec)
	if err != nil {
		return err
	}

	// Writes are serialised to keep SQLITE_BUSY rare with several regions.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
		INSERT INTO pull_checkpoints (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pull_type, period, region) DO UPDATE SET
			id = excluded.id,
			status = excluded.status,
			unit_status = excluded.unit_status,
			checkpoint_data = excluded.checkpoint_data,
			error_count = excluded.error_count,
			last_error = excluded.last_error,
			total_row_count = excluded.total_row_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`, args...)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.Key, err)
	}
	return nil
}

// ListIncomplete returns in_progress and partial records, newest period first.
func (s *SQLiteStore) ListIncomplete(ctx context.Context, pullType, region string) ([]*Record, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT `+recordColumns+` FROM pull_checkpoints
	WHERE pull_type = ? AND region = ? AND status IN ('in_progress', 'partial')
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

// retryOnBusy retries op while SQLite reports the database busy or locked.
func (s *SQLiteStore) retryOnBusy(ctx context.Context, op func() error) error {
	const (
		maxRetries = 10
		baseDelay  = 50 * time.Millisecond
	)

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err = op(); err == nil || !isBusy(err) {
			return err
		}
		delay := baseDelay*time.Duration(1<<uint(attempt)) + time.Duration(attempt*10)*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isBusy(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// Close closes the database. Further calls fail with ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
