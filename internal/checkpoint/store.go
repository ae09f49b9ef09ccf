package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the state of a pull run or of one of its units.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("checkpoint: store is closed")

// Key identifies a pull run. Period is a date (2006-01-02) or a period
// string such as "WEEK:2024-03-10..2024-03-16".
type Key struct {
	PullType string `json:"pull_type"`
	Period   string `json:"period"`
	Region   string `json:"region"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.PullType, k.Period, k.Region)
}

// UnitState is the persisted state of one marketplace or batch of a run.
// Retries counts API-level retries absorbed by the latest attempt; Failures
// counts failed attempts across runs.
type UnitState struct {
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	RowCount    int        `json:"row_count,omitempty"`
	Error       string     `json:"error,omitempty"`
	Retries     int        `json:"retries,omitempty"`
	Failures    int        `json:"failures,omitempty"`
}

// Record is the durable snapshot of one pull run.
type Record struct {
	ID          string
	Key         Key
	Status      Status
	Units       map[string]*UnitState
	Checkpoint  map[string]string
	ErrorCount  int
	LastError   string
	TotalRows   int
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  int64
	UpdatedAt   time.Time
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Units = make(map[string]*UnitState, len(r.Units))
	for k, v := range r.Units {
		u := *v
		c.Units[k] = &u
	}
	c.Checkpoint = make(map[string]string, len(r.Checkpoint))
	for k, v := range r.Checkpoint {
		c.Checkpoint[k] = v
	}
	return &c
}

// Resumable reports whether a later run may pick this record up.
func (r *Record) Resumable() bool {
	return r.Status == StatusInProgress || r.Status == StatusPartial
}

// Store persists pull records. Save is an upsert keyed on Record.Key; the
// last write for a key wins.
type Store interface {
	// Get returns nil and no error when key has no record.
	Get(ctx context.Context, key Key) (*Record, error)
	Save(ctx context.Context, rec *Record) error
	// ListIncomplete returns in_progress and partial records of pullType in
	// region, newest period first.
	ListIncomplete(ctx context.Context, pullType, region string) ([]*Record, error)
	Close() error
}

const recordColumns = `id, pull_type, period, region, status, unit_status, checkpoint_data,
	error_count, last_error, total_row_count, started_at, completed_at, duration_ms, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec         Record
		units, data []byte
		lastError   sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.Key.PullType,
		&rec.Key.Period,
		&rec.Key.Region,
		&rec.Status,
		&units,
		&data,
		&rec.ErrorCount,
		&lastError,
		&rec.TotalRows,
		&rec.StartedAt,
		&completedAt,
		&rec.DurationMs,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.LastError = lastError.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if err := decodeJSON(units, &rec.Units); err != nil {
		return nil, fmt.Errorf("decode unit status of %s: %w", rec.Key, err)
	}
	if err := decodeJSON(data, &rec.Checkpoint); err != nil {
		return nil, fmt.Errorf("decode checkpoint data of %s: %w", rec.Key, err)
	}
	if rec.Units == nil {
		rec.Units = make(map[string]*UnitState)
	}
	if rec.Checkpoint == nil {
		rec.Checkpoint = make(map[string]string)
	}
	return &rec, nil
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// recordArgs encodes rec in recordColumns order.
func recordArgs(rec *Record) ([]any, error) {
	units, err := json.Marshal(rec.Units)
	if err != nil {
		return nil, fmt.Errorf("encode unit status: %w", err)
	}
	data, err := json.Marshal(rec.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint data: %w", err)
	}
	var completedAt sql.NullTime
	if rec.CompletedAt != nil {
		completedAt = sql.NullTime{Time: rec.CompletedAt.UTC(), Valid: true}
	}
	var lastError sql.NullString
	if rec.LastError != "" {
		lastError = sql.NullString{String: rec.LastError, Valid: true}
	}
	return []any{
		rec.ID,
		rec.Key.PullType,
		rec.Key.Period,
		rec.Key.Region,
		string(rec.Status),
		string(units),
		string(data),
		rec.ErrorCount,
		lastError,
		rec.TotalRows,
		rec.StartedAt.UTC(),
		completedAt,
		rec.DurationMs,
		rec.UpdatedAt.UTC(),
	}, nil
}
