package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pull statuses stored in sp_api_pulls.
const (
	PullPending   = "pending"
	PullCompleted = "completed"
	PullFailed    = "failed"
)

// PullKey identifies one report pull: a pull type for a marketplace and a
// date, or a period starting at Date.
type PullKey struct {
	PullType    string
	Marketplace string
	Date        time.Time
	PeriodEnd   time.Time
}

// Pull is a row of sp_api_pulls.
type Pull struct {
	ID           string
	PullType     string
	Marketplace  string
	Date         time.Time
	Status       string
	ReportID     string
	DocumentID   string
	RowCount     int
	Error        string
	StartedAt    time.Time
	CompletedAt  *time.Time
	ProcessingMs int64
}

// Successful reports whether the pull completed with data. A completed pull
// without rows does not count: Amazon occasionally serves empty reports.
func (p *Pull) Successful() bool {
	return p != nil && p.Status == PullCompleted && p.RowCount > 0
}

// PullResult is the outcome written by FinishPull.
type PullResult struct {
	Status     string
	ReportID   string
	DocumentID string
	RowCount   int
	Error      string
	Duration   time.Duration
}

// BeginPull creates or resets the pull record for key and returns its id.
func (w *DB) BeginPull(ctx context.Context, key PullKey) (string, error) {
	periodEnd := key.PeriodEnd
	if periodEnd.IsZero() {
		periodEnd = key.Date
	}

	var id string
	err := w.db.QueryRowContext(ctx, `
	INSERT INTO sp_api_pulls (id, pull_type, marketplace_code, pull_date, period_end, status, started_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (pull_type, marketplace_code, pull_date) DO UPDATE SET
		period_end = EXCLUDED.period_end,
		status = EXCLUDED.status,
		started_at = EXCLUDED.started_at,
		completed_at = NULL,
		report_id = NULL,
		report_document_id = NULL,
		row_count = NULL,
		error_message = NULL,
		processing_time_ms = NULL
	RETURNING id`,
		uuid.NewString(), key.PullType, key.Marketplace, key.Date, periodEnd, PullPending, w.now().UTC(),
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("begin %s pull for %s %s: %w", key.PullType, key.Marketplace, key.Date.Format(time.DateOnly), err)
	}
	return id, nil
}

// FinishPull records the outcome of pull id.
func (w *DB) FinishPull(ctx context.Context, id string, res PullResult) error {
	var completedAt any
	if res.Status == PullCompleted || res.Status == PullFailed {
		completedAt = w.now().UTC()
	}
	_, err := w.db.ExecContext(ctx, `
	UPDATE sp_api_pulls SET
		status = $2,
		report_id = COALESCE($3, report_id),
		report_document_id = COALESCE($4, report_document_id),
		row_count = $5,
		error_message = $6,
		processing_time_ms = $7,
		completed_at = $8
	WHERE id = $1`,
		id, res.Status, nullString(res.ReportID), nullString(res.DocumentID),
		res.RowCount, nullString(res.Error), res.Duration.Milliseconds(), completedAt)
	if err != nil {
		return fmt.Errorf("finish pull %s: %w", id, err)
	}
	return nil
}

const pullColumns = `id, pull_type, marketplace_code, pull_date, status, report_id, report_document_id,
	row_count, error_message, started_at, completed_at, processing_time_ms`

func scanPull(row interface{ Scan(...any) error }) (*Pull, error) {
	var (
		p                       Pull
		reportID, docID, errMsg sql.NullString
		rowCount, processingMs  sql.NullInt64
		completedAt             sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.PullType, &p.Marketplace, &p.Date, &p.Status, &reportID, &docID,
		&rowCount, &errMsg, &p.StartedAt, &completedAt, &processingMs); err != nil {
		return nil, err
	}
	p.ReportID = reportID.String
	p.DocumentID = docID.String
	p.Error = errMsg.String
	p.RowCount = int(rowCount.Int64)
	p.ProcessingMs = processingMs.Int64
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}

// LatestPull returns the pull record for (pullType, marketplace, date), or
// nil when the date was never pulled.
func (w *DB) LatestPull(ctx context.Context, pullType, marketplace string, date time.Time) (*Pull, error) {
	row := w.db.QueryRowContext(ctx, `
	SELECT `+pullColumns+` FROM sp_api_pulls
	WHERE pull_type = $1 AND marketplace_code = $2 AND pull_date = $3
	ORDER BY started_at DESC LIMIT 1`, pullType, marketplace, date)
	p, err := scanPull(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s pull for %s %s: %w", pullType, marketplace, date.Format(time.DateOnly), err)
	}
	return p, nil
}

// PullOutcomes returns the pull records of marketplace with dates in
// [from, to], ordered by date and newest attempt first.
func (w *DB) PullOutcomes(ctx context.Context, pullType, marketplace string, from, to time.Time) ([]Pull, error) {
	rows, err := w.db.QueryContext(ctx, `
	SELECT `+pullColumns+` FROM sp_api_pulls
	WHERE pull_type = $1 AND marketplace_code = $2 AND pull_date >= $3 AND pull_date <= $4
	ORDER BY pull_date, started_at DESC`, pullType, marketplace, from, to)
	if err != nil {
		return nil, fmt.Errorf("list %s pulls for %s: %w", pullType, marketplace, err)
	}
	defer rows.Close()

	var out []Pull
	for rows.Next() {
		p, err := scanPull(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
