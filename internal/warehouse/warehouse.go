package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// maxParams stays under the Postgres bind parameter limit.
const maxParams = 65000

// DB writes pulled report data into Postgres. Every write is an upsert on
// the table's natural key, so re-running a unit overwrites instead of
// duplicating.
type DB struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Option customises a DB.
type Option func(*DB)

// WithLogger sets the warehouse logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *DB) { w.logger = l }
}

// WithClock replaces time.Now for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(w *DB) { w.now = now }
}

// Open connects to dsn through the pgx driver.
func Open(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an open handle.
func New(db *sql.DB, opts ...Option) *DB {
	w := &DB{db: db, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("warehouse")
	return w
}

// Close closes the handle.
func (w *DB) Close() error {
	return w.db.Close()
}

// upsert describes a multi-row INSERT ... ON CONFLICT DO UPDATE.
type upsert struct {
	table    string
	columns  []string
	conflict []string
	// update lists the columns overwritten on conflict; empty means every
	// non-key column.
	update []string
	// where guards the update, e.g. to protect rows of another source.
	where string
}

func (u upsert) statement(rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", u.table, strings.Join(u.columns, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range u.columns {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}

	update := u.update
	if len(update) == 0 {
		key := make(map[string]bool, len(u.conflict))
		for _, c := range u.conflict {
			key[c] = true
		}
		for _, c := range u.columns {
			if !key[c] {
				update = append(update, c)
			}
		}
	}
	fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(u.conflict, ", "))
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", c, c)
	}
	if u.where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(u.where)
	}
	return b.String()
}

// exec upserts rows in one transaction, chunked to respect the parameter
// limit, and returns the number of rows written.
func (w *DB) exec(ctx context.Context, u upsert, rows [][]any) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	chunk := maxParams / len(u.columns)
	if chunk > 1000 {
		chunk = 1000
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin %s upsert: %w", u.table, err)
	}
	defer tx.Rollback()

	written := 0
	for start := 0; start < len(rows); start += chunk {
		end := start + chunk
		if end > len(rows) {
			end = len(rows)
		}
		args := make([]any, 0, (end-start)*len(u.columns))
		for _, row := range rows[start:end] {
			if len(row) != len(u.columns) {
				return 0, fmt.Errorf("%s upsert: row has %d values, want %d", u.table, len(row), len(u.columns))
			}
			args = append(args, row...)
		}
		res, err := tx.ExecContext(ctx, u.statement(end-start), args...)
		if err != nil {
			return 0, fmt.Errorf("upsert %s: %w", u.table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = int64(end - start)
		}
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s upsert: %w", u.table, err)
	}
	w.logger.Debug("Upserted rows", zap.String("table", u.table), zap.Int("rows", written))
	return written, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
