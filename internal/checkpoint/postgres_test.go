package checkpoint

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

var checkpointColumns = []string{
	"id", "pull_type", "period", "region", "status", "unit_status", "checkpoint_data",
	"error_count", "last_error", "total_row_count", "started_at", "completed_at", "duration_ms", "updated_at",
}

func TestPostgresStoreGet(t *testing.T) {
	store, mock := newMockStore(t)
	key := Key{PullType: "sales_traffic", Period: "2024-03-10", Region: "EU"}
	started := time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM sp_pull_checkpoints WHERE pull_type = $1 AND period = $2 AND region = $3")).
		WithArgs("sales_traffic", "2024-03-10", "EU").
		WillReturnRows(sqlmock.NewRows(checkpointColumns).AddRow(
			"id-1", "sales_traffic", "2024-03-10", "EU", "partial",
			[]byte(`{"UK":{"status":"completed","row_count":7,"retries":2},"DE":{"status":"failed","error":"x","failures":1}}`),
			[]byte(`{}`), 1, "DE: x", 7, started, nil, int64(0), started,
		))

	rec, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusPartial, rec.Status)
	assert.Equal(t, 7, rec.Units["UK"].RowCount)
	assert.Equal(t, 2, rec.Units["UK"].Retries)
	assert.Equal(t, StatusFailed, rec.Units["DE"].Status)
	assert.Equal(t, "DE: x", rec.LastError)
	assert.Nil(t, rec.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM sp_pull_checkpoints").WillReturnRows(sqlmock.NewRows(checkpointColumns))

	rec, err := store.Get(context.Background(), salesKey)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresStoreSave(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 11, 6, 0, 0, 0, time.UTC)
	rec := &Record{
		ID:         "id-1",
		Key:        salesKey,
		Status:     StatusInProgress,
		Units:      map[string]*UnitState{"USA": {Status: StatusCompleted, RowCount: 3}},
		Checkpoint: map[string]string{},
		StartedAt:  now,
		UpdatedAt:  now,
	}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (pull_type, period, region) DO UPDATE")).
		WithArgs("id-1", "sales_traffic", "2024-03-10", "NA", "in_progress",
			`{"USA":{"status":"completed","row_count":3}}`, `{}`,
			0, sqlmock.AnyArg(), 0, now, sqlmock.AnyArg(), int64(0), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Save(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSaveError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sp_pull_checkpoints").WillReturnError(errors.New("connection reset"))

	err := store.Save(context.Background(), &Record{Key: salesKey})
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresStoreListIncomplete(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("status IN ('in_progress', 'partial')")).
		WithArgs("sales_traffic", "FE").
		WillReturnRows(sqlmock.NewRows(checkpointColumns).
			AddRow("a", "sales_traffic", "2024-03-10", "FE", "in_progress", []byte(`{}`), []byte(`{}`), 0, nil, 0, now, nil, int64(0), now).
			AddRow("b", "sales_traffic", "2024-03-09", "FE", "partial", []byte(`{}`), []byte(`{"k":"v"}`), 2, "x", 4, now, nil, int64(0), now))

	recs, err := store.ListIncomplete(context.Background(), "sales_traffic", "FE")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "v", recs[1].Checkpoint["k"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreClose(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectClose()
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err := store.Get(context.Background(), salesKey)
	assert.ErrorIs(t, err, ErrClosed)
}
