package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Tracker records the progress of one pull run and persists every change
// immediately, so the next run sees exactly which units finished.
// Callers must only report a unit complete after its data is written.
type Tracker struct {
	store  Store
	key    Key
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	rec     *Record
	started time.Time
	resumed bool
}

// TrackerOption customises a Tracker.
type TrackerOption func(*Tracker)

// WithTrackerLogger sets the tracker logger.
func WithTrackerLogger(l *zap.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

// WithTrackerClock replaces time.Now.
func WithTrackerClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker for key backed by store.
func NewTracker(store Store, key Key, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:  store,
		key:    key,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("checkpoint").With(zap.Stringer("pull", key))
	return t
}

// Key returns the run key.
func (t *Tracker) Key() Key { return t.key }

// Start begins the run. With resume set, an in_progress or partial record
// for the same key is adopted together with its unit states and counters;
// otherwise a fresh record replaces whatever was stored.
func (t *Tracker) Start(ctx context.Context, resume bool) (resumed bool, err error) {
	now := t.now().UTC()

	var existing *Record
	if resume {
		existing, err = t.store.Get(ctx, t.key)
		if err != nil {
			return false, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.started = now
	if existing != nil && existing.Resumable() {
		t.rec = existing
		t.rec.Status = StatusInProgress
		t.rec.CompletedAt = nil
		t.resumed = true

		done := 0
		for _, u := range t.rec.Units {
			if u.Status == StatusCompleted {
				done++
			}
		}
		t.logger.Info("Resuming pull",
			zap.Int("completed_units", done),
			zap.Int("known_units", len(t.rec.Units)),
			zap.Int("error_count", t.rec.ErrorCount))
	} else {
		t.rec = &Record{
			ID:         uuid.NewString(),
			Key:        t.key,
			Status:     StatusInProgress,
			Units:      make(map[string]*UnitState),
			Checkpoint: make(map[string]string),
			StartedAt:  now,
		}
		t.resumed = false
	}
	return t.resumed, t.saveLocked(ctx)
}

// Resumed reports whether Start adopted an earlier record.
func (t *Tracker) Resumed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resumed
}

func (t *Tracker) unitLocked(unit string) *UnitState {
	u, ok := t.rec.Units[unit]
	if !ok {
		u = &UnitState{Status: StatusPending}
		t.rec.Units[unit] = u
	}
	return u
}

// StartUnit marks unit in progress.
func (t *Tracker) StartUnit(ctx context.Context, unit string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkStarted(); err != nil {
		return err
	}

	now := t.now().UTC()
	u := t.unitLocked(unit)
	u.Status = StatusInProgress
	u.StartedAt = &now
	return t.saveLocked(ctx)
}

// CompleteUnit marks unit completed with rows written and the API retries
// it needed, and adds rows to the run total.
func (t *Tracker) CompleteUnit(ctx context.Context, unit string, rows, retries int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkStarted(); err != nil {
		return err
	}

	now := t.now().UTC()
	u := t.unitLocked(unit)
	u.Status = StatusCompleted
	u.CompletedAt = &now
	u.RowCount = rows
	u.Retries = retries
	u.Error = ""
	t.rec.TotalRows += rows
	return t.saveLocked(ctx)
}

// FailUnit marks unit failed with cause, bumps its failure counter and the
// run error count, and demotes the run to partial.
func (t *Tracker) FailUnit(ctx context.Context, unit string, cause error, retries int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkStarted(); err != nil {
		return err
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := t.now().UTC()
	u := t.unitLocked(unit)
	u.Status = StatusFailed
	u.FailedAt = &now
	u.Error = msg
	u.Retries = retries
	u.Failures++

	t.rec.ErrorCount++
	t.rec.LastError = fmt.Sprintf("%s: %s", unit, msg)
	t.rec.Status = StatusPartial
	return t.saveLocked(ctx)
}

// IncompleteUnits returns the units of all not yet completed, in order.
func (t *Tracker) IncompleteUnits(all []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(all))
	for _, unit := range all {
		if t.rec != nil {
			if u, ok := t.rec.Units[unit]; ok && u.Status == StatusCompleted {
				continue
			}
		}
		out = append(out, unit)
	}
	return out
}

// Unit returns the state of unit.
func (t *Tracker) Unit(unit string) (UnitState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return UnitState{}, false
	}
	u, ok := t.rec.Units[unit]
	if !ok {
		return UnitState{}, false
	}
	return *u, true
}

// SaveCheckpoint merges data into the free-form checkpoint payload.
func (t *Tracker) SaveCheckpoint(ctx context.Context, data map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkStarted(); err != nil {
		return err
	}
	for k, v := range data {
		t.rec.Checkpoint[k] = v
	}
	return t.saveLocked(ctx)
}

// Checkpoint returns a copy of the checkpoint payload.
func (t *Tracker) Checkpoint() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string)
	if t.rec != nil {
		for k, v := range t.rec.Checkpoint {
			out[k] = v
		}
	}
	return out
}

// Finish sets the final status: completed when every unit completed,
// failed when none did, partial otherwise.
func (t *Tracker) Finish(ctx context.Context) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkStarted(); err != nil {
		return "", err
	}

	completed := 0
	for _, u := range t.rec.Units {
		if u.Status == StatusCompleted {
			completed++
		}
	}
	total := len(t.rec.Units)

	switch {
	case completed == total:
		t.rec.Status = StatusCompleted
	case completed == 0:
		t.rec.Status = StatusFailed
	default:
		t.rec.Status = StatusPartial
	}

	now := t.now().UTC()
	t.rec.CompletedAt = &now
	t.rec.DurationMs = now.Sub(t.started).Milliseconds()

	t.logger.Info("Pull finished",
		zap.String("status", string(t.rec.Status)),
		zap.Int("completed", completed),
		zap.Int("failed", total-completed),
		zap.Int("rows", t.rec.TotalRows),
		zap.Int64("duration_ms", t.rec.DurationMs))
	return t.rec.Status, t.saveLocked(ctx)
}

// Record returns a copy of the current record.
func (t *Tracker) Record() *Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rec == nil {
		return nil
	}
	return t.rec.Clone()
}

func (t *Tracker) checkStarted() error {
	if t.rec == nil {
		return fmt.Errorf("checkpoint %s: tracker not started", t.key)
	}
	return nil
}

func (t *Tracker) saveLocked(ctx context.Context) error {
	t.rec.UpdatedAt = t.now().UTC()
	if err := t.store.Save(ctx, t.rec.Clone()); err != nil {
		t.logger.Warn("Failed to persist checkpoint", zap.Error(err))
		return err
	}
	return nil
}
