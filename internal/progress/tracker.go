package progress

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Outcome is the terminal state of one unit as shown to the operator.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// UnitResult is one finished unit.
type UnitResult struct {
	Unit     string
	Outcome  Outcome
	Rows     int
	Retries  int
	Duration time.Duration
	Error    string
}

// Status is a snapshot of a run.
type Status struct {
	TotalUnits     int
	ProcessedUnits int
	CompletedUnits int
	FailedUnits    int
	SkippedUnits   int
	Rows           int64
	Retries        int
	StartTime      time.Time
	LastUpdateTime time.Time
	RowsPerSecond  float64
	ETA            time.Duration
}

// Tracker accumulates unit outcomes for a run. It is safe for concurrent use.
type Tracker struct {
	mu      sync.RWMutex
	status  Status
	results []UnitResult
	now     func() time.Time
}

// NewTracker creates a tracker expecting total units.
func NewTracker(total int) *Tracker {
	return newTracker(total, time.Now)
}

func newTracker(total int, now func() time.Time) *Tracker {
	start := now()
	return &Tracker{
		status: Status{
			TotalUnits:     total,
			StartTime:      start,
			LastUpdateTime: start,
		},
		now: now,
	}
}

// SetTotal changes the expected unit count.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalUnits = total
}

// Record adds a finished unit.
func (t *Tracker) Record(r UnitResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.results = append(t.results, r)
	t.status.ProcessedUnits++
	t.status.Retries += r.Retries
	switch r.Outcome {
	case OutcomeCompleted:
		t.status.CompletedUnits++
		t.status.Rows += int64(r.Rows)
	case OutcomeSkipped:
		t.status.SkippedUnits++
	default:
		t.status.FailedUnits++
	}
	t.update(t.now())
}

// update recomputes rates. Callers hold the lock.
func (t *Tracker) update(now time.Time) {
	t.status.LastUpdateTime = now
	elapsed := now.Sub(t.status.StartTime)
	if elapsed <= 0 {
		t.status.RowsPerSecond = 0
		t.status.ETA = 0
		return
	}
	t.status.RowsPerSecond = float64(t.status.Rows) / elapsed.Seconds()

	remaining := t.status.TotalUnits - t.status.ProcessedUnits
	if remaining <= 0 || t.status.ProcessedUnits == 0 {
		t.status.ETA = 0
		return
	}
	perUnit := elapsed / time.Duration(t.status.ProcessedUnits)
	t.status.ETA = perUnit * time.Duration(remaining)
}

// GetStatus returns the current snapshot.
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Results returns finished units ordered by unit name.
func (t *Tracker) Results() []UnitResult {
	t.mu.RLock()
	out := make([]UnitResult, len(t.results))
	copy(out, t.results)
	t.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// GetProgressPercent returns processed units as a percentage of the total.
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalUnits == 0 {
		return 0
	}
	return float64(t.status.ProcessedUnits) / float64(t.status.TotalUnits) * 100
}

// FormatRate formats a rows per second figure.
func FormatRate(rowsPerSecond float64) string {
	switch {
	case rowsPerSecond < 1000:
		return fmt.Sprintf("%.1f rows/s", rowsPerSecond)
	case rowsPerSecond < 1000*1000:
		return fmt.Sprintf("%.1fk rows/s", rowsPerSecond/1000)
	default:
		return fmt.Sprintf("%.1fM rows/s", rowsPerSecond/(1000*1000))
	}
}

// FormatDuration formats d as 1h2m3s, 2m3s or 3s.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
