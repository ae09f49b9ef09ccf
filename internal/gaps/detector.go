package gaps

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	DefaultLookbackDays = 45
	DefaultMaxRepairs   = 10
)

// Repair detail statuses.
const (
	StatusRepaired   = "completed"
	StatusFailed     = "failed"
	StatusEmpty      = "empty"
	StatusAuthFailed = "auth_failed"
	StatusDryRun     = "dry_run"
)

// PullSource reads persisted pull outcomes.
type PullSource interface {
	PullOutcomes(ctx context.Context, pullType, marketplace string, from, to time.Time) ([]warehouse.Pull, error)
}

// Session re-pulls gaps of one region with one authenticated client.
type Session interface {
	// Repair re-pulls one gap, ignoring any existing pull record, and
	// returns the number of rows written.
	Repair(ctx context.Context, gap Gap) (int, error)
	Close() error
}

// SessionFactory opens a repair session for a region.
type SessionFactory func(ctx context.Context, region string) (Session, error)

// Gap is a marketplace date without a successful, non-empty pull. The Last
// fields describe the most recent attempt, if any.
type Gap struct {
	Date        time.Time
	Marketplace string
	Region      string
	LastStatus  string
	LastError   string
	LastAttempt *time.Time
}

// Never reports whether the date was never attempted.
func (g Gap) Never() bool { return g.LastStatus == "" }

// RepairDetail is the outcome of one gap in a repair run.
type RepairDetail struct {
	Marketplace string
	Date        time.Time
	Status      string
	Rows        int
	Error       string
}

// RepairSummary aggregates a repair run. Remaining counts gaps beyond the
// repair cap, left for the next run.
type RepairSummary struct {
	Total     int
	Attempted int
	Repaired  int
	Failed    int
	Skipped   int
	Remaining int
	Details   []RepairDetail
}

// Unrepaired returns the number of gaps still open after the run.
func (s RepairSummary) Unrepaired() int {
	return s.Total - s.Repaired
}

// Detector finds and repairs missing daily pulls.
type Detector struct {
	source   PullSource
	sessions SessionFactory
	pullType string
	logger   *zap.Logger
	now      func() time.Time
}

// Option customises a Detector.
type Option func(*Detector)

// WithLogger sets the detector logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithClock replaces time.Now for the default end date.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithPullType selects the pull records inspected. Defaults to sales and
// traffic.
func WithPullType(pullType string) Option {
	return func(d *Detector) { d.pullType = pullType }
}

// NewDetector creates a detector reading outcomes from source and repairing
// through sessions.
func NewDetector(source PullSource, sessions SessionFactory, opts ...Option) *Detector {
	d := &Detector{
		source:   source,
		sessions: sessions,
		pullType: warehouse.SourceSalesTraffic,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("gaps")
	return d
}

// DetectGaps returns the dates in [endDate-lookbackDays+1, endDate] that
// have no completed pull with rows, oldest first. A zero endDate means
// yesterday in the marketplace timezone.
func (d *Detector) DetectGaps(ctx context.Context, marketplace string, lookbackDays int, endDate time.Time) ([]Gap, error) {
	mp, err := reports.LookupMarketplace(marketplace)
	if err != nil {
		return nil, err
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}
	if endDate.IsZero() {
		endDate = mp.LocalDate(d.now(), 1)
	}
	endDate = time.Date(endDate.Year(), endDate.Month(), endDate.Day(), 0, 0, 0, 0, time.UTC)
	startDate := endDate.AddDate(0, 0, -(lookbackDays - 1))

	pulls, err := d.source.PullOutcomes(ctx, d.pullType, mp.Code, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("detect gaps for %s: %w", mp.Code, err)
	}

	successful := make(map[string]bool)
	latest := make(map[string]warehouse.Pull)
	for _, p := range pulls {
		day := p.Date.Format(time.DateOnly)
		if p.Successful() {
			successful[day] = true
		}
		if prev, ok := latest[day]; !ok || p.StartedAt.After(prev.StartedAt) {
			latest[day] = p
		}
	}

	var gaps []Gap
	for day := startDate; !day.After(endDate); day = day.AddDate(0, 0, 1) {
		key := day.Format(time.DateOnly)
		if successful[key] {
			continue
		}
		gap := Gap{Date: day, Marketplace: mp.Code, Region: mp.Region}
		if p, ok := latest[key]; ok {
			gap.LastStatus = p.Status
			gap.LastError = p.Error
			started := p.StartedAt
			gap.LastAttempt = &started
		}
		gaps = append(gaps, gap)
	}

	if len(gaps) > 0 {
		d.logger.Warn("Gaps found", zap.String("marketplace", mp.Code), zap.Int("gaps", len(gaps)))
	} else {
		d.logger.Info("No gaps", zap.String("marketplace", mp.Code))
	}
	return gaps, nil
}

// RepairGaps re-pulls up to maxRepairs gaps, oldest first, grouped by region
// so each region authenticates once. With dryRun set nothing is pulled and
// the selected gaps are reported as skipped.
func (d *Detector) RepairGaps(ctx context.Context, gaps []Gap, maxRepairs int, dryRun bool) (RepairSummary, error) {
	summary := RepairSummary{Total: len(gaps)}
	if len(gaps) == 0 {
		return summary, nil
	}
	if maxRepairs <= 0 {
		maxRepairs = DefaultMaxRepairs
	}

	selected := make([]Gap, len(gaps))
	copy(selected, gaps)
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Date.Before(selected[j].Date)
	})
	if len(selected) > maxRepairs {
		selected = selected[:maxRepairs]
	}
	summary.Remaining = len(gaps) - len(selected)

	if dryRun {
		d.logger.Info("Dry run, not repairing",
			zap.Int("selected", len(selected)), zap.Int("total", len(gaps)))
		for _, g := range selected {
			summary.Skipped++
			summary.Details = append(summary.Details, RepairDetail{
				Marketplace: g.Marketplace, Date: g.Date, Status: StatusDryRun, Error: g.LastError,
			})
		}
		return summary, nil
	}

	var regions []string
	byRegion := make(map[string][]Gap)
	for _, g := range selected {
		region := g.Region
		if region == "" {
			if mp, err := reports.LookupMarketplace(g.Marketplace); err == nil {
				region = mp.Region
			}
		}
		if _, ok := byRegion[region]; !ok {
			regions = append(regions, region)
		}
		byRegion[region] = append(byRegion[region], g)
	}

	var closeErr *multierror.Error
	for _, region := range regions {
		regionGaps := byRegion[region]
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		d.logger.Info("Repairing gaps", zap.String("region", region), zap.Int("gaps", len(regionGaps)))

		session, err := d.sessions(ctx, region)
		if err != nil {
			d.logger.Error("Failed to open repair session", zap.String("region", region), zap.Error(err))
			for _, g := range regionGaps {
				summary.Attempted++
				summary.Failed++
				summary.Details = append(summary.Details, RepairDetail{
					Marketplace: g.Marketplace, Date: g.Date, Status: StatusAuthFailed, Error: err.Error(),
				})
			}
			continue
		}

		for _, g := range regionGaps {
			if err := ctx.Err(); err != nil {
				_ = session.Close()
				return summary, err
			}
			summary.Attempted++
			summary.Details = append(summary.Details, d.repair(ctx, session, g, &summary))
		}
		if err := session.Close(); err != nil {
			closeErr = multierror.Append(closeErr, fmt.Errorf("close %s repair session: %w", region, err))
		}
	}

	if err := closeErr.ErrorOrNil(); err != nil {
		d.logger.Warn("Failed to close repair sessions", zap.Error(err))
	}
	return summary, nil
}

func (d *Detector) repair(ctx context.Context, session Session, g Gap, summary *RepairSummary) RepairDetail {
	day := g.Date.Format(time.DateOnly)
	detail := RepairDetail{Marketplace: g.Marketplace, Date: g.Date}

	rows, err := session.Repair(ctx, g)
	detail.Rows = rows
	switch {
	case err != nil:
		summary.Failed++
		detail.Status = StatusFailed
		detail.Error = err.Error()
		d.logger.Error("Repair failed", zap.String("marketplace", g.Marketplace), zap.String("date", day), zap.Error(err))
	case rows == 0:
		summary.Failed++
		detail.Status = StatusEmpty
		detail.Error = errEmpty.Error()
		d.logger.Warn("Repair returned no rows", zap.String("marketplace", g.Marketplace), zap.String("date", day))
	default:
		summary.Repaired++
		detail.Status = StatusRepaired
		d.logger.Info("Repaired", zap.String("marketplace", g.Marketplace), zap.String("date", day), zap.Int("rows", rows))
	}
	return detail
}

var errEmpty = errors.New("report returned no rows")
