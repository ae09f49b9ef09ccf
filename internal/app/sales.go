package app

import (
	"context"
	"fmt"
	"time"

	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"go.uber.org/zap"
)

// SalesOptions selects the dates and marketplaces of a sales and traffic run.
type SalesOptions struct {
	// Date pulls one fixed date for every marketplace. When zero, DaysBack
	// days ending yesterday are pulled, each computed in the marketplace's
	// own timezone.
	Date         time.Time
	DaysBack     int
	Marketplaces []string
	SkipExisting bool
	Resume       bool
}

func (o SalesOptions) days() []int {
	if !o.Date.IsZero() {
		return []int{0}
	}
	n := o.DaysBack
	if n <= 0 {
		n = 1
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

func (o SalesOptions) date(mp reports.Marketplace, now time.Time, daysAgo int) time.Time {
	if !o.Date.IsZero() {
		return time.Date(o.Date.Year(), o.Date.Month(), o.Date.Day(), 0, 0, 0, 0, time.UTC)
	}
	return mp.LocalDate(now, daysAgo)
}

// periodKey is the checkpoint period of a run: the fixed date, or the UTC
// date daysAgo days before now.
func (o SalesOptions) periodKey(now time.Time, daysAgo int) string {
	if !o.Date.IsZero() {
		return o.Date.Format(time.DateOnly)
	}
	return now.UTC().AddDate(0, 0, -daysAgo).Format(time.DateOnly)
}

func (o SalesOptions) periodLabel(now time.Time) string {
	days := o.days()
	first := o.periodKey(now, days[0])
	if len(days) == 1 {
		return first
	}
	return fmt.Sprintf("%s..%s", o.periodKey(now, days[len(days)-1]), first)
}

// RunSales pulls the daily sales and traffic report for every marketplace of
// the configured regions, newest date first.
func (a *App) RunSales(ctx context.Context, opts SalesOptions) Result {
	pullType := warehouse.SourceSalesTraffic
	now := a.now()
	regions := a.cfg.Regions

	if err := validateMarketplaces(regions, opts.Marketplaces); err != nil {
		return Result{PullType: pullType, Err: err}
	}
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: pullType, Err: err}
	}

	jr := a.newJobRun(pullType, opts.periodLabel(now))
	days := opts.days()

	unitsOf := func(region string) []string {
		mps, _ := marketplacesFor(region, opts.Marketplaces)
		var labels []string
		for _, d := range days {
			for _, mp := range mps {
				labels = append(labels, unitLabel(mp.Code, opts.date(mp, now, d).Format(time.DateOnly)))
			}
		}
		return labels
	}
	for _, region := range regions {
		jr.addTotal(len(unitsOf(region)))
	}

	err := a.forEachRegion(ctx, jr, regions, unitsOf, func(ctx context.Context, s *Session) error {
		mps, err := marketplacesFor(s.Region, opts.Marketplaces)
		if err != nil {
			return err
		}
		for _, d := range days {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			tr := checkpoint.NewTracker(a.checkpoints,
				checkpoint.Key{PullType: pullType, Period: opts.periodKey(now, d), Region: s.Region},
				checkpoint.WithTrackerLogger(a.logger),
				checkpoint.WithTrackerClock(a.now))
			if _, err := tr.Start(ctx, opts.Resume); err != nil {
				return fmt.Errorf("start checkpoint: %w", err)
			}
			// Unit keys carry the marketplace-local date actually pulled.
			labels := make([]string, len(mps))
			for i, mp := range mps {
				labels[i] = unitLabel(mp.Code, opts.date(mp, now, d).Format(time.DateOnly))
			}
			pending := make(map[string]bool)
			for _, label := range tr.IncompleteUnits(labels) {
				pending[label] = true
			}

			for i, mp := range mps {
				if ctx.Err() != nil {
					break
				}
				mp := mp
				date := opts.date(mp, now, d)
				label := labels[i]
				if !pending[label] {
					state, _ := tr.Unit(label)
					jr.skipUnit(label, state.RowCount)
					continue
				}
				jr.runUnit(ctx, tr, s, label, label, func(ctx context.Context) (unitOutcome, error) {
					return a.pullSalesTraffic(ctx, s, mp, date, opts.SkipExisting)
				})
			}
			jr.finishTracker(ctx, tr)
		}
		return nil
	})

	res := jr.finish(ctx)
	if err != nil {
		res.Err = err
	}
	return res
}

// pullSalesTraffic pulls one marketplace day and writes the ASIN rows and
// the daily totals. With skipExisting set, a date that already has a
// successful pull is not requested again.
func (a *App) pullSalesTraffic(ctx context.Context, s *Session, mp reports.Marketplace, date time.Time, skipExisting bool) (unitOutcome, error) {
	pullType := warehouse.SourceSalesTraffic
	if skipExisting {
		existing, err := a.warehouse.LatestPull(ctx, pullType, mp.Code, date)
		if err != nil {
			return unitOutcome{}, err
		}
		if existing.Successful() {
			return unitOutcome{rows: existing.RowCount, skipped: true}, nil
		}
	}

	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{PullType: pullType, Marketplace: mp.Code, Date: date})
	if err != nil {
		return unitOutcome{}, err
	}
	start := a.now()

	report, rows, err := a.loadSalesTraffic(ctx, s, mp, date, pullID)
	a.finishPull(ctx, pullID, report, rows, start, err)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{rows: rows}, nil
}

func (a *App) loadSalesTraffic(ctx context.Context, s *Session, mp reports.Marketplace, date time.Time, pullID string) (*reports.Report, int, error) {
	report, err := s.Workflow.Fetch(ctx, reports.SalesTrafficRequest(mp, date), a.cfg.Reports.Default.PollConfig())
	if err != nil {
		return nil, 0, err
	}
	parsed, err := reports.ParseSalesTraffic(report.Data)
	if err != nil {
		return report, 0, err
	}
	rows, err := a.warehouse.UpsertSalesTraffic(ctx, mp.Code, date, parsed, pullID)
	if err != nil {
		return report, 0, err
	}
	if _, err := a.warehouse.UpsertDailyTotals(ctx, mp.Code, date, parsed, pullID); err != nil {
		return report, 0, err
	}
	return report, rows, nil
}

// finishPull writes the pull record outcome. A write failure is logged; the
// unit outcome stands.
func (a *App) finishPull(ctx context.Context, pullID string, report *reports.Report, rows int, start time.Time, cause error) {
	res := warehouse.PullResult{
		Status:   warehouse.PullCompleted,
		RowCount: rows,
		Duration: a.now().Sub(start),
	}
	if report != nil {
		res.ReportID = report.ReportID
		res.DocumentID = report.DocumentID
	}
	if cause != nil {
		res.Status = warehouse.PullFailed
		res.RowCount = 0
		res.Error = cause.Error()
	}
	if err := a.warehouse.FinishPull(context.WithoutCancel(ctx), pullID, res); err != nil {
		a.logger.Warn("Failed to record pull outcome", zap.String("pull_id", pullID), zap.Error(err))
	}
}
