package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"go.uber.org/zap"
)

// activeASINDays is how far before a period start an ASIN must have sold to
// be included in its Brand Analytics batches.
const activeASINDays = 30

// BrandAnalyticsOptions selects an SQP or SCP run.
type BrandAnalyticsOptions struct {
	// ReportType is reports.SQPReportType or reports.SCPReportType.
	ReportType string
	PeriodType reports.PeriodType
	// Backfill is the number of periods pulled, ending with the latest
	// available one. From/To, when set, enumerate periods instead.
	Backfill     int
	From         time.Time
	To           time.Time
	Marketplaces []string
	// Force re-pulls completed periods and discards batch checkpoints.
	Force bool
}

func (o BrandAnalyticsOptions) pullType() string {
	if o.ReportType == reports.SCPReportType {
		return "scp"
	}
	return "sqp"
}

// periods lists the periods to pull, newest first.
func (o BrandAnalyticsOptions) periods(now time.Time) []reports.Period {
	latest := reports.LatestAvailable(o.PeriodType, now)
	if !o.From.IsZero() {
		to := o.To
		if to.IsZero() || to.After(latest.End) {
			to = latest.End
		}
		return reports.EnumeratePeriods(o.PeriodType, o.From, to)
	}

	n := o.Backfill
	if n <= 0 {
		n = 1
	}
	out := make([]reports.Period, 0, n)
	for p := latest; len(out) < n; p = reports.PeriodOf(o.PeriodType, p.Start.AddDate(0, 0, -1)) {
		out = append(out, p)
	}
	return out
}

func periodsLabel(periods []reports.Period) string {
	switch len(periods) {
	case 0:
		return ""
	case 1:
		return periods[0].String()
	default:
		return fmt.Sprintf("%s..%s", periods[len(periods)-1].String(), periods[0].String())
	}
}

// RunBrandAnalytics pulls SQP or SCP reports in ASIN batches. Each
// marketplace period is a checkpointed run whose units are batch indexes,
// so an interrupted run resumes at the first unfinished batch.
func (a *App) RunBrandAnalytics(ctx context.Context, opts BrandAnalyticsOptions) Result {
	pullType := opts.pullType()
	regions := a.cfg.Regions

	if opts.ReportType != reports.SQPReportType && opts.ReportType != reports.SCPReportType {
		return Result{PullType: pullType, Err: fmt.Errorf("unsupported brand analytics report %q", opts.ReportType)}
	}
	if err := validateMarketplaces(regions, opts.Marketplaces); err != nil {
		return Result{PullType: pullType, Err: err}
	}
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: pullType, Err: err}
	}

	periods := opts.periods(a.now())
	jr := a.newJobRun(pullType, periodsLabel(periods))

	unitsOf := func(region string) []string {
		mps, _ := marketplacesFor(region, opts.Marketplaces)
		var labels []string
		for _, mp := range mps {
			for _, p := range periods {
				labels = append(labels, unitLabel(mp.Code, p.String()))
			}
		}
		return labels
	}

	err := a.forEachRegion(ctx, jr, regions, unitsOf, func(ctx context.Context, s *Session) error {
		mps, err := marketplacesFor(s.Region, opts.Marketplaces)
		if err != nil {
			return err
		}
		for _, mp := range mps {
			for _, period := range periods {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if err := a.pullBrandAnalyticsPeriod(ctx, jr, s, opts, mp, period); err != nil {
					return err
				}
			}
		}
		return nil
	})

	res := jr.finish(ctx)
	if err != nil {
		res.Err = err
	}
	return res
}

func (a *App) pullBrandAnalyticsPeriod(ctx context.Context, jr *jobRun, s *Session, opts BrandAnalyticsOptions, mp reports.Marketplace, period reports.Period) error {
	pullType := opts.pullType()
	logger := jr.logger.With(zap.String("marketplace", mp.Code), zap.String("period", period.String()))
	key := checkpoint.Key{PullType: pullType, Period: mp.Code + "/" + period.String(), Region: s.Region}

	if !opts.Force {
		rec, err := a.checkpoints.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("read checkpoint %s: %w", key, err)
		}
		if rec != nil && rec.Status == checkpoint.StatusCompleted {
			jr.addTotal(1)
			jr.skipUnit(unitLabel(mp.Code, period.String()), rec.TotalRows)
			return nil
		}
	}

	asins, err := a.warehouse.ActiveASINs(ctx, mp.Code, period.Start.AddDate(0, 0, -activeASINDays))
	if err != nil {
		return err
	}
	if len(asins) == 0 {
		logger.Warn("No active ASINs, skipping period")
		return nil
	}
	batches := reports.BatchASINs(asins, reports.ASINCharLimit)

	tr := checkpoint.NewTracker(a.checkpoints, key,
		checkpoint.WithTrackerLogger(logger),
		checkpoint.WithTrackerClock(a.now))
	pending, err := tr.StartBatches(ctx, batches, opts.Force)
	if err != nil {
		return fmt.Errorf("start checkpoint: %w", err)
	}
	if len(pending) < len(batches) {
		logger.Info("Resuming batches",
			zap.Int("completed", len(batches)-len(pending)),
			zap.Int("remaining", len(pending)))
	}
	if err := tr.SaveCheckpoint(ctx, map[string]string{
		"asins":   strconv.Itoa(len(asins)),
		"batches": strconv.Itoa(len(batches)),
	}); err != nil {
		logger.Warn("Failed to save checkpoint payload", zap.Error(err))
	}
	jr.addTotal(len(pending))

	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{
		PullType:    pullType,
		Marketplace: mp.Code,
		Date:        period.Start,
		PeriodEnd:   period.End,
	})
	if err != nil {
		return err
	}
	start := a.now()

	for _, i := range pending {
		if ctx.Err() != nil {
			break
		}
		batch := batches[i]
		label := unitLabel(mp.Code, period.String(), fmt.Sprintf("batch %d/%d", i+1, len(batches)))
		jr.runUnit(ctx, tr, s, strconv.Itoa(i), label, func(ctx context.Context) (unitOutcome, error) {
			rows, err := a.pullBrandAnalyticsBatch(ctx, s, opts.ReportType, mp, period, batch, pullID)
			return unitOutcome{rows: rows}, err
		})
	}

	status := jr.finishTracker(ctx, tr)
	rec := tr.Record()
	res := warehouse.PullResult{
		Status:   warehouse.PullCompleted,
		RowCount: rec.TotalRows,
		Duration: a.now().Sub(start),
	}
	if status != checkpoint.StatusCompleted {
		res.Status = warehouse.PullFailed
		res.Error = rec.LastError
	}
	if err := a.warehouse.FinishPull(context.WithoutCancel(ctx), pullID, res); err != nil {
		logger.Warn("Failed to record pull outcome", zap.Error(err))
	}
	return nil
}

func (a *App) pullBrandAnalyticsBatch(ctx context.Context, s *Session, reportType string, mp reports.Marketplace, period reports.Period, asins []string, pullID string) (int, error) {
	req, err := reports.BrandAnalyticsRequest(reportType, mp.ID, period, asins)
	if err != nil {
		return 0, err
	}
	report, err := s.Workflow.Fetch(ctx, req, a.cfg.Reports.BrandAnalytics.PollConfig())
	if err != nil {
		return 0, err
	}

	if reportType == reports.SCPReportType {
		rows, err := reports.ParseSearchCatalogPerformance(report.Data)
		if err != nil {
			return 0, err
		}
		return a.warehouse.UpsertCatalogRows(ctx, mp.Code, period, rows, pullID)
	}

	rows, err := reports.ParseSearchQueryPerformance(report.Data)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		a.logger.Debug("Batch returned no rows", zap.String("asins", strings.Join(asins, " ")))
	}
	return a.warehouse.UpsertSearchQueryRows(ctx, mp.Code, period, rows, pullID)
}
