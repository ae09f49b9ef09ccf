package app

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"go.uber.org/zap"
)

const (
	reimbursementsPullType = "reimbursements"
	defaultReimburseDays   = 30
)

// ReimbursementsOptions selects a reimbursements run.
type ReimbursementsOptions struct {
	// Days is the length of the window ending yesterday (UTC).
	Days   int
	Resume bool
}

// RunReimbursements pulls the FBA reimbursements report once per region. The
// report spans the region's marketplaces; each row is attributed to a
// marketplace through its currency.
func (a *App) RunReimbursements(ctx context.Context, opts ReimbursementsOptions) Result {
	regions := a.cfg.Regions
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: reimbursementsPullType, Err: err}
	}

	days := opts.Days
	if days <= 0 {
		days = defaultReimburseDays
	}
	today := a.now().UTC()
	end := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(days - 1))
	period := fmt.Sprintf("%s..%s", start.Format(time.DateOnly), end.Format(time.DateOnly))

	jr := a.newJobRun(reimbursementsPullType, period)
	jr.addTotal(len(regions))
	currencies := a.cfg.CurrencyMap()

	unitsOf := func(region string) []string { return []string{region} }

	err := a.forEachRegion(ctx, jr, regions, unitsOf, func(ctx context.Context, s *Session) error {
		mps, err := reports.RegionMarketplaces(s.Region)
		if err != nil {
			return err
		}
		primary := mps[0]

		tr := checkpoint.NewTracker(a.checkpoints,
			checkpoint.Key{PullType: reimbursementsPullType, Period: period, Region: s.Region},
			checkpoint.WithTrackerLogger(a.logger),
			checkpoint.WithTrackerClock(a.now))
		if _, err := tr.Start(ctx, opts.Resume); err != nil {
			return fmt.Errorf("start checkpoint: %w", err)
		}
		if len(tr.IncompleteUnits([]string{s.Region})) == 0 {
			state, _ := tr.Unit(s.Region)
			jr.skipUnit(s.Region, state.RowCount)
			jr.finishTracker(ctx, tr)
			return nil
		}

		jr.runUnit(ctx, tr, s, s.Region, s.Region, func(ctx context.Context) (unitOutcome, error) {
			return a.pullReimbursements(ctx, s, primary, start, end, currencies)
		})
		jr.finishTracker(ctx, tr)
		return nil
	})

	res := jr.finish(ctx)
	if err != nil {
		res.Err = err
	}
	return res
}

func (a *App) pullReimbursements(ctx context.Context, s *Session, primary reports.Marketplace, start, end time.Time, currencies map[string]string) (unitOutcome, error) {
	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{
		PullType:    reimbursementsPullType,
		Marketplace: primary.Code,
		Date:        start,
		PeriodEnd:   end,
	})
	if err != nil {
		return unitOutcome{}, err
	}
	began := a.now()

	report, rows, err := a.loadReimbursements(ctx, s, primary, start, end, currencies, pullID)
	a.finishPull(ctx, pullID, report, rows, began, err)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{rows: rows}, nil
}

func (a *App) loadReimbursements(ctx context.Context, s *Session, primary reports.Marketplace, start, end time.Time, currencies map[string]string, pullID string) (*reports.Report, int, error) {
	report, err := s.Workflow.Fetch(ctx, reports.ReimbursementsRequest(primary, start, end), a.cfg.Reports.Default.PollConfig())
	if err != nil {
		return nil, 0, err
	}
	lines, err := reports.ParseTSV(bytes.NewReader(report.Data))
	if err != nil {
		return report, 0, err
	}
	rows := reports.ParseReimbursements(lines, currencies, primary.Code)
	written, err := a.warehouse.UpsertReimbursements(ctx, rows, pullID)
	if err != nil {
		return report, 0, err
	}
	a.logger.Info("Reimbursements written",
		zap.String("region", s.Region),
		zap.Int("lines", len(lines)),
		zap.Int("written", written))
	return report, written, nil
}
