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

// OrdersOptions selects an orders run.
type OrdersOptions struct {
	Date         time.Time
	DaysBack     int
	Marketplaces []string
	Resume       bool
}

func (o OrdersOptions) sales() SalesOptions {
	return SalesOptions{Date: o.Date, DaysBack: o.DaysBack}
}

// RunOrders aggregates the all-orders flat file per ASIN and fills in days
// that have no sales and traffic data. Rows already sourced from sales and
// traffic for the same marketplace and date are never overwritten.
func (a *App) RunOrders(ctx context.Context, opts OrdersOptions) Result {
	pullType := warehouse.SourceOrders
	now := a.now()
	regions := a.cfg.Regions

	if err := validateMarketplaces(regions, opts.Marketplaces); err != nil {
		return Result{PullType: pullType, Err: err}
	}
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: pullType, Err: err}
	}

	dates := opts.sales()
	days := dates.days()
	jr := a.newJobRun(pullType, dates.periodLabel(now))

	unitsOf := func(region string) []string {
		mps, _ := marketplacesFor(region, opts.Marketplaces)
		var labels []string
		for _, d := range days {
			for _, mp := range mps {
				labels = append(labels, unitLabel(mp.Code, dates.date(mp, now, d).Format(time.DateOnly)))
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
				checkpoint.Key{PullType: pullType, Period: dates.periodKey(now, d), Region: s.Region},
				checkpoint.WithTrackerLogger(a.logger),
				checkpoint.WithTrackerClock(a.now))
			if _, err := tr.Start(ctx, opts.Resume); err != nil {
				return fmt.Errorf("start checkpoint: %w", err)
			}
			// Unit keys carry the marketplace-local date actually pulled.
			labels := make([]string, len(mps))
			for i, mp := range mps {
				labels[i] = unitLabel(mp.Code, dates.date(mp, now, d).Format(time.DateOnly))
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
				date := dates.date(mp, now, d)
				label := labels[i]
				if !pending[label] {
					state, _ := tr.Unit(label)
					jr.skipUnit(label, state.RowCount)
					continue
				}
				jr.runUnit(ctx, tr, s, label, label, func(ctx context.Context) (unitOutcome, error) {
					return a.pullOrders(ctx, s, mp, date)
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

func (a *App) pullOrders(ctx context.Context, s *Session, mp reports.Marketplace, date time.Time) (unitOutcome, error) {
	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{PullType: warehouse.SourceOrders, Marketplace: mp.Code, Date: date})
	if err != nil {
		return unitOutcome{}, err
	}
	start := a.now()

	report, written, err := a.loadOrders(ctx, s, mp, date, pullID)
	a.finishPull(ctx, pullID, report, written, start, err)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{rows: written}, nil
}

func (a *App) loadOrders(ctx context.Context, s *Session, mp reports.Marketplace, date time.Time, pullID string) (*reports.Report, int, error) {
	report, err := s.Workflow.Fetch(ctx, reports.OrdersRequest(mp, date), a.cfg.Reports.Default.PollConfig())
	if err != nil {
		return nil, 0, err
	}
	lines, err := reports.ParseTSV(bytes.NewReader(report.Data))
	if err != nil {
		return report, 0, err
	}
	aggs, stats := reports.AggregateOrders(lines, mp.SalesChannel)
	res, err := a.warehouse.UpsertOrders(ctx, mp.Code, date, aggs, pullID)
	if err != nil {
		return report, 0, err
	}

	a.logger.Info("Orders aggregated",
		zap.String("marketplace", mp.Code),
		zap.String("date", date.Format(time.DateOnly)),
		zap.Int("lines", stats.Lines),
		zap.Int("channel_filtered", stats.ChannelFiltered),
		zap.Int("excluded", stats.Excluded),
		zap.Int("asins", len(aggs)),
		zap.Int("written", res.Written),
		zap.Int("kept_sales_traffic", res.Skipped))
	return report, res.Written, nil
}
