package app

import (
	"context"
	"fmt"

	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/reports"

	"go.uber.org/zap"
)

// marketplaceJob pulls one unit per marketplace for a single period. Unit
// keys are marketplace codes; labels add the period.
type marketplaceJob struct {
	pullType     string
	period       string
	marketplaces []string
	resume       bool
	pull         func(ctx context.Context, s *Session, mp reports.Marketplace) (unitOutcome, error)
}

func (a *App) runMarketplaceJob(ctx context.Context, job marketplaceJob) Result {
	regions := a.cfg.Regions
	if err := validateMarketplaces(regions, job.marketplaces); err != nil {
		return Result{PullType: job.pullType, Err: err}
	}
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: job.pullType, Err: err}
	}

	jr := a.newJobRun(job.pullType, job.period)
	unitsOf := func(region string) []string {
		mps, _ := marketplacesFor(region, job.marketplaces)
		labels := make([]string, len(mps))
		for i, mp := range mps {
			labels[i] = unitLabel(mp.Code, job.period)
		}
		return labels
	}
	for _, region := range regions {
		jr.addTotal(len(unitsOf(region)))
	}

	err := a.forEachRegion(ctx, jr, regions, unitsOf, func(ctx context.Context, s *Session) error {
		mps, err := marketplacesFor(s.Region, job.marketplaces)
		if err != nil {
			return err
		}
		codes := make([]string, len(mps))
		for i, mp := range mps {
			codes[i] = mp.Code
		}

		tr := checkpoint.NewTracker(a.checkpoints,
			checkpoint.Key{PullType: job.pullType, Period: job.period, Region: s.Region},
			checkpoint.WithTrackerLogger(a.logger),
			checkpoint.WithTrackerClock(a.now))
		if _, err := tr.Start(ctx, job.resume); err != nil {
			return fmt.Errorf("start checkpoint: %w", err)
		}
		pending := make(map[string]bool)
		for _, code := range tr.IncompleteUnits(codes) {
			pending[code] = true
		}

		for _, mp := range mps {
			if ctx.Err() != nil {
				break
			}
			mp := mp
			label := unitLabel(mp.Code, job.period)
			if !pending[mp.Code] {
				state, _ := tr.Unit(mp.Code)
				jr.skipUnit(label, state.RowCount)
				continue
			}
			jr.runUnit(ctx, tr, s, mp.Code, label, func(ctx context.Context) (unitOutcome, error) {
				return job.pull(ctx, s, mp)
			})
		}
		jr.finishTracker(ctx, tr)
		return nil
	})

	res := jr.finish(ctx)
	if err != nil {
		res.Err = err
	}
	return res
}
