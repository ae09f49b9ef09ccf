package app

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"go.uber.org/zap"
)

const (
	inventoryPullType = "fba_inventory"
	awdPullType       = "awd_inventory"
)

// Inventory sources.
const (
	InventorySourceAuto   = "auto"
	InventorySourceAPI    = "api"
	InventorySourceReport = "report"
)

// InventoryOptions selects an FBA inventory run.
type InventoryOptions struct {
	Marketplaces []string
	// Source picks the inventory API or the unsuppressed inventory report.
	// Auto uses the API in NA and the report elsewhere, because only the
	// report counts Pan-European cross-border stock.
	Source string
	Resume bool
}

func (o InventoryOptions) fromReport(region string) bool {
	switch o.Source {
	case InventorySourceAPI:
		return false
	case InventorySourceReport:
		return true
	default:
		return region != "NA"
	}
}

// ParseInventorySource validates an inventory source name.
func ParseInventorySource(s string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "", InventorySourceAuto:
		return InventorySourceAuto, nil
	case InventorySourceAPI, InventorySourceReport:
		return v, nil
	default:
		return "", fmt.Errorf("invalid inventory source %q, want auto, api or report", s)
	}
}

func snapshotDate(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// RunInventory snapshots FBA inventory per marketplace for today (UTC).
func (a *App) RunInventory(ctx context.Context, opts InventoryOptions) Result {
	date := snapshotDate(a.now())
	return a.runMarketplaceJob(ctx, marketplaceJob{
		pullType:     inventoryPullType,
		period:       date.Format(time.DateOnly),
		marketplaces: opts.Marketplaces,
		resume:       opts.Resume,
		pull: func(ctx context.Context, s *Session, mp reports.Marketplace) (unitOutcome, error) {
			return a.pullInventory(ctx, s, mp, date, opts.fromReport(mp.Region))
		},
	})
}

func (a *App) pullInventory(ctx context.Context, s *Session, mp reports.Marketplace, date time.Time, fromReport bool) (unitOutcome, error) {
	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{PullType: inventoryPullType, Marketplace: mp.Code, Date: date})
	if err != nil {
		return unitOutcome{}, err
	}
	began := a.now()

	report, rows, err := a.loadInventory(ctx, s, mp, date, fromReport, pullID)
	a.finishPull(ctx, pullID, report, rows, began, err)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{rows: rows}, nil
}

func (a *App) loadInventory(ctx context.Context, s *Session, mp reports.Marketplace, date time.Time, fromReport bool, pullID string) (*reports.Report, int, error) {
	var (
		report *reports.Report
		items  []reports.FBAInventory
		err    error
	)
	if fromReport {
		report, err = s.Workflow.Fetch(ctx, reports.FBAInventoryRequest(mp), a.cfg.Reports.Default.PollConfig())
		if err != nil {
			return nil, 0, err
		}
		lines, err := reports.ParseTSV(bytes.NewReader(report.Data))
		if err != nil {
			return report, 0, err
		}
		items = reports.ParseFBAInventoryReport(lines)
	} else {
		items, err = s.Inventory.FBAInventory(ctx, mp)
		if err != nil {
			return nil, 0, err
		}
	}

	written, err := a.warehouse.UpsertFBAInventory(ctx, mp.Code, date, items, pullID)
	if err != nil {
		return report, 0, err
	}
	a.logger.Info("FBA inventory written",
		zap.String("marketplace", mp.Code),
		zap.Bool("from_report", fromReport),
		zap.Int("skus", len(items)),
		zap.Int("written", written))
	return report, written, nil
}

// AWDOptions selects an AWD inventory run.
type AWDOptions struct {
	Resume bool
}

// RunAWD snapshots AWD inventory once per region for today (UTC). AWD is
// not marketplace scoped; rows are booked against the region's first
// marketplace.
func (a *App) RunAWD(ctx context.Context, opts AWDOptions) Result {
	regions := a.cfg.Regions
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: awdPullType, Err: err}
	}

	date := snapshotDate(a.now())
	period := date.Format(time.DateOnly)
	jr := a.newJobRun(awdPullType, period)
	jr.addTotal(len(regions))

	unitsOf := func(region string) []string { return []string{region} }

	err := a.forEachRegion(ctx, jr, regions, unitsOf, func(ctx context.Context, s *Session) error {
		mps, err := reports.RegionMarketplaces(s.Region)
		if err != nil {
			return err
		}
		primary := mps[0]

		tr := checkpoint.NewTracker(a.checkpoints,
			checkpoint.Key{PullType: awdPullType, Period: period, Region: s.Region},
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
			return a.pullAWD(ctx, s, primary, date)
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

func (a *App) pullAWD(ctx context.Context, s *Session, primary reports.Marketplace, date time.Time) (unitOutcome, error) {
	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{PullType: awdPullType, Marketplace: primary.Code, Date: date})
	if err != nil {
		return unitOutcome{}, err
	}
	began := a.now()

	rows, err := a.loadAWD(ctx, s, primary, date, pullID)
	a.finishPull(ctx, pullID, nil, rows, began, err)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{rows: rows}, nil
}

func (a *App) loadAWD(ctx context.Context, s *Session, primary reports.Marketplace, date time.Time, pullID string) (int, error) {
	items, err := s.Inventory.AWDInventory(ctx)
	if err != nil {
		return 0, err
	}
	written, err := a.warehouse.UpsertAWDInventory(ctx, primary.Code, date, items, pullID)
	if err != nil {
		return 0, err
	}
	a.logger.Info("AWD inventory written",
		zap.String("region", s.Region),
		zap.Int("skus", len(items)),
		zap.Int("written", written))
	return written, nil
}
