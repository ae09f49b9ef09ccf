package app

import (
	"bytes"
	"context"
	"time"

	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"go.uber.org/zap"
)

const (
	feesPullType        = "fba_fees"
	storageFeesPullType = "storage_fees"
)

// FeesOptions selects an FBA fee estimate run.
type FeesOptions struct {
	Marketplaces []string
	// SkipExisting skips marketplaces that already have a successful fee
	// pull today. Amazon serves the report once per day per seller.
	SkipExisting bool
	Resume       bool
}

// RunFBAFees pulls the current fee estimate per SKU for each marketplace.
func (a *App) RunFBAFees(ctx context.Context, opts FeesOptions) Result {
	now := a.now()
	date := snapshotDate(now)
	return a.runMarketplaceJob(ctx, marketplaceJob{
		pullType:     feesPullType,
		period:       date.Format(time.DateOnly),
		marketplaces: opts.Marketplaces,
		resume:       opts.Resume,
		pull: func(ctx context.Context, s *Session, mp reports.Marketplace) (unitOutcome, error) {
			if opts.SkipExisting {
				existing, err := a.warehouse.LatestPull(ctx, feesPullType, mp.Code, date)
				if err != nil {
					return unitOutcome{}, err
				}
				if existing.Successful() {
					return unitOutcome{rows: existing.RowCount, skipped: true}, nil
				}
			}
			return a.pullReport(ctx, s, warehouse.PullKey{PullType: feesPullType, Marketplace: mp.Code, Date: date},
				reports.FBAFeesRequest(mp, now),
				func(ctx context.Context, lines []map[string]string, pullID string) (int, error) {
					return a.warehouse.UpsertFeeEstimates(ctx, mp.Code, date, reports.ParseFeeEstimates(lines), pullID)
				})
		},
	})
}

// StorageFeesOptions selects a monthly storage fee run.
type StorageFeesOptions struct {
	// Month is any day of the month to pull; zero means last month (UTC).
	Month        time.Time
	Marketplaces []string
	Resume       bool
}

// RunStorageFees pulls the monthly storage charges per SKU for each
// marketplace.
func (a *App) RunStorageFees(ctx context.Context, opts StorageFeesOptions) Result {
	month := opts.Month
	if month.IsZero() {
		month = reports.MonthStart(a.now().UTC()).AddDate(0, -1, 0)
	}
	month = reports.MonthStart(month)
	monthEnd := month.AddDate(0, 1, -1)

	return a.runMarketplaceJob(ctx, marketplaceJob{
		pullType:     storageFeesPullType,
		period:       month.Format("2006-01"),
		marketplaces: opts.Marketplaces,
		resume:       opts.Resume,
		pull: func(ctx context.Context, s *Session, mp reports.Marketplace) (unitOutcome, error) {
			return a.pullReport(ctx, s, warehouse.PullKey{PullType: storageFeesPullType, Marketplace: mp.Code, Date: month, PeriodEnd: monthEnd},
				reports.StorageFeesRequest(mp, month),
				func(ctx context.Context, lines []map[string]string, pullID string) (int, error) {
					return a.warehouse.UpsertStorageFees(ctx, mp.Code, month, reports.ParseStorageFees(lines), pullID)
				})
		},
	})
}

// writeLines stores the parsed lines of a flat file report and returns the
// rows written.
type writeLines func(ctx context.Context, lines []map[string]string, pullID string) (int, error)

// pullReport fetches a tab-separated report under a warehouse pull record
// and hands its lines to write.
func (a *App) pullReport(ctx context.Context, s *Session, key warehouse.PullKey, req reports.CreateRequest, write writeLines) (unitOutcome, error) {
	pullID, err := a.warehouse.BeginPull(ctx, key)
	if err != nil {
		return unitOutcome{}, err
	}
	began := a.now()

	report, rows, err := a.loadFlatReport(ctx, s, req, write, pullID)
	a.finishPull(ctx, pullID, report, rows, began, err)
	if err != nil {
		return unitOutcome{}, err
	}
	a.logger.Info("Report written",
		zap.String("report_type", req.ReportType),
		zap.String("marketplace", key.Marketplace),
		zap.Int("written", rows))
	return unitOutcome{rows: rows}, nil
}

func (a *App) loadFlatReport(ctx context.Context, s *Session, req reports.CreateRequest, write writeLines, pullID string) (*reports.Report, int, error) {
	report, err := s.Workflow.Fetch(ctx, req, a.cfg.Reports.Default.PollConfig())
	if err != nil {
		return nil, 0, err
	}
	lines, err := reports.ParseTSV(bytes.NewReader(report.Data))
	if err != nil {
		return report, 0, err
	}
	written, err := write(ctx, lines, pullID)
	if err != nil {
		return report, 0, err
	}
	return report, written, nil
}
