package main

import (
	"fmt"
	"time"

	"spapi-etl/internal/app"
	"spapi-etl/internal/gaps"
	"spapi-etl/internal/reports"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}

func newSalesCmd() *cobra.Command {
	var (
		date string
		opts app.SalesOptions
	)
	cmd := &cobra.Command{
		Use:   "sales",
		Short: "Pull daily sales and traffic per ASIN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Date, err = parseDate(date); err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunSales(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringVar(&date, "date", "", "Pull this date (YYYY-MM-DD) instead of the last --days-back days")
	f.IntVar(&opts.DaysBack, "days-back", 1, "Number of days ending yesterday to pull")
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.BoolVar(&opts.SkipExisting, "skip-existing", true, "Skip dates that already have a successful pull")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newBrandAnalyticsCmd() *cobra.Command {
	var (
		report, period, from, to string
		opts                     app.BrandAnalyticsOptions
	)
	cmd := &cobra.Command{
		Use:   "sqp",
		Short: "Pull Search Query Performance or Search Catalog Performance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch report {
			case "sqp":
				opts.ReportType = reports.SQPReportType
			case "scp":
				opts.ReportType = reports.SCPReportType
			default:
				return fmt.Errorf("invalid --report %q, want sqp or scp", report)
			}
			var err error
			if opts.PeriodType, err = reports.ParsePeriodType(period); err != nil {
				return err
			}
			if opts.From, err = parseDate(from); err != nil {
				return err
			}
			if opts.To, err = parseDate(to); err != nil {
				return err
			}

			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunBrandAnalytics(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringVar(&report, "report", "sqp", "Report to pull (sqp/scp)")
	f.StringVar(&period, "period", "week", "Reporting period (week/month/quarter)")
	f.IntVar(&opts.Backfill, "backfill", 1, "Number of periods to pull, ending with the latest available")
	f.StringVar(&from, "from", "", "Pull every period from this date (YYYY-MM-DD)")
	f.StringVar(&to, "to", "", "Last date of a --from range (default: latest available)")
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.BoolVar(&opts.Force, "force", false, "Re-pull completed periods and ignore batch checkpoints")
	return cmd
}

func newSearchTermsCmd() *cobra.Command {
	var (
		period string
		opts   app.SearchTermsOptions
	)
	cmd := &cobra.Command{
		Use:   "search-terms",
		Short: "Pull the Brand Analytics search terms report, filtered to tracked keywords",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.PeriodType, err = reports.ParsePeriodType(period); err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunSearchTerms(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringVar(&period, "period", "week", "Reporting period (week/month/quarter)")
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.BoolVar(&opts.InMemory, "in-memory", false, "Download the whole document before filtering")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newOrdersCmd() *cobra.Command {
	var (
		date string
		opts app.OrdersOptions
	)
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Aggregate the all-orders report per ASIN where sales and traffic is missing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Date, err = parseDate(date); err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunOrders(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringVar(&date, "date", "", "Pull this date (YYYY-MM-DD) instead of the last --days-back days")
	f.IntVar(&opts.DaysBack, "days-back", 1, "Number of days ending yesterday to pull")
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newReimbursementsCmd() *cobra.Command {
	var opts app.ReimbursementsOptions
	cmd := &cobra.Command{
		Use:   "reimbursements",
		Short: "Pull FBA reimbursements per region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunReimbursements(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Days, "days", 30, "Length of the window ending yesterday")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newInventoryCmd() *cobra.Command {
	var (
		source string
		opts   app.InventoryOptions
	)
	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Snapshot FBA inventory per marketplace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.Source, err = app.ParseInventorySource(source); err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunInventory(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.StringVar(&source, "source", app.InventorySourceAuto, "Inventory source (auto/api/report); auto uses the report outside NA")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newAWDCmd() *cobra.Command {
	var opts app.AWDOptions
	cmd := &cobra.Command{
		Use:   "awd",
		Short: "Snapshot Amazon Warehousing and Distribution inventory per region",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunAWD(rt.ctx, opts))
		},
	}
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newFeesCmd() *cobra.Command {
	var opts app.FeesOptions
	cmd := &cobra.Command{
		Use:   "fba-fees",
		Short: "Pull estimated FBA fees per SKU",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunFBAFees(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.BoolVar(&opts.SkipExisting, "skip-existing", true, "Skip marketplaces already pulled today")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newStorageFeesCmd() *cobra.Command {
	var (
		month string
		opts  app.StorageFeesOptions
	)
	cmd := &cobra.Command{
		Use:   "storage-fees",
		Short: "Pull monthly FBA storage fees per SKU",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if month != "" {
				m, err := time.Parse("2006-01", month)
				if err != nil {
					return fmt.Errorf("invalid month %q, want YYYY-MM", month)
				}
				opts.Month = m
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.finish(rt.app.RunStorageFees(rt.ctx, opts))
		},
	}
	f := cmd.Flags()
	f.StringVar(&month, "month", "", "Month to pull (YYYY-MM, default: last month)")
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.BoolVar(&opts.Resume, "resume", false, "Resume an interrupted run from its checkpoint")
	return cmd
}

func newDetectGapsCmd() *cobra.Command {
	var (
		endDate string
		opts    app.GapOptions
	)
	cmd := &cobra.Command{
		Use:   "detect-gaps",
		Short: "Find sales and traffic days without a successful pull and optionally repair them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.EndDate, err = parseDate(endDate); err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()

			res := rt.app.DetectGaps(rt.ctx, opts)
			exitCode = res.ExitCode()
			if res.Err != nil {
				return res.Err
			}
			rt.log.Info("Gap check done", zap.Int("gaps", res.Total()), zap.Duration("elapsed", res.Elapsed))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.Marketplaces, "marketplaces", nil, "Marketplace codes (default: all of the selected regions)")
	f.IntVar(&opts.LookbackDays, "lookback", gaps.DefaultLookbackDays, "Days to inspect, ending with --end-date")
	f.StringVar(&endDate, "end-date", "", "Last date inspected (default: yesterday per marketplace)")
	f.BoolVar(&opts.Repair, "repair", false, "Re-pull the oldest gaps")
	f.IntVar(&opts.MaxRepairs, "max-repairs", gaps.DefaultMaxRepairs, "Maximum gaps repaired per run")
	f.BoolVar(&opts.DryRun, "dry-run", false, "Show what --repair would do without pulling")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the warehouse schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.close()
			if err := rt.app.Migrate(rt.ctx); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			rt.log.Info("Warehouse schema is up to date")
			return nil
		},
	}
}
