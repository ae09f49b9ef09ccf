package app

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"spapi-etl/internal/alerting"
	"spapi-etl/internal/gaps"
	"spapi-etl/internal/reports"

	"go.uber.org/zap"
)

// GapOptions selects a gap detection run.
type GapOptions struct {
	// Marketplaces defaults to every marketplace of the configured regions.
	Marketplaces []string
	LookbackDays int
	EndDate      time.Time
	Repair       bool
	MaxRepairs   int
	DryRun       bool
}

// GapResult is the outcome of a gap detection run.
type GapResult struct {
	Gaps    map[string][]gaps.Gap
	Repair  *gaps.RepairSummary
	Err     error
	Elapsed time.Duration
}

// Total returns the number of gaps found.
func (r GapResult) Total() int {
	n := 0
	for _, g := range r.Gaps {
		n += len(g)
	}
	return n
}

// ExitCode is success when no gaps were found or every gap was repaired.
func (r GapResult) ExitCode() int {
	switch {
	case r.Err != nil:
		return ExitFailure
	case r.Total() == 0:
		return ExitOK
	case r.Repair != nil && r.Repair.Unrepaired() == 0:
		return ExitOK
	default:
		return ExitFailure
	}
}

// repairSession re-pulls sales and traffic days for one region.
type repairSession struct {
	app     *App
	session *Session
}

func (r *repairSession) Repair(ctx context.Context, g gaps.Gap) (int, error) {
	mp, err := reports.LookupMarketplace(g.Marketplace)
	if err != nil {
		return 0, err
	}
	out, err := r.app.pullSalesTraffic(ctx, r.session, mp, g.Date, false)
	return out.rows, err
}

func (r *repairSession) Close() error { return nil }

func (a *App) openRepairSession(ctx context.Context, region string) (gaps.Session, error) {
	if err := a.sessions.Validate(region); err != nil {
		return nil, err
	}
	s, err := a.sessions.Open(ctx, region)
	if err != nil {
		return nil, err
	}
	return &repairSession{app: a, session: s}, nil
}

func (a *App) gapMarketplaces(filter []string) ([]string, error) {
	if len(filter) > 0 {
		if err := validateMarketplaces(a.cfg.Regions, filter); err != nil {
			return nil, err
		}
		out := make([]string, len(filter))
		for i, code := range filter {
			mp, _ := reports.LookupMarketplace(code)
			out[i] = mp.Code
		}
		return out, nil
	}
	var out []string
	for _, region := range a.cfg.Regions {
		mps, err := reports.RegionMarketplaces(region)
		if err != nil {
			return nil, err
		}
		for _, mp := range mps {
			out = append(out, mp.Code)
		}
	}
	return out, nil
}

// DetectGaps finds sales and traffic days without a successful pull and
// optionally re-pulls the oldest of them.
func (a *App) DetectGaps(ctx context.Context, opts GapOptions) GapResult {
	start := a.now()
	res := GapResult{Gaps: make(map[string][]gaps.Gap)}

	codes, err := a.gapMarketplaces(opts.Marketplaces)
	if err != nil {
		res.Err = err
		return res
	}

	detector := gaps.NewDetector(a.warehouse, a.openRepairSession,
		gaps.WithLogger(a.logger),
		gaps.WithClock(a.now))

	var all []gaps.Gap
	for _, code := range codes {
		found, err := detector.DetectGaps(ctx, code, opts.LookbackDays, opts.EndDate)
		if err != nil {
			res.Err = err
			return res
		}
		if len(found) > 0 {
			res.Gaps[code] = found
			all = append(all, found...)
		}
	}
	a.printGaps(codes, res.Gaps)

	report := alerting.GapReport{Gaps: make(map[string][]string), DryRun: opts.DryRun}
	for code, found := range res.Gaps {
		for _, g := range found {
			report.Gaps[code] = append(report.Gaps[code], g.Date.Format(time.DateOnly))
		}
	}

	if opts.Repair && len(all) > 0 {
		summary, err := detector.RepairGaps(ctx, all, opts.MaxRepairs, opts.DryRun)
		res.Repair = &summary
		if err != nil {
			res.Err = err
		}
		report.Attempted = summary.Attempted
		report.Repaired = summary.Repaired
		a.printRepair(summary)
	}

	res.Elapsed = a.now().Sub(start)
	a.notifier.GapReport(context.WithoutCancel(ctx), report)
	a.pushMetrics(context.WithoutCancel(ctx))

	a.logger.Info("Gap detection finished",
		zap.Int("marketplaces", len(codes)),
		zap.Int("gaps", res.Total()),
		zap.Int("exit_code", res.ExitCode()),
		zap.Duration("elapsed", res.Elapsed))
	return res
}

func (a *App) printGaps(codes []string, found map[string][]gaps.Gap) {
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKETPLACE\tGAPS\tOLDEST\tNEWEST\tLAST STATUS")
	for _, code := range codes {
		g := found[code]
		if len(g) == 0 {
			fmt.Fprintf(tw, "%s\t0\t-\t-\t-\n", code)
			continue
		}
		last := g[len(g)-1]
		status := last.LastStatus
		if last.Never() {
			status = "never pulled"
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", code, len(g),
			g[0].Date.Format(time.DateOnly), last.Date.Format(time.DateOnly), status)
	}
	_ = tw.Flush()
}

func (a *App) printRepair(summary gaps.RepairSummary) {
	details := append([]gaps.RepairDetail(nil), summary.Details...)
	sort.SliceStable(details, func(i, j int) bool { return details[i].Date.Before(details[j].Date) })

	fmt.Fprintln(a.out)
	tw := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MARKETPLACE\tDATE\tSTATUS\tROWS\tERROR")
	for _, d := range details {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.Marketplace, d.Date.Format(time.DateOnly), d.Status, d.Rows, d.Error)
	}
	_ = tw.Flush()
	fmt.Fprintf(a.out, "repaired %d of %d attempted, %d failed, %d skipped, %d remaining\n",
		summary.Repaired, summary.Attempted, summary.Failed, summary.Skipped, summary.Remaining)
}
