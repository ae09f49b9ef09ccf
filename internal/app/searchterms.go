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

const searchTermsPullType = "search_terms"

// SearchTermsOptions selects a search terms run.
type SearchTermsOptions struct {
	PeriodType   reports.PeriodType
	Marketplaces []string
	// InMemory downloads and filters the whole document instead of
	// streaming it. Diagnostics only.
	InMemory bool
	Resume   bool
}

// RunSearchTerms pulls the latest available search terms report per
// marketplace and keeps only the rows whose term is a tracked SQP keyword.
func (a *App) RunSearchTerms(ctx context.Context, opts SearchTermsOptions) Result {
	regions := a.cfg.Regions
	if err := validateMarketplaces(regions, opts.Marketplaces); err != nil {
		return Result{PullType: searchTermsPullType, Err: err}
	}
	if err := a.preflight(regions); err != nil {
		a.logger.Error("Credential check failed", zap.Error(err))
		return Result{PullType: searchTermsPullType, Err: err}
	}

	period := reports.LatestAvailable(opts.PeriodType, a.now())
	jr := a.newJobRun(searchTermsPullType, period.String())

	unitsOf := func(region string) []string {
		mps, _ := marketplacesFor(region, opts.Marketplaces)
		labels := make([]string, len(mps))
		for i, mp := range mps {
			labels[i] = unitLabel(mp.Code, period.String())
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
		codes := make([]string, len(mps))
		for i, mp := range mps {
			codes[i] = mp.Code
		}

		tr := checkpoint.NewTracker(a.checkpoints,
			checkpoint.Key{PullType: searchTermsPullType, Period: period.String(), Region: s.Region},
			checkpoint.WithTrackerLogger(a.logger),
			checkpoint.WithTrackerClock(a.now))
		if _, err := tr.Start(ctx, opts.Resume); err != nil {
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
			label := unitLabel(mp.Code, period.String())
			if !pending[mp.Code] {
				state, _ := tr.Unit(mp.Code)
				jr.skipUnit(label, state.RowCount)
				continue
			}
			jr.runUnit(ctx, tr, s, mp.Code, label, func(ctx context.Context) (unitOutcome, error) {
				return a.pullSearchTerms(ctx, s, mp, period, opts.InMemory)
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

func (a *App) pullSearchTerms(ctx context.Context, s *Session, mp reports.Marketplace, period reports.Period, inMemory bool) (unitOutcome, error) {
	logger := a.logger.With(zap.String("marketplace", mp.Code), zap.String("period", period.String()))

	keywords, err := a.warehouse.SearchQueryKeywords(ctx, mp.Code)
	if err != nil {
		return unitOutcome{}, err
	}
	set := reports.NewKeywordSet(keywords)
	if len(set) == 0 {
		logger.Warn("No SQP keywords tracked, skipping search terms")
		return unitOutcome{skipped: true}, nil
	}

	pullID, err := a.warehouse.BeginPull(ctx, warehouse.PullKey{
		PullType:    searchTermsPullType,
		Marketplace: mp.Code,
		Date:        period.Start,
		PeriodEnd:   period.End,
	})
	if err != nil {
		return unitOutcome{}, err
	}
	start := a.now()

	flush := func(rows []reports.SearchTermRow) (int, error) {
		return a.warehouse.UpsertSearchTerms(ctx, mp.Code, period, rows, pullID)
	}
	req := reports.SearchTermsRequest(mp, period)
	poll := a.cfg.Reports.SearchTerms.PollConfig()

	var (
		stats  reports.StreamStats
		report *reports.Report
	)
	if inMemory {
		report, stats, err = a.searchTermsInMemory(ctx, s, req, poll, set, flush)
	} else {
		var reportID string
		reportID, stats, err = a.searchTermsStreaming(ctx, s, req, poll, set, flush)
		if reportID != "" {
			report = &reports.Report{ReportID: reportID}
		}
	}

	logger.Info("Search terms scanned",
		zap.Int("scanned", stats.Scanned),
		zap.Int("matched", stats.Matched),
		zap.Int("written", stats.Flushed),
		zap.Int("keywords", len(set)),
		zap.Duration("elapsed", time.Since(start)))

	a.finishPull(ctx, pullID, report, stats.Flushed, start, err)
	if err != nil {
		return unitOutcome{}, err
	}
	return unitOutcome{rows: stats.Flushed}, nil
}

func (a *App) searchTermsStreaming(ctx context.Context, s *Session, req reports.CreateRequest, poll reports.PollConfig, set reports.KeywordSet, flush func([]reports.SearchTermRow) (int, error)) (string, reports.StreamStats, error) {
	body, reportID, err := s.Workflow.FetchStream(ctx, req, poll)
	if err != nil {
		return reportID, reports.StreamStats{}, err
	}
	defer body.Close()

	stats, err := reports.StreamSearchTerms(body, set, reports.DefaultFlushSize, flush)
	return reportID, stats, err
}

func (a *App) searchTermsInMemory(ctx context.Context, s *Session, req reports.CreateRequest, poll reports.PollConfig, set reports.KeywordSet, flush func([]reports.SearchTermRow) (int, error)) (*reports.Report, reports.StreamStats, error) {
	report, err := s.Workflow.Fetch(ctx, req, poll)
	if err != nil {
		return nil, reports.StreamStats{}, err
	}
	rows, stats, err := reports.FilterSearchTerms(report.Data, set)
	if err != nil {
		return report, stats, err
	}
	for i := 0; i < len(rows); i += reports.DefaultFlushSize {
		end := min(i+reports.DefaultFlushSize, len(rows))
		n, err := flush(rows[i:end])
		stats.Flushed += n
		if err != nil {
			return report, stats, err
		}
	}
	return report, stats, nil
}
