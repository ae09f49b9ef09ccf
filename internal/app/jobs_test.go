package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/progress"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testASINs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("B%09d", i+1)
	}
	return out
}

func TestRunBrandAnalyticsResumesAtFailedBatch(t *testing.T) {
	env := newTestEnv(t)
	// 30 ten-character ASINs make two batches: 18 and 12.
	env.wh.asins = testASINs(30)
	env.api.failWhen(func(c createCall) bool {
		return c.ReportType == reports.SQPReportType && strings.Contains(c.Options["asin"], "B000000030")
	})
	ctx := context.Background()
	opts := BrandAnalyticsOptions{ReportType: reports.SQPReportType, PeriodType: reports.PeriodWeek, Marketplaces: []string{"USA"}}

	period := reports.LatestAvailable(reports.PeriodWeek, testNow)
	key := checkpoint.Key{PullType: "sqp", Period: "USA/" + period.String(), Region: "NA"}
	batch1 := unitLabel("USA", period.String(), "batch 1/2")
	batch2 := unitLabel("USA", period.String(), "batch 2/2")

	first := env.app.RunBrandAnalytics(ctx, opts)
	require.NoError(t, first.Err)
	assert.Equal(t, ExitAdvisory, first.ExitCode())
	assert.Equal(t, period.String(), first.Period)
	units := unitsByLabel(first)
	assert.Equal(t, progress.OutcomeCompleted, units[batch1].Outcome)
	assert.Equal(t, 2, units[batch1].Rows)
	assert.Equal(t, progress.OutcomeFailed, units[batch2].Outcome)

	rec, err := env.store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, checkpoint.StatusPartial, rec.Status)
	assert.Equal(t, "30", rec.Checkpoint["asins"])
	assert.Equal(t, "2", rec.Checkpoint["batches"])

	p, err := env.wh.LatestPull(ctx, "sqp", "USA", period.Start)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, warehouse.PullFailed, p.Status)
	assert.True(t, strings.HasPrefix(p.Error, "1: "), p.Error)

	env.api.reset()
	second := env.app.RunBrandAnalytics(ctx, opts)
	assert.Equal(t, ExitOK, second.ExitCode())
	require.Len(t, second.Units, 1)
	assert.Equal(t, batch2, second.Units[0].Unit)
	assert.Equal(t, progress.OutcomeCompleted, second.Units[0].Outcome)

	calls := env.api.accepted()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Options["asin"], "B000000030")
	assert.NotContains(t, calls[0].Options["asin"], "B000000001")
	assert.Equal(t, "WEEK", calls[0].Options["reportPeriod"])

	rec, err = env.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
	assert.Equal(t, 4, rec.TotalRows)

	p, err = env.wh.LatestPull(ctx, "sqp", "USA", period.Start)
	require.NoError(t, err)
	assert.Equal(t, warehouse.PullCompleted, p.Status)
	assert.Equal(t, 4, p.RowCount)

	env.api.reset()
	third := env.app.RunBrandAnalytics(ctx, opts)
	assert.Equal(t, ExitOK, third.ExitCode())
	require.Len(t, third.Units, 1)
	assert.Equal(t, unitLabel("USA", period.String()), third.Units[0].Unit)
	assert.Equal(t, progress.OutcomeSkipped, third.Units[0].Outcome)
	assert.Equal(t, 4, third.Units[0].Rows)
	assert.Empty(t, env.api.accepted())

	opts.Force = true
	forced := env.app.RunBrandAnalytics(ctx, opts)
	assert.Equal(t, ExitOK, forced.ExitCode())
	assert.Len(t, forced.Units, 2)
	assert.Len(t, env.api.accepted(), 2)
}

func TestRunBrandAnalyticsRepullsWhenASINsShift(t *testing.T) {
	env := newTestEnv(t)
	env.wh.asins = testASINs(30)
	env.api.failWhen(func(c createCall) bool {
		return strings.Contains(c.Options["asin"], "B000000030")
	})
	ctx := context.Background()
	opts := BrandAnalyticsOptions{ReportType: reports.SQPReportType, PeriodType: reports.PeriodWeek, Marketplaces: []string{"USA"}}

	first := env.app.RunBrandAnalytics(ctx, opts)
	require.Equal(t, ExitAdvisory, first.ExitCode())

	// A newly active ASIN sorts first and moves B000000018 into batch 2.
	env.wh.asins = append([]string{"B000000000"}, testASINs(30)...)
	env.api.reset()
	second := env.app.RunBrandAnalytics(ctx, opts)
	assert.Equal(t, ExitOK, second.ExitCode())
	assert.Len(t, second.Units, 2)

	var sent []string
	for _, c := range env.api.accepted() {
		sent = append(sent, strings.Fields(c.Options["asin"])...)
	}
	assert.ElementsMatch(t, env.wh.asins, sent)
}

func TestRunBrandAnalyticsBackfill(t *testing.T) {
	env := newTestEnv(t)
	env.wh.asins = testASINs(3)

	res := env.app.RunBrandAnalytics(context.Background(), BrandAnalyticsOptions{
		ReportType:   reports.SCPReportType,
		PeriodType:   reports.PeriodWeek,
		Backfill:     3,
		Marketplaces: []string{"CA"},
	})
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Equal(t, "scp", res.PullType)
	assert.Len(t, res.Units, 3)
	assert.Equal(t, 3, res.Rows)
	assert.Equal(t, 3, env.wh.catalog)

	calls := env.api.accepted()
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.Equal(t, reports.SCPReportType, c.ReportType)
		assert.Equal(t, caID, c.MarketplaceID)
		assert.Equal(t, "B000000001 B000000002 B000000003", c.Options["asins"])
	}
}

func TestRunBrandAnalyticsWithoutActiveASINs(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.RunBrandAnalytics(context.Background(), BrandAnalyticsOptions{
		ReportType: reports.SQPReportType,
		PeriodType: reports.PeriodMonth,
	})
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Empty(t, res.Units)
	assert.Empty(t, env.api.accepted())
}

func TestRunBrandAnalyticsRejectsUnknownReport(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.RunBrandAnalytics(context.Background(), BrandAnalyticsOptions{ReportType: "GET_SOMETHING", PeriodType: reports.PeriodWeek})
	assert.Equal(t, ExitFailure, res.ExitCode())
	assert.ErrorContains(t, res.Err, "unsupported")
}

func TestBrandAnalyticsPeriodsNewestFirst(t *testing.T) {
	opts := BrandAnalyticsOptions{PeriodType: reports.PeriodWeek, Backfill: 3}
	periods := opts.periods(testNow)
	require.Len(t, periods, 3)
	assert.True(t, periods[0].Start.After(periods[1].Start))
	assert.True(t, periods[1].Start.After(periods[2].Start))
	assert.Equal(t, reports.LatestAvailable(reports.PeriodWeek, testNow), periods[0])
	assert.Equal(t, fmt.Sprintf("%s..%s", periods[2], periods[0]), periodsLabel(periods))
}

func TestRunSearchTermsKeepsTrackedKeywords(t *testing.T) {
	for _, inMemory := range []bool{false, true} {
		t.Run(fmt.Sprintf("in_memory=%v", inMemory), func(t *testing.T) {
			env := newTestEnv(t)
			env.wh.keywords = []string{"foo", " BAR "}

			res := env.app.RunSearchTerms(context.Background(), SearchTermsOptions{
				PeriodType:   reports.PeriodWeek,
				Marketplaces: []string{"USA"},
				InMemory:     inMemory,
			})
			assert.Equal(t, ExitOK, res.ExitCode())
			assert.Equal(t, 2, res.Rows)

			terms := make([]string, 0, len(env.wh.terms))
			for _, row := range env.wh.terms {
				terms = append(terms, row.SearchTerm)
			}
			sort.Strings(terms)
			assert.Equal(t, []string{"Foo", "bar"}, terms)

			period := reports.LatestAvailable(reports.PeriodWeek, testNow)
			p, err := env.wh.LatestPull(context.Background(), searchTermsPullType, "USA", period.Start)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, warehouse.PullCompleted, p.Status)
			assert.Equal(t, 2, p.RowCount)
		})
	}
}

func TestRunSearchTermsWithoutKeywordsSkips(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.RunSearchTerms(context.Background(), SearchTermsOptions{PeriodType: reports.PeriodWeek})
	assert.Equal(t, ExitOK, res.ExitCode())
	_, _, skipped := res.Counts()
	assert.Equal(t, 3, skipped)
	assert.Empty(t, env.api.accepted())
}

func TestRunOrdersAggregatesPerASIN(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.RunOrders(context.Background(), OrdersOptions{Marketplaces: []string{"USA"}})
	assert.Equal(t, ExitOK, res.ExitCode())
	require.Len(t, res.Units, 1)
	assert.Equal(t, "USA 2024-03-10", res.Units[0].Unit)
	assert.Equal(t, 1, res.Rows)

	require.Len(t, env.wh.orders, 1)
	agg := env.wh.orders[0]
	assert.Equal(t, "A1", agg.ASIN)
	assert.Equal(t, 2, agg.UnitsOrdered)
	assert.InDelta(t, 15.0, agg.OrderedProductSales, 1e-9)

	calls := env.api.accepted()
	require.Len(t, calls, 1)
	assert.Equal(t, reports.OrdersReportType, calls[0].ReportType)

	rec, err := env.store.Get(context.Background(), checkpoint.Key{PullType: warehouse.SourceOrders, Period: "2024-03-10", Region: "NA"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)
}

func TestRunReimbursementsOneUnitPerRegion(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.app.RunReimbursements(ctx, ReimbursementsOptions{})
	assert.Equal(t, ExitOK, res.ExitCode())
	assert.Equal(t, "2024-02-10..2024-03-10", res.Period)
	require.Len(t, res.Units, 1)
	assert.Equal(t, "NA", res.Units[0].Unit)
	assert.Equal(t, 3, res.Rows)

	byID := make(map[string]string)
	for _, r := range env.wh.reimbursements {
		byID[r.ReimbursementID] = r.MarketplaceCode
	}
	assert.Equal(t, map[string]string{"1": "USA", "2": "CA", "3": "USA"}, byID)

	calls := env.api.accepted()
	require.Len(t, calls, 1)
	assert.Equal(t, reports.ReimbursementsReportType, calls[0].ReportType)

	rec, err := env.store.Get(ctx, checkpoint.Key{PullType: reimbursementsPullType, Period: res.Period, Region: "NA"})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, checkpoint.StatusCompleted, rec.Status)

	// Only in-progress and partial runs are resumed; a finished window is
	// pulled again.
	env.api.reset()
	again := env.app.RunReimbursements(ctx, ReimbursementsOptions{Resume: true})
	assert.Equal(t, ExitOK, again.ExitCode())
	require.Len(t, again.Units, 1)
	assert.Equal(t, progress.OutcomeCompleted, again.Units[0].Outcome)
	assert.Len(t, env.api.accepted(), 1)
}
