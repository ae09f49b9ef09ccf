package app

import (
	"context"
	"testing"

	"spapi-etl/internal/gaps"
	"spapi-etl/internal/warehouse"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usaID = "ATVPDKIKX0DER"

// seedUSAGaps leaves 2024-03-09 failed and 2024-03-10 never pulled in a
// three day window ending 2024-03-10.
func seedUSAGaps(t *testing.T, env *testEnv) {
	t.Helper()
	env.wh.seed(warehouse.SourceSalesTraffic, "USA", mustDate(t, "2024-03-08"), warehouse.PullCompleted, 5, "")
	env.wh.seed(warehouse.SourceSalesTraffic, "USA", mustDate(t, "2024-03-09"), warehouse.PullFailed, 0, "report FATAL")
}

func TestDetectGapsReportsMissingDays(t *testing.T) {
	env := newTestEnv(t)
	seedUSAGaps(t, env)

	res := env.app.DetectGaps(context.Background(), GapOptions{Marketplaces: []string{"USA"}, LookbackDays: 3})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Total())
	assert.Equal(t, ExitFailure, res.ExitCode())
	assert.Nil(t, res.Repair)

	found := res.Gaps["USA"]
	require.Len(t, found, 2)
	assert.Equal(t, mustDate(t, "2024-03-09"), found[0].Date)
	assert.Equal(t, warehouse.PullFailed, found[0].LastStatus)
	assert.Equal(t, "report FATAL", found[0].LastError)
	assert.True(t, found[1].Never())

	require.Len(t, env.notifier.gaps, 1)
	assert.Equal(t, map[string][]string{"USA": {"2024-03-09", "2024-03-10"}}, env.notifier.gaps[0].Gaps)
	assert.Zero(t, env.notifier.gaps[0].Attempted)

	out := env.out.String()
	assert.Contains(t, out, "MARKETPLACE")
	assert.Contains(t, out, "never pulled")
	assert.Empty(t, env.api.accepted())
}

func TestDetectGapsRepairsOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	seedUSAGaps(t, env)
	ctx := context.Background()

	res := env.app.DetectGaps(ctx, GapOptions{Marketplaces: []string{"USA"}, LookbackDays: 3, Repair: true})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Repair)
	assert.Equal(t, 2, res.Repair.Attempted)
	assert.Equal(t, 2, res.Repair.Repaired)
	assert.Zero(t, res.Repair.Unrepaired())
	assert.Equal(t, ExitOK, res.ExitCode())

	calls := env.api.accepted()
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, usaID, c.MarketplaceID)
	}

	for _, day := range []string{"2024-03-09", "2024-03-10"} {
		p, err := env.wh.LatestPull(ctx, warehouse.SourceSalesTraffic, "USA", mustDate(t, day))
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.True(t, p.Successful(), day)
	}

	require.Len(t, env.notifier.gaps, 1)
	assert.Equal(t, 2, env.notifier.gaps[0].Repaired)
	assert.Contains(t, env.out.String(), "repaired 2 of 2 attempted, 0 failed, 0 skipped, 0 remaining")
}

func TestDetectGapsRepairCap(t *testing.T) {
	env := newTestEnv(t)
	seedUSAGaps(t, env)

	res := env.app.DetectGaps(context.Background(), GapOptions{Marketplaces: []string{"USA"}, LookbackDays: 3, Repair: true, MaxRepairs: 1})
	require.NotNil(t, res.Repair)
	assert.Equal(t, 1, res.Repair.Repaired)
	assert.Equal(t, 1, res.Repair.Remaining)
	assert.Equal(t, ExitFailure, res.ExitCode())

	calls := env.api.accepted()
	require.Len(t, calls, 1)
	assert.Contains(t, env.out.String(), "2024-03-09")
}

func TestDetectGapsDryRun(t *testing.T) {
	env := newTestEnv(t)
	seedUSAGaps(t, env)

	res := env.app.DetectGaps(context.Background(), GapOptions{Marketplaces: []string{"USA"}, LookbackDays: 3, Repair: true, DryRun: true})
	require.NotNil(t, res.Repair)
	assert.Equal(t, 2, res.Repair.Skipped)
	assert.Zero(t, res.Repair.Attempted)
	assert.Equal(t, ExitFailure, res.ExitCode())
	assert.Empty(t, env.api.accepted())
	assert.Contains(t, env.out.String(), gaps.StatusDryRun)

	require.Len(t, env.notifier.gaps, 1)
	assert.True(t, env.notifier.gaps[0].DryRun)
}

func TestDetectGapsRepairFailure(t *testing.T) {
	env := newTestEnv(t)
	seedUSAGaps(t, env)
	env.api.failMarketplace(usaID, -1)

	res := env.app.DetectGaps(context.Background(), GapOptions{Marketplaces: []string{"USA"}, LookbackDays: 3, Repair: true})
	require.NoError(t, res.Err)
	require.NotNil(t, res.Repair)
	assert.Equal(t, 2, res.Repair.Failed)
	assert.Equal(t, ExitFailure, res.ExitCode())
}

func TestDetectGapsCleanWindow(t *testing.T) {
	env := newTestEnv(t)
	for _, day := range []string{"2024-03-08", "2024-03-09", "2024-03-10"} {
		env.wh.seed(warehouse.SourceSalesTraffic, "MX", mustDate(t, day), warehouse.PullCompleted, 3, "")
	}

	res := env.app.DetectGaps(context.Background(), GapOptions{Marketplaces: []string{"MX"}, LookbackDays: 3, Repair: true})
	require.NoError(t, res.Err)
	assert.Zero(t, res.Total())
	assert.Nil(t, res.Repair)
	assert.Equal(t, ExitOK, res.ExitCode())
}

func TestDetectGapsDefaultsToRegionMarketplaces(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.DetectGaps(context.Background(), GapOptions{LookbackDays: 2})
	require.NoError(t, res.Err)
	assert.Len(t, res.Gaps, 3)
	assert.Equal(t, 6, res.Total())
}

func TestDetectGapsUnknownMarketplace(t *testing.T) {
	env := newTestEnv(t)

	res := env.app.DetectGaps(context.Background(), GapOptions{Marketplaces: []string{"XX"}})
	assert.Error(t, res.Err)
	assert.Equal(t, ExitFailure, res.ExitCode())
}
