package spapi

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(nil)

	assert.InDelta(t, 0.0167, rl.Limit(CategoryReportCreate), 1e-9)
	assert.InDelta(t, 2.0, rl.Limit(CategoryReportGet), 1e-9)
	assert.Equal(t, 500*time.Millisecond, rl.MinInterval(CategoryReportGet))
	assert.Equal(t, time.Duration(0), rl.MinInterval(CategoryDocument))
	// unknown categories share the default budget
	assert.InDelta(t, 1.0, rl.Limit(Category("catalog")), 1e-9)
}

func TestRateLimiterFloorBetweenConsecutiveCalls(t *testing.T) {
	rl := NewRateLimiter(map[Category]float64{CategoryReportGet: 20})
	ctx := context.Background()

	waited, err := rl.WaitIfNeeded(ctx, CategoryReportGet)
	require.NoError(t, err)
	assert.Zero(t, waited)
	first := time.Now()

	waited, err = rl.WaitIfNeeded(ctx, CategoryReportGet)
	require.NoError(t, err)
	assert.Positive(t, waited)

	assert.GreaterOrEqual(t, time.Since(first), 45*time.Millisecond)
}

func TestRateLimiterSpacesConcurrentCallers(t *testing.T) {
	rl := NewRateLimiter(map[Category]float64{CategoryReportGet: 20})
	ctx := context.Background()

	const callers = 4
	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rl.WaitIfNeeded(ctx, CategoryReportGet)
			assert.NoError(t, err)
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, times, callers)
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	// three gaps of 50ms between four claimed slots
	assert.GreaterOrEqual(t, times[callers-1].Sub(times[0]), 140*time.Millisecond)
}

func TestRateLimiterCancelledWaitReleasesSlot(t *testing.T) {
	rl := NewRateLimiter(map[Category]float64{CategoryReportGet: 2})
	rl.RecordRequest(CategoryReportGet)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := rl.WaitIfNeeded(ctx, CategoryReportGet)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	start := time.Now()
	_, err = rl.WaitIfNeeded(context.Background(), CategoryReportGet)
	require.NoError(t, err)
	// the next slot is the one after RecordRequest, not after the cancelled wait
	assert.Less(t, time.Since(start), 600*time.Millisecond)
}

func TestRateLimiterCategoriesAreIndependent(t *testing.T) {
	rl := NewRateLimiter(map[Category]float64{CategoryReportCreate: 0.01})
	rl.RecordRequest(CategoryReportCreate)

	start := time.Now()
	_, err := rl.WaitIfNeeded(context.Background(), CategoryReportGet)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiterWaitHonoursCancellation(t *testing.T) {
	rl := NewRateLimiter(map[Category]float64{CategoryReportCreate: 0.5})
	rl.RecordRequest(CategoryReportCreate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := rl.WaitIfNeeded(ctx, CategoryReportCreate)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiterUpdateFromResponse(t *testing.T) {
	rl := NewRateLimiter(nil)

	h := http.Header{}
	h.Set(RateLimitHeader, "5")
	rl.UpdateFromResponse(CategoryReportGet, h)
	assert.InDelta(t, 5.0, rl.Limit(CategoryReportGet), 1e-9)

	for _, bad := range []string{"0", "-1", "fast", ""} {
		h.Set(RateLimitHeader, bad)
		rl.UpdateFromResponse(CategoryReportGet, h)
		assert.InDelta(t, 5.0, rl.Limit(CategoryReportGet), 1e-9, "value %q", bad)
	}

	rl.UpdateFromResponse(CategoryReportGet, nil)
	assert.InDelta(t, 5.0, rl.Limit(CategoryReportGet), 1e-9)
}
