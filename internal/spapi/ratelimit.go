package spapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Category groups SP-API operations that share a request budget.
type Category string

const (
	CategoryReportCreate Category = "reports_create"
	CategoryReportGet    Category = "reports_get"
	CategoryInventory    Category = "inventory"
	CategoryAWD          Category = "awd"
	CategoryAuth         Category = "auth"
	CategoryDocument     Category = "documents"
	CategoryDefault      Category = "default"
)

// RateLimitHeader carries the current allowed requests per second for the
// operation that was called.
const RateLimitHeader = "x-amzn-RateLimit-Limit"

// DefaultLimits are the documented per-category budgets in requests per
// second, used until a response header says otherwise. Signed document
// downloads are served from S3 and are not throttled.
var DefaultLimits = map[Category]float64{
	CategoryReportCreate: 0.0167,
	CategoryReportGet:    2.0,
	CategoryInventory:    2.0,
	CategoryAWD:          2.0,
	CategoryAuth:         1.0,
	CategoryDocument:     0,
	CategoryDefault:      1.0,
}

// RateLimiter keeps one token bucket of burst 1 per category. The gap between
// two requests in a category is never shorter than 1/limit.
type RateLimiter struct {
	mu       sync.Mutex
	limits   map[Category]float64
	limiters map[Category]*rate.Limiter
}

// NewRateLimiter creates a limiter with DefaultLimits, replaced by any
// positive entries in overrides.
func NewRateLimiter(overrides map[Category]float64) *RateLimiter {
	limits := make(map[Category]float64, len(DefaultLimits)+len(overrides))
	for c, l := range DefaultLimits {
		limits[c] = l
	}
	for c, l := range overrides {
		if l > 0 {
			limits[c] = l
		}
	}
	return &RateLimiter{
		limits:   limits,
		limiters: make(map[Category]*rate.Limiter),
	}
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func (r *RateLimiter) limiter(category Category) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[category]; ok {
		return l
	}
	rps, ok := r.limits[category]
	if !ok {
		rps = r.limits[CategoryDefault]
	}
	l := rate.NewLimiter(toLimit(rps), 1)
	r.limiters[category] = l
	return l
}

// Limit returns the current requests-per-second estimate for a category.
// Zero means unthrottled.
func (r *RateLimiter) Limit(category Category) float64 {
	l := r.limiter(category).Limit()
	if l == rate.Inf {
		return 0
	}
	return float64(l)
}

// MinInterval returns the minimum spacing between two requests in a category.
func (r *RateLimiter) MinInterval(category Category) time.Duration {
	rps := r.Limit(category)
	if rps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / rps)
}

// WaitIfNeeded blocks until a request in category may be issued and claims
// that slot, so concurrent callers are spaced by the category floor. On ctx
// cancellation the slot is released and ctx.Err() returned.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context, category Category) (time.Duration, error) {
	l := r.limiter(category)

	now := time.Now()
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return 0, nil
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return 0, ctx.Err()
	case <-timer.C:
		return delay, nil
	}
}

// RecordRequest stamps a request in category as issued now. It is for
// requests sent without WaitIfNeeded, which already claims its slot.
func (r *RateLimiter) RecordRequest(category Category) {
	r.limiter(category).ReserveN(time.Now(), 1)
}

// UpdateFromResponse adopts the rate advertised by the response header.
// Missing, unparseable, zero and negative values are ignored.
func (r *RateLimiter) UpdateFromResponse(category Category, header http.Header) {
	if header == nil {
		return
	}
	raw := strings.TrimSpace(header.Get(RateLimitHeader))
	if raw == "" {
		return
	}
	rps, err := strconv.ParseFloat(raw, 64)
	if err != nil || rps <= 0 {
		return
	}

	l := r.limiter(category)
	if l.Limit() == rate.Limit(rps) {
		return
	}
	l.SetLimit(rate.Limit(rps))
}
