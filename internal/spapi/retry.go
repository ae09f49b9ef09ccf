package spapi

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 60 * time.Second

	// jitterFraction is the upper bound of the random share added to a
	// computed backoff.
	jitterFraction = 0.1
)

// transientStatus lists the HTTP statuses worth another attempt.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// IsTransientStatus reports whether an HTTP status is retryable.
func IsTransientStatus(code int) bool {
	return transientStatus[code]
}

// RetryStrategy classifies failures and computes backoff. The zero value is
// not usable; use NewRetryStrategy.
type RetryStrategy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRetryStrategy returns a strategy with defaults for any non-positive
// argument except maxRetries, where zero disables retries.
func NewRetryStrategy(maxRetries int, baseDelay, maxDelay time.Duration) RetryStrategy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return RetryStrategy{MaxRetries: maxRetries, BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// ShouldRetry reports whether attempt (zero based) may be followed by another
// one. err is a transport error, resp the response when one was received.
func (s RetryStrategy) ShouldRetry(err error, resp *http.Response, attempt int) bool {
	if attempt >= s.MaxRetries {
		return false
	}
	if err != nil {
		return IsTransientTransportError(err)
	}
	return resp != nil && IsTransientStatus(resp.StatusCode)
}

// Delay returns how long to wait before the attempt after attempt. A numeric
// Retry-After header wins; otherwise min(base*2^attempt, max) plus up to 10%
// jitter.
func (s RetryStrategy) Delay(attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if d, ok := retryAfter(resp.Header); ok {
			return d
		}
	}
	return s.backoff(attempt, rand.Float64())
}

func (s RetryStrategy) backoff(attempt int, jitter float64) time.Duration {
	delay := float64(s.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.MaxDelay) {
		delay = float64(s.MaxDelay)
	}
	return time.Duration(delay + delay*jitterFraction*jitter)
}

func retryAfter(header http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(header.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}

// IsTransientTransportError reports whether a transport-level failure is
// worth retrying: timeouts, reset or refused connections, and truncated
// bodies. Context cancellation is never transient.
func IsTransientTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
