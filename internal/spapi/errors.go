package spapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a terminal client error.
type ErrorKind int

const (
	// KindFatal is a non-retryable failure, typically a 4xx other than 429.
	KindFatal ErrorKind = iota
	// KindRateLimit is a 429 that survived every retry.
	KindRateLimit
	// KindTransient is a 5xx or connection failure that survived every retry.
	KindTransient
)

var (
	ErrFatal       = errors.New("spapi: fatal request error")
	ErrRateLimited = errors.New("spapi: rate limit exceeded")
	ErrTransient   = errors.New("spapi: transient request error")
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindRateLimit:
		return ErrRateLimited
	case KindTransient:
		return ErrTransient
	default:
		return ErrFatal
	}
}

// Error is returned by Client once a request cannot succeed. Match the kind
// with errors.Is(err, ErrRateLimited), ErrTransient or ErrFatal.
type Error struct {
	Kind       ErrorKind
	Method     string
	URL        string
	StatusCode int
	Body       string
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s %s: %s error", e.Method, e.URL, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether the unit that produced e may succeed on a later
// run.
func (e *Error) Retryable() bool {
	return e.Kind != KindFatal
}

// IsRetryable reports whether err came from a rate limit or transient failure.
func IsRetryable(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

const maxErrorBody = 512

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		return string(body[:maxErrorBody]) + "..."
	}
	return string(body)
}

func statusErrorKind(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case IsTransientStatus(code):
		return KindTransient
	default:
		return KindFatal
	}
}
