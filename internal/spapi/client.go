package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"
)

// AccessTokenHeader is the header SP-API reads the LWA access token from.
const AccessTokenHeader = "x-amz-access-token"

const DefaultTimeout = 30 * time.Second

// TokenSource supplies the access token attached to each request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) AccessToken(context.Context) (string, error) { return string(t), nil }

// Observer receives per-attempt instrumentation. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveRequest(category Category, status int, duration time.Duration)
	ObserveRetry(category Category, reason string)
}

// Config holds the client tuning knobs. Zero values fall back to the
// environment (see WithEnvDefaults) and then to package defaults.
type Config struct {
	Region string
	// MaxRetries is nil when unset. Zero disables retries.
	MaxRetries *int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Timeout    time.Duration
	RateLimits map[Category]float64
}

type envDefaults struct {
	MaxRetries int     `env:"SP_API_MAX_RETRIES, default=5"`
	BaseDelay  float64 `env:"SP_API_BASE_DELAY, default=1.0"`
	MaxDelay   float64 `env:"SP_API_MAX_DELAY, default=60.0"`
	Timeout    float64 `env:"SP_API_TIMEOUT, default=30"`
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Retries returns n as a Config.MaxRetries value.
func Retries(n int) *int { return &n }

// WithEnvDefaults fills every zero knob from SP_API_MAX_RETRIES,
// SP_API_BASE_DELAY, SP_API_MAX_DELAY and SP_API_TIMEOUT.
func (c Config) WithEnvDefaults(ctx context.Context) (Config, error) {
	var env envDefaults
	if err := envconfig.Process(ctx, &env); err != nil {
		return c, fmt.Errorf("read client environment: %w", err)
	}
	if c.MaxRetries == nil {
		c.MaxRetries = Retries(env.MaxRetries)
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = seconds(env.BaseDelay)
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = seconds(env.MaxDelay)
	}
	if c.Timeout == 0 {
		c.Timeout = seconds(env.Timeout)
	}
	return c, nil
}

// Stats are cumulative counters for one client.
type Stats struct {
	Requests       int64
	Retries        int64
	RateLimitWaits int64
	Errors         int64
}

// Request describes one logical call. Body, when set, is sent as JSON unless
// Header sets another Content-Type.
type Request struct {
	Method   string
	URL      string
	Category Category
	Query    url.Values
	Header   http.Header
	Body     []byte
	// NoAuth skips the access token, for pre-signed document URLs.
	NoAuth bool
}

// Response is a fully read successful response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Client is the single egress point for SP-API calls. Requests in the same
// category are spaced by the RateLimiter and failed attempts are retried by
// the RetryStrategy. One Client serves one region.
type Client struct {
	region   string
	tokens   TokenSource
	http     *http.Client
	stream   *http.Client
	limiter  *RateLimiter
	retry    RetryStrategy
	logger   *zap.Logger
	observer Observer

	requests       atomic.Int64
	retries        atomic.Int64
	rateLimitWaits atomic.Int64
	errors         atomic.Int64
}

// Option customises a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver attaches request instrumentation.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithTransport replaces the pooled transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.Transport = rt
		c.stream.Transport = rt
	}
}

// NewClient creates a client for cfg.Region using tokens for authentication.
func NewClient(tokens TokenSource, cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	maxRetries := DefaultMaxRetries
	if cfg.MaxRetries != nil {
		maxRetries = *cfg.MaxRetries
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 10

	c := &Client{
		region:  cfg.Region,
		tokens:  tokens,
		http:    &http.Client{Transport: transport, Timeout: cfg.Timeout},
		stream:  &http.Client{Transport: transport},
		limiter: NewRateLimiter(cfg.RateLimits),
		retry:   NewRetryStrategy(maxRetries, cfg.BaseDelay, cfg.MaxDelay),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("spapi").With(zap.String("region", cfg.Region))
	return c
}

// Region returns the region the client was built for.
func (c *Client) Region() string { return c.region }

// Limiter exposes the client's rate limiter.
func (c *Client) Limiter() *RateLimiter { return c.limiter }

// RetryStrategy returns the client's retry configuration.
func (c *Client) RetryStrategy() RetryStrategy { return c.retry }

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:       c.requests.Load(),
		Retries:        c.retries.Load(),
		RateLimitWaits: c.rateLimitWaits.Load(),
		Errors:         c.errors.Load(),
	}
}

// Do issues req and returns the fully read response of the first attempt with
// a status below 400.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	resp, body, err := c.execute(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// Open issues req and returns the unread body of the first successful
// attempt. Retries cover obtaining the response, not reading it. The request
// has no overall timeout so large documents can be streamed.
func (c *Client) Open(ctx context.Context, req Request) (io.ReadCloser, error) {
	resp, _, err := c.execute(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Get issues a GET in category.
func (c *Client) Get(ctx context.Context, rawURL string, category Category, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, URL: rawURL, Category: category, Query: query})
}

// PostJSON marshals payload and POSTs it in category.
func (c *Client) PostJSON(ctx context.Context, rawURL string, category Category, payload any) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return c.Do(ctx, Request{Method: http.MethodPost, URL: rawURL, Category: category, Body: body})
}

func (c *Client) execute(ctx context.Context, req Request, stream bool) (*http.Response, []byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Category == "" {
		req.Category = CategoryDefault
	}

	for attempt := 0; ; attempt++ {
		waited, err := c.limiter.WaitIfNeeded(ctx, req.Category)
		if err != nil {
			return nil, nil, err
		}
		if waited > 0 {
			c.logger.Debug("Rate limit wait",
				zap.String("category", string(req.Category)),
				zap.Duration("waited", waited))
		}

		token, err := c.token(ctx, req)
		if err != nil {
			c.errors.Add(1)
			return nil, nil, err
		}

		c.requests.Add(1)
		start := time.Now()
		resp, body, err := c.send(ctx, req, token, stream)

		status := 0
		if resp != nil {
			status = resp.StatusCode
			c.limiter.UpdateFromResponse(req.Category, resp.Header)
		}
		if c.observer != nil {
			c.observer.ObserveRequest(req.Category, status, time.Since(start))
		}

		if err == nil && status < http.StatusBadRequest {
			return resp, body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}

		if c.retry.ShouldRetry(err, resp, attempt) {
			delay := c.retry.Delay(attempt, resp)
			reason := retryReason(status, err)
			c.retries.Add(1)
			if status == http.StatusTooManyRequests {
				c.rateLimitWaits.Add(1)
			}
			if c.observer != nil {
				c.observer.ObserveRetry(req.Category, reason)
			}
			c.logger.Warn("Retrying request",
				zap.String("method", req.Method),
				zap.String("url", req.URL),
				zap.String("reason", reason),
				zap.Int("attempt", attempt+1),
				zap.Int("max_retries", c.retry.MaxRetries),
				zap.Duration("delay", delay))

			if err := sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
			continue
		}

		c.errors.Add(1)
		apiErr := &Error{
			Method:   req.Method,
			URL:      req.URL,
			Attempts: attempt + 1,
			Err:      err,
		}
		if err != nil {
			apiErr.Kind = KindFatal
			if IsTransientTransportError(err) {
				apiErr.Kind = KindTransient
			}
		} else {
			apiErr.Kind = statusErrorKind(status)
			apiErr.StatusCode = status
			apiErr.Body = truncateBody(body)
		}
		c.logger.Error("Request failed",
			zap.String("method", req.Method),
			zap.String("url", req.URL),
			zap.Stringer("kind", apiErr.Kind),
			zap.Int("status", status),
			zap.Int("attempts", apiErr.Attempts),
			zap.Error(err))
		return nil, nil, apiErr
	}
}

func (c *Client) token(ctx context.Context, req Request) (string, error) {
	if req.NoAuth || hasCallerToken(req.Header) || c.tokens == nil {
		return "", nil
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("spapi: access token: %w", err)
	}
	return token, nil
}

// hasCallerToken reports whether h already carries an access token, whatever
// the casing of its key.
func hasCallerToken(h http.Header) bool {
	want := http.CanonicalHeaderKey(AccessTokenHeader)
	for k, vs := range h {
		if http.CanonicalHeaderKey(k) != want {
			continue
		}
		for _, v := range vs {
			if v != "" {
				return true
			}
		}
	}
	return false
}

// send performs one attempt. For streamed successes the body is left open;
// in every other case it is read and closed.
func (c *Client) send(ctx context.Context, req Request, token string, stream bool) (*http.Response, []byte, error) {
	target, err := withQuery(req.URL, req.Query)
	if err != nil {
		return nil, nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if token != "" && httpReq.Header.Get(AccessTokenHeader) == "" {
		httpReq.Header.Set(AccessTokenHeader, token)
	}

	hc := c.http
	if stream {
		hc = c.stream
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	if stream && resp.StatusCode < http.StatusBadRequest {
		return resp, nil, nil
	}

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, data, nil
}

func withQuery(rawURL string, query url.Values) (string, error) {
	if len(query) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func retryReason(status int, err error) string {
	switch {
	case err != nil:
		return "transport"
	case status == http.StatusTooManyRequests:
		return "throttled"
	default:
		return "server_error"
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
