package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"spapi-etl/internal/spapi"

	"go.uber.org/zap"
)

// TokenURL is the Login with Amazon token endpoint.
const TokenURL = "https://api.amazon.com/auth/o2/token"

const (
	// DefaultRefreshMargin refreshes a token this long before it expires.
	DefaultRefreshMargin = 5 * time.Minute
	// DefaultMaxAge refreshes a token this long after it was issued, whatever
	// its expiry, so long runs never carry a token into its last minutes.
	DefaultMaxAge = 30 * time.Minute
)

// Doer sends token requests. *spapi.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, req spapi.Request) (*spapi.Response, error)
}

type cachedToken struct {
	value     string
	issuedAt  time.Time
	expiresAt time.Time
}

// regionToken serialises refreshes of one region. A refresh in one region
// never blocks token reads in another.
type regionToken struct {
	mu    sync.Mutex
	token cachedToken
	valid bool
}

// Cache exchanges refresh tokens for access tokens and keeps one access
// token per region. It is safe for concurrent use.
type Cache struct {
	creds    Credentials
	doer     Doer
	tokenURL string
	margin   time.Duration
	maxAge   time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	regions map[string]*regionToken
}

// Option customises a Cache.
type Option func(*Cache)

// WithTokenURL overrides the LWA endpoint.
func WithTokenURL(u string) Option {
	return func(c *Cache) { c.tokenURL = u }
}

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMaxAge overrides the proactive refresh interval.
func WithMaxAge(d time.Duration) Option {
	return func(c *Cache) { c.maxAge = d }
}

// NewCache creates an empty token cache.
func NewCache(creds Credentials, doer Doer, opts ...Option) *Cache {
	c := &Cache{
		creds:    creds,
		doer:     doer,
		tokenURL: TokenURL,
		margin:   DefaultRefreshMargin,
		maxAge:   DefaultMaxAge,
		now:      time.Now,
		logger:   zap.NewNop(),
		regions:  make(map[string]*regionToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("auth")
	return c
}

// Validate checks that credentials for region are present.
func (c *Cache) Validate(region string) error {
	return c.creds.Validate(region)
}

// AccessToken returns a cached token for region, refreshing it when it is
// within the refresh margin of expiry or older than the maximum age.
func (c *Cache) AccessToken(ctx context.Context, region string) (string, error) {
	region = strings.ToUpper(region)
	rt := c.region(region)

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := c.now()
	if t := rt.token; rt.valid && now.Before(t.expiresAt.Add(-c.margin)) && now.Sub(t.issuedAt) < c.maxAge {
		return t.value, nil
	}
	return c.refreshLocked(ctx, region, rt)
}

// Refresh forces a new token for region.
func (c *Cache) Refresh(ctx context.Context, region string) (string, error) {
	region = strings.ToUpper(region)
	rt := c.region(region)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return c.refreshLocked(ctx, region, rt)
}

func (c *Cache) region(region string) *regionToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	rt, ok := c.regions[region]
	if !ok {
		rt = &regionToken{}
		c.regions[region] = rt
	}
	return rt
}

// refreshLocked fetches a new token for region. rt.mu must be held.
func (c *Cache) refreshLocked(ctx context.Context, region string, rt *regionToken) (string, error) {
	if err := c.creds.Validate(region); err != nil {
		return "", err
	}
	refreshToken, _ := c.creds.RefreshToken(region)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {c.creds.ClientID},
		"client_secret": {c.creds.ClientSecret},
	}
	resp, err := c.doer.Do(ctx, spapi.Request{
		Method:   http.MethodPost,
		URL:      c.tokenURL,
		Category: spapi.CategoryAuth,
		Header:   http.Header{"Content-Type": {"application/x-www-form-urlencoded"}},
		Body:     []byte(form.Encode()),
		NoAuth:   true,
	})
	if err != nil {
		return "", fmt.Errorf("refresh access token for %s: %w", region, err)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := resp.DecodeJSON(&body); err != nil {
		return "", fmt.Errorf("refresh access token for %s: %w", region, err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("refresh access token for %s: empty token in response", region)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}

	now := c.now()
	rt.token = cachedToken{
		value:     body.AccessToken,
		issuedAt:  now,
		expiresAt: now.Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	rt.valid = true
	c.logger.Info("Access token refreshed",
		zap.String("region", region),
		zap.Int("expires_in_s", body.ExpiresIn))
	return body.AccessToken, nil
}

// ForRegion binds the cache to one region as a spapi.TokenSource.
func (c *Cache) ForRegion(region string) spapi.TokenSource {
	return regionSource{cache: c, region: region}
}

type regionSource struct {
	cache  *Cache
	region string
}

func (s regionSource) AccessToken(ctx context.Context) (string, error) {
	return s.cache.AccessToken(ctx, s.region)
}
