package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"spapi-etl/internal/spapi"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenServer struct {
	mu    sync.Mutex
	calls int
	forms []map[string]string
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = r.ParseForm()
	s.calls++
	s.forms = append(s.forms, map[string]string{
		"grant_type":    r.PostForm.Get("grant_type"),
		"refresh_token": r.PostForm.Get("refresh_token"),
		"client_id":     r.PostForm.Get("client_id"),
	})
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "Atza|token-" + string(rune('0'+s.calls)),
		"expires_in":   3600,
	})
}

func (s *tokenServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var testCreds = Credentials{
	ClientID:       "amzn1.application-oa2-client.x",
	ClientSecret:   "secret",
	RefreshTokenNA: "Atzr|na",
	RefreshTokenEU: "Atzr|eu",
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(t *testing.T, clk *clock) (*Cache, *tokenServer) {
	t.Helper()
	ts := &tokenServer{}
	srv := httptest.NewServer(ts)
	t.Cleanup(srv.Close)

	doer := spapi.NewClient(nil, spapi.Config{
		RateLimits: map[spapi.Category]float64{spapi.CategoryAuth: 1000},
		BaseDelay:  time.Millisecond,
	})
	return NewCache(testCreds, doer, WithTokenURL(srv.URL), WithClock(clk.now)), ts
}

func TestCacheReusesToken(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache, ts := newTestCache(t, clk)
	ctx := context.Background()

	first, err := cache.AccessToken(ctx, "na")
	require.NoError(t, err)
	clk.t = clk.t.Add(10 * time.Minute)
	second, err := cache.AccessToken(ctx, "NA")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, ts.count())
	assert.Equal(t, "refresh_token", ts.forms[0]["grant_type"])
	assert.Equal(t, "Atzr|na", ts.forms[0]["refresh_token"])
	assert.Equal(t, testCreds.ClientID, ts.forms[0]["client_id"])
}

func TestCacheRefreshesBeforeExpiry(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache, ts := newTestCache(t, clk)
	cache.maxAge = 2 * time.Hour
	ctx := context.Background()

	_, err := cache.AccessToken(ctx, "NA")
	require.NoError(t, err)

	// inside the five minute margin of a one hour token
	clk.t = clk.t.Add(56 * time.Minute)
	_, err = cache.AccessToken(ctx, "NA")
	require.NoError(t, err)
	assert.Equal(t, 2, ts.count())
}

func TestCacheRefreshesAfterMaxAge(t *testing.T) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cache, ts := newTestCache(t, clk)
	ctx := context.Background()

	_, err := cache.AccessToken(ctx, "NA")
	require.NoError(t, err)
	clk.t = clk.t.Add(31 * time.Minute)
	_, err = cache.AccessToken(ctx, "NA")
	require.NoError(t, err)
	assert.Equal(t, 2, ts.count())
}

func TestCacheKeepsRegionsApart(t *testing.T) {
	clk := &clock{t: time.Now()}
	cache, ts := newTestCache(t, clk)
	ctx := context.Background()

	_, err := cache.ForRegion("NA").AccessToken(ctx)
	require.NoError(t, err)
	_, err = cache.ForRegion("EU").AccessToken(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, ts.count())
	assert.Equal(t, "Atzr|eu", ts.forms[1]["refresh_token"])
}

// blockingDoer holds NA refreshes until release is closed.
type blockingDoer struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDoer) Do(ctx context.Context, req spapi.Request) (*spapi.Response, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, err
	}
	region := strings.TrimPrefix(form.Get("refresh_token"), "Atzr|")
	if region == "na" {
		close(d.started)
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &spapi.Response{StatusCode: http.StatusOK, Body: []byte(`{"access_token":"Atza|` + region + `","expires_in":3600}`)}, nil
}

func TestCacheRefreshDoesNotBlockOtherRegions(t *testing.T) {
	doer := &blockingDoer{started: make(chan struct{}), release: make(chan struct{})}
	cache := NewCache(testCreds, doer)
	ctx := context.Background()

	naDone := make(chan string, 1)
	go func() {
		token, err := cache.AccessToken(ctx, "NA")
		assert.NoError(t, err)
		naDone <- token
	}()
	<-doer.started

	euDone := make(chan string, 1)
	go func() {
		token, err := cache.AccessToken(ctx, "EU")
		assert.NoError(t, err)
		euDone <- token
	}()

	select {
	case token := <-euDone:
		assert.Equal(t, "Atza|eu", token)
	case <-time.After(2 * time.Second):
		t.Fatal("EU token waited for the NA refresh")
	}

	close(doer.release)
	assert.Equal(t, "Atza|na", <-naDone)
}

func TestCacheMissingCredentials(t *testing.T) {
	clk := &clock{t: time.Now()}
	cache, ts := newTestCache(t, clk)

	_, err := cache.AccessToken(context.Background(), "FE")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingCredentials)

	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, []string{"SP_REFRESH_TOKEN_FE"}, credErr.Missing)
	assert.Zero(t, ts.count())
}

func TestCredentialsValidate(t *testing.T) {
	err := Credentials{}.Validate("NA")
	var credErr *CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, []string{"SP_LWA_CLIENT_ID", "SP_LWA_CLIENT_SECRET", "SP_REFRESH_TOKEN_NA"}, credErr.Missing)
	assert.Contains(t, err.Error(), "region NA")

	assert.NoError(t, testCreds.Validate("EU"))
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("SP_LWA_CLIENT_ID", "id")
	t.Setenv("SP_LWA_CLIENT_SECRET", "secret")
	t.Setenv("SP_REFRESH_TOKEN_FE", "Atzr|fe")

	creds, err := CredentialsFromEnv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id", creds.ClientID)
	token, envVar := creds.RefreshToken("fe")
	assert.Equal(t, "Atzr|fe", token)
	assert.Equal(t, "SP_REFRESH_TOKEN_FE", envVar)
	assert.NoError(t, creds.Validate("FE"))
}
