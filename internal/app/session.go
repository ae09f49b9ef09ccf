package app

import (
	"context"
	"fmt"

	"spapi-etl/internal/auth"
	"spapi-etl/internal/config"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/spapi"

	"go.uber.org/zap"
)

// Session is the per-region client stack: one token, one rate limiter, one
// report workflow and the paged inventory reader on the same client.
// Sessions are never shared across regions.
type Session struct {
	Region    string
	Client    *spapi.Client
	Workflow  *reports.Workflow
	Inventory *reports.InventoryAPI
}

// Retries returns the API-level retries the session client has absorbed.
func (s *Session) Retries() int {
	return int(s.Client.Stats().Retries)
}

// Sessions opens region sessions.
type Sessions interface {
	// Validate checks that credentials for region are present without
	// contacting Amazon.
	Validate(region string) error
	Open(ctx context.Context, region string) (*Session, error)
}

// NewSession builds a session against baseURL.
func NewSession(region, baseURL string, tokens spapi.TokenSource, cfg spapi.Config, logger *zap.Logger, observer spapi.Observer, archiver reports.Archiver) *Session {
	opts := []spapi.Option{spapi.WithLogger(logger)}
	if observer != nil {
		opts = append(opts, spapi.WithObserver(observer))
	}
	client := spapi.NewClient(tokens, cfg, opts...)

	wopts := []reports.WorkflowOption{reports.WithWorkflowLogger(logger)}
	if archiver != nil {
		wopts = append(wopts, reports.WithArchiver(archiver))
	}
	return &Session{
		Region:    region,
		Client:    client,
		Workflow:  reports.NewWorkflow(client, baseURL, wopts...),
		Inventory: reports.NewInventoryAPI(client, baseURL, logger),
	}
}

// AuthSessions opens sessions authenticated through the LWA token cache.
// Access tokens are refreshed proactively once they are older than
// auth.DefaultMaxAge.
type AuthSessions struct {
	cfg      *config.Config
	tokens   *auth.Cache
	logger   *zap.Logger
	observer spapi.Observer
	archiver reports.Archiver
}

// NewAuthSessions creates the production session factory.
func NewAuthSessions(ctx context.Context, cfg *config.Config, creds auth.Credentials, logger *zap.Logger, observer spapi.Observer, archiver reports.Archiver) (*AuthSessions, error) {
	authCfg, err := cfg.ClientConfig("auth").WithEnvDefaults(ctx)
	if err != nil {
		return nil, err
	}
	opts := []spapi.Option{spapi.WithLogger(logger)}
	if observer != nil {
		opts = append(opts, spapi.WithObserver(observer))
	}
	tokenClient := spapi.NewClient(nil, authCfg, opts...)

	cacheOpts := []auth.Option{auth.WithLogger(logger)}
	if cfg.API.TokenURL != "" {
		cacheOpts = append(cacheOpts, auth.WithTokenURL(cfg.API.TokenURL))
	}
	if cfg.API.TokenMaxAge > 0 {
		cacheOpts = append(cacheOpts, auth.WithMaxAge(cfg.API.TokenMaxAge))
	}

	return &AuthSessions{
		cfg:      cfg,
		tokens:   auth.NewCache(creds, tokenClient, cacheOpts...),
		logger:   logger,
		observer: observer,
		archiver: archiver,
	}, nil
}

// Validate checks the region's credentials.
func (s *AuthSessions) Validate(region string) error {
	return s.tokens.Validate(region)
}

// Open builds a session for region and fetches its first access token so
// authentication problems surface before any report is requested.
func (s *AuthSessions) Open(ctx context.Context, region string) (*Session, error) {
	baseURL, err := s.cfg.Endpoint(region)
	if err != nil {
		return nil, err
	}
	clientCfg, err := s.cfg.ClientConfig(region).WithEnvDefaults(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.tokens.AccessToken(ctx, region); err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", region, err)
	}
	return NewSession(region, baseURL, s.tokens.ForRegion(region), clientCfg, s.logger, s.observer, s.archiver), nil
}
