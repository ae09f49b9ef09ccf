package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"spapi-etl/internal/alerting"
	"spapi-etl/internal/archive"
	"spapi-etl/internal/auth"
	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/config"
	"spapi-etl/internal/metrics"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/warehouse"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Warehouse is the persistence the jobs write to. *warehouse.DB satisfies it.
type Warehouse interface {
	Migrate(ctx context.Context) error
	BeginPull(ctx context.Context, key warehouse.PullKey) (string, error)
	FinishPull(ctx context.Context, id string, res warehouse.PullResult) error
	LatestPull(ctx context.Context, pullType, marketplace string, date time.Time) (*warehouse.Pull, error)
	PullOutcomes(ctx context.Context, pullType, marketplace string, from, to time.Time) ([]warehouse.Pull, error)

	UpsertSalesTraffic(ctx context.Context, marketplace string, date time.Time, report *reports.SalesTrafficReport, pullID string) (int, error)
	UpsertDailyTotals(ctx context.Context, marketplace string, date time.Time, report *reports.SalesTrafficReport, pullID string) (bool, error)
	UpsertOrders(ctx context.Context, marketplace string, date time.Time, aggs []reports.OrderAggregate, pullID string) (warehouse.OrdersResult, error)
	UpsertSearchQueryRows(ctx context.Context, marketplace string, period reports.Period, rows []reports.SearchQueryRow, pullID string) (int, error)
	UpsertCatalogRows(ctx context.Context, marketplace string, period reports.Period, rows []reports.CatalogRow, pullID string) (int, error)
	UpsertSearchTerms(ctx context.Context, marketplace string, period reports.Period, rows []reports.SearchTermRow, pullID string) (int, error)
	UpsertReimbursements(ctx context.Context, rows []reports.Reimbursement, pullID string) (int, error)
	UpsertFBAInventory(ctx context.Context, marketplace string, date time.Time, rows []reports.FBAInventory, pullID string) (int, error)
	UpsertAWDInventory(ctx context.Context, marketplace string, date time.Time, rows []reports.AWDInventory, pullID string) (int, error)
	UpsertFeeEstimates(ctx context.Context, marketplace string, date time.Time, rows []reports.FeeEstimate, pullID string) (int, error)
	UpsertStorageFees(ctx context.Context, marketplace string, month time.Time, rows []reports.StorageFee, pullID string) (int, error)

	ActiveASINs(ctx context.Context, marketplace string, since time.Time) ([]string, error)
	SearchQueryKeywords(ctx context.Context, marketplace string) ([]string, error)

	Close() error
}

// App wires the collaborators shared by every job.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	warehouse   Warehouse
	checkpoints checkpoint.Store
	sessions    Sessions
	notifier    alerting.Notifier
	metrics     *metrics.Collector
	out         io.Writer
	now         func() time.Time
	closers     []io.Closer
}

// Option customises an App.
type Option func(*App)

// WithWarehouse sets the warehouse.
func WithWarehouse(w Warehouse) Option {
	return func(a *App) { a.warehouse = w }
}

// WithCheckpointStore sets the pull tracker store.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(a *App) { a.checkpoints = s }
}

// WithSessions sets how region sessions are opened.
func WithSessions(s Sessions) Option {
	return func(a *App) { a.sessions = s }
}

// WithNotifier replaces the alert manager.
func WithNotifier(n alerting.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// WithMetrics replaces the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(a *App) { a.metrics = m }
}

// WithOutput redirects progress output, stdout by default.
func WithOutput(w io.Writer) Option {
	return func(a *App) { a.out = w }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// New creates an app from already built collaborators. Missing optional
// collaborators get defaults derived from cfg.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		out:    os.Stdout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New()
	}
	if a.notifier == nil {
		a.notifier = alerting.NewManager(
			alerting.WithSlackWebhook(cfg.Alerts.SlackWebhookURL),
			alerting.WithLogger(logger),
		)
	}
	return a
}

// Open connects the warehouse and checkpoint store, reads credentials from
// the environment and returns a ready app.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	db, err := warehouse.Open(ctx, cfg.Database.URL, warehouse.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	store, err := openCheckpointStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	creds, err := auth.CredentialsFromEnv(ctx)
	if err != nil {
		db.Close()
		store.Close()
		return nil, err
	}

	collector := metrics.New()

	var archiver reports.Archiver
	if cfg.Archive.Enabled() {
		a, err := archive.NewMinioArchiver(cfg.Archive, logger.Named("archive"))
		if err != nil {
			db.Close()
			store.Close()
			return nil, fmt.Errorf("failed to create archiver: %w", err)
		}
		archiver = a
	}

	sessions, err := NewAuthSessions(ctx, cfg, creds, logger, collector, archiver)
	if err != nil {
		db.Close()
		store.Close()
		return nil, err
	}

	a := New(cfg, logger,
		WithWarehouse(db),
		WithCheckpointStore(store),
		WithSessions(sessions),
		WithMetrics(collector),
	)
	a.closers = append(a.closers, db, store)
	return a, nil
}

func openCheckpointStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	if cfg.Checkpoint.Driver == "postgres" {
		store, err := checkpoint.OpenPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return checkpoint.NewSQLiteStore(cfg.Checkpoint.Path)
}

// Migrate creates the warehouse schema.
func (a *App) Migrate(ctx context.Context) error {
	return a.warehouse.Migrate(ctx)
}

// Metrics returns the app collector.
func (a *App) Metrics() *metrics.Collector {
	return a.metrics
}

// ServeMetrics serves /metrics on the configured address until ctx ends.
// It returns immediately when no address is configured.
func (a *App) ServeMetrics(ctx context.Context) {
	if a.cfg.Metrics.Addr == "" {
		return
	}
	go func() {
		if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Addr); err != nil {
			a.logger.Error("Failed to start metrics server", zap.Error(err))
		}
	}()
}

// pushMetrics sends the collector to the Pushgateway when one is configured.
func (a *App) pushMetrics(ctx context.Context) {
	if a.cfg.Metrics.PushgatewayURL == "" {
		return
	}
	if err := a.metrics.Push(ctx, a.cfg.Metrics.PushgatewayURL, a.cfg.Metrics.Job, a.cfg.Metrics.Instance); err != nil {
		a.logger.Warn("Failed to push metrics", zap.Error(err))
	}
}

// logIncomplete reports runs left in progress or partial by earlier
// invocations.
func (a *App) logIncomplete(ctx context.Context, pullType, region string) {
	if a.checkpoints == nil {
		return
	}
	recs, err := a.checkpoints.ListIncomplete(ctx, pullType, region)
	if err != nil {
		a.logger.Warn("Failed to list incomplete pulls", zap.String("pull_type", pullType), zap.Error(err))
		return
	}
	for _, rec := range recs {
		a.logger.Info("Incomplete pull on record",
			zap.String("key", rec.Key.String()),
			zap.String("status", string(rec.Status)),
			zap.Int("error_count", rec.ErrorCount),
			zap.Time("updated_at", rec.UpdatedAt))
	}
}

// Close cleans up resources
func (a *App) Close() error {
	var result *multierror.Error
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
