package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"spapi-etl/internal/app"
	"spapi-etl/internal/config"
	"spapi-etl/internal/logger"
	"spapi-etl/internal/reports"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configFile string
	exitCode   = app.ExitOK
)

var rootCmd = &cobra.Command{
	Use:   "spapi-etl",
	Short: "Pull Amazon Selling Partner API reports into the warehouse",
	Long: `Resilient SP-API ETL jobs: sales and traffic, Brand Analytics, search terms,
orders, reimbursements, inventory and fees, with rate limiting, retries,
checkpointed resume, gap detection and alerting.

Exit codes: 0 success, 1 hard failure, 2 partial success.`,
	SilenceUsage: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (YAML)")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")
	pf.String("log-format", "console", "Log format (console/json)")
	pf.StringSlice("regions", reports.Regions(), "Regions to pull (NA, EU, FE)")
	pf.String("database-url", "", "Warehouse PostgreSQL URL (default $DATABASE_URL)")
	pf.String("checkpoint-driver", "sqlite", "Checkpoint store (sqlite/postgres)")
	pf.String("checkpoint", "./checkpoint.db", "SQLite checkpoint database file")
	pf.String("slack-webhook", "", "Slack incoming webhook URL (default $SLACK_WEBHOOK_URL)")
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	pf.String("pushgateway", "", "Push metrics to this Pushgateway when a job ends")
	pf.Int("max-retries", 5, "Maximum retries per API request")

	rootCmd.AddCommand(
		newSalesCmd(),
		newBrandAnalyticsCmd(),
		newSearchTermsCmd(),
		newOrdersCmd(),
		newReimbursementsCmd(),
		newInventoryCmd(),
		newAWDCmd(),
		newFeesCmd(),
		newStorageFeesCmd(),
		newDetectGapsCmd(),
		newMigrateCmd(),
	)
}

// runEnv is what every subcommand needs: a cancellable context, the
// logger and an opened app.
type runEnv struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger
	app    *app.App
}

func setup(cmd *cobra.Command) (*runEnv, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	cfg, err := config.Load(ctx, configFile, cmd.Flags())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	a.ServeMetrics(ctx)
	return &runEnv{ctx: ctx, cancel: cancel, log: log, app: a}, nil
}

func (r *runEnv) close() {
	if err := r.app.Close(); err != nil {
		r.log.Error("Error closing resources", zap.Error(err))
	}
	r.cancel()
	_ = r.log.Sync()
}

// finish records the job exit code and reports a run that could not start.
func (r *runEnv) finish(res app.Result) error {
	exitCode = res.ExitCode()
	if res.Err != nil && len(res.Units) == 0 {
		return res.Err
	}
	if res.Err != nil {
		r.log.Error("Run ended early", zap.Error(res.Err))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(app.ExitFailure)
	}
	os.Exit(exitCode)
}
