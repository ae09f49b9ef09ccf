package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"spapi-etl/internal/archive"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/spapi"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	LogLevel             string            `yaml:"log_level"`
	LogFormat            string            `yaml:"log_format"`
	Regions              []string          `yaml:"regions"`
	API                  API               `yaml:"api"`
	Reports              Reports           `yaml:"reports"`
	Database             Database          `yaml:"database"`
	Checkpoint           Checkpoint        `yaml:"checkpoint"`
	Alerts               Alerts            `yaml:"alerts"`
	Archive              archive.Config    `yaml:"archive"`
	Metrics              Metrics           `yaml:"metrics"`
	CurrencyMarketplaces map[string]string `yaml:"currency_marketplaces"`
}

// API tunes the SP-API client. Zero knobs fall back to the SP_API_*
// environment variables.
type API struct {
	MaxRetries  *int               `yaml:"max_retries"`
	BaseDelay   time.Duration      `yaml:"base_delay"`
	MaxDelay    time.Duration      `yaml:"max_delay"`
	Timeout     time.Duration      `yaml:"timeout"`
	RateLimits  map[string]float64 `yaml:"rate_limits"`
	Endpoints   map[string]string  `yaml:"endpoints"`
	TokenURL    string             `yaml:"token_url"`
	TokenMaxAge time.Duration      `yaml:"token_max_age"`
}

// Poll bounds report polling for one report family.
type Poll struct {
	Interval time.Duration `yaml:"interval"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// PollConfig converts p for the report workflow.
func (p Poll) PollConfig() reports.PollConfig {
	return reports.PollConfig{Interval: p.Interval, MaxWait: p.MaxWait}
}

// Reports holds poll settings per report family.
type Reports struct {
	Default        Poll `yaml:"default"`
	BrandAnalytics Poll `yaml:"brand_analytics"`
	SearchTerms    Poll `yaml:"search_terms"`
}

// Database is the warehouse connection.
type Database struct {
	URL string `yaml:"url"`
}

// Checkpoint selects the pull tracker store.
type Checkpoint struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// Alerts configures notification channels.
type Alerts struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// Metrics configures the Prometheus endpoint and Pushgateway.
type Metrics struct {
	Addr           string `yaml:"addr"`
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
	Instance       string `yaml:"instance"`
}

// environment holds the settings that may come from the process environment.
type environment struct {
	DatabaseURL     string `env:"DATABASE_URL"`
	SlackWebhookURL string `env:"SLACK_WEBHOOK_URL"`
	ArchiveAccess   string `env:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecret   string `env:"ARCHIVE_SECRET_KEY"`
	PushgatewayURL  string `env:"PUSHGATEWAY_URL"`
	LogLevel        string `env:"LOG_LEVEL"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Regions:   reports.Regions(),
		Reports: Reports{
			Default:        Poll{Interval: 10 * time.Second, MaxWait: 300 * time.Second},
			BrandAnalytics: Poll{Interval: 30 * time.Second, MaxWait: 900 * time.Second},
			SearchTerms:    Poll{Interval: 60 * time.Second, MaxWait: 3600 * time.Second},
		},
		Checkpoint: Checkpoint{
			Driver: "sqlite",
			Path:   "./checkpoint.db",
		},
		Metrics: Metrics{
			Job: "spapi_etl",
		},
	}
}

// Load builds the configuration from defaults, the YAML file, the
// environment and finally the command line flags that were set.
func Load(ctx context.Context, configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

func loadFromEnv(ctx context.Context, cfg *Config) error {
	var env environment
	if err := envconfig.Process(ctx, &env); err != nil {
		return err
	}

	if env.DatabaseURL != "" {
		cfg.Database.URL = env.DatabaseURL
	}
	if env.SlackWebhookURL != "" {
		cfg.Alerts.SlackWebhookURL = env.SlackWebhookURL
	}
	if env.ArchiveAccess != "" {
		cfg.Archive.AccessKey = env.ArchiveAccess
	}
	if env.ArchiveSecret != "" {
		cfg.Archive.SecretKey = env.ArchiveSecret
	}
	if env.PushgatewayURL != "" {
		cfg.Metrics.PushgatewayURL = env.PushgatewayURL
	}
	if env.LogLevel != "" {
		cfg.LogLevel = env.LogLevel
	}
	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	var err error
	if flags.Changed("log-level") {
		if cfg.LogLevel, err = flags.GetString("log-level"); err != nil {
			return err
		}
	}
	if flags.Changed("log-format") {
		if cfg.LogFormat, err = flags.GetString("log-format"); err != nil {
			return err
		}
	}
	if flags.Changed("regions") {
		if cfg.Regions, err = flags.GetStringSlice("regions"); err != nil {
			return err
		}
	}
	if flags.Changed("database-url") {
		if cfg.Database.URL, err = flags.GetString("database-url"); err != nil {
			return err
		}
	}
	if flags.Changed("checkpoint-driver") {
		if cfg.Checkpoint.Driver, err = flags.GetString("checkpoint-driver"); err != nil {
			return err
		}
	}
	if flags.Changed("checkpoint") {
		if cfg.Checkpoint.Path, err = flags.GetString("checkpoint"); err != nil {
			return err
		}
	}
	if flags.Changed("slack-webhook") {
		if cfg.Alerts.SlackWebhookURL, err = flags.GetString("slack-webhook"); err != nil {
			return err
		}
	}
	if flags.Changed("metrics-addr") {
		if cfg.Metrics.Addr, err = flags.GetString("metrics-addr"); err != nil {
			return err
		}
	}
	if flags.Changed("pushgateway") {
		if cfg.Metrics.PushgatewayURL, err = flags.GetString("pushgateway"); err != nil {
			return err
		}
	}
	if flags.Changed("max-retries") {
		n, err := flags.GetInt("max-retries")
		if err != nil {
			return err
		}
		cfg.API.MaxRetries = &n
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.LogFormat)
	}

	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region is required")
	}
	for i, region := range c.Regions {
		region = strings.ToUpper(strings.TrimSpace(region))
		if _, err := reports.Endpoint(region); err != nil {
			return err
		}
		c.Regions[i] = region
	}
	for region := range c.API.Endpoints {
		if _, err := reports.Endpoint(strings.ToUpper(region)); err != nil {
			return fmt.Errorf("api endpoint override: %w", err)
		}
	}

	if c.API.MaxRetries != nil && *c.API.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	for category, rps := range c.API.RateLimits {
		if rps < 0 {
			return fmt.Errorf("rate limit for %s cannot be negative", category)
		}
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (set DATABASE_URL)")
	}

	switch c.Checkpoint.Driver {
	case "sqlite":
		if c.Checkpoint.Path == "" {
			return fmt.Errorf("checkpoint path is required for the sqlite driver")
		}
	case "postgres":
	default:
		return fmt.Errorf("checkpoint driver must be sqlite or postgres, got %q", c.Checkpoint.Driver)
	}

	for currency, code := range c.CurrencyMarketplaces {
		if _, err := reports.LookupMarketplace(code); err != nil {
			return fmt.Errorf("currency %s: %w", currency, err)
		}
	}

	if c.Archive.Endpoint != "" && c.Archive.Bucket == "" {
		return fmt.Errorf("archive bucket is required when an archive endpoint is set")
	}

	return nil
}

// ClientConfig returns the SP-API client settings for region.
func (c *Config) ClientConfig(region string) spapi.Config {
	var limits map[spapi.Category]float64
	if len(c.API.RateLimits) > 0 {
		limits = make(map[spapi.Category]float64, len(c.API.RateLimits))
		for category, rps := range c.API.RateLimits {
			limits[spapi.Category(category)] = rps
		}
	}
	return spapi.Config{
		Region:     region,
		MaxRetries: c.API.MaxRetries,
		BaseDelay:  c.API.BaseDelay,
		MaxDelay:   c.API.MaxDelay,
		Timeout:    c.API.Timeout,
		RateLimits: limits,
	}
}

// Endpoint returns the SP-API base URL for region, honouring overrides.
func (c *Config) Endpoint(region string) (string, error) {
	for r, u := range c.API.Endpoints {
		if strings.EqualFold(r, region) && u != "" {
			return strings.TrimRight(u, "/"), nil
		}
	}
	return reports.Endpoint(region)
}

// CurrencyMap returns the reimbursement currency mapping with overrides
// applied on top of the defaults.
func (c *Config) CurrencyMap() map[string]string {
	out := make(map[string]string, len(reports.DefaultCurrencyMarketplaces)+len(c.CurrencyMarketplaces))
	for currency, code := range reports.DefaultCurrencyMarketplaces {
		out[currency] = code
	}
	for currency, code := range c.CurrencyMarketplaces {
		out[strings.ToUpper(currency)] = strings.ToUpper(code)
	}
	return out
}

// RegionList renders the regions for logs.
func (c *Config) RegionList() string {
	regions := append([]string(nil), c.Regions...)
	sort.Strings(regions)
	return strings.Join(regions, ",")
}
