package alerting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Failure is sent when a unit fails after its retries.
type Failure struct {
	PullType string
	Unit     string
	Error    string
	Retries  int
}

// Partial is sent when a run finishes with some units failed.
type Partial struct {
	PullType  string
	Period    string
	Completed []string
	Failed    []string
	Errors    map[string]string
}

// UnitResult is one line of a Summary.
type UnitResult struct {
	Unit   string
	Status string
	Rows   int
	Error  string
}

// Summary is sent at the end of every run.
type Summary struct {
	PullType  string
	Period    string
	Results   []UnitResult
	TotalRows int
	Duration  time.Duration
}

func (s Summary) counts() (completed, failed int) {
	for _, r := range s.Results {
		switch r.Status {
		case "completed", "skipped":
			completed++
		case "failed":
			failed++
		}
	}
	return completed, failed
}

// GapReport is sent after a gap detection run.
type GapReport struct {
	// Gaps maps marketplace code to its gap dates, oldest first.
	Gaps      map[string][]string
	Attempted int
	Repaired  int
	DryRun    bool
}

// Total returns the number of gaps across marketplaces.
func (r GapReport) Total() int {
	n := 0
	for _, g := range r.Gaps {
		n += len(g)
	}
	return n
}

// Notifier receives pull events. Delivery is best effort; implementations
// never return errors to the caller.
type Notifier interface {
	Failure(ctx context.Context, ev Failure)
	Partial(ctx context.Context, ev Partial)
	Summary(ctx context.Context, ev Summary)
	GapReport(ctx context.Context, ev GapReport)
}

// Manager fans events out to the log, a Slack webhook when configured and
// GitHub Actions annotations when running in CI.
type Manager struct {
	webhook string
	ci      bool
	client  *http.Client
	out     io.Writer
	logger  *zap.Logger
	now     func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

// WithSlackWebhook enables Slack delivery.
func WithSlackWebhook(url string) Option {
	return func(m *Manager) { m.webhook = url }
}

// WithCI forces GitHub annotations on or off.
func WithCI(ci bool) Option {
	return func(m *Manager) { m.ci = ci }
}

// WithHTTPClient replaces the webhook client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithAnnotationOutput redirects annotations, which go to stdout by default.
func WithAnnotationOutput(w io.Writer) Option {
	return func(m *Manager) { m.out = w }
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager. CI detection defaults to the CI and
// GITHUB_ACTIONS environment variables.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		ci:     os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true",
		client: &http.Client{Timeout: 10 * time.Second},
		out:    os.Stdout,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("alerting")
	return m
}

// Failure reports a unit that failed after all retries.
func (m *Manager) Failure(ctx context.Context, ev Failure) {
	m.logger.Error("Pull failed",
		zap.String("pull_type", ev.PullType),
		zap.String("unit", ev.Unit),
		zap.String("error", ev.Error),
		zap.Int("retries", ev.Retries))
	m.annotate("error", fmt.Sprintf("Pull failed: %s/%s: %s", ev.PullType, ev.Unit, ev.Error))
	m.sendSlack(ctx, failurePayload(ev, m.timestamp()))
}

// Partial reports a run where some units failed.
func (m *Manager) Partial(ctx context.Context, ev Partial) {
	m.logger.Warn("Partial completion",
		zap.String("pull_type", ev.PullType),
		zap.String("period", ev.Period),
		zap.Strings("completed", ev.Completed),
		zap.Strings("failed", ev.Failed))
	m.annotate("warning", fmt.Sprintf("Partial completion: %s - %d unit(s) failed", ev.PullType, len(ev.Failed)))
	m.sendSlack(ctx, partialPayload(ev, m.timestamp()))
}

// Summary logs the end of a run. Slack only hears about runs with failures.
func (m *Manager) Summary(ctx context.Context, ev Summary) {
	completed, failed := ev.counts()
	m.logger.Info("Pull summary",
		zap.String("pull_type", ev.PullType),
		zap.String("period", ev.Period),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("units", len(ev.Results)),
		zap.Int("rows", ev.TotalRows),
		zap.Duration("duration", ev.Duration))
	if failed == 0 && completed > 0 {
		return
	}
	m.sendSlack(ctx, summaryPayload(ev, completed, failed, m.timestamp()))
}

// GapReport logs gap detection results and posts them to Slack when gaps
// were found.
func (m *Manager) GapReport(ctx context.Context, ev GapReport) {
	total := ev.Total()
	if total == 0 {
		m.logger.Info("No gaps detected")
		return
	}
	markets := make([]string, 0, len(ev.Gaps))
	for mp, g := range ev.Gaps {
		if len(g) > 0 {
			markets = append(markets, mp)
		}
	}
	sort.Strings(markets)
	m.logger.Warn("Gaps detected",
		zap.Int("gaps", total),
		zap.Strings("marketplaces", markets),
		zap.Int("repaired", ev.Repaired),
		zap.Bool("dry_run", ev.DryRun))
	if ev.Repaired < total {
		m.annotate("warning", fmt.Sprintf("%d gap(s) remain in %s", total-ev.Repaired, strings.Join(markets, ", ")))
	}
	m.sendSlack(ctx, gapPayload(ev, markets))
}

func (m *Manager) timestamp() string {
	return m.now().UTC().Format("2006-01-02 15:04:05 UTC")
}

func (m *Manager) annotate(level, msg string) {
	if !m.ci {
		return
	}
	fmt.Fprintf(m.out, "::%s::%s\n", level, strings.ReplaceAll(msg, "\n", "%0A"))
}

var _ Notifier = (*Manager)(nil)
