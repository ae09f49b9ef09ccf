package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"spapi-etl/internal/alerting"
	"spapi-etl/internal/checkpoint"
	"spapi-etl/internal/progress"
	"spapi-etl/internal/reports"
	"spapi-etl/internal/worker"

	"go.uber.org/zap"
)

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitAdvisory = 2
)

// Result is the outcome of one job run.
type Result struct {
	PullType string
	Period   string
	Units    []progress.UnitResult
	Rows     int
	Duration time.Duration
	// Err is set when the run could not start, for example on missing
	// credentials. Unit failures never set it.
	Err error
}

// Counts returns completed, failed and skipped unit counts.
func (r Result) Counts() (completed, failed, skipped int) {
	for _, u := range r.Units {
		switch u.Outcome {
		case progress.OutcomeCompleted:
			completed++
		case progress.OutcomeSkipped:
			skipped++
		default:
			failed++
		}
	}
	return completed, failed, skipped
}

// ExitCode maps the result to the process exit code: success when nothing
// failed, advisory when failures sit alongside successes, hard failure when
// nothing succeeded or the run could not start.
func (r Result) ExitCode() int {
	if r.Err != nil {
		return ExitFailure
	}
	completed, failed, skipped := r.Counts()
	switch {
	case failed == 0:
		return ExitOK
	case completed+skipped == 0:
		return ExitFailure
	default:
		return ExitAdvisory
	}
}

// unitOutcome is what a unit function reports on success.
type unitOutcome struct {
	rows    int
	skipped bool
}

type unitFunc func(ctx context.Context) (unitOutcome, error)

// jobRun collects unit results of one job across regions.
type jobRun struct {
	app      *App
	pullType string
	period   string
	started  time.Time
	logger   *zap.Logger
	progress *progress.Tracker
	display  *progress.Display

	mu      sync.Mutex
	results []progress.UnitResult
}

func (a *App) newJobRun(pullType, period string) *jobRun {
	tracker := progress.NewTracker(0)
	var interval time.Duration
	if progress.IsTerminal() {
		interval = 5 * time.Second
	}
	jr := &jobRun{
		app:      a,
		pullType: pullType,
		period:   period,
		started:  a.now(),
		logger:   a.logger.With(zap.String("pull_type", pullType)),
		progress: tracker,
		display:  progress.NewDisplay(tracker, a.out, pullType, interval),
	}
	jr.display.Start()
	return jr
}

func (jr *jobRun) addTotal(n int) {
	status := jr.progress.GetStatus()
	jr.progress.SetTotal(status.TotalUnits + n)
}

// runUnit executes fn as one unit of tr. Failures are recorded, alerted and
// returned as a failed result; they never stop the run.
func (jr *jobRun) runUnit(ctx context.Context, tr *checkpoint.Tracker, s *Session, unit, label string, fn unitFunc) progress.UnitResult {
	a := jr.app
	logger := jr.logger.With(zap.String("unit", label))

	if tr != nil {
		if err := tr.StartUnit(ctx, unit); err != nil {
			logger.Warn("Failed to checkpoint unit start", zap.Error(err))
		}
	}

	retriesBefore := s.Retries()
	start := a.now()
	out, err := fn(ctx)
	duration := a.now().Sub(start)
	retries := s.Retries() - retriesBefore

	res := progress.UnitResult{Unit: label, Rows: out.rows, Retries: retries, Duration: duration}
	switch {
	case err != nil:
		res.Outcome = progress.OutcomeFailed
		res.Rows = 0
		res.Error = err.Error()
		logger.Error("Unit failed", zap.Int("retries", retries), zap.Error(err))
		if tr != nil {
			if cerr := tr.FailUnit(ctx, unit, err, retries); cerr != nil {
				logger.Warn("Failed to checkpoint unit failure", zap.Error(cerr))
			}
		}
		a.notifier.Failure(ctx, alerting.Failure{PullType: jr.pullType, Unit: label, Error: err.Error(), Retries: retries})
	case out.skipped:
		res.Outcome = progress.OutcomeSkipped
		logger.Info("Unit already pulled, skipping", zap.Int("rows", out.rows))
		if tr != nil {
			if cerr := tr.CompleteUnit(ctx, unit, out.rows, 0); cerr != nil {
				logger.Warn("Failed to checkpoint unit", zap.Error(cerr))
			}
		}
	default:
		res.Outcome = progress.OutcomeCompleted
		logger.Info("Unit completed",
			zap.Int("rows", out.rows),
			zap.Int("retries", retries),
			zap.Duration("duration", duration))
		if tr != nil {
			if cerr := tr.CompleteUnit(ctx, unit, out.rows, retries); cerr != nil {
				logger.Warn("Failed to checkpoint unit", zap.Error(cerr))
			}
		}
	}

	a.metrics.ObserveUnit(jr.pullType, string(res.Outcome), res.Rows, duration)
	jr.progress.Record(res)
	jr.mu.Lock()
	jr.results = append(jr.results, res)
	jr.mu.Unlock()
	return res
}

// skipUnit records a unit that was not attempted because earlier runs
// already finished it.
func (jr *jobRun) skipUnit(label string, rows int) {
	res := progress.UnitResult{Unit: label, Outcome: progress.OutcomeSkipped, Rows: rows}
	jr.app.metrics.ObserveUnit(jr.pullType, string(res.Outcome), rows, 0)
	jr.progress.Record(res)
	jr.mu.Lock()
	jr.results = append(jr.results, res)
	jr.mu.Unlock()
}

// failUnits records units that could not run, for example when their
// region session could not be opened.
func (jr *jobRun) failUnits(ctx context.Context, labels []string, cause error) {
	for _, label := range labels {
		res := progress.UnitResult{Unit: label, Outcome: progress.OutcomeFailed, Error: cause.Error()}
		jr.app.metrics.ObserveUnit(jr.pullType, string(res.Outcome), 0, 0)
		jr.app.notifier.Failure(ctx, alerting.Failure{PullType: jr.pullType, Unit: label, Error: cause.Error()})
		jr.progress.Record(res)
		jr.mu.Lock()
		jr.results = append(jr.results, res)
		jr.mu.Unlock()
	}
}

// finishTracker closes a tracker, logging store errors.
func (jr *jobRun) finishTracker(ctx context.Context, tr *checkpoint.Tracker) checkpoint.Status {
	status, err := tr.Finish(ctx)
	if err != nil {
		jr.logger.Warn("Failed to checkpoint run end", zap.String("key", tr.Key().String()), zap.Error(err))
	}
	return status
}

// finish stops the display, sends the end-of-run alert and pushes metrics.
func (jr *jobRun) finish(ctx context.Context) Result {
	jr.display.Stop()

	jr.mu.Lock()
	units := append([]progress.UnitResult(nil), jr.results...)
	jr.mu.Unlock()
	sort.SliceStable(units, func(i, j int) bool { return units[i].Unit < units[j].Unit })

	res := Result{
		PullType: jr.pullType,
		Period:   jr.period,
		Units:    units,
		Duration: jr.app.now().Sub(jr.started),
	}
	for _, u := range units {
		if u.Outcome == progress.OutcomeCompleted {
			res.Rows += u.Rows
		}
	}

	// Alerts are delivered even when the run was cancelled.
	alertCtx := context.WithoutCancel(ctx)
	_, failed, _ := res.Counts()
	if failed > 0 {
		ev := alerting.Partial{PullType: jr.pullType, Period: jr.period, Errors: make(map[string]string)}
		for _, u := range units {
			if u.Outcome == progress.OutcomeFailed {
				ev.Failed = append(ev.Failed, u.Unit)
				ev.Errors[u.Unit] = u.Error
			} else {
				ev.Completed = append(ev.Completed, u.Unit)
			}
		}
		jr.app.notifier.Partial(alertCtx, ev)
	} else {
		ev := alerting.Summary{PullType: jr.pullType, Period: jr.period, TotalRows: res.Rows, Duration: res.Duration}
		for _, u := range units {
			ev.Results = append(ev.Results, alerting.UnitResult{Unit: u.Unit, Status: string(u.Outcome), Rows: u.Rows, Error: u.Error})
		}
		jr.app.notifier.Summary(alertCtx, ev)
	}

	jr.app.pushMetrics(alertCtx)

	completed, failed, skipped := res.Counts()
	jr.logger.Info("Run finished",
		zap.String("period", jr.period),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Int("rows", res.Rows),
		zap.Duration("duration", res.Duration),
		zap.Int("exit_code", res.ExitCode()))
	return res
}

// regionJob is the per-region body of a job. It runs with the region's own
// session.
type regionJob func(ctx context.Context, s *Session) error

// preflight validates credentials for every region before any unit runs.
func (a *App) preflight(regions []string) error {
	for _, region := range regions {
		if err := a.sessions.Validate(region); err != nil {
			return err
		}
	}
	return nil
}

// forEachRegion runs job once per region concurrently. A region whose
// session cannot be opened has all its units recorded as failed; a region
// whose job aborts is recorded as one failed unit named after the region.
func (a *App) forEachRegion(ctx context.Context, jr *jobRun, regions []string, unitsOf func(region string) []string, job regionJob) error {
	tasks := make([]worker.Task, 0, len(regions))
	for _, region := range regions {
		region := region
		tasks = append(tasks, worker.Task{
			Name: region,
			Run: func(ctx context.Context) error {
				a.logIncomplete(ctx, jr.pullType, region)

				s, err := a.sessions.Open(ctx, region)
				if err != nil {
					jr.logger.Error("Failed to open region session", zap.String("region", region), zap.Error(err))
					jr.failUnits(ctx, unitsOf(region), err)
					return nil
				}
				if err := job(ctx, s); err != nil && ctx.Err() == nil {
					jr.logger.Error("Region aborted", zap.String("region", region), zap.Error(err))
					jr.failUnits(ctx, []string{region}, err)
				}
				return nil
			},
		})
	}

	pool := worker.NewPool(len(tasks), a.metrics, a.logger)
	err := pool.Run(ctx, tasks)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// marketplacesFor returns the marketplaces of region, restricted to filter
// when it is not empty.
func marketplacesFor(region string, filter []string) ([]reports.Marketplace, error) {
	all, err := reports.RegionMarketplaces(region)
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(filter))
	for _, code := range filter {
		want[strings.ToUpper(strings.TrimSpace(code))] = true
	}
	out := all[:0:0]
	for _, mp := range all {
		if want[mp.Code] {
			out = append(out, mp)
		}
	}
	return out, nil
}

// validateMarketplaces rejects unknown codes and codes outside regions.
func validateMarketplaces(regions, codes []string) error {
	inRegion := make(map[string]bool, len(regions))
	for _, r := range regions {
		inRegion[r] = true
	}
	for _, code := range codes {
		mp, err := reports.LookupMarketplace(code)
		if err != nil {
			return err
		}
		if !inRegion[mp.Region] {
			return fmt.Errorf("marketplace %s belongs to region %s, which is not configured", mp.Code, mp.Region)
		}
	}
	return nil
}

func unitLabel(parts ...string) string {
	return strings.Join(parts, " ")
}
