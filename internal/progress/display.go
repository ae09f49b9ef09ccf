package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// Display periodically prints a tracker to a writer and finishes with a
// per-unit summary table.
type Display struct {
	tracker  *Tracker
	out      io.Writer
	title    string
	interval time.Duration

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewDisplay creates a display. An interval of zero disables periodic
// updates; only the final summary is printed.
func NewDisplay(tracker *Tracker, out io.Writer, title string, interval time.Duration) *Display {
	return &Display{
		tracker:  tracker,
		out:      out,
		title:    title,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins periodic updates.
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop prints the final summary and waits for the loop to exit. It is safe to
// call more than once.
func (d *Display) Stop() {
	d.once.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}

func (d *Display) displayLoop() {
	defer close(d.done)

	var tick <-chan time.Time
	if d.interval > 0 {
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			fmt.Fprintln(d.out, d.statusLine(d.tracker.GetStatus()))
		case <-d.stopCh:
			d.finalDisplay()
			return
		}
	}
}

func (d *Display) statusLine(status Status) string {
	percent := 0.0
	if status.TotalUnits > 0 {
		percent = float64(status.ProcessedUnits) / float64(status.TotalUnits) * 100
	}
	return fmt.Sprintf("%s %s %d/%d units, %d failed, %d rows, %s, eta %s",
		d.title,
		generateProgressBar(percent, 20),
		status.ProcessedUnits, status.TotalUnits,
		status.FailedUnits,
		status.Rows,
		FormatRate(status.RowsPerSecond),
		FormatDuration(status.ETA))
}

func (d *Display) finalDisplay() {
	status := d.tracker.GetStatus()
	elapsed := status.LastUpdateTime.Sub(status.StartTime)

	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "%s summary\n", d.title)
	fmt.Fprintln(d.out, strings.Repeat("=", 50))

	tw := tabwriter.NewWriter(d.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATUS\tROWS\tRETRIES\tDURATION\tERROR")
	for _, r := range d.tracker.Results() {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Unit, r.Outcome, r.Rows, r.Retries, FormatDuration(r.Duration), truncate(r.Error, 80))
	}
	_ = tw.Flush()

	fmt.Fprintln(d.out, strings.Repeat("-", 50))
	fmt.Fprintf(d.out, "completed: %d  failed: %d  skipped: %d  rows: %d  retries: %d  elapsed: %s\n",
		status.CompletedUnits, status.FailedUnits, status.SkippedUnits, status.Rows, status.Retries,
		FormatDuration(elapsed))
}

func generateProgressBar(percent float64, width int) string {
	if percent > 100 {
		percent = 100
	}
	if percent < 0 {
		percent = 0
	}

	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %.0f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IsTerminal reports whether stdout is a character device.
func IsTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
