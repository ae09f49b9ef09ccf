package reports

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrReportFailed matches a report that ended CANCELLED or FATAL. Polling
	// the same report again cannot help; a new report must be requested.
	ErrReportFailed = errors.New("reports: report failed")
	// ErrReportTimeout matches a report still pending after the maximum wait.
	// It may still finish, so the unit is retryable on the next run.
	ErrReportTimeout = errors.New("reports: report timed out")
)

// ReportErrorKind distinguishes remote failure from local timeout.
type ReportErrorKind int

const (
	ReportFailed ReportErrorKind = iota
	ReportTimedOut
)

// ReportError is a non-transport outcome of the report workflow.
type ReportError struct {
	Kind       ReportErrorKind
	ReportType string
	ReportID   string
	Status     ProcessingStatus
	Waited     time.Duration
}

func (e *ReportError) Error() string {
	if e.Kind == ReportTimedOut {
		return fmt.Sprintf("report %s (%s) not ready after %s, last status %s",
			e.ReportID, e.ReportType, e.Waited.Round(time.Second), e.Status)
	}
	return fmt.Sprintf("report %s (%s) ended with status %s", e.ReportID, e.ReportType, e.Status)
}

func (e *ReportError) Is(target error) bool {
	switch e.Kind {
	case ReportTimedOut:
		return target == ErrReportTimeout
	default:
		return target == ErrReportFailed
	}
}
