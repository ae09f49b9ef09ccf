package reports

import (
	"fmt"
	"strings"
	"time"
)

// PeriodType is a Brand Analytics reporting period.
type PeriodType string

const (
	PeriodWeek    PeriodType = "WEEK"
	PeriodMonth   PeriodType = "MONTH"
	PeriodQuarter PeriodType = "QUARTER"
)

// AvailabilityDelay is how long after a period ends its data is published.
const AvailabilityDelay = 48 * time.Hour

// ParsePeriodType accepts WEEK, MONTH or QUARTER in any case.
func ParsePeriodType(s string) (PeriodType, error) {
	switch p := PeriodType(strings.ToUpper(strings.TrimSpace(s))); p {
	case PeriodWeek, PeriodMonth, PeriodQuarter:
		return p, nil
	default:
		return "", fmt.Errorf("unknown period type %q", s)
	}
}

// Period is an inclusive date range; both ends are midnight UTC.
type Period struct {
	Type  PeriodType
	Start time.Time
	End   time.Time
}

// String renders the period as used in checkpoint keys.
func (p Period) String() string {
	return fmt.Sprintf("%s:%s..%s", p.Type, p.Start.Format(time.DateOnly), p.End.Format(time.DateOnly))
}

func day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekOf returns the Sunday to Saturday week containing t.
func WeekOf(t time.Time) Period {
	d := day(t)
	sunday := d.AddDate(0, 0, -int(d.Weekday()))
	return Period{Type: PeriodWeek, Start: sunday, End: sunday.AddDate(0, 0, 6)}
}

// MonthOf returns the calendar month containing t.
func MonthOf(t time.Time) Period {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{Type: PeriodMonth, Start: first, End: first.AddDate(0, 1, -1)}
}

// QuarterOf returns the calendar quarter containing t.
func QuarterOf(t time.Time) Period {
	startMonth := time.Month((int(t.Month())-1)/3*3 + 1)
	first := time.Date(t.Year(), startMonth, 1, 0, 0, 0, 0, time.UTC)
	return Period{Type: PeriodQuarter, Start: first, End: first.AddDate(0, 3, -1)}
}

// PeriodOf returns the period of type pt containing t.
func PeriodOf(pt PeriodType, t time.Time) Period {
	switch pt {
	case PeriodMonth:
		return MonthOf(t)
	case PeriodQuarter:
		return QuarterOf(t)
	default:
		return WeekOf(t)
	}
}

// LatestAvailable returns the most recent complete period of type pt whose
// data should be published at now.
func LatestAvailable(pt PeriodType, now time.Time) Period {
	cutoff := day(now.UTC().Add(-AvailabilityDelay))
	switch pt {
	case PeriodWeek:
		w := WeekOf(cutoff)
		if cutoff.Before(w.End) {
			w = WeekOf(w.Start.AddDate(0, 0, -1))
		}
		return w
	case PeriodMonth:
		return MonthOf(MonthOf(cutoff).Start.AddDate(0, 0, -1))
	default:
		return QuarterOf(QuarterOf(cutoff).Start.AddDate(0, 0, -1))
	}
}

// EnumeratePeriods lists the complete periods of type pt that lie within
// [from, to], newest first.
func EnumeratePeriods(pt PeriodType, from, to time.Time) []Period {
	from, to = day(from), day(to)

	var periods []Period
	p := PeriodOf(pt, from)
	if p.Start.Before(from) {
		p = PeriodOf(pt, p.End.AddDate(0, 0, 1))
	}
	for !p.End.After(to) {
		periods = append(periods, p)
		p = PeriodOf(pt, p.End.AddDate(0, 0, 1))
	}

	for i, j := 0, len(periods)-1; i < j; i, j = i+1, j-1 {
		periods[i], periods[j] = periods[j], periods[i]
	}
	return periods
}
