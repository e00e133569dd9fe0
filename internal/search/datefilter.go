package search

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateLayout is the only calendar date layout accepted from callers.
	DateLayout = "2006-01-02"

	// FarFutureSentinel closes a range that only has a start bound. The
	// upstream search rejects one-sided ranges.
	FarFutureSentinel = "2030-12-31"

	wireLayout = "2006-01-02T15:04:05"
	endOfDay   = 24*time.Hour - time.Millisecond
)

// ErrInvalidDate is wrapped by every DateError.
var ErrInvalidDate = errors.New("invalid date")

// DateError identifies the option and value that failed to parse.
type DateError struct {
	Field string
	Value string
}

func (e *DateError) Error() string {
	return fmt.Sprintf("invalid %s %q: valid format is YYYY-MM-DD", e.Field, e.Value)
}

func (e *DateError) Unwrap() error { return ErrInvalidDate }

// DateOptions are the user-facing date controls of a search.
type DateOptions struct {
	ThisWeekend bool
	DateFrom    string
	DateTo      string
}

// DateFilter is a compiled, closed UTC interval.
type DateFilter struct {
	Start time.Time
	End   time.Time
}

// Wire renders the filter the way the search endpoint expects it:
// two second-precision local datetimes separated by a comma.
func (f *DateFilter) Wire() string {
	if f == nil {
		return ""
	}
	return f.Start.Format(wireLayout) + "," + f.End.Format(wireLayout)
}

func (f *DateFilter) String() string { return f.Wire() }

// CompileDateFilter turns date options into at most one filter.
//
// Explicit bounds take precedence over the weekend flag: with both set, the
// weekend flag is ignored and the bounds are used as given. Crawls that
// pass both are asking for a specific range, and the weekend window would
// silently narrow it. A nil filter with a nil error means no date
// restriction.
func CompileDateFilter(opts DateOptions, now time.Time) (*DateFilter, error) {
	from := strings.TrimSpace(opts.DateFrom)
	to := strings.TrimSpace(opts.DateTo)
	today := truncateDay(now.UTC())

	switch {
	case from != "" || to != "":
		var start, end time.Time
		if from != "" {
			d, err := ParseDate(from)
			if err != nil {
				return nil, &DateError{Field: "dateFrom", Value: from}
			}
			start = d
		} else {
			start = today
		}
		if to != "" {
			d, err := ParseDate(to)
			if err != nil {
				return nil, &DateError{Field: "dateTo", Value: to}
			}
			end = d
		} else {
			end, _ = time.Parse(DateLayout, FarFutureSentinel)
		}
		return &DateFilter{Start: start, End: end.Add(endOfDay)}, nil

	case opts.ThisWeekend:
		sat, sun := weekendBounds(today)
		return &DateFilter{Start: sat, End: sun.Add(endOfDay)}, nil
	}

	return nil, nil
}

// weekendBounds returns the Saturday and Sunday to search for a given day.
// On Sunday the window runs from the coming Saturday back to today, which the
// upstream treats as "this weekend so far" and returns today's events.
func weekendBounds(today time.Time) (time.Time, time.Time) {
	switch wd := today.Weekday(); wd {
	case time.Saturday:
		return today, today.AddDate(0, 0, 1)
	case time.Sunday:
		return today.AddDate(0, 0, 6), today
	default:
		toSat := int(time.Saturday - wd)
		return today.AddDate(0, 0, toSat), today.AddDate(0, 0, toSat+1)
	}
}

// ParseDate parses a calendar date. Datetime strings are accepted and cut to
// their date part, since continuation marks often carry a time.
func ParseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{DateLayout, wireLayout, time.RFC3339, time.RFC3339Nano} {
		t, err := time.Parse(layout, value)
		if err == nil {
			return truncateDay(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
