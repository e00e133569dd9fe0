package crawl

import (
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/markusmobius/go-dateparser"
)

var (
	// ErrInvalidMark is returned when a continuation mark cannot be read as
	// a calendar date.
	ErrInvalidMark = errors.New("invalid continuation mark")

	// ErrFingerprintMismatch is returned when a handoff is applied to a
	// different filter set than the one that produced it.
	ErrFingerprintMismatch = errors.New("handoff belongs to a different filter set")
)

// ResumableQuery is a full filter set plus an optional resume point. Resuming
// only works when every filter other than the start date is identical to the
// run that produced the mark and the sort is date ascending; the crawler
// never changes filters mid-run but cannot check independent launches.
type ResumableQuery struct {
	Filters      search.FilterOptions
	ResumeFrom   string
	RunNumber    int
	ScrapedSoFar int
}

// NewQuery starts a fresh chain.
func NewQuery(filters search.FilterOptions) ResumableQuery {
	return ResumableQuery{Filters: filters, RunNumber: 1}
}

// FromHandoff continues the chain recorded in h.
func FromHandoff(filters search.FilterOptions, h Handoff) (ResumableQuery, error) {
	if fp := filters.Fingerprint(); fp != h.Fingerprint {
		return ResumableQuery{}, fmt.Errorf("%w: have %s, handoff %s", ErrFingerprintMismatch, short(fp), short(h.Fingerprint))
	}
	return ResumableQuery{
		Filters:      filters,
		ResumeFrom:   h.ContinuationMark,
		RunNumber:    h.RunNumber,
		ScrapedSoFar: h.TotalScrapedSoFar,
	}, nil
}

// Fingerprint identifies the chain. It ignores the resume point.
func (q ResumableQuery) Fingerprint() string {
	return q.Filters.Fingerprint()
}

// Resuming reports whether a resume point is set.
func (q ResumableQuery) Resuming() bool {
	return q.ResumeFrom != ""
}

// Effective returns the filters to send. With a resume point, the start
// bound becomes the mark's calendar date (inclusive, so events sharing the
// mark's date are fetched again and collapse in capture). A weekend-only
// query keeps its original end bound.
func (q ResumableQuery) Effective(now time.Time) (search.FilterOptions, error) {
	f := q.Filters
	if !q.Resuming() {
		return f, nil
	}

	day, err := NormalizeMark(q.ResumeFrom, now)
	if err != nil {
		return f, err
	}

	if f.ThisWeekend && f.DateFrom == "" && f.DateTo == "" {
		weekend, err := search.CompileDateFilter(search.DateOptions{ThisWeekend: true}, now)
		if err != nil {
			return f, err
		}
		f.DateTo = weekend.End.Format(search.DateLayout)
	}
	f.DateFrom = day.Format(search.DateLayout)
	f.ThisWeekend = false
	return f, nil
}

// NormalizeMark reads a continuation mark as a calendar date. ISO dates are
// tried first; formatted titles such as "Sat, Jun 14" are parsed relative to
// now, preferring the future since the crawl sorts by ascending date.
func NormalizeMark(mark string, now time.Time) (time.Time, error) {
	if t, err := search.ParseDate(mark); err == nil {
		return t, nil
	}

	cfg := &dateparser.Configuration{
		CurrentTime:         now,
		PreferredDateSource: dateparser.Future,
	}
	dt, err := dateparser.Parse(cfg, mark)
	if err != nil || dt.Time.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidMark, mark)
	}
	y, m, d := dt.Time.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// Handoff is the continuation persisted when a run ends LIMITED.
type Handoff struct {
	Fingerprint       string
	RunID             string
	ContinuationMark  string
	TotalScrapedSoFar int
	OriginalDateFrom  string
	OriginalDateTo    string
	// RunNumber is the number of the run that will consume the handoff.
	RunNumber int
	CreatedAt time.Time
}

func handoffFrom(st *State, at time.Time) Handoff {
	return Handoff{
		Fingerprint:       st.Fingerprint,
		RunID:             st.RunID,
		ContinuationMark:  st.ContinuationMark,
		TotalScrapedSoFar: st.CumulativeScraped(),
		OriginalDateFrom:  st.Query.Filters.DateFrom,
		OriginalDateTo:    st.Query.Filters.DateTo,
		RunNumber:         st.RunNumber + 1,
		CreatedAt:         at,
	}
}

func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
