package crawl

import (
	"time"

	"github.com/Togather-Foundation/harvester/internal/search"
)

// Phase is the crawl state machine position.
type Phase string

const (
	PhaseFetching   Phase = "FETCHING"
	PhaseProcessing Phase = "PROCESSING"

	// Terminal phases.
	PhaseExhausted       Phase = "EXHAUSTED"
	PhaseLimited         Phase = "LIMITED"
	PhaseMaxItemsReached Phase = "MAXITEMS_REACHED"
)

// Terminal reports whether the crawl has stopped in this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseExhausted, PhaseLimited, PhaseMaxItemsReached:
		return true
	}
	return false
}

// Status is the run lifecycle, independent of the terminal phase. A run that
// ends LIMITED still SUCCEEDED.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// State is the run-scoped record mutated after every page and checkpointed
// through a Store. It is owned by a single Crawler.Run call.
type State struct {
	RunID       string
	Fingerprint string
	RunNumber   int

	// Query is what the caller asked for; Filters is what was sent after
	// applying the resume point.
	Query   ResumableQuery
	Filters search.FilterOptions

	MaxItems int

	Phase            Phase
	Status           Status
	Page             int
	PagesFetched     int
	TotalScraped     int
	ContinuationMark string
	HitCeiling       bool

	// Last server-reported totals.
	TotalPages    int
	TotalElements int

	StartedAt  time.Time
	FinishedAt *time.Time
	Error      string
}

// CumulativeScraped counts items across the whole continuation chain.
func (s *State) CumulativeScraped() int {
	return s.Query.ScrapedSoFar + s.TotalScraped
}

func (s *State) remaining() int {
	if s.MaxItems <= 0 {
		return -1
	}
	return s.MaxItems - s.TotalScraped
}

func (s *State) capReached() bool {
	return s.MaxItems > 0 && s.TotalScraped >= s.MaxItems
}

func (s *State) finish(status Status, at time.Time) {
	s.Status = status
	s.FinishedAt = &at
}
