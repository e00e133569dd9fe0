// Package runs lists completed crawl runs and reads their datasets, either
// from the local crawl tables or from a hosted Apify actor.
package runs

import (
	"context"
	"time"

	"github.com/Togather-Foundation/harvester/internal/search"
)

// Run statuses shared by both sources.
const (
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusRunning   = "RUNNING"
)

// Run describes one crawl run whose dataset can be imported.
type Run struct {
	ID         string     `json:"id"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ItemCount  int        `json:"itemCount"`
	Terminal   string     `json:"terminal,omitempty"`
}

// Succeeded reports whether the dataset is complete enough to import.
func (r Run) Succeeded() bool { return r.Status == StatusSucceeded }

// Source lists recent runs, newest first, and returns a run's items.
type Source interface {
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	RunItems(ctx context.Context, runID string) ([]search.Event, error)
}
