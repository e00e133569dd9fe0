package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/riverqueue/river"
)

// DeferredRetryDelay is how long a locked or over-budget run waits.
const DeferredRetryDelay = 2 * time.Minute

// Importer runs import triggers. *ingest.BatchImporter satisfies it.
type Importer interface {
	Import(ctx context.Context, req ingest.Request) (*ingest.BatchResult, error)
}

// ImportRunArgs imports one run's dataset.
type ImportRunArgs struct {
	RunID string `json:"run_id"`
}

func (ImportRunArgs) Kind() string { return JobKindImportRun }

// InsertOpts keeps only one pending import per run id.
func (ImportRunArgs) InsertOpts() river.InsertOpts {
	opts := InsertOptsForKind(JobKindImportRun)
	opts.UniqueOpts = river.UniqueOpts{ByArgs: true}
	return opts
}

// ImportBatchArgs triggers an action on the batch importer.
type ImportBatchArgs struct {
	Action string `json:"action"`
	Date   string `json:"date,omitempty"`
}

func (ImportBatchArgs) Kind() string { return JobKindImportBatch }

// outcome classifies a batch result for River.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeSnooze
	outcomeRetry
	outcomeCancel
)

// classify maps an import call to what the job should do next. Bad input
// never improves with retries.
func classify(res *ingest.BatchResult, err error) outcome {
	switch {
	case errors.Is(err, ingest.ErrMissingRunIDs),
		errors.Is(err, ingest.ErrUnknownAction),
		errors.Is(err, search.ErrInvalidDate):
		return outcomeCancel
	case err != nil:
		return outcomeRetry
	case res == nil:
		return outcomeDone
	case len(res.Deferred) > 0:
		return outcomeSnooze
	case res.Failed() > 0:
		return outcomeRetry
	}
	return outcomeDone
}

// ImportRunWorker imports a single run, usually enqueued right after a
// crawl finishes.
type ImportRunWorker struct {
	river.WorkerDefaults[ImportRunArgs]
	Importer Importer
	Logger   *slog.Logger
}

func (ImportRunWorker) Kind() string { return JobKindImportRun }

func (w ImportRunWorker) Work(ctx context.Context, job *river.Job[ImportRunArgs]) error {
	if w.Importer == nil {
		return fmt.Errorf("importer not configured")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runID := job.Args.RunID
	res, err := w.Importer.Import(ctx, ingest.Request{Action: ingest.ActionRuns, RunIDs: []string{runID}})
	switch classify(res, err) {
	case outcomeCancel:
		return river.JobCancel(err)
	case outcomeSnooze:
		logger.Info("run import deferred", "run_id", runID, "attempt", job.Attempt)
		return river.JobSnooze(DeferredRetryDelay)
	case outcomeRetry:
		if err != nil {
			return fmt.Errorf("import run %s: %w", runID, err)
		}
		return fmt.Errorf("import run %s: %s", runID, res.Runs[0].Error)
	}

	if len(res.Runs) > 0 && res.Runs[0].Result != nil {
		r := res.Runs[0].Result
		logger.Info("run imported",
			"run_id", runID,
			"inserted", r.Capture.Inserted,
			"updated", r.Capture.Updated,
			"promoted", r.Promote.Inserted,
			"geocode_failed", r.Geocode.Failed+r.Geocode.CachedFailures,
		)
	}
	return nil
}

// ImportBatchWorker runs a latest/date trigger. Failed runs are not retried
// here; they stay out of the import log and are picked up by the next
// trigger.
type ImportBatchWorker struct {
	river.WorkerDefaults[ImportBatchArgs]
	Importer Importer
	Logger   *slog.Logger
}

func (ImportBatchWorker) Kind() string { return JobKindImportBatch }

func (w ImportBatchWorker) Work(ctx context.Context, job *river.Job[ImportBatchArgs]) error {
	if w.Importer == nil {
		return fmt.Errorf("importer not configured")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}

	action := job.Args.Action
	if action == "" {
		action = string(ingest.ActionLatest)
	}
	parsed, err := ingest.ParseAction(action)
	if err != nil {
		return river.JobCancel(err)
	}

	start := time.Now()
	res, err := w.Importer.Import(ctx, ingest.Request{Action: parsed, Date: job.Args.Date})
	if o := classify(res, err); o == outcomeCancel {
		return river.JobCancel(err)
	} else if err != nil {
		return fmt.Errorf("import batch %s: %w", parsed, err)
	}

	logger.Info("batch import completed",
		"action", string(parsed),
		"runs", len(res.Runs),
		"failed", res.Failed(),
		"deferred", len(res.Deferred),
		"duration_seconds", time.Since(start).Seconds(),
	)
	return nil
}

// FailedLocationPurger removes stale failed geocoding entries.
type FailedLocationPurger interface {
	DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RefreshLocationCacheArgs defines the job that lets failed geocodes be
// retried after Retention.
type RefreshLocationCacheArgs struct {
	Retention time.Duration `json:"retention"`
}

func (RefreshLocationCacheArgs) Kind() string { return JobKindRefreshLocationCache }

// RefreshLocationCacheWorker deletes failed cache entries older than the
// retention window. Successful entries are kept indefinitely.
type RefreshLocationCacheWorker struct {
	river.WorkerDefaults[RefreshLocationCacheArgs]
	Purger FailedLocationPurger
	Logger *slog.Logger
	Now    func() time.Time
}

func (RefreshLocationCacheWorker) Kind() string { return JobKindRefreshLocationCache }

func (w RefreshLocationCacheWorker) Work(ctx context.Context, job *river.Job[RefreshLocationCacheArgs]) error {
	if w.Purger == nil {
		return fmt.Errorf("location cache not configured")
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}

	retention := job.Args.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := now().Add(-retention)

	deleted, err := w.Purger.DeleteFailedOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error("failed to refresh location cache", "error", err, "attempt", job.Attempt)
		return fmt.Errorf("refresh location cache: %w", err)
	}
	logger.Info("location cache refreshed",
		"deleted_failed", deleted,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return nil
}

// Deps are the collaborators the workers need.
type Deps struct {
	Importer Importer
	Purger   FailedLocationPurger
	Logger   *slog.Logger
}

// NewWorkers registers every harvester worker.
func NewWorkers(deps Deps) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker[ImportRunArgs](workers, ImportRunWorker{Importer: deps.Importer, Logger: deps.Logger})
	river.AddWorker[ImportBatchArgs](workers, ImportBatchWorker{Importer: deps.Importer, Logger: deps.Logger})
	river.AddWorker[RefreshLocationCacheArgs](workers, RefreshLocationCacheWorker{Purger: deps.Purger, Logger: deps.Logger})
	return workers
}
