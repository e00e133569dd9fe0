package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/robfig/cron/v3"
)

const (
	JobKindImportRun            = "import_run"
	JobKindImportBatch          = "import_batch"
	JobKindRefreshLocationCache = "refresh_location_cache"
)

// QueueImports serializes pipeline runs so geocoder pacing holds across jobs.
const QueueImports = "imports"

const (
	ImportRunMaxAttempts   = 3
	ImportBatchMaxAttempts = 2
	RefreshMaxAttempts     = 5
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy returns the default retry policy configuration.
func NewRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: RefreshMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindImportRun: {
				MaxAttempts: ImportRunMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    15 * time.Minute,
			},
			JobKindImportBatch: {
				MaxAttempts: ImportBatchMaxAttempts,
				BaseDelay:   5 * time.Minute,
				MaxDelay:    5 * time.Minute,
			},
			JobKindRefreshLocationCache: {
				MaxAttempts: RefreshMaxAttempts,
				BaseDelay:   1 * time.Minute,
				MaxDelay:    1 * time.Hour,
			},
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	config := p.configFor(job.Kind)
	if config.BaseDelay == 0 {
		return time.Now()
	}

	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(config.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}

	return time.Now().Add(delay)
}

// InsertOptsForKind returns default insert options for a job kind.
func InsertOptsForKind(kind string) river.InsertOpts {
	config := NewRetryPolicy().configFor(kind)
	opts := river.InsertOpts{MaxAttempts: config.MaxAttempts}
	if kind == JobKindImportRun || kind == JobKindImportBatch {
		opts.Queue = QueueImports
	}
	return opts
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(workers *river.Workers, logger *slog.Logger, periodicJobs []*river.PeriodicJob, maxWorkers int) *river.Config {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	policy := NewRetryPolicy()
	config := &river.Config{
		Workers:      workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: periodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
			QueueImports:       {MaxWorkers: maxWorkers},
		},
		Hooks: []rivertype.Hook{metrics.NewRiverMetricsHook()},
	}
	if logger != nil {
		config.Logger = logger
		config.ErrorHandler = NewFailureHandler(logger)
	}
	return config
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, workers *river.Workers, logger *slog.Logger, periodicJobs []*river.PeriodicJob, maxWorkers int) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(workers, logger, periodicJobs, maxWorkers))
}

// NewInsertOnlyClient creates a client that can enqueue but never works jobs.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{})
}

// MigrateRiver applies River's own schema migrations.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{}); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	return nil
}

// Schedule configures the periodic jobs.
type Schedule struct {
	// ImportCron is a standard five-field cron spec for the batch import.
	// Empty disables it.
	ImportCron string
	// RefreshEvery is the location cache refresh interval. Zero disables it.
	RefreshEvery time.Duration
	// FailedRetention is how long failed cache entries are kept.
	FailedRetention time.Duration
}

// NewPeriodicJobs creates the periodic job schedule:
// the latest-runs import on ImportCron and the location cache refresh every
// RefreshEvery.
func NewPeriodicJobs(s Schedule) ([]*river.PeriodicJob, error) {
	var jobs []*river.PeriodicJob

	if s.ImportCron != "" {
		sched, err := cron.ParseStandard(s.ImportCron)
		if err != nil {
			return nil, fmt.Errorf("parse import schedule %q: %w", s.ImportCron, err)
		}
		jobs = append(jobs, river.NewPeriodicJob(
			sched,
			func() (river.JobArgs, *river.InsertOpts) {
				opts := InsertOptsForKind(JobKindImportBatch)
				return ImportBatchArgs{Action: "latest"}, &opts
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		))
	}

	if s.RefreshEvery > 0 {
		retention := s.FailedRetention
		jobs = append(jobs, river.NewPeriodicJob(
			river.PeriodicInterval(s.RefreshEvery),
			func() (river.JobArgs, *river.InsertOpts) {
				return RefreshLocationCacheArgs{Retention: retention}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		))
	}
	return jobs, nil
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: RefreshMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 1 * time.Hour}
	}
	if config, ok := p.ByKind[kind]; ok {
		return config
	}
	return p.Default
}
