package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Togather-Foundation/harvester/internal/locking"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/runs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/rs/zerolog"
)

var (
	// ErrMissingRunIDs is returned when the runs action has no identifiers.
	ErrMissingRunIDs = errors.New("run ids are required")

	// ErrUnknownAction is returned for an unsupported action selector.
	ErrUnknownAction = errors.New("unknown import action")
)

// Action selects which runs a batch imports.
type Action string

const (
	ActionLatest Action = "latest"
	ActionDate   Action = "date"
	ActionRuns   Action = "runs"
	ActionList   Action = "list"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionLatest, ActionDate, ActionRuns, ActionList:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

// Request is one trigger of the batch importer.
type Request struct {
	Action Action   `json:"action"`
	Date   string   `json:"date,omitempty"`
	RunIDs []string `json:"runIds,omitempty"`
}

// Run outcome values.
const (
	RunImported = "imported"
	RunFailed   = "failed"
	RunSkipped  = "skipped"
	RunDeferred = "deferred"
)

// RunResult is the outcome of one run inside a batch. A failed run does not
// stop the batch.
type RunResult struct {
	RunID  string  `json:"runId"`
	Status string  `json:"status"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// RunListing is a run plus whether it was imported already.
type RunListing struct {
	runs.Run
	Imported bool `json:"imported"`
}

// BatchResult summarizes a trigger.
type BatchResult struct {
	Action   Action        `json:"action"`
	Runs     []RunResult   `json:"runs,omitempty"`
	Deferred []string      `json:"deferred,omitempty"`
	Listed   []RunListing  `json:"listed,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed counts runs that ended in error.
func (b *BatchResult) Failed() int {
	n := 0
	for _, r := range b.Runs {
		if r.Status == RunFailed {
			n++
		}
	}
	return n
}

// LogEntry records a processed run in the import log.
type LogEntry struct {
	RunID       string    `json:"runId"`
	Source      string    `json:"source,omitempty"`
	Status      string    `json:"status"`
	Inserted    int       `json:"inserted"`
	Updated     int       `json:"updated"`
	Promoted    int       `json:"promoted"`
	Error       string    `json:"error,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// ImportLog remembers which runs were imported successfully.
type ImportLog interface {
	ImportedRuns(ctx context.Context, runIDs []string) (map[string]bool, error)
	RecordImport(ctx context.Context, entry LogEntry) error
}

// RunProcessor runs the pipeline for one run. *Pipeline satisfies it.
type RunProcessor interface {
	Run(ctx context.Context, runID string) (*Result, error)
}

// Locker takes a per-run lock. It returns locking.ErrNotAcquired when
// another worker holds it.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// BatchImporter resolves an action to runs and imports them one after the
// other within a wall-clock budget.
type BatchImporter struct {
	source    runs.Source
	processor RunProcessor
	log       ImportLog
	locker    Locker
	logger    zerolog.Logger
	budget    time.Duration
	listLimit int
	now       func() time.Time
}

type BatchOption func(*BatchImporter)

// WithBudget bounds the time spent before remaining runs are deferred.
func WithBudget(d time.Duration) BatchOption {
	return func(b *BatchImporter) { b.budget = d }
}

func WithLocker(l Locker) BatchOption {
	return func(b *BatchImporter) { b.locker = l }
}

func WithListLimit(n int) BatchOption {
	return func(b *BatchImporter) {
		if n > 0 {
			b.listLimit = n
		}
	}
}

func withBatchClock(now func() time.Time) BatchOption {
	return func(b *BatchImporter) { b.now = now }
}

func NewBatchImporter(source runs.Source, processor RunProcessor, log ImportLog, logger zerolog.Logger, opts ...BatchOption) *BatchImporter {
	b := &BatchImporter{
		source:    source,
		processor: processor,
		log:       log,
		logger:    logger.With().Str("component", "batch_importer").Logger(),
		budget:    5 * time.Minute,
		listLimit: 20,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Import handles one trigger. Configuration errors (bad action, bad date,
// missing run ids) are returned before any run is touched.
func (b *BatchImporter) Import(ctx context.Context, req Request) (*BatchResult, error) {
	start := b.now()
	out := &BatchResult{Action: req.Action}

	switch req.Action {
	case ActionList:
		listed, err := b.list(ctx)
		if err != nil {
			return nil, err
		}
		out.Listed = listed
		out.Duration = b.now().Sub(start)
		return out, nil
	case ActionRuns:
		ids := compact(req.RunIDs)
		if len(ids) == 0 {
			return nil, ErrMissingRunIDs
		}
		b.process(ctx, out, ids, start)
	case ActionLatest, ActionDate:
		ids, err := b.selectRuns(ctx, req)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			b.logger.Info().Str("action", string(req.Action)).Msg("no new runs to import")
		}
		b.process(ctx, out, ids, start)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	out.Duration = b.now().Sub(start)
	b.logger.Info().
		Str("action", string(req.Action)).
		Int("runs", len(out.Runs)).
		Int("failed", out.Failed()).
		Int("deferred", len(out.Deferred)).
		Dur("duration", out.Duration).
		Msg("batch import finished")
	return out, nil
}

// selectRuns picks succeeded runs for a date that were not imported yet.
func (b *BatchImporter) selectRuns(ctx context.Context, req Request) ([]string, error) {
	var day time.Time
	if req.Action == ActionDate {
		d, err := time.Parse(search.DateLayout, strings.TrimSpace(req.Date))
		if err != nil {
			return nil, &search.DateError{Field: "date", Value: req.Date}
		}
		day = d
	}

	recent, err := b.source.ListRuns(ctx, b.listLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var candidates []runs.Run
	for _, r := range recent {
		if r.Succeeded() {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	if req.Action == ActionLatest {
		day = candidates[0].StartedAt
		for _, r := range candidates[1:] {
			if r.StartedAt.After(day) {
				day = r.StartedAt
			}
		}
	}

	var ids []string
	for _, r := range candidates {
		if sameDay(r.StartedAt, day) {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	imported, err := b.log.ImportedRuns(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read import log: %w", err)
	}
	fresh := ids[:0]
	for _, id := range ids {
		if imported[id] {
			b.logger.Debug().Str("run_id", id).Msg("run already imported, skipping")
			continue
		}
		fresh = append(fresh, id)
	}
	return fresh, nil
}

func (b *BatchImporter) process(ctx context.Context, out *BatchResult, ids []string, start time.Time) {
	for i, id := range ids {
		if ctx.Err() != nil || (b.budget > 0 && b.now().Sub(start) >= b.budget) {
			out.Deferred = append(out.Deferred, ids[i:]...)
			metrics.PipelineRunsTotal.WithLabelValues("deferred").Add(float64(len(ids) - i))
			b.logger.Warn().
				Int("deferred", len(ids)-i).
				Dur("budget", b.budget).
				Msg("import budget exhausted, deferring remaining runs")
			return
		}
		rr := b.processOne(ctx, id)
		if rr.Status == RunDeferred {
			out.Deferred = append(out.Deferred, id)
			continue
		}
		out.Runs = append(out.Runs, rr)
	}
}

func (b *BatchImporter) processOne(ctx context.Context, runID string) RunResult {
	logger := b.logger.With().Str("run_id", runID).Logger()

	if b.locker != nil {
		release, err := b.locker.TryLock(ctx, "import:run:"+runID)
		switch {
		case errors.Is(err, locking.ErrNotAcquired):
			logger.Info().Msg("run locked by another worker, deferring")
			metrics.PipelineRunsTotal.WithLabelValues("deferred").Inc()
			return RunResult{RunID: runID, Status: RunDeferred}
		case err != nil:
			logger.Warn().Err(err).Msg("run lock unavailable, importing without it")
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					logger.Warn().Err(err).Msg("failed to release run lock")
				}
			}()
		}
	}

	res, err := b.processor.Run(ctx, runID)
	entry := LogEntry{RunID: runID, ProcessedAt: b.now().UTC(), Status: RunImported}
	rr := RunResult{RunID: runID, Status: RunImported, Result: res}
	if res != nil {
		entry.Inserted = res.Capture.Inserted
		entry.Updated = res.Capture.Updated
		entry.Promoted = res.Promote.Inserted
	}
	if err != nil {
		logger.Error().Err(err).Msg("run import failed")
		rr.Status, rr.Error = RunFailed, err.Error()
		entry.Status, entry.Error = RunFailed, err.Error()
	}

	if lerr := b.log.RecordImport(context.WithoutCancel(ctx), entry); lerr != nil {
		logger.Warn().Err(lerr).Msg("failed to record import")
	}
	return rr
}

func (b *BatchImporter) list(ctx context.Context) ([]RunListing, error) {
	recent, err := b.source.ListRuns(ctx, b.listLimit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	ids := make([]string, 0, len(recent))
	for _, r := range recent {
		ids = append(ids, r.ID)
	}
	imported, err := b.log.ImportedRuns(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("read import log: %w", err)
	}
	out := make([]RunListing, 0, len(recent))
	for _, r := range recent {
		out = append(out, RunListing{Run: r, Imported: imported[r.ID]})
	}
	return out, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func compact(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
