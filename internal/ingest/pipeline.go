package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/domain/ids"
	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/runs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the capture and canonical storage. Every write is idempotent:
// captures upsert by identity and canonical inserts skip identities that
// are already promoted.
type Store interface {
	// UpsertCaptured reports true when the identity was not stored before.
	UpsertCaptured(ctx context.Context, rec CapturedRecord) (bool, error)
	FindPromotedIdentities(ctx context.Context, identities []string) (map[string]struct{}, error)
	// InsertCanonical returns the identities of the rows actually inserted.
	InsertCanonical(ctx context.Context, events []CanonicalEvent) ([]string, error)
}

// Geocoder resolves location queries. Cached must not call the provider.
type Geocoder interface {
	Resolve(ctx context.Context, query string) (*geocoding.Result, error)
	Cached(ctx context.Context, query string) (*geocoding.CacheEntry, error)
}

type CaptureStats struct {
	Fetched     int            `json:"fetched"`
	Skipped     int            `json:"skipped"`
	SkipReasons map[string]int `json:"skipReasons,omitempty"`
	Duplicates  int            `json:"duplicates"`
	Inserted    int            `json:"inserted"`
	Updated     int            `json:"updated"`
}

type GeocodeStats struct {
	Records        int `json:"records"`
	NoLocation     int `json:"noLocation"`
	Queries        int `json:"queries"`
	CacheHits      int `json:"cacheHits"`
	Resolved       int `json:"resolved"`
	Failed         int `json:"failed"`
	CachedFailures int `json:"cachedFailures"`
	Errors         int `json:"errors"`
}

type PromoteStats struct {
	Candidates      int `json:"candidates"`
	AlreadyPromoted int `json:"alreadyPromoted"`
	Inserted        int `json:"inserted"`
	Located         int `json:"located"`
}

// Result summarizes one pipeline run.
type Result struct {
	RunID    string        `json:"runId"`
	Capture  CaptureStats  `json:"capture"`
	Geocode  GeocodeStats  `json:"geocode"`
	Promote  PromoteStats  `json:"promote"`
	Duration time.Duration `json:"duration"`
}

// Pipeline lands one run's dataset: capture, geocode, promote.
type Pipeline struct {
	source   runs.Source
	store    Store
	geocoder Geocoder
	logger   zerolog.Logger
	now      func() time.Time
	tracer   trace.Tracer
}

func NewPipeline(source runs.Source, store Store, geocoder Geocoder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		source:   source,
		store:    store,
		geocoder: geocoder,
		logger:   logger.With().Str("component", "ingest").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		tracer:   otel.Tracer("github.com/Togather-Foundation/harvester/internal/ingest"),
	}
}

// Run reads the run's items from the source and processes them.
func (p *Pipeline) Run(ctx context.Context, runID string) (*Result, error) {
	if runID == "" {
		return nil, ErrMissingRunIDs
	}
	items, err := p.source.RunItems(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load items for run %s: %w", runID, err)
	}
	return p.Process(ctx, runID, items)
}

// Process runs the three phases over items. Geocoding failures are counted
// and never stop the run; store errors do.
func (p *Pipeline) Process(ctx context.Context, runID string, items []search.Event) (*Result, error) {
	start := time.Now()
	logger := p.logger.With().Str("run_id", runID).Logger()
	ctx, span := p.tracer.Start(ctx, "ingest.run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	res := &Result{RunID: runID}
	fail := func(phase string, err error) (*Result, error) {
		res.Duration = time.Since(start)
		span.RecordError(err)
		span.SetStatus(codes.Error, phase)
		metrics.PipelineRunsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("%s run %s: %w", phase, runID, err)
	}

	records, stats, err := p.capture(ctx, runID, items)
	res.Capture = stats
	if err != nil {
		return fail("capture", err)
	}
	logger.Info().
		Int("fetched", stats.Fetched).
		Int("skipped", stats.Skipped).
		Int("inserted", stats.Inserted).
		Int("updated", stats.Updated).
		Msg("capture complete")

	res.Geocode, err = p.geocode(ctx, records)
	if err != nil {
		return fail("geocode", err)
	}
	logger.Info().
		Int("queries", res.Geocode.Queries).
		Int("cache_hits", res.Geocode.CacheHits).
		Int("resolved", res.Geocode.Resolved).
		Int("failed", res.Geocode.Failed+res.Geocode.CachedFailures).
		Msg("geocode complete")

	res.Promote, err = p.promote(ctx, records)
	if err != nil {
		return fail("promote", err)
	}
	logger.Info().
		Int("candidates", res.Promote.Candidates).
		Int("inserted", res.Promote.Inserted).
		Int("already_promoted", res.Promote.AlreadyPromoted).
		Int("located", res.Promote.Located).
		Msg("promote complete")

	res.Duration = time.Since(start)
	metrics.PipelineRunsTotal.WithLabelValues("success").Inc()
	return res, nil
}

// capture filters, dedupes and upserts. Within one batch the last
// occurrence of an identity wins.
func (p *Pipeline) capture(ctx context.Context, runID string, items []search.Event) ([]CapturedRecord, CaptureStats, error) {
	defer observePhase("capture", time.Now())
	stats := CaptureStats{Fetched: len(items)}

	index := make(map[string]int, len(items))
	records := make([]CapturedRecord, 0, len(items))
	now := p.now()
	for _, ev := range items {
		if reason := Validate(ev); reason != "" {
			stats.Skipped++
			if stats.SkipReasons == nil {
				stats.SkipReasons = map[string]int{}
			}
			stats.SkipReasons[reason]++
			continue
		}
		rec := CapturedRecord{Identity: Identity(ev), RunID: runID, Event: ev, CapturedAt: now}
		if i, ok := index[rec.Identity]; ok {
			stats.Duplicates++
			records[i] = rec
			continue
		}
		index[rec.Identity] = len(records)
		records = append(records, rec)
	}
	metrics.CapturedTotal.WithLabelValues("skipped").Add(float64(stats.Skipped))

	for _, rec := range records {
		isNew, err := p.store.UpsertCaptured(ctx, rec)
		if err != nil {
			return nil, stats, fmt.Errorf("upsert %s: %w", rec.Identity, err)
		}
		if isNew {
			stats.Inserted++
		} else {
			stats.Updated++
		}
	}
	metrics.CapturedTotal.WithLabelValues("inserted").Add(float64(stats.Inserted))
	metrics.CapturedTotal.WithLabelValues("updated").Add(float64(stats.Updated))
	return records, stats, nil
}

// geocode resolves each distinct location query once.
func (p *Pipeline) geocode(ctx context.Context, records []CapturedRecord) (GeocodeStats, error) {
	defer observePhase("geocode", time.Now())
	stats := GeocodeStats{Records: len(records)}

	seen := make(map[string]struct{})
	var queries []string
	for _, rec := range records {
		q := LocationQuery(rec.Event)
		key := geocoding.NormalizeQuery(q)
		if key == "" {
			stats.NoLocation++
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		queries = append(queries, q)
	}
	stats.Queries = len(queries)

	for _, q := range queries {
		res, err := p.geocoder.Resolve(ctx, q)
		switch {
		case ctx.Err() != nil:
			return stats, ctx.Err()
		case errors.Is(err, geocoding.ErrCachedFailure):
			stats.CachedFailures++
		case errors.Is(err, geocoding.ErrGeocodingFailed):
			stats.Failed++
		case err != nil:
			stats.Errors++
			p.logger.Warn().Err(err).Str("query", q).Msg("geocoding error")
		case res.Cached:
			stats.CacheHits++
		default:
			stats.Resolved++
		}
	}
	return stats, nil
}

// promote inserts records whose identity is not yet in the canonical table.
// Already-promoted identities are never updated.
func (p *Pipeline) promote(ctx context.Context, records []CapturedRecord) (PromoteStats, error) {
	defer observePhase("promote", time.Now())
	stats := PromoteStats{}
	if len(records) == 0 {
		return stats, nil
	}

	identities := make([]string, 0, len(records))
	for _, rec := range records {
		identities = append(identities, rec.Identity)
	}
	promoted, err := p.store.FindPromotedIdentities(ctx, identities)
	if err != nil {
		return stats, fmt.Errorf("find promoted identities: %w", err)
	}

	events := make([]CanonicalEvent, 0, len(records))
	for _, rec := range records {
		if _, ok := promoted[rec.Identity]; ok {
			stats.AlreadyPromoted++
			continue
		}
		loc, err := p.geocoder.Cached(ctx, LocationQuery(rec.Event))
		if err != nil {
			return stats, fmt.Errorf("read location cache: %w", err)
		}
		ev, err := Assemble(ids.NewEventID(), rec, loc)
		if err != nil {
			return stats, err
		}
		events = append(events, ev)
	}
	stats.Candidates = len(events)
	if len(events) == 0 {
		return stats, nil
	}

	inserted, err := p.store.InsertCanonical(ctx, events)
	if err != nil {
		return stats, fmt.Errorf("insert canonical events: %w", err)
	}
	stats.Inserted = len(inserted)
	// Lost races with a concurrent promoter count as already promoted.
	stats.AlreadyPromoted += len(events) - len(inserted)
	written := make(map[string]struct{}, len(inserted))
	for _, identity := range inserted {
		written[identity] = struct{}{}
	}
	for _, ev := range events {
		if _, ok := written[ev.SourceIdentity]; ok && ev.HasCoordinates() {
			stats.Located++
		}
	}

	metrics.PromotedTotal.WithLabelValues("inserted").Add(float64(stats.Inserted))
	metrics.PromotedTotal.WithLabelValues("already_promoted").Add(float64(stats.AlreadyPromoted))
	return stats, nil
}

func observePhase(phase string, start time.Time) {
	metrics.PipelinePhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
