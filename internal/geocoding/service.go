package geocoding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultAttempts = 3
	DefaultBackoff  = time.Second
)

// Result is the outcome of Resolve.
type Result struct {
	Query     string
	Latitude  float64
	Longitude float64
	PlaceName string
	Source    string // "cache" or the provider name
	Cached    bool
	Failed    bool
}

// Service resolves location queries cache-first. Successes and exhausted
// failures are both cached so a query is sent to the provider at most once
// until the cache is refreshed.
type Service struct {
	provider Provider
	cache    Cache
	logger   zerolog.Logger
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	group    singleflight.Group
	tracer   trace.Tracer
}

type ServiceOption func(*Service)

// WithAttempts sets the number of provider calls for the full query.
func WithAttempts(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithBackoff sets the base delay; attempt n waits base*n.
func WithBackoff(base time.Duration) ServiceOption {
	return func(s *Service) { s.backoff = base }
}

func withSleep(fn func(ctx context.Context, d time.Duration) error) ServiceOption {
	return func(s *Service) { s.sleep = fn }
}

func NewService(provider Provider, cache Cache, logger zerolog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		provider: provider,
		cache:    cache,
		logger:   logger.With().Str("component", "geocoding").Logger(),
		attempts: DefaultAttempts,
		backoff:  DefaultBackoff,
		sleep:    sleepCtx,
		tracer:   otel.Tracer("github.com/Togather-Foundation/harvester/internal/geocoding"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Resolve returns coordinates for query. Failures come back as a Result
// with Failed set and an error wrapping ErrCachedFailure or
// ErrGeocodingFailed, so callers can count them and carry on.
func (s *Service) Resolve(ctx context.Context, query string) (*Result, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.resolve(ctx, key, query)
	})
	res, _ := v.(*Result)
	return res, err
}

// Cached looks up query without calling the provider. A nil entry means the
// query was never geocoded.
func (s *Service) Cached(ctx context.Context, query string) (*CacheEntry, error) {
	key := NormalizeQuery(query)
	if key == "" {
		return nil, nil
	}
	return s.cache.GetLocation(ctx, key)
}

func (s *Service) resolve(ctx context.Context, key, query string) (*Result, error) {
	cached, err := s.cache.GetLocation(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read location cache: %w", err)
	}
	if cached != nil {
		return s.fromCache(cached)
	}

	metrics.GeocodingCacheMissesTotal.Inc()
	metrics.GeocodingRequestsTotal.WithLabelValues("provider").Inc()

	ctx, span := s.tracer.Start(ctx, "geocoding.lookup", trace.WithAttributes(
		attribute.String("provider", s.provider.Name()),
	))
	defer span.End()

	cand, lookupErr := s.lookupWithRetry(ctx, query)
	if lookupErr != nil && ctx.Err() != nil {
		// Cancelled mid-lookup: nothing learned about the query.
		return nil, ctx.Err()
	}

	if lookupErr != nil {
		if simple := SimplifyQuery(query); simple != "" && NormalizeQuery(simple) != key {
			s.logger.Debug().Str("query", query).Str("simplified", simple).Msg("retrying with simplified query")
			cand, lookupErr = s.lookup(ctx, simple)
			if lookupErr != nil && ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}

	if lookupErr != nil {
		reason := "error"
		if errors.Is(lookupErr, ErrNoResults) {
			reason = "not_found"
		}
		metrics.GeocodingFailuresTotal.WithLabelValues(reason).Inc()
		span.SetAttributes(attribute.Bool("failed", true))
		s.logger.Warn().Err(lookupErr).Str("query", query).Msg("geocoding exhausted, caching failure")

		s.store(ctx, CacheEntry{
			Query:         key,
			Provider:      s.provider.Name(),
			Failed:        true,
			FailureReason: lookupErr.Error(),
		})
		return &Result{Query: key, Source: s.provider.Name(), Failed: true},
			fmt.Errorf("%w: %q: %w", ErrGeocodingFailed, query, lookupErr)
	}

	s.logger.Debug().
		Str("query", query).
		Float64("lat", cand.Latitude).
		Float64("lon", cand.Longitude).
		Str("place_name", cand.PlaceName).
		Msg("geocoding successful")

	s.store(ctx, CacheEntry{
		Query:     key,
		Latitude:  cand.Latitude,
		Longitude: cand.Longitude,
		PlaceName: cand.PlaceName,
		Provider:  s.provider.Name(),
	})
	return &Result{
		Query:     key,
		Latitude:  cand.Latitude,
		Longitude: cand.Longitude,
		PlaceName: cand.PlaceName,
		Source:    s.provider.Name(),
	}, nil
}

func (s *Service) fromCache(entry *CacheEntry) (*Result, error) {
	metrics.GeocodingRequestsTotal.WithLabelValues("cache").Inc()

	go func(query string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.cache.IncrementHitCount(ctx, query); err != nil {
			s.logger.Warn().Err(err).Str("query", query).Msg("failed to increment cache hit count")
		}
	}(entry.Query)

	if entry.Failed {
		metrics.GeocodingCacheHitsTotal.WithLabelValues("failed").Inc()
		return &Result{Query: entry.Query, Source: "cache", Cached: true, Failed: true},
			fmt.Errorf("%w: %s", ErrCachedFailure, entry.FailureReason)
	}

	metrics.GeocodingCacheHitsTotal.WithLabelValues("resolved").Inc()
	return &Result{
		Query:     entry.Query,
		Latitude:  entry.Latitude,
		Longitude: entry.Longitude,
		PlaceName: entry.PlaceName,
		Source:    "cache",
		Cached:    true,
	}, nil
}

// lookupWithRetry calls the provider up to s.attempts times. An empty
// answer is final; retrying the same text would not change it.
func (s *Service) lookupWithRetry(ctx context.Context, query string) (Candidate, error) {
	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			if err := s.sleep(ctx, s.backoff*time.Duration(attempt-1)); err != nil {
				return Candidate{}, err
			}
		}
		cand, err := s.lookup(ctx, query)
		if err == nil {
			return cand, nil
		}
		lastErr = err
		if errors.Is(err, ErrNoResults) || ctx.Err() != nil {
			break
		}
		s.logger.Debug().Err(err).Str("query", query).Int("attempt", attempt).Msg("geocoding attempt failed")
	}
	return Candidate{}, lastErr
}

func (s *Service) lookup(ctx context.Context, query string) (Candidate, error) {
	name := s.provider.Name()
	start := time.Now()
	cands, err := s.provider.Lookup(ctx, query)
	metrics.GeocodingProviderLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.GeocodingProviderRequestsTotal.WithLabelValues(name, "error").Inc()
		return Candidate{}, err
	case len(cands) == 0:
		metrics.GeocodingProviderRequestsTotal.WithLabelValues(name, "empty").Inc()
		return Candidate{}, ErrNoResults
	}
	metrics.GeocodingProviderRequestsTotal.WithLabelValues(name, "success").Inc()
	return cands[0], nil
}

func (s *Service) store(ctx context.Context, entry CacheEntry) {
	inserted, err := s.cache.PutLocation(context.WithoutCancel(ctx), entry)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", entry.Query).Msg("failed to cache geocoding result")
		return
	}
	if !inserted {
		s.logger.Debug().Str("query", entry.Query).Msg("location already cached by another writer")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
