package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LocationCacheRepository stores geocoding outcomes keyed by normalized
// query. Entries never expire on their own; failed entries are removed by
// the refresh job so they can be retried.
type LocationCacheRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewLocationCacheRepository creates a new location cache repository.
func NewLocationCacheRepository(pool *pgxpool.Pool) *LocationCacheRepository {
	return &LocationCacheRepository{pool: pool}
}

// GetLocation returns the entry for query, or nil when none exists.
func (r *LocationCacheRepository) GetLocation(ctx context.Context, query string) (entry *geocoding.CacheEntry, err error) {
	defer func(start time.Time) { metrics.RecordQuery("get_location", start, err) }(time.Now())

	var (
		e        geocoding.CacheEntry
		lat, lon pgtype.Float8
	)
	err = queryer(r.pool, r.tx).QueryRow(ctx, `
		SELECT query, latitude, longitude, place_name, provider,
		       failed, failure_reason, hit_count, created_at
		FROM location_cache
		WHERE query = $1`, query,
	).Scan(&e.Query, &lat, &lon, &e.PlaceName, &e.Provider,
		&e.Failed, &e.FailureReason, &e.HitCount, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached location: %w", err)
	}
	e.Latitude, e.Longitude = lat.Float64, lon.Float64
	return &e, nil
}

// PutLocation inserts entry unless the query is already cached. The first
// writer wins; the return value reports whether this call inserted.
func (r *LocationCacheRepository) PutLocation(ctx context.Context, entry geocoding.CacheEntry) (inserted bool, err error) {
	defer func(start time.Time) { metrics.RecordQuery("put_location", start, err) }(time.Now())

	var lat, lon pgtype.Float8
	if !entry.Failed {
		lat = pgtype.Float8{Float64: entry.Latitude, Valid: true}
		lon = pgtype.Float8{Float64: entry.Longitude, Valid: true}
	}

	tag, err := queryer(r.pool, r.tx).Exec(ctx, `
		INSERT INTO location_cache (
			query, latitude, longitude, place_name, provider, failed, failure_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (query) DO NOTHING`,
		entry.Query, lat, lon, entry.PlaceName, entry.Provider, entry.Failed, entry.FailureReason,
	)
	if err != nil {
		return false, fmt.Errorf("cache location: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IncrementHitCount increments the hit_count for a cache entry.
func (r *LocationCacheRepository) IncrementHitCount(ctx context.Context, query string) error {
	_, err := queryer(r.pool, r.tx).Exec(ctx,
		`UPDATE location_cache SET hit_count = hit_count + 1 WHERE query = $1`, query)
	if err != nil {
		return fmt.Errorf("increment hit count: %w", err)
	}
	return nil
}

// DeleteFailedOlderThan removes failed entries created before cutoff and
// returns how many were removed.
func (r *LocationCacheRepository) DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := queryer(r.pool, r.tx).Exec(ctx,
		`DELETE FROM location_cache WHERE failed AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete failed locations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// LocationCacheStats summarizes the cache for status reporting.
type LocationCacheStats struct {
	Entries int64 `json:"entries"`
	Failed  int64 `json:"failed"`
	Hits    int64 `json:"hits"`
}

// Stats counts entries, failed entries and total hits.
func (r *LocationCacheRepository) Stats(ctx context.Context) (LocationCacheStats, error) {
	var s LocationCacheStats
	err := queryer(r.pool, r.tx).QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE failed), COALESCE(sum(hit_count), 0)::bigint
		FROM location_cache`,
	).Scan(&s.Entries, &s.Failed, &s.Hits)
	if err != nil {
		return s, fmt.Errorf("location cache stats: %w", err)
	}
	return s, nil
}

var _ geocoding.Cache = (*LocationCacheRepository)(nil)
