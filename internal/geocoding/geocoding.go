package geocoding

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrGeocodingFailed is returned when a query exhausted every attempt.
	ErrGeocodingFailed = errors.New("geocoding failed")

	// ErrNoResults is returned when the provider answered with no candidates.
	ErrNoResults = errors.New("no geocoding results found")

	// ErrCachedFailure is returned for queries already cached as failed.
	// The provider is not called again for them.
	ErrCachedFailure = errors.New("geocoding previously failed")
)

// Candidate is one place returned by a provider.
type Candidate struct {
	Latitude  float64
	Longitude float64
	PlaceName string
}

// Provider performs forward geocoding against an external service.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, query string) ([]Candidate, error)
}

// CacheEntry is a resolved location or a failed marker keyed by the
// normalized query.
type CacheEntry struct {
	Query         string
	Latitude      float64
	Longitude     float64
	PlaceName     string
	Provider      string
	Failed        bool
	FailureReason string
	HitCount      int64
	CreatedAt     time.Time
}

// Cache stores entries. PutLocation inserts only when no entry exists for
// the query and reports whether it inserted.
type Cache interface {
	GetLocation(ctx context.Context, query string) (*CacheEntry, error)
	PutLocation(ctx context.Context, entry CacheEntry) (bool, error)
	IncrementHitCount(ctx context.Context, query string) error
}

// NormalizeQuery produces the cache key: lower-case, trimmed, single spaces.
func NormalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// SimplifyQuery returns the text before the first comma.
func SimplifyQuery(query string) string {
	head, _, _ := strings.Cut(query, ",")
	return strings.TrimSpace(head)
}
