package geocoding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	respond func(query string) ([]Candidate, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Lookup(_ context.Context, query string) ([]Candidate, error) {
	p.mu.Lock()
	p.calls = append(p.calls, query)
	p.mu.Unlock()
	return p.respond(query)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	hits    map[string]int
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]CacheEntry{}, hits: map[string]int{}}
}

func (c *memCache) GetLocation(_ context.Context, query string) (*CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[query]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memCache) PutLocation(_ context.Context, entry CacheEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[entry.Query]; ok {
		return false, nil
	}
	c.entries[entry.Query] = entry
	return true, nil
}

func (c *memCache) IncrementHitCount(_ context.Context, query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[query]++
	return nil
}

func (c *memCache) hitCount(query string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[query]
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestService(p Provider, c Cache, sleeps *sleepRecorder) *Service {
	return NewService(p, c, zerolog.Nop(), WithBackoff(time.Second), withSleep(sleeps.sleep))
}

var msg = Candidate{Latitude: 40.7505, Longitude: -73.9934, PlaceName: "Madison Square Garden"}

func TestResolve_MissThenHit(t *testing.T) {
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) { return []Candidate{msg}, nil }}
	cache := newMemCache()
	svc := newTestService(provider, cache, &sleepRecorder{})

	res, err := svc.Resolve(context.Background(), "4 Pennsylvania Plaza, New York, 10001")
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, "fake", res.Source)
	assert.InDelta(t, 40.7505, res.Latitude, 1e-9)

	res, err = svc.Resolve(context.Background(), "  4 PENNSYLVANIA  Plaza, New York, 10001 ")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "Madison Square Garden", res.PlaceName)

	assert.Equal(t, 1, provider.callCount())
	key := NormalizeQuery("4 Pennsylvania Plaza, New York, 10001")
	assert.Eventually(t, func() bool { return cache.hitCount(key) == 1 }, time.Second, 5*time.Millisecond)
}

func TestResolve_RetriesWithIncreasingBackoff(t *testing.T) {
	n := 0
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) {
		n++
		if n < 3 {
			return nil, errors.New("server error (503)")
		}
		return []Candidate{msg}, nil
	}}
	sleeps := &sleepRecorder{}
	svc := newTestService(provider, newMemCache(), sleeps)

	res, err := svc.Resolve(context.Background(), "New York, NY")
	require.NoError(t, err)
	assert.False(t, res.Failed)
	assert.Equal(t, 3, provider.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
}

func TestResolve_ExhaustedFailureIsCachedAndNotRetried(t *testing.T) {
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) { return nil, errors.New("timeout") }}
	cache := newMemCache()
	svc := newTestService(provider, cache, &sleepRecorder{})

	res, err := svc.Resolve(context.Background(), "Nowhere Hall, Atlantis")
	require.ErrorIs(t, err, ErrGeocodingFailed)
	require.NotNil(t, res)
	assert.True(t, res.Failed)
	assert.Equal(t, []string{"Nowhere Hall, Atlantis", "Nowhere Hall, Atlantis", "Nowhere Hall, Atlantis", "Nowhere Hall"}, provider.calls)

	entry, err := cache.GetLocation(context.Background(), "nowhere hall, atlantis")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Failed)
	assert.Contains(t, entry.FailureReason, "timeout")

	res, err = svc.Resolve(context.Background(), "Nowhere Hall, Atlantis")
	require.ErrorIs(t, err, ErrCachedFailure)
	assert.True(t, res.Cached)
	assert.True(t, res.Failed)
	assert.Equal(t, 4, provider.callCount(), "cached failure must not reach the provider")
}

func TestResolve_NoResultsSkipsRetriesButTriesSimplified(t *testing.T) {
	provider := &fakeProvider{respond: func(q string) ([]Candidate, error) {
		if q == "Madison Square Garden" {
			return []Candidate{msg}, nil
		}
		return nil, nil
	}}
	cache := newMemCache()
	svc := newTestService(provider, cache, &sleepRecorder{})

	res, err := svc.Resolve(context.Background(), "Madison Square Garden, Suite 9999")
	require.NoError(t, err)
	assert.Equal(t, []string{"Madison Square Garden, Suite 9999", "Madison Square Garden"}, provider.calls)
	assert.Equal(t, "madison square garden, suite 9999", res.Query)

	entry, _ := cache.GetLocation(context.Background(), "madison square garden, suite 9999")
	require.NotNil(t, entry)
	assert.False(t, entry.Failed)
	assert.Equal(t, "fake", entry.Provider)
}

func TestResolve_NoCommaNoSimplifiedAttempt(t *testing.T) {
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) { return nil, nil }}
	svc := newTestService(provider, newMemCache(), &sleepRecorder{})

	_, err := svc.Resolve(context.Background(), "Springfield")
	require.ErrorIs(t, err, ErrGeocodingFailed)
	require.ErrorIs(t, err, ErrNoResults)
	assert.Equal(t, 1, provider.callCount())
}

func TestResolve_CancelledLookupIsNotCached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) {
		cancel()
		return nil, context.Canceled
	}}
	cache := newMemCache()
	svc := newTestService(provider, cache, &sleepRecorder{})

	_, err := svc.Resolve(ctx, "Toronto, ON")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, cache.entries)
}

func TestResolve_ExistingEntryIsNotOverwritten(t *testing.T) {
	cache := newMemCache()
	_, _ = cache.PutLocation(context.Background(), CacheEntry{Query: "toronto, on", Latitude: 1, Longitude: 2, Provider: "mapbox"})
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) { return []Candidate{msg}, nil }}
	svc := newTestService(provider, cache, &sleepRecorder{})

	res, err := svc.Resolve(context.Background(), "Toronto, ON")
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, 1.0, res.Latitude)
	assert.Zero(t, provider.callCount())
}

func TestCached_DoesNotCallProvider(t *testing.T) {
	provider := &fakeProvider{respond: func(string) ([]Candidate, error) { return []Candidate{msg}, nil }}
	svc := newTestService(provider, newMemCache(), &sleepRecorder{})

	entry, err := svc.Cached(context.Background(), "Toronto, ON")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Zero(t, provider.callCount())

	entry, err = svc.Cached(context.Background(), "   ")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestNormalizeAndSimplify(t *testing.T) {
	assert.Equal(t, "4 pennsylvania plaza, new york", NormalizeQuery("  4 Pennsylvania\tPlaza,  New York "))
	assert.Equal(t, "4 Pennsylvania Plaza", SimplifyQuery(" 4 Pennsylvania Plaza , New York"))
	assert.Equal(t, "Springfield", SimplifyQuery("Springfield"))
}
