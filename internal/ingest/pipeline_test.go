package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"github.com/Togather-Foundation/harvester/internal/runs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	captured  map[string]CapturedRecord
	canonical map[string]CanonicalEvent
	upsertErr error
	// beforeInsert runs under the lock, ahead of InsertCanonical's writes.
	beforeInsert func(canonical map[string]CanonicalEvent)
}

func newMemStore() *memStore {
	return &memStore{captured: map[string]CapturedRecord{}, canonical: map[string]CanonicalEvent{}}
}

func (m *memStore) UpsertCaptured(_ context.Context, rec CapturedRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return false, m.upsertErr
	}
	_, exists := m.captured[rec.Identity]
	m.captured[rec.Identity] = rec
	return !exists, nil
}

func (m *memStore) FindPromotedIdentities(_ context.Context, identities []string) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]struct{}{}
	for _, id := range identities {
		if _, ok := m.canonical[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (m *memStore) InsertCanonical(_ context.Context, events []CanonicalEvent) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beforeInsert != nil {
		m.beforeInsert(m.canonical)
	}
	var inserted []string
	for _, ev := range events {
		if _, ok := m.canonical[ev.SourceIdentity]; ok {
			continue
		}
		m.canonical[ev.SourceIdentity] = ev
		inserted = append(inserted, ev.SourceIdentity)
	}
	return inserted, nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]geocoding.CacheEntry
}

func (c *memCache) GetLocation(_ context.Context, query string) (*geocoding.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[query]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memCache) PutLocation(_ context.Context, entry geocoding.CacheEntry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[entry.Query]; ok {
		return false, nil
	}
	c.entries[entry.Query] = entry
	return true, nil
}

func (c *memCache) IncrementHitCount(context.Context, string) error { return nil }

type stubProvider struct {
	mu      sync.Mutex
	calls   map[string]int
	results map[string]geocoding.Candidate
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Lookup(_ context.Context, query string) ([]geocoding.Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[query]++
	if c, ok := p.results[query]; ok {
		return []geocoding.Candidate{c}, nil
	}
	return nil, nil
}

func (p *stubProvider) total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

type staticSource struct {
	items map[string][]search.Event
}

func (s staticSource) ListRuns(context.Context, int) ([]runs.Run, error) { return nil, nil }

func (s staticSource) RunItems(_ context.Context, runID string) ([]search.Event, error) {
	items, ok := s.items[runID]
	if !ok {
		return nil, errors.New("no such run")
	}
	return items, nil
}

type fixture struct {
	store    *memStore
	cache    *memCache
	provider *stubProvider
	pipeline *Pipeline
}

func newFixture(items map[string][]search.Event) *fixture {
	f := &fixture{
		store: newMemStore(),
		cache: &memCache{entries: map[string]geocoding.CacheEntry{}},
		provider: &stubProvider{
			calls: map[string]int{},
			results: map[string]geocoding.Candidate{
				"4 Pennsylvania Plaza, New York, NY, US": {Latitude: 40.75, Longitude: -73.99, PlaceName: "MSG"},
			},
		},
	}
	geo := geocoding.NewService(f.provider, f.cache, zerolog.Nop(), geocoding.WithAttempts(1), geocoding.WithBackoff(0))
	f.pipeline = NewPipeline(staticSource{items: items}, f.store, geo, zerolog.Nop())
	return f
}

func located(id string) search.Event {
	return search.Event{
		ID: id, Name: "Show " + id, LocalDate: "2025-06-14", DateTitle: "Jun 14",
		StreetAddress: "4 Pennsylvania Plaza", AddressLocality: "New York", AddressRegion: "NY", AddressCountry: "US",
	}
}

func nowhere(id string) search.Event {
	return search.Event{ID: id, Name: "Lost " + id, LocalDate: "2025-06-15", AddressLocality: "Atlantis"}
}

func TestPipeline_Process(t *testing.T) {
	items := []search.Event{
		located("a"), located("b"), nowhere("c"),
		{ID: "d", Name: "Tba show", DateTBA: true},
		{Name: ""},
		located("a"),
	}
	f := newFixture(nil)

	res, err := f.pipeline.Process(context.Background(), "run-1", items)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Capture.Fetched)
	assert.Equal(t, 2, res.Capture.Skipped)
	assert.Equal(t, map[string]int{SkipDateTBA: 1, SkipMissingName: 1}, res.Capture.SkipReasons)
	assert.Equal(t, 1, res.Capture.Duplicates)
	assert.Equal(t, 3, res.Capture.Inserted)

	assert.Equal(t, 2, res.Geocode.Queries)
	assert.Equal(t, 1, res.Geocode.Resolved)
	assert.Equal(t, 1, res.Geocode.Failed)

	assert.Equal(t, 3, res.Promote.Inserted)
	assert.Equal(t, 2, res.Promote.Located)
	require.Contains(t, f.store.canonical, "tm_c")
	assert.False(t, f.store.canonical["tm_c"].HasCoordinates(), "geocode failure does not block promotion")
	assert.True(t, f.store.canonical["tm_a"].HasCoordinates())
}

func TestPipeline_LocatedCountsOnlyInsertedRows(t *testing.T) {
	items := []search.Event{located("a"), located("b"), nowhere("c")}
	f := newFixture(nil)
	f.store.beforeInsert = func(canonical map[string]CanonicalEvent) {
		canonical["tm_a"] = CanonicalEvent{SourceIdentity: "tm_a", Title: "promoted elsewhere"}
	}

	res, err := f.pipeline.Process(context.Background(), "run-1", items)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Promote.Candidates)
	assert.Equal(t, 2, res.Promote.Inserted)
	assert.Equal(t, 1, res.Promote.AlreadyPromoted)
	assert.Equal(t, 1, res.Promote.Located)
	assert.Equal(t, "promoted elsewhere", f.store.canonical["tm_a"].Title)
}

func TestPipeline_RerunIsIdempotent(t *testing.T) {
	items := []search.Event{located("a"), located("b"), nowhere("c")}
	f := newFixture(nil)
	ctx := context.Background()

	_, err := f.pipeline.Process(ctx, "run-1", items)
	require.NoError(t, err)
	firstCalls := f.provider.total()
	firstIDs := map[string]string{}
	for k, ev := range f.store.canonical {
		firstIDs[k] = ev.ID
	}

	res, err := f.pipeline.Process(ctx, "run-1", items)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Capture.Inserted)
	assert.Equal(t, 3, res.Capture.Updated)
	assert.Equal(t, 1, res.Geocode.CacheHits)
	assert.Equal(t, 1, res.Geocode.CachedFailures)
	assert.Equal(t, firstCalls, f.provider.total(), "cached failures are not re-sent")
	assert.Equal(t, 0, res.Promote.Inserted)
	assert.Equal(t, 3, res.Promote.AlreadyPromoted)

	require.Len(t, f.store.canonical, 3)
	for k, ev := range f.store.canonical {
		assert.Equal(t, firstIDs[k], ev.ID, "promoted rows are never replaced")
	}
}

func TestPipeline_EmptyRun(t *testing.T) {
	f := newFixture(nil)
	res, err := f.pipeline.Process(context.Background(), "run-empty", nil)
	require.NoError(t, err)
	assert.Zero(t, res.Capture.Inserted)
	assert.Zero(t, res.Geocode.Queries)
	assert.Zero(t, res.Promote.Candidates)
}

func TestPipeline_StoreErrorStopsRun(t *testing.T) {
	f := newFixture(nil)
	f.store.upsertErr = errors.New("connection reset")

	_, err := f.pipeline.Process(context.Background(), "run-1", []search.Event{located("a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capture run run-1")
	assert.Empty(t, f.store.canonical)
	assert.Zero(t, f.provider.total())
}

func TestPipeline_Run(t *testing.T) {
	f := newFixture(map[string][]search.Event{"run-9": {located("z")}})

	res, err := f.pipeline.Run(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, "run-9", res.RunID)
	assert.Equal(t, "run-9", f.store.captured["tm_z"].RunID)

	_, err = f.pipeline.Run(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingRunIDs)

	_, err = f.pipeline.Run(context.Background(), "missing")
	assert.Error(t, err)
}
