package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationCacheRepository(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t, ctx)
	repo := NewLocationCacheRepository(pool)

	miss, err := repo.GetLocation(ctx, "new york, ny")
	require.NoError(t, err)
	assert.Nil(t, miss)

	inserted, err := repo.PutLocation(ctx, geocoding.CacheEntry{
		Query: "new york, ny", Latitude: 40.71, Longitude: -74.0, PlaceName: "New York", Provider: "nominatim",
	})
	require.NoError(t, err)
	assert.True(t, inserted)

	// First writer wins.
	inserted, err = repo.PutLocation(ctx, geocoding.CacheEntry{Query: "new york, ny", Failed: true, FailureReason: "late"})
	require.NoError(t, err)
	assert.False(t, inserted)

	hit, err := repo.GetLocation(ctx, "new york, ny")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.False(t, hit.Failed)
	assert.InDelta(t, 40.71, hit.Latitude, 0.0001)

	require.NoError(t, repo.IncrementHitCount(ctx, "new york, ny"))
	require.NoError(t, repo.IncrementHitCount(ctx, "new york, ny"))
	hit, err = repo.GetLocation(ctx, "new york, ny")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hit.HitCount)

	_, err = repo.PutLocation(ctx, geocoding.CacheEntry{Query: "atlantis", Failed: true, FailureReason: "no results", Provider: "nominatim"})
	require.NoError(t, err)
	failed, err := repo.GetLocation(ctx, "atlantis")
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.True(t, failed.Failed)
	assert.Equal(t, "no results", failed.FailureReason)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Entries)
	assert.EqualValues(t, 1, stats.Failed)
	assert.EqualValues(t, 2, stats.Hits)

	removed, err := repo.DeleteFailedOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed, "recent failures are kept")

	removed, err = repo.DeleteFailedOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	kept, err := repo.GetLocation(ctx, "new york, ny")
	require.NoError(t, err)
	assert.NotNil(t, kept, "successful entries are never removed")
}
