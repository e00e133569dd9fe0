package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/Togather-Foundation/harvester/internal/domain/ids"
	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRepository_UpsertCaptured(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t, ctx)
	repo := NewEventRepository(pool)

	rec := ingest.CapturedRecord{
		Identity:   "tm_1",
		RunID:      "run-1",
		Event:      search.Event{ID: "1", Name: "Show", LocalDate: "2025-06-14", AddressLocality: "New York"},
		CapturedAt: time.Now().UTC(),
	}
	inserted, err := repo.UpsertCaptured(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	rec.RunID = "run-2"
	rec.Event.Name = "Show (updated)"
	inserted, err = repo.UpsertCaptured(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "second capture of an identity is an update")

	n, err := repo.CountCaptured(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.CountCaptured(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestEventRepository_InsertCanonicalIsInsertOnly(t *testing.T) {
	ctx := context.Background()
	pool, _ := setupPostgres(t, ctx)
	repo := NewEventRepository(pool)

	start := time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC)
	first := ingest.CanonicalEvent{
		ID: ids.NewEventID(), SourceIdentity: "tm_1", NativeID: "1", Title: "Original",
		LocationName: "Madison Square Garden", Latitude: floatPtr(40.7505), Longitude: floatPtr(-73.9934),
		StartDate: &start, EndDate: &start, StartTime: "19:30:00", EndTime: ingest.DefaultEndTime,
		PriceMin: floatPtr(35.5), PriceCurrency: "USD", AutoImport: true, Raw: []byte(`{"id":"1"}`),
	}
	unlocated := ingest.CanonicalEvent{
		ID: ids.NewEventID(), SourceIdentity: "event_lost", Title: "Lost",
		StartTime: ingest.DefaultStartTime, EndTime: ingest.DefaultEndTime, AutoImport: true, Raw: []byte(`{}`),
	}

	inserted, err := repo.InsertCanonical(ctx, []ingest.CanonicalEvent{first, unlocated})
	require.NoError(t, err)
	assert.Equal(t, []string{"tm_1", "event_lost"}, inserted)

	again := first
	again.ID = ids.NewEventID()
	again.Title = "Replacement"
	inserted, err = repo.InsertCanonical(ctx, []ingest.CanonicalEvent{again, unlocated})
	require.NoError(t, err)
	assert.Empty(t, inserted)

	got, err := repo.GetCanonicalBySource(ctx, "tm_1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, "Original", got.Title)
	require.NotNil(t, got.StartDate)
	assert.True(t, start.Equal(*got.StartDate))
	require.NotNil(t, got.PriceMin)
	assert.InDelta(t, 35.5, *got.PriceMin, 0.001)
	assert.JSONEq(t, `{"id":"1"}`, string(got.Raw))

	lost, err := repo.GetCanonicalBySource(ctx, "event_lost")
	require.NoError(t, err)
	assert.False(t, lost.HasCoordinates())
	assert.Nil(t, lost.StartDate)

	found, err := repo.FindPromotedIdentities(ctx, []string{"tm_1", "event_lost", "tm_2"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Contains(t, found, "tm_1")

	near, err := repo.CountNear(ctx, 40.75, -73.99, 2000)
	require.NoError(t, err)
	assert.Equal(t, 1, near)

	_, err = repo.GetCanonicalBySource(ctx, "tm_404")
	assert.ErrorIs(t, err, ErrEventNotFound)
}
