package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEventNotFound is returned when no canonical event matches.
var ErrEventNotFound = errors.New("event not found")

// EventRepository holds captured records and promoted canonical events.
type EventRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// UpsertCaptured writes rec keyed by identity and reports whether the row is
// new. xmax is zero only for freshly inserted tuples.
func (r *EventRepository) UpsertCaptured(ctx context.Context, rec ingest.CapturedRecord) (inserted bool, err error) {
	defer func(start time.Time) { metrics.RecordQuery("upsert_captured", start, err) }(time.Now())

	raw, err := json.Marshal(rec.Event)
	if err != nil {
		return false, fmt.Errorf("encode captured %s: %w", rec.Identity, err)
	}
	capturedAt := rec.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	err = queryer(r.pool, r.tx).QueryRow(ctx, `
		INSERT INTO captured_events (
			identity, run_id, native_id, name, local_date, location_query, raw,
			first_captured_at, captured_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (identity) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			native_id = EXCLUDED.native_id,
			name = EXCLUDED.name,
			local_date = EXCLUDED.local_date,
			location_query = EXCLUDED.location_query,
			raw = EXCLUDED.raw,
			captured_at = EXCLUDED.captured_at
		RETURNING (xmax = 0)`,
		rec.Identity, rec.RunID, rec.Event.ID, rec.Event.Name, rec.Event.LocalDate,
		ingest.LocationQuery(rec.Event), raw, capturedAt,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert captured %s: %w", rec.Identity, err)
	}
	return inserted, nil
}

// CountCaptured returns the number of captured records for a run.
func (r *EventRepository) CountCaptured(ctx context.Context, runID string) (int, error) {
	var n int
	err := queryer(r.pool, r.tx).QueryRow(ctx,
		`SELECT count(*) FROM captured_events WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count captured: %w", err)
	}
	return n, nil
}

// FindPromotedIdentities returns the subset of identities already present
// in canonical_events.
func (r *EventRepository) FindPromotedIdentities(ctx context.Context, identities []string) (found map[string]struct{}, err error) {
	defer func(start time.Time) { metrics.RecordQuery("find_promoted", start, err) }(time.Now())

	found = make(map[string]struct{})
	if len(identities) == 0 {
		return found, nil
	}
	rows, err := queryer(r.pool, r.tx).Query(ctx,
		`SELECT source_identity FROM canonical_events WHERE source_identity = ANY($1)`, identities)
	if err != nil {
		return nil, fmt.Errorf("find promoted identities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return found, nil
}

// InsertCanonical inserts events, skipping identities that are already
// promoted, and returns the identities it wrote.
func (r *EventRepository) InsertCanonical(ctx context.Context, events []ingest.CanonicalEvent) (inserted []string, err error) {
	defer func(start time.Time) { metrics.RecordQuery("insert_canonical", start, err) }(time.Now())
	if len(events) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, ev := range events {
		var price pgtype.Numeric
		if ev.PriceMin != nil {
			if err := price.Scan(fmt.Sprintf("%.2f", *ev.PriceMin)); err != nil {
				return nil, fmt.Errorf("encode price of %s: %w", ev.SourceIdentity, err)
			}
		}
		batch.Queue(`
			INSERT INTO canonical_events (
				id, source_identity, native_id, title, description, segment, genre,
				website_url, image_url, location_name, address, latitude, longitude,
				start_date, end_date, start_time, end_time, price_min, price_currency,
				auto_import, raw
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21
			)
			ON CONFLICT (source_identity) DO NOTHING`,
			ev.ID, ev.SourceIdentity, ev.NativeID, ev.Title, ev.Description, ev.Segment, ev.Genre,
			ev.WebsiteURL, ev.ImageURL, ev.LocationName, ev.Address, ev.Latitude, ev.Longitude,
			nullableDate(ev.StartDate), nullableDate(ev.EndDate), ev.StartTime, ev.EndTime, price, ev.PriceCurrency,
			ev.AutoImport, []byte(ev.Raw),
		)
	}

	br := queryer(r.pool, r.tx).SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for _, ev := range events {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert canonical %s: %w", ev.SourceIdentity, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, ev.SourceIdentity)
		}
	}
	return inserted, nil
}

// GetCanonicalBySource loads the canonical event promoted from identity.
func (r *EventRepository) GetCanonicalBySource(ctx context.Context, identity string) (*ingest.CanonicalEvent, error) {
	var (
		ev                 ingest.CanonicalEvent
		startDate, endDate pgtype.Date
		price              pgtype.Float8
		raw                []byte
	)
	err := queryer(r.pool, r.tx).QueryRow(ctx, `
		SELECT id::text, source_identity, native_id, title, description, segment, genre,
		       website_url, image_url, location_name, address, latitude, longitude,
		       start_date, end_date, start_time, end_time, price_min::float8, price_currency,
		       auto_import, raw
		FROM canonical_events WHERE source_identity = $1`, identity,
	).Scan(&ev.ID, &ev.SourceIdentity, &ev.NativeID, &ev.Title, &ev.Description, &ev.Segment, &ev.Genre,
		&ev.WebsiteURL, &ev.ImageURL, &ev.LocationName, &ev.Address, &ev.Latitude, &ev.Longitude,
		&startDate, &endDate, &ev.StartTime, &ev.EndTime, &price, &ev.PriceCurrency,
		&ev.AutoImport, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get canonical %s: %w", identity, err)
	}
	ev.StartDate, ev.EndDate = dateOrNil(startDate), dateOrNil(endDate)
	if price.Valid {
		p := price.Float64
		ev.PriceMin = &p
	}
	ev.Raw = raw
	return &ev, nil
}

// CountNear counts located canonical events within radius metres of a point.
func (r *EventRepository) CountNear(ctx context.Context, lat, lon, radiusMeters float64) (int, error) {
	var n int
	err := queryer(r.pool, r.tx).QueryRow(ctx, `
		SELECT count(*) FROM canonical_events
		WHERE geo_point IS NOT NULL
		  AND ST_DWithin(geo_point, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)`,
		lat, lon, radiusMeters,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events near point: %w", err)
	}
	return n, nil
}

var _ ingest.Store = (*EventRepository)(nil)
