package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Togather-Foundation/harvester/internal/crawl"
	"github.com/Togather-Foundation/harvester/internal/domain/ids"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/runs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrRunNotFound is returned when a crawl run id is unknown.
var ErrRunNotFound = errors.New("crawl run not found")

// CrawlRepository persists crawl runs, their items and continuation
// handoffs. It implements crawl.Store, crawl.HandoffSource and runs.Source.
type CrawlRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

// NewCrawlRepository creates a crawl repository over pool.
func NewCrawlRepository(pool *pgxpool.Pool) *CrawlRepository {
	return &CrawlRepository{pool: pool}
}

// CreateRun inserts the initial row for st.
func (r *CrawlRepository) CreateRun(ctx context.Context, st *crawl.State) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("create_run", start, err) }(time.Now())

	query, err := json.Marshal(st.Query)
	if err != nil {
		return fmt.Errorf("encode query: %w", err)
	}
	filters, err := json.Marshal(st.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}

	_, err = queryer(r.pool, r.tx).Exec(ctx, `
		INSERT INTO crawl_runs (
			id, fingerprint, run_number, query, filters, max_items,
			phase, status, page, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		st.RunID, st.Fingerprint, st.RunNumber, query, filters, st.MaxItems,
		string(st.Phase), string(st.Status), st.Page, st.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create crawl run %s: %w", st.RunID, err)
	}
	return nil
}

// AppendItems stores one page of events. Replaying a page is a no-op.
func (r *CrawlRepository) AppendItems(ctx context.Context, runID string, page int, events []search.Event) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("append_items", start, err) }(time.Now())
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, ev := range events {
		item, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode item %d of page %d: %w", i, page, err)
		}
		batch.Queue(`
			INSERT INTO crawl_items (run_id, page, position, item)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (run_id, page, position) DO NOTHING`,
			runID, page, i, item,
		)
	}

	br := queryer(r.pool, r.tx).SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("append items for run %s page %d: %w", runID, page, err)
		}
	}
	return nil
}

// SaveCheckpoint writes the mutable progress fields of st.
func (r *CrawlRepository) SaveCheckpoint(ctx context.Context, st *crawl.State) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("save_checkpoint", start, err) }(time.Now())

	filters, err := json.Marshal(st.Filters)
	if err != nil {
		return fmt.Errorf("encode filters: %w", err)
	}
	tag, err := queryer(r.pool, r.tx).Exec(ctx, `
		UPDATE crawl_runs SET
			filters = $2,
			phase = $3,
			status = $4,
			page = $5,
			pages_fetched = $6,
			total_scraped = $7,
			continuation_mark = $8,
			hit_ceiling = $9,
			total_pages = $10,
			total_elements = $11,
			error = $12,
			finished_at = $13,
			updated_at = now()
		WHERE id = $1`,
		st.RunID, filters, string(st.Phase), string(st.Status), st.Page, st.PagesFetched,
		st.TotalScraped, st.ContinuationMark, st.HitCeiling, st.TotalPages, st.TotalElements,
		st.Error, st.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("checkpoint crawl run %s: %w", st.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("checkpoint crawl run %s: %w", st.RunID, ErrRunNotFound)
	}
	return nil
}

// SaveHandoff records the continuation point a LIMITED run leaves behind.
func (r *CrawlRepository) SaveHandoff(ctx context.Context, h crawl.Handoff) (err error) {
	defer func(start time.Time) { metrics.RecordQuery("save_handoff", start, err) }(time.Now())

	_, err = queryer(r.pool, r.tx).Exec(ctx, `
		INSERT INTO crawl_continuations (
			fingerprint, run_id, continuation_mark, total_scraped_so_far,
			original_date_from, original_date_to, run_number, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			continuation_mark = EXCLUDED.continuation_mark,
			total_scraped_so_far = EXCLUDED.total_scraped_so_far,
			created_at = EXCLUDED.created_at`,
		h.Fingerprint, h.RunID, h.ContinuationMark, h.TotalScrapedSoFar,
		h.OriginalDateFrom, h.OriginalDateTo, h.RunNumber, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save handoff for run %s: %w", h.RunID, err)
	}
	return nil
}

// LatestHandoff returns the newest handoff for fingerprint, or nil.
func (r *CrawlRepository) LatestHandoff(ctx context.Context, fingerprint string) (*crawl.Handoff, error) {
	var h crawl.Handoff
	err := queryer(r.pool, r.tx).QueryRow(ctx, `
		SELECT fingerprint, run_id, continuation_mark, total_scraped_so_far,
		       original_date_from, original_date_to, run_number, created_at
		FROM crawl_continuations
		WHERE fingerprint = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, fingerprint,
	).Scan(&h.Fingerprint, &h.RunID, &h.ContinuationMark, &h.TotalScrapedSoFar,
		&h.OriginalDateFrom, &h.OriginalDateTo, &h.RunNumber, &h.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest handoff: %w", err)
	}
	return &h, nil
}

// GetRun loads a run's state. Ids that are not ULIDs were never minted
// here.
func (r *CrawlRepository) GetRun(ctx context.Context, runID string) (*crawl.State, error) {
	if !ids.IsULID(runID) {
		return nil, ErrRunNotFound
	}
	var (
		st             crawl.State
		query, filters []byte
		phase, status  string
		finishedAt     pgtype.Timestamptz
	)
	err := queryer(r.pool, r.tx).QueryRow(ctx, `
		SELECT id, fingerprint, run_number, query, filters, max_items, phase, status,
		       page, pages_fetched, total_scraped, continuation_mark, hit_ceiling,
		       total_pages, total_elements, error, started_at, finished_at
		FROM crawl_runs WHERE id = $1`, runID,
	).Scan(&st.RunID, &st.Fingerprint, &st.RunNumber, &query, &filters, &st.MaxItems, &phase, &status,
		&st.Page, &st.PagesFetched, &st.TotalScraped, &st.ContinuationMark, &st.HitCeiling,
		&st.TotalPages, &st.TotalElements, &st.Error, &st.StartedAt, &finishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get crawl run %s: %w", runID, err)
	}
	if err := json.Unmarshal(query, &st.Query); err != nil {
		return nil, fmt.Errorf("decode query of run %s: %w", runID, err)
	}
	if err := json.Unmarshal(filters, &st.Filters); err != nil {
		return nil, fmt.Errorf("decode filters of run %s: %w", runID, err)
	}
	st.Phase, st.Status = crawl.Phase(phase), crawl.Status(status)
	st.FinishedAt = timeOrNil(finishedAt)
	return &st, nil
}

// ListRuns returns recent runs, newest first.
func (r *CrawlRepository) ListRuns(ctx context.Context, limit int) ([]runs.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := queryer(r.pool, r.tx).Query(ctx, `
		SELECT id, status, phase, total_scraped, started_at, finished_at
		FROM crawl_runs
		ORDER BY started_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	defer rows.Close()

	var out []runs.Run
	for rows.Next() {
		var (
			run        runs.Run
			finishedAt pgtype.Timestamptz
		)
		if err := rows.Scan(&run.ID, &run.Status, &run.Terminal, &run.ItemCount, &run.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan crawl run: %w", err)
		}
		run.Source = "postgres"
		run.FinishedAt = timeOrNil(finishedAt)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawl runs: %w", err)
	}
	return out, nil
}

// RunItems returns the events captured by a run in page order. Unknown runs
// and runs still in progress are errors, so they never reach the import log
// as empty imports.
func (r *CrawlRepository) RunItems(ctx context.Context, runID string) ([]search.Event, error) {
	st, err := r.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	if st.Status == crawl.StatusRunning {
		return nil, fmt.Errorf("run %s is still %s", runID, st.Phase)
	}

	rows, err := queryer(r.pool, r.tx).Query(ctx, `
		SELECT item FROM crawl_items
		WHERE run_id = $1
		ORDER BY page, position`, runID)
	if err != nil {
		return nil, fmt.Errorf("read items of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []search.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var ev search.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode item of run %s: %w", runID, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

var (
	_ crawl.Store         = (*CrawlRepository)(nil)
	_ crawl.HandoffSource = (*CrawlRepository)(nil)
	_ runs.Source         = (*CrawlRepository)(nil)
)
