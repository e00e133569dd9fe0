package postgres

import (
	"context"
	"fmt"

	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ImportLogRepository records processed runs. A run counts as imported once
// any of its entries has status "imported"; failed attempts stay visible.
type ImportLogRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewImportLogRepository(pool *pgxpool.Pool) *ImportLogRepository {
	return &ImportLogRepository{pool: pool}
}

// ImportedRuns reports which of runIDs were imported successfully.
func (r *ImportLogRepository) ImportedRuns(ctx context.Context, runIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(runIDs))
	if len(runIDs) == 0 {
		return out, nil
	}
	rows, err := queryer(r.pool, r.tx).Query(ctx, `
		SELECT DISTINCT run_id FROM import_runs_log
		WHERE run_id = ANY($1) AND status = 'imported'`, runIDs)
	if err != nil {
		return nil, fmt.Errorf("read import log: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan import log: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// RecordImport appends an entry.
func (r *ImportLogRepository) RecordImport(ctx context.Context, e ingest.LogEntry) error {
	_, err := queryer(r.pool, r.tx).Exec(ctx, `
		INSERT INTO import_runs_log (run_id, source, status, inserted, updated, promoted, error, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RunID, e.Source, e.Status, e.Inserted, e.Updated, e.Promoted, e.Error, e.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("record import of %s: %w", e.RunID, err)
	}
	return nil
}

// Recent returns the newest entries.
func (r *ImportLogRepository) Recent(ctx context.Context, limit int) ([]ingest.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := queryer(r.pool, r.tx).Query(ctx, `
		SELECT run_id, source, status, inserted, updated, promoted, error, processed_at
		FROM import_runs_log
		ORDER BY processed_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list import log: %w", err)
	}
	defer rows.Close()

	var out []ingest.LogEntry
	for rows.Next() {
		var e ingest.LogEntry
		if err := rows.Scan(&e.RunID, &e.Source, &e.Status, &e.Inserted, &e.Updated, &e.Promoted, &e.Error, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan import log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ ingest.ImportLog = (*ImportLogRepository)(nil)
