package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository bundles the harvester repositories over one pool.
type Repository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx

	crawl     *CrawlRepository
	events    *EventRepository
	locations *LocationCacheRepository
	imports   *ImportLogRepository
}

// NewRepository creates a new PostgreSQL-backed repository
func NewRepository(pool *pgxpool.Pool) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}

	return &Repository{
		pool:      pool,
		crawl:     &CrawlRepository{pool: pool},
		events:    &EventRepository{pool: pool},
		locations: &LocationCacheRepository{pool: pool},
		imports:   &ImportLogRepository{pool: pool},
	}, nil
}

// Crawl returns the crawl run repository
func (r *Repository) Crawl() *CrawlRepository { return r.crawl }

// Events returns the captured and canonical event repository
func (r *Repository) Events() *EventRepository { return r.events }

// Locations returns the location cache repository
func (r *Repository) Locations() *LocationCacheRepository { return r.locations }

// ImportLog returns the import log repository
func (r *Repository) ImportLog() *ImportLogRepository { return r.imports }

// WithTx executes a function within a database transaction
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, *Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txRepo := &Repository{
		pool:      r.pool,
		tx:        tx,
		crawl:     &CrawlRepository{pool: r.pool, tx: tx},
		events:    &EventRepository{pool: r.pool, tx: tx},
		locations: &LocationCacheRepository{pool: r.pool, tx: tx},
		imports:   &ImportLogRepository{pool: r.pool, tx: tx},
	}

	if err := fn(ctx, txRepo); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback after error %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func queryer(pool *pgxpool.Pool, tx pgx.Tx) Querier {
	if tx != nil {
		return tx
	}
	return pool
}
