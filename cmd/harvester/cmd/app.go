package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/Togather-Foundation/harvester/internal/config"
	"github.com/Togather-Foundation/harvester/internal/crawl"
	"github.com/Togather-Foundation/harvester/internal/geocoding"
	"github.com/Togather-Foundation/harvester/internal/geocoding/mapbox"
	"github.com/Togather-Foundation/harvester/internal/geocoding/nominatim"
	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/Togather-Foundation/harvester/internal/locking"
	"github.com/Togather-Foundation/harvester/internal/runs"
	"github.com/Togather-Foundation/harvester/internal/search"
	"github.com/Togather-Foundation/harvester/internal/storage/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	// Override logging from flags if provided
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// app holds the dependencies shared by the database-backed commands.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	repo   *postgres.Repository
	locker *locking.RedisLocker
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger := config.NewLogger(cfg.Logging, os.Stderr)

	poolCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := postgres.Open(poolCtx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	repo, err := postgres.NewRepository(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, pool: pool, repo: repo}
	if cfg.Redis.URL != "" {
		locker, err := locking.NewRedisLocker(poolCtx, cfg.Redis.URL, cfg.Redis.LockTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, importing without run locks")
		} else {
			a.locker = locker
		}
	}
	return a, nil
}

func (a *app) Close() {
	if a.locker != nil {
		if err := a.locker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close redis")
		}
	}
	a.pool.Close()
}

// runSource returns where completed crawl runs are read from.
func (a *app) runSource() (runs.Source, error) {
	switch a.cfg.Runs.Source {
	case "apify":
		return runs.NewApifySource(a.cfg.Runs.ApifyAPIURL, a.cfg.Runs.ApifyToken, a.cfg.Runs.ApifyActor,
			runs.WithApifyRateLimit(a.cfg.Runs.ApifyRPS))
	default:
		return a.repo.Crawl(), nil
	}
}

func (a *app) geocoder() (*geocoding.Service, error) {
	g := a.cfg.Geocoding

	var provider geocoding.Provider
	switch g.Provider {
	case "mapbox":
		client, err := mapbox.NewClient(g.MapboxBaseURL, g.MapboxToken,
			mapbox.WithRateLimit(g.RequestsPerSec),
			mapbox.WithCountry(g.DefaultCountry),
		)
		if err != nil {
			return nil, fmt.Errorf("mapbox client: %w", err)
		}
		provider = client
	default:
		// the service owns retries
		provider = nominatim.NewClient(g.NominatimBaseURL, g.NominatimEmail,
			nominatim.WithRateLimit(g.RequestsPerSec),
			nominatim.WithCountryCodes(g.DefaultCountry),
			nominatim.WithMinImportance(g.MinImportance),
			nominatim.WithMaxRetries(0),
		)
	}

	return geocoding.NewService(provider, a.repo.Locations(), a.logger,
		geocoding.WithAttempts(g.Attempts),
		geocoding.WithBackoff(g.Backoff),
	), nil
}

// importer builds the batch importer behind the import command, the
// trigger API and the River workers.
func (a *app) importer() (*ingest.BatchImporter, error) {
	source, err := a.runSource()
	if err != nil {
		return nil, err
	}
	return a.importerFor(source)
}

func (a *app) importerFor(source runs.Source) (*ingest.BatchImporter, error) {
	geocoder, err := a.geocoder()
	if err != nil {
		return nil, err
	}
	pipeline := ingest.NewPipeline(source, a.repo.Events(), geocoder, a.logger)

	opts := []ingest.BatchOption{
		ingest.WithBudget(a.cfg.Jobs.BatchBudget),
		ingest.WithListLimit(a.cfg.Runs.ListLimit),
	}
	if a.locker != nil {
		opts = append(opts, ingest.WithLocker(a.locker))
	}
	return ingest.NewBatchImporter(source, pipeline, a.repo.ImportLog(), a.logger, opts...), nil
}

func (a *app) searchClient() *search.Client {
	c := a.cfg.Crawl
	return search.NewClient(c.Endpoint, c.QueryHash,
		search.WithHTTPClient(&http.Client{Timeout: c.Timeout}),
		search.WithRateLimit(c.RequestsPerSec),
		search.WithUserAgent(c.UserAgent),
		search.WithRetry(c.MaxRetries, time.Second),
	)
}

func (a *app) crawler(segments []search.Segment) *crawl.Crawler {
	opts := []crawl.CrawlerOption{
		crawl.WithNearLimit(crawl.NearLimit{Page: a.cfg.Crawl.NearLimitPage, Items: a.cfg.Crawl.NearLimitItems}),
	}
	if segments != nil {
		opts = append(opts, crawl.WithSegments(segments))
	}
	return crawl.NewCrawler(a.searchClient(), a.repo.Crawl(), a.logger, opts...)
}
