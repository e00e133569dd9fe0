package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Togather-Foundation/harvester/internal/validation"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Logging     LoggingConfig
	Tracing     TracingConfig
	Crawl       CrawlConfig
	Geocoding   GeocodingConfig
	Runs        RunSourceConfig
	Jobs        JobsConfig
	Environment string
}

type ServerConfig struct {
	Host string
	Port int

	// TriggerSecret signs the bearer tokens accepted by POST /api/v1/imports.
	// Empty disables the trigger endpoint.
	TriggerSecret string
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

// RedisConfig is optional. Without a URL imports run unlocked, which is safe
// because every store write is idempotent.
type RedisConfig struct {
	URL     string
	LockTTL time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

type TracingConfig struct {
	Enabled     bool
	Exporter    string // stdout, otlp, none
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

type CrawlConfig struct {
	Endpoint        string
	QueryHash       string
	UserAgent       string
	RequestsPerSec  float64
	MaxRetries      int
	Timeout         time.Duration
	NearLimitPage   int
	NearLimitItems  int
	DefaultMaxItems int
	ChainLimit      int
	ProfilesDir     string
	DiscoveryURL    string
}

type GeocodingConfig struct {
	Provider         string // nominatim or mapbox
	NominatimBaseURL string
	NominatimEmail   string
	MapboxBaseURL    string
	MapboxToken      string
	RequestsPerSec   float64
	Attempts         int
	Backoff          time.Duration
	FailedRetention  time.Duration
	DefaultCountry   string
	MinImportance    float64
}

// RunSourceConfig selects where completed crawl runs are read from.
type RunSourceConfig struct {
	Source      string // postgres or apify
	ApifyToken  string
	ApifyActor  string
	ApifyAPIURL string
	ApifyRPS    float64
	ListLimit   int
}

type JobsConfig struct {
	ImportSchedule  string
	BatchBudget     time.Duration
	MaxWorkers      int
	RefreshSchedule time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:          getEnv("SERVER_HOST", "0.0.0.0"),
			Port:          getEnvInt("SERVER_PORT", 8080),
			TriggerSecret: getEnv("TRIGGER_JWT_SECRET", ""),
		},
		Database: DatabaseConfig{
			URL:            getEnv("DATABASE_URL", ""),
			MaxConnections: getEnvInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Redis: RedisConfig{
			URL:     getEnv("REDIS_URL", ""),
			LockTTL: getEnvDuration("REDIS_LOCK_TTL", 15*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Exporter:    getEnv("TRACING_EXPORTER", "none"),
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "harvester"),
			SampleRate:  getEnvFloat("TRACING_SAMPLE_RATE", 1.0),
		},
		Crawl: CrawlConfig{
			Endpoint:        getEnv("CRAWL_ENDPOINT", "https://www.ticketmaster.com/api/next/graphql"),
			QueryHash:       getEnv("CRAWL_QUERY_HASH", "5664b981ff921ec078e3df377fd4623faaa6cd0aa2178e8bdfcba9b41303848b"),
			UserAgent:       getEnv("CRAWL_USER_AGENT", "Mozilla/5.0 (compatible; TogatherHarvester/1.0)"),
			RequestsPerSec:  getEnvFloat("CRAWL_REQUESTS_PER_SECOND", 1),
			MaxRetries:      getEnvInt("CRAWL_MAX_RETRIES", 2),
			Timeout:         getEnvDuration("CRAWL_TIMEOUT", 30*time.Second),
			NearLimitPage:   getEnvInt("CRAWL_NEAR_LIMIT_PAGE", 5),
			NearLimitItems:  getEnvInt("CRAWL_NEAR_LIMIT_ITEMS", 1000),
			DefaultMaxItems: getEnvInt("CRAWL_MAX_ITEMS", 0),
			ChainLimit:      getEnvInt("CRAWL_CHAIN_LIMIT", 10),
			ProfilesDir:     getEnv("CRAWL_PROFILES_DIR", "configs/profiles"),
			DiscoveryURL:    getEnv("CRAWL_DISCOVERY_URL", "https://www.ticketmaster.com"),
		},
		Geocoding: GeocodingConfig{
			Provider:         strings.ToLower(getEnv("GEOCODING_PROVIDER", "nominatim")),
			NominatimBaseURL: getEnv("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org"),
			NominatimEmail:   getEnv("NOMINATIM_EMAIL", ""),
			MapboxBaseURL:    getEnv("MAPBOX_BASE_URL", "https://api.mapbox.com"),
			MapboxToken:      getEnv("MAPBOX_ACCESS_TOKEN", ""),
			RequestsPerSec:   getEnvFloat("GEOCODING_REQUESTS_PER_SECOND", 1),
			Attempts:         getEnvInt("GEOCODING_ATTEMPTS", 3),
			Backoff:          getEnvDuration("GEOCODING_BACKOFF", time.Second),
			FailedRetention:  time.Duration(getEnvInt("GEOCODING_FAILED_RETENTION_DAYS", 30)) * 24 * time.Hour,
			DefaultCountry:   getEnv("GEOCODING_DEFAULT_COUNTRY", "us"),
			MinImportance:    getEnvFloat("GEOCODING_MIN_IMPORTANCE", 0),
		},
		Runs: RunSourceConfig{
			Source:      strings.ToLower(getEnv("RUN_SOURCE", "postgres")),
			ApifyToken:  getEnv("APIFY_TOKEN", ""),
			ApifyActor:  getEnv("APIFY_ACTOR_ID", ""),
			ApifyAPIURL: getEnv("APIFY_API_URL", "https://api.apify.com/v2"),
			ApifyRPS:    getEnvFloat("APIFY_REQUESTS_PER_SECOND", 5),
			ListLimit:   getEnvInt("RUN_LIST_LIMIT", 20),
		},
		Jobs: JobsConfig{
			ImportSchedule:  getEnv("JOB_IMPORT_SCHEDULE", "15 */6 * * *"),
			BatchBudget:     getEnvDuration("JOB_BATCH_BUDGET", 5*time.Minute),
			MaxWorkers:      getEnvInt("JOB_MAX_WORKERS", 2),
			RefreshSchedule: getEnvDuration("JOB_REFRESH_LOCATION_CACHE_INTERVAL", 24*time.Hour),
		},
		Environment: getEnv("ENVIRONMENT", "development"),
	}

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Geocoding.Provider {
	case "nominatim":
	case "mapbox":
		if c.Geocoding.MapboxToken == "" {
			return fmt.Errorf("MAPBOX_ACCESS_TOKEN is required when GEOCODING_PROVIDER=mapbox")
		}
	default:
		return fmt.Errorf("GEOCODING_PROVIDER must be nominatim or mapbox, got %q", c.Geocoding.Provider)
	}

	switch c.Runs.Source {
	case "postgres":
	case "apify":
		if c.Runs.ApifyToken == "" || c.Runs.ApifyActor == "" {
			return fmt.Errorf("APIFY_TOKEN and APIFY_ACTOR_ID are required when RUN_SOURCE=apify")
		}
	default:
		return fmt.Errorf("RUN_SOURCE must be postgres or apify, got %q", c.Runs.Source)
	}

	https := c.Environment == "production"
	if err := validation.ValidateURL(c.Crawl.Endpoint, "CRAWL_ENDPOINT", https); err != nil {
		return err
	}
	for field, raw := range map[string]string{
		"CRAWL_DISCOVERY_URL": c.Crawl.DiscoveryURL,
		"NOMINATIM_BASE_URL":  c.Geocoding.NominatimBaseURL,
		"MAPBOX_BASE_URL":     c.Geocoding.MapboxBaseURL,
		"APIFY_API_URL":       c.Runs.ApifyAPIURL,
	} {
		if err := validation.ValidateBaseURL(raw, field, https); err != nil {
			return err
		}
	}

	if c.Geocoding.Attempts < 1 {
		return fmt.Errorf("GEOCODING_ATTEMPTS must be at least 1")
	}
	if c.Environment == "production" && c.Server.TriggerSecret != "" && len(c.Server.TriggerSecret) < 32 {
		return fmt.Errorf("TRIGGER_JWT_SECRET must be at least 32 characters in production")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
