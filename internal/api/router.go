package api

import (
	"net/http"

	"github.com/Togather-Foundation/harvester/internal/api/handlers"
	"github.com/Togather-Foundation/harvester/internal/api/middleware"
	"github.com/Togather-Foundation/harvester/internal/audit"
	"github.com/Togather-Foundation/harvester/internal/auth"
	"github.com/Togather-Foundation/harvester/internal/config"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// RouterDeps are the collaborators of the HTTP surface. Pool, Enqueuer,
// Cache, History and Events may be nil.
type RouterDeps struct {
	Config    config.Config
	Logger    zerolog.Logger
	Pool      *pgxpool.Pool
	Importer  handlers.Importer
	Enqueuer  handlers.Enqueuer
	Cache     handlers.CacheStats
	History   handlers.ImportHistory
	Events    handlers.EventLookup
	Jobs      bool
	Version   string
	GitCommit string
	BuildDate string
}

// NewRouter builds the probe, metrics and trigger routes.
func NewRouter(d RouterDeps) http.Handler {
	env := d.Config.Environment

	var tokens *auth.TriggerTokens
	if d.Config.Server.TriggerSecret != "" {
		tokens = auth.NewTriggerTokens(d.Config.Server.TriggerSecret, 0)
	} else {
		d.Logger.Warn().Msg("TRIGGER_JWT_SECRET not set, trigger API disabled")
	}

	health := handlers.NewHealthChecker(d.Pool, d.Jobs, d.Version, d.GitCommit)
	imports := handlers.NewImportsHandler(d.Importer, d.Enqueuer, d.Cache, env).WithAudit(audit.NewLogger(d.Logger))
	history := handlers.NewHistoryHandler(d.History, d.Events, env)
	canImport := middleware.RequireScope(tokens, auth.ScopeImport, env)
	canRead := middleware.RequireScope(tokens, auth.ScopeRead, env)

	mux := http.NewServeMux()
	mux.Handle("GET /healthz", handlers.Healthz())
	mux.Handle("GET /readyz", health.Readyz())
	mux.Handle("GET /health", health.Health())
	mux.Handle("GET /version", VersionHandler(d.Version, d.GitCommit, d.BuildDate))
	mux.Handle("GET /metrics", metrics.Handler())

	mux.Handle("POST /api/v1/imports", canImport(middleware.RequestSize(middleware.DefaultMaxBodySize)(http.HandlerFunc(imports.Trigger))))
	mux.Handle("GET /api/v1/runs", canRead(http.HandlerFunc(imports.ListRuns)))
	mux.Handle("GET /api/v1/location-cache", canRead(http.HandlerFunc(imports.LocationCacheStats)))
	mux.Handle("GET /api/v1/imports", canRead(http.HandlerFunc(history.Imports)))
	mux.Handle("GET /api/v1/events/{identity}", canRead(http.HandlerFunc(history.Event)))

	var h http.Handler = mux
	h = metrics.HTTPMiddleware(h)
	h = middleware.RequestLogging(d.Logger)(h)
	h = middleware.Tracing(h)
	h = middleware.CorrelationID(d.Logger)(h)
	return h
}
