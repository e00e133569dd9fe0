// Package internal documents the harvester internals.
//
// The internal tree is organized by responsibility:
// - search: filter options, date filter compiler, request builder and the GraphQL client
// - crawl: the paginated crawl state machine and cross-run continuation
// - ingest: capture, geocode and promote, plus the batch importer
// - geocoding: the cached geocoding service and its providers
// - runs: where completed crawl runs are read from (postgres or Apify)
// - storage: database access and repositories (pgx + Postgres/PostGIS)
// - jobs: River workers, periodic schedules and enqueueing
// - api: trigger API handlers, middleware and routing
// - auth, audit, config, locking, metrics, telemetry: shared infrastructure
//
// Code in internal/ is not meant for external import.
package internal
