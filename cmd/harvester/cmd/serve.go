package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Togather-Foundation/harvester/internal/api"
	"github.com/Togather-Foundation/harvester/internal/api/handlers"
	"github.com/Togather-Foundation/harvester/internal/jobs"
	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/Togather-Foundation/harvester/internal/telemetry"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		host   string
		port   int
		noJobs bool
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the trigger API and the background import jobs",
		Long: `Start the HTTP server and the River job workers.

The server will:
- Load configuration from environment variables
- Expose /health, /healthz, /readyz, /version and /metrics
- Accept import triggers on POST /api/v1/imports (bearer token, import scope)
- Serve runs, import history, promoted events and cache stats (read scope)
- Run the scheduled batch import and the location cache refresh
- Handle graceful shutdown on SIGINT/SIGTERM

Examples:
  # Start with default configuration (from env vars)
  harvester serve

  # API only, no background workers
  harvester serve --no-jobs --port 9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), host, port, noJobs)
		},
	}
	serveCmd.Flags().StringVar(&host, "host", "", "server host address (default: 0.0.0.0)")
	serveCmd.Flags().IntVar(&port, "port", 0, "server port (default: 8080)")
	serveCmd.Flags().BoolVar(&noJobs, "no-jobs", false, "do not start the River workers")
	return serveCmd
}

func runServer(parent context.Context, host string, port int, noJobs bool) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.cfg
	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	logger := a.logger
	logger.Info().Str("version", Version).Msg("starting harvester")

	metrics.Init(Version, GitCommit)
	metrics.Registry.MustRegister(metrics.NewPoolCollector(a.pool))

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	importer, err := a.importer()
	if err != nil {
		return err
	}

	var (
		riverClient *river.Client[pgx.Tx]
		enqueuer    handlers.Enqueuer
	)
	if !noJobs {
		riverClient, err = startWorkers(ctx, a, importer, logger)
		if err != nil {
			return err
		}
		enqueuer = jobs.Enqueuer{Client: riverClient}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
			} else {
				logger.Info().Msg("river workers stopped")
			}
		}()
	}

	handler := api.NewRouter(api.RouterDeps{
		Config:    cfg,
		Logger:    logger,
		Pool:      a.pool,
		Importer:  importer,
		Enqueuer:  enqueuer,
		Cache:     a.repo.Locations(),
		History:   a.repo.ImportLog(),
		Events:    a.repo.Events(),
		Jobs:      riverClient != nil,
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.Jobs.BatchBudget + 30*time.Second, // synchronous imports run up to the batch budget
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	return gracefulShutdown(server, logger)
}

func startWorkers(ctx context.Context, a *app, importer jobs.Importer, logger zerolog.Logger) (*river.Client[pgx.Tx], error) {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel(a.cfg.Logging.Level),
	}))

	periodic, err := jobs.NewPeriodicJobs(jobs.Schedule{
		ImportCron:      a.cfg.Jobs.ImportSchedule,
		RefreshEvery:    a.cfg.Jobs.RefreshSchedule,
		FailedRetention: a.cfg.Geocoding.FailedRetention,
	})
	if err != nil {
		return nil, err
	}

	workers := jobs.NewWorkers(jobs.Deps{
		Importer: importer,
		Purger:   a.repo.Locations(),
		Logger:   slogger,
	})
	client, err := jobs.NewClient(a.pool, workers, slogger, periodic, a.cfg.Jobs.MaxWorkers)
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("river workers failed to start: %w", err)
	}
	logger.Info().Int("periodic_jobs", len(periodic)).Msg("river background job workers started")
	return client, nil
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func gracefulShutdown(server *http.Server, logger zerolog.Logger) error {
	logger.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
