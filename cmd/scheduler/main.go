package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/iddaa-lens/scheduler/internal/config"
	"github.com/iddaa-lens/scheduler/pkg/database/pool"
	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/jobs/builtin"
	"github.com/iddaa-lens/scheduler/pkg/jobs/history"
	"github.com/iddaa-lens/scheduler/pkg/jobs/lock"
	"github.com/iddaa-lens/scheduler/pkg/jobs/provider"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/metrics"
	"github.com/iddaa-lens/scheduler/pkg/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("config", "", "Scheduler definition file (overrides SCHEDULER_CONFIG)")
		jobName    = flag.String("job", "", "Run the named job once and exit (requires -once)")
		once       = flag.Bool("once", false, "Run job once and exit")
		validate   = flag.Bool("validate", false, "Load the definition, build every job and exit")
	)
	flag.Parse()

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	logger.SetupLogger()
	log := logger.New("scheduler")

	cfg := config.Load()
	if *configPath != "" {
		cfg.Scheduler.ConfigPath = *configPath
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *pgxpool.Pool
	if cfg.HasDatabase() {
		var err error
		db, err = pool.New(ctx, cfg.DatabaseURL(), pool.DefaultConfig())
		if err != nil {
			log.Error().
				Err(err).
				Str("action", "db_connect_failed").
				Msg("Failed to connect to database")
			return 1
		}
		defer db.Close()
		log.Info().
			Str("action", "db_connected").
			Msg("Database connection pool established")
	}

	registry := jobs.NewRegistry()
	deps := builtin.Deps{}
	if db != nil {
		deps.DB = db
	}
	builtin.Register(registry, deps)
	lock.Register(registry, lock.Defaults{
		DatabaseURL: cfg.DatabaseURL(),
		RedisURL:    cfg.Redis.URL,
		Logger:      log,
	})
	history.Register(registry, history.Defaults{
		DatabaseURL: cfg.DatabaseURL(),
		Logger:      log,
	})
	provider.Register(registry, log)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	jobMetrics := metrics.NewJobMetrics(promRegistry)

	source := config.NewFileSource(cfg.Scheduler.ConfigPath)
	manager := jobs.NewManager(source, registry,
		jobs.WithLogger(log.WithComponent("job-manager")),
		jobs.WithHook(jobMetrics.Hook()),
	)

	switch {
	case *validate:
		return runValidate(ctx, manager, log)
	case *once:
		return runOnce(ctx, manager, *jobName, log)
	}

	if err := manager.Start(ctx); err != nil {
		log.Error().
			Err(err).
			Str("action", "scheduler_start_failed").
			Msg("Failed to start job manager")
		manager.Shutdown(context.Background())
		return 1
	}
	log.Info().
		Str("action", "scheduler_started").
		Str("config", source.Path()).
		Int("jobs", len(manager.Jobs())).
		Msg("Scheduler started")

	opts := server.Options{Gatherer: promRegistry}
	if db != nil {
		opts.DB = db
		opts.DBStats = func() interface{} { return pool.GetStats(db) }
	}
	srv := server.New(cfg.Addr(), manager, opts, log.WithComponent("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
		defer cancel()

		log.Info().
			Str("action", "scheduler_stopping").
			Msg("Shutting down scheduler...")

		srvErr := srv.Shutdown(shutdownCtx)
		if !manager.Shutdown(shutdownCtx) {
			log.Warn().
				Str("action", "scheduler_stop_incomplete").
				Int64("running", manager.Running()).
				Msg("Jobs still running at shutdown")
		}
		return srvErr
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().
			Err(err).
			Str("action", "scheduler_failed").
			Msg("Scheduler exited with error")
		return 1
	}
	log.Info().
		Str("action", "scheduler_stopped").
		Msg("Scheduler stopped")
	return 0
}

func runValidate(ctx context.Context, manager *jobs.Manager, log *logger.Logger) int {
	defer manager.Shutdown(context.Background())

	if err := manager.Initialize(ctx); err != nil {
		log.Error().
			Err(err).
			Str("action", "validate_failed").
			Msg("Scheduler definition is invalid")
		return 1
	}
	for _, job := range manager.Jobs() {
		fmt.Printf("%-32s %-16s every %-10s group=%s\n", job.Name, job.Type, job.Interval, job.Group)
	}
	return 0
}

func runOnce(ctx context.Context, manager *jobs.Manager, name string, log *logger.Logger) int {
	defer manager.Shutdown(context.Background())

	if name == "" {
		log.Error().
			Str("action", "run_once_failed").
			Msg("-once requires -job")
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	log.Info().
		Str("action", "run_once").
		Str("job_name", name).
		Msg("Running job once...")

	ran, err := manager.RunJob(ctx, name)
	switch {
	case err != nil:
		log.Error().
			Err(err).
			Str("action", "run_once_failed").
			Str("job_name", name).
			Msg("Job failed")
		return 1
	case !ran:
		log.Warn().
			Str("action", "run_once_skipped").
			Str("job_name", name).
			Msg("Job lock is held elsewhere; nothing was run")
		return 1
	}

	info, _ := manager.Job(name)
	log.Info().
		Str("action", "run_once_complete").
		Str("job_name", name).
		Str("result", info.LastResult).
		Msg("Job completed successfully")
	return 0
}
