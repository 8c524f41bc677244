package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iddaa-lens/scheduler/pkg/handlers/health"
	"github.com/iddaa-lens/scheduler/pkg/handlers/scheduler"
	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/middleware"
)

// Manager is what the server needs from the job manager
type Manager interface {
	health.Scheduler
	scheduler.Manager
}

// Options wires optional collaborators into the server
type Options struct {
	// Gatherer backs /metrics; the endpoint is omitted when nil
	Gatherer prometheus.Gatherer
	// DB is pinged by /health when set
	DB health.Pinger
	// DBStats is reported by /health when set
	DBStats func() interface{}
}

// Server represents the scheduler's HTTP surface
type Server struct {
	router   *http.ServeMux
	http     *http.Server
	addr     string
	logger   *logger.Logger
	handlers struct {
		health    *health.Handler
		scheduler *scheduler.Handler
	}
}

// New creates a new server instance
func New(addr string, manager Manager, opts Options, log *logger.Logger) *Server {
	s := &Server{
		router: http.NewServeMux(),
		addr:   addr,
		logger: log,
	}

	s.handlers.health = health.NewHandler(manager, opts.DB, opts.DBStats, log)
	s.handlers.scheduler = scheduler.NewHandler(manager, log)
	s.setupRoutes(opts.Gatherer)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.HandleFunc("GET /health", s.handlers.health.HealthCheck)

	s.router.HandleFunc("GET /api/jobs", s.handlers.scheduler.List)
	s.router.HandleFunc("GET /api/jobs/{name}", s.handlers.scheduler.Get)
	s.router.HandleFunc("POST /api/jobs/{name}/run", s.handlers.scheduler.Run)
	s.router.HandleFunc("POST /api/jobs/reload", s.handlers.scheduler.Reload)

	if gatherer != nil {
		s.router.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	return middleware.RequestLogger(s.logger)(middleware.CORS(s.router))
}

// Start serves HTTP until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info().
		Str("action", "server_start").
		Str("addr", s.addr).
		Msg("Starting scheduler API server")

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed to start on %s: %w", s.addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().
		Str("action", "server_shutdown").
		Msg("Shutting down scheduler API server")
	return s.http.Shutdown(ctx)
}

var _ Manager = (*jobs.Manager)(nil)
