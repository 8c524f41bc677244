package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/models/api"
)

// Scheduler is the part of the job manager the health check reads
type Scheduler interface {
	ID() string
	Started() bool
	Running() int64
	LastInitialize() time.Time
	Jobs() []jobs.JobInfo
}

// Pinger checks the database. *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles health check requests
type Handler struct {
	scheduler Scheduler
	db        Pinger
	dbStats   func() interface{}
	logger    *logger.Logger
}

// NewHandler creates a new health handler. db and dbStats may be nil.
func NewHandler(scheduler Scheduler, db Pinger, dbStats func() interface{}, log *logger.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		db:        db,
		dbStats:   dbStats,
		logger:    log,
	}
}

// HealthCheck handles the /health endpoint
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	response := api.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Scheduler: api.SchedulerState{
			ManagerID:      h.scheduler.ID(),
			Started:        h.scheduler.Started(),
			Jobs:           len(h.scheduler.Jobs()),
			Running:        h.scheduler.Running(),
			LastInitialize: h.scheduler.LastInitialize(),
		},
	}
	statusCode := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := h.db.Ping(ctx)
		cancel()
		if err != nil {
			response.Status = "degraded"
			response.DatabaseErr = err.Error()
			statusCode = http.StatusServiceUnavailable
		}
	}
	if h.dbStats != nil {
		response.Database = h.dbStats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().
			Err(err).
			Str("action", "health_check_failed").
			Str("endpoint", "/health").
			Msg("Failed to encode health response")
		return
	}

	h.logger.Debug().
		Str("action", "health_check").
		Str("endpoint", "/health").
		Str("method", r.Method).
		Str("remote_addr", r.RemoteAddr).
		Int("status_code", statusCode).
		Dur("duration", time.Since(start)).
		Msg("Health check completed")
}
