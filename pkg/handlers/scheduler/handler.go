package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/models/api"
)

// Manager is the part of the job manager exposed over HTTP
type Manager interface {
	Jobs() []jobs.JobInfo
	JobsByGroup(group string) []jobs.JobInfo
	Job(name string) (jobs.JobInfo, bool)
	RunJob(ctx context.Context, name string) (bool, error)
	Reload(ctx context.Context, startAfter bool) error
}

// Handler serves the job listing and control endpoints
type Handler struct {
	manager Manager
	logger  *logger.Logger
}

// NewHandler creates a handler backed by manager
func NewHandler(manager Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		logger:  log,
	}
}

// List handles GET /api/jobs[?group=]
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	var list []jobs.JobInfo
	group, filtered := r.URL.Query()["group"]
	if filtered {
		list = h.manager.JobsByGroup(firstOrEmpty(group))
	} else {
		list = h.manager.Jobs()
	}

	meta := map[string]interface{}{
		"total": len(list),
	}
	if filtered {
		meta["group"] = firstOrEmpty(group)
	}
	h.writeJSON(w, http.StatusOK, api.Response{
		Success: true,
		Data:    list,
		Meta:    meta,
	})
}

// Get handles GET /api/jobs/{name}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	info, ok := h.manager.Job(name)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, api.Response{Message: "job not found: " + name})
		return
	}
	h.writeJSON(w, http.StatusOK, api.Response{Success: true, Data: info})
}

// Run handles POST /api/jobs/{name}/run. The run is detached from the
// request so a disconnecting client does not cancel it.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	start := time.Now()

	ran, err := h.manager.RunJob(context.WithoutCancel(r.Context()), name)

	var cfgErr *jobs.ConfigError
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		h.writeJSON(w, http.StatusNotFound, api.Response{Message: "job not found: " + name})
		return
	case errors.As(err, &cfgErr):
		h.logger.Error().
			Err(err).
			Str("action", "manual_run_failed").
			Str("job_name", name).
			Msg("Job manager could not be initialized")
		h.writeJSON(w, http.StatusInternalServerError, api.Response{Message: err.Error()})
		return
	case err != nil && !ran:
		// The body never started: lock backend or definition source failed.
		h.logger.Error().
			Err(err).
			Str("action", "manual_run_failed").
			Str("job_name", name).
			Msg("Job could not be started")
		h.writeJSON(w, http.StatusInternalServerError, api.Response{
			Message: err.Error(),
			Data:    api.RunResponse{Job: name, Error: err.Error()},
		})
		return
	}

	res := api.RunResponse{Job: name, Ran: ran}
	if info, ok := h.manager.Job(name); ok && ran {
		res.Status = info.LastStatus.String()
	}
	if err != nil {
		res.Error = err.Error()
	}

	h.logger.Info().
		Str("action", "manual_run").
		Str("job_name", name).
		Bool("ran", ran).
		Dur("duration", time.Since(start)).
		Msg("Manual job run finished")

	status := http.StatusOK
	if !ran {
		status = http.StatusConflict
	}
	h.writeJSON(w, status, api.Response{Success: ran && err == nil, Data: res})
}

// Reload handles POST /api/jobs/reload
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := h.manager.Reload(r.Context(), true); err != nil {
		h.logger.Error().
			Err(err).
			Str("action", "manual_reload_failed").
			Msg("Job manager reload failed")
		h.writeJSON(w, http.StatusInternalServerError, api.Response{Message: err.Error()})
		return
	}

	list := h.manager.Jobs()
	h.logger.Info().
		Str("action", "manual_reload").
		Int("jobs", len(list)).
		Dur("duration", time.Since(start)).
		Msg("Job manager reloaded")
	h.writeJSON(w, http.StatusOK, api.Response{
		Success: true,
		Meta: map[string]interface{}{
			"total": len(list),
		},
		Message: "reloaded",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body api.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode jobs response")
	}
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
