// Package metrics exports scheduler lifecycle metrics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
)

// JobMetrics records scheduler lifecycle events
type JobMetrics struct {
	duration    *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	running     prometheus.Gauge
	scheduled   *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

// NewJobMetrics registers the job metrics on reg. A nil registerer yields
// metrics that record nothing.
func NewJobMetrics(reg prometheus.Registerer) *JobMetrics {
	if reg == nil {
		return &JobMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_job_duration_seconds",
		Help:    "Duration of job runs in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_job_runs_total",
		Help: "Completed job runs by outcome.",
	}, []string{"job", "status"})
	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_jobs_running",
		Help: "Job runs currently in flight.",
	})
	scheduled := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_job_scheduled",
		Help: "Whether the job is currently scheduled (1) or stopped (0).",
	}, []string{"job"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_manager_transitions_total",
		Help: "Manager start and stop transitions.",
	}, []string{"action"})
	reg.MustRegister(duration, runs, running, scheduled, transitions)
	return &JobMetrics{
		duration:    duration,
		runs:        runs,
		running:     running,
		scheduled:   scheduled,
		transitions: transitions,
	}
}

// Hook returns a jobs.Hook that feeds lifecycle events into the metrics
func (m *JobMetrics) Hook() jobs.Hook {
	return m.Observe
}

// Observe records a single lifecycle event
func (m *JobMetrics) Observe(ev jobs.Event) {
	if m == nil || m.runs == nil {
		return
	}
	job := normalizeLabel(ev.JobName)

	switch ev.Action {
	case jobs.ActionManagerStarting, jobs.ActionManagerStopping:
		m.transitions.WithLabelValues(string(ev.Action)).Inc()
	case jobs.ActionJobStarting:
		m.scheduled.WithLabelValues(job).Set(1)
	case jobs.ActionJobStopping:
		m.scheduled.WithLabelValues(job).Set(0)
	case jobs.ActionJobRunning:
		m.running.Inc()
	case jobs.ActionJobCompleted:
		m.running.Dec()
		m.duration.WithLabelValues(job).Observe(ev.Duration.Seconds())
		m.runs.WithLabelValues(job, ev.Status.String()).Inc()
	}
}

func normalizeLabel(job string) string {
	if job == "" {
		return "unknown"
	}
	return job
}
