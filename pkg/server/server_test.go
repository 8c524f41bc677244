package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/metrics"
	"github.com/iddaa-lens/scheduler/pkg/models/api"
)

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestManager(t *testing.T, defs ...jobs.JobDefinition) *jobs.Manager {
	t.Helper()
	registry := jobs.NewRegistry()
	registry.RegisterJobFunc("echo", func(_ context.Context, jc *jobs.Context) (jobs.Result, error) {
		return jobs.Result{Message: jc.ArgumentOr("message", "ok")}, nil
	})
	registry.RegisterJobFunc("fail", func(context.Context, *jobs.Context) (jobs.Result, error) {
		return jobs.Result{}, errors.New("upstream unavailable")
	})

	m := jobs.NewManager(jobs.StaticSource(&jobs.Definition{Jobs: defs}), registry,
		jobs.WithLogger(logger.Nop()),
		jobs.WithStopPollInterval(5*time.Millisecond),
	)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func def(name, typ, group string) jobs.JobDefinition {
	return jobs.JobDefinition{Name: name, Type: typ, Group: group, Interval: jobs.Interval(time.Hour)}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) api.Response {
	t.Helper()
	var res api.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_ListAndGet(t *testing.T) {
	m := newTestManager(t,
		def("b-report", "echo", "reports"),
		def("a-cleanup", "echo", "maintenance"),
		def("c-report", "echo", "reports"),
	)
	require.NoError(t, m.Start(context.Background()))
	h := New(":0", m, Options{}, logger.Nop()).Handler()

	rec := do(h, http.MethodGet, "/api/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.True(t, res.Success)
	list, ok := res.Data.([]interface{})
	require.True(t, ok)
	require.Len(t, list, 3)
	assert.Equal(t, "a-cleanup", list[0].(map[string]interface{})["name"])

	rec = do(h, http.MethodGet, "/api/jobs?group=reports")
	res = decode(t, rec)
	assert.Len(t, res.Data, 2)
	assert.Equal(t, "reports", res.Meta.(map[string]interface{})["group"])

	rec = do(h, http.MethodGet, "/api/jobs/b-report")
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode(t, rec).Data.(map[string]interface{})
	assert.Equal(t, "b-report", job["name"])
	assert.Equal(t, true, job["scheduled"])

	rec = do(h, http.MethodGet, "/api/jobs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode(t, rec).Success)
}

func TestServer_RunJob(t *testing.T) {
	m := newTestManager(t, def("echo", "echo", ""), def("broken", "fail", ""))
	h := New(":0", m, Options{}, logger.Nop()).Handler()

	rec := do(h, http.MethodPost, "/api/jobs/echo/run")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.True(t, res.Success)
	data := res.Data.(map[string]interface{})
	assert.Equal(t, true, data["ran"])
	assert.Equal(t, "completed", data["status"])

	rec = do(h, http.MethodPost, "/api/jobs/broken/run")
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode(t, rec)
	assert.False(t, res.Success)
	data = res.Data.(map[string]interface{})
	assert.Equal(t, "error", data["status"])
	assert.Contains(t, data["error"], "upstream unavailable")

	info, ok := m.Job("broken")
	require.True(t, ok)
	assert.Equal(t, jobs.StatusError, info.LastStatus)

	rec = do(h, http.MethodPost, "/api/jobs/nope/run")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/jobs/echo/run")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

type failingLocks struct{}

func (failingLocks) Acquire(context.Context, string) (jobs.Lease, error) {
	return nil, errors.New("lock backend unreachable")
}

func TestServer_RunJobLockBackendDown(t *testing.T) {
	registry := jobs.NewRegistry()
	registry.RegisterJobFunc("echo", func(context.Context, *jobs.Context) (jobs.Result, error) {
		return jobs.Result{Message: "ok"}, nil
	})
	d := def("guarded", "echo", "")
	d.LockProvider = "remote"
	m := jobs.NewManager(jobs.StaticSource(&jobs.Definition{Jobs: []jobs.JobDefinition{d}}), registry,
		jobs.WithLogger(logger.Nop()),
		jobs.WithLockProvider("remote", failingLocks{}),
	)
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	h := New(":0", m, Options{}, logger.Nop()).Handler()

	rec := do(h, http.MethodPost, "/api/jobs/guarded/run")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	res := decode(t, rec)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "lock backend unreachable")
}

func TestServer_Reload(t *testing.T) {
	m := newTestManager(t, def("echo", "echo", ""))
	require.NoError(t, m.Start(context.Background()))
	before := m.LastInitialize()
	h := New(":0", m, Options{}, logger.Nop()).Handler()

	rec := do(h, http.MethodPost, "/api/jobs/reload")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode(t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, float64(1), res.Meta.(map[string]interface{})["total"])
	assert.True(t, m.Started())
	assert.True(t, m.LastInitialize().After(before) || m.LastInitialize().Equal(before))
}

func TestServer_Health(t *testing.T) {
	m := newTestManager(t, def("echo", "echo", ""))
	require.NoError(t, m.Start(context.Background()))

	h := New(":0", m, Options{
		DB:      fakePinger{},
		DBStats: func() interface{} { return map[string]int{"total_conns": 2} },
	}, logger.Nop()).Handler()

	rec := do(h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body api.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, m.ID(), body.Scheduler.ManagerID)
	assert.True(t, body.Scheduler.Started)
	assert.Equal(t, 1, body.Scheduler.Jobs)
	assert.NotNil(t, body.Database)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	h = New(":0", m, Options{DB: fakePinger{err: errors.New("connection refused")}}, logger.Nop()).Handler()
	rec = do(h, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "connection refused", body.DatabaseErr)
}

func TestServer_MetricsAndCORS(t *testing.T) {
	reg := prometheus.NewRegistry()
	jm := metrics.NewJobMetrics(reg)

	m := newTestManager(t, def("echo", "echo", ""))
	m.AddHook(jm.Hook())
	h := New(":0", m, Options{Gatherer: reg}, logger.Nop()).Handler()

	do(h, http.MethodPost, "/api/jobs/echo/run")

	rec := do(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `scheduler_job_runs_total{job="echo",status="completed"} 1`),
		fmt.Sprintf("metrics output:\n%s", rec.Body.String()))

	rec = do(h, http.MethodOptions, "/api/jobs")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(New(":0", m, Options{}, logger.Nop()).Handler(), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
