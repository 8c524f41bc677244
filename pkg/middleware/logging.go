package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/iddaa-lens/scheduler/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestLogger tags each request with an id, stores a request scoped
// logger in its context and logs the outcome.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get(requestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, requestID)

			reqLog := log.WithRequestID(requestID)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(reqLog.ToContext(r.Context())))

			event := reqLog.Debug()
			if rec.status >= http.StatusInternalServerError {
				event = reqLog.Warn()
			}
			event.
				Str("action", "http_request").
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status_code", rec.status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request handled")
		})
	}
}
