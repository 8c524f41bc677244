package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type contextKey string

const LoggerKey contextKey = "logger"

type Logger struct {
	*zerolog.Logger
}

// New creates a new logger instance with service context
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a service logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	hostname, _ := os.Hostname()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "@timestamp" // ELK compatible

	logger := zerolog.New(w).
		With().
		Timestamp().
		Str("service", service).
		Str("hostname", hostname).
		Str("environment", getEnv("ENVIRONMENT", "development")).
		Str("version", getEnv("SERVICE_VERSION", "unknown")).
		Logger()

	return &Logger{&logger}
}

// Nop returns a logger that discards everything. Intended for tests.
func Nop() *Logger {
	logger := zerolog.Nop()
	return &Logger{&logger}
}

// WithContext returns a logger from context or creates a new one
func WithContext(ctx context.Context, service string) *Logger {
	if logger, ok := ctx.Value(LoggerKey).(*Logger); ok {
		return logger
	}
	return New(service)
}

// ToContext adds logger to context
func (l *Logger) ToContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, LoggerKey, l)
}

// WithRequestID adds request/correlation ID for tracing
func (l *Logger) WithRequestID(requestID string) *Logger {
	logger := l.Logger.With().Str("request_id", requestID).Logger()
	return &Logger{&logger}
}

// WithJob adds job context for scheduled jobs
func (l *Logger) WithJob(jobName string) *Logger {
	logger := l.Logger.With().
		Str("job_name", jobName).
		Str("job_type", "interval").
		Logger()
	return &Logger{&logger}
}

// WithComponent tags every line with the emitting component
func (l *Logger) WithComponent(component string) *Logger {
	logger := l.Logger.With().Str("component", component).Logger()
	return &Logger{&logger}
}

// LogJobStart logs job execution start
func (l *Logger) LogJobStart(jobName string, interval time.Duration) {
	l.Info().
		Str("action", "job_start").
		Str("job_name", jobName).
		Dur("interval", interval).
		Msg("Starting job execution")
}

// LogJobComplete logs job completion with its outcome
func (l *Logger) LogJobComplete(jobName string, duration time.Duration, status string, err error) {
	event := l.Info()
	if err != nil {
		event = l.Error().Err(err)
	}

	event.
		Str("action", "job_complete").
		Str("job_name", jobName).
		Dur("duration", duration).
		Str("status", status).
		Bool("success", err == nil).
		Msg("Job execution completed")
}

// LogAPICall logs external API calls
func (l *Logger) LogAPICall(method, url string, statusCode int, duration time.Duration, err error) {
	event := l.Info()
	if err != nil {
		event = l.Error().Err(err)
	}

	event.
		Str("action", "api_call").
		Str("method", method).
		Str("url", url).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Bool("success", err == nil).
		Msg("External API call")
}

// LogDatabaseOperation logs database operations
func (l *Logger) LogDatabaseOperation(operation string, table string, affectedRows int, duration time.Duration, err error) {
	event := l.Debug()
	if err != nil {
		event = l.Error().Err(err)
	}

	event.
		Str("action", "db_operation").
		Str("operation", operation).
		Str("table", table).
		Int("affected_rows", affectedRows).
		Dur("duration", duration).
		Bool("success", err == nil).
		Msg("Database operation")
}

// SetupLogger configures global log level based on environment
func SetupLogger() {
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Pretty logging for development
	if getEnv("ENVIRONMENT", "development") == "development" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
		logger := zerolog.New(output).With().Timestamp().Logger()
		zerolog.DefaultContextLogger = &logger
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
