package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

const defaultTable = "job_history"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// historyRow is the table layout. Times are unix milliseconds so the same
// schema works on every driver.
type historyRow struct {
	Name        string `db:"name"`
	Status      string `db:"status"`
	StartedAtMs int64  `db:"started_at_ms"`
	DurationMs  int64  `db:"duration_ms"`
	Result      string `db:"result"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

// SQLHistoryProvider stores history in a table keyed by job name
type SQLHistoryProvider struct {
	db     *sqlx.DB
	table  string
	owned  bool
	logger *logger.Logger
}

// normalizeDriver maps common aliases onto the registered driver names
func normalizeDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported history driver %q", driver)
	}
}

// OpenSQLHistoryProvider connects to dsn with driver ("postgres" or
// "sqlite"), creates the table if needed and owns the connection.
func OpenSQLHistoryProvider(ctx context.Context, driver, dsn, table string, log *logger.Logger) (*SQLHistoryProvider, error) {
	driver, err := normalizeDriver(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("history dsn is required")
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect history database: %w", err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
		_, _ = db.ExecContext(ctx, "PRAGMA busy_timeout = 5000")
	}

	p, err := NewSQLHistoryProvider(db, table, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	p.owned = true

	if err := p.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// NewSQLHistoryProvider uses an existing connection; the caller keeps
// ownership of db
func NewSQLHistoryProvider(db *sqlx.DB, table string, log *logger.Logger) (*SQLHistoryProvider, error) {
	if table == "" {
		table = defaultTable
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid history table name %q", table)
	}
	if log == nil {
		log = logger.New("job-history-sql")
	}
	return &SQLHistoryProvider{db: db, table: table, logger: log}, nil
}

// Migrate creates the history table if it does not exist
func (p *SQLHistoryProvider) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	name TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	started_at_ms BIGINT NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	updated_at_ms BIGINT NOT NULL DEFAULT 0
)`, p.table)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create history table %s: %w", p.table, err)
	}
	return nil
}

// RestoreHistory loads the row for name. A missing row is a job that has
// never run.
func (p *SQLHistoryProvider) RestoreHistory(ctx context.Context, name string) (jobs.History, error) {
	start := time.Now()
	query := p.db.Rebind(fmt.Sprintf(
		"SELECT name, status, started_at_ms, duration_ms, result, updated_at_ms FROM %s WHERE name = ?", p.table))

	var row historyRow
	err := p.db.GetContext(ctx, &row, query, name)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.History{Name: name}, nil
	}
	p.logger.LogDatabaseOperation("select", p.table, 1, time.Since(start), err)
	if err != nil {
		return jobs.History{}, fmt.Errorf("failed to load history for job %s: %w", name, err)
	}

	h := jobs.History{
		Name:     row.Name,
		Status:   jobs.ParseStatus(row.Status),
		Duration: time.Duration(row.DurationMs) * time.Millisecond,
		Result:   row.Result,
	}
	if row.StartedAtMs != 0 {
		h.StartedAt = time.UnixMilli(row.StartedAtMs)
	}
	return h, nil
}

// SaveHistory upserts the row for h.Name
func (p *SQLHistoryProvider) SaveHistory(ctx context.Context, h jobs.History) error {
	start := time.Now()
	row := historyRow{
		Name:        h.Name,
		Status:      h.Status.String(),
		DurationMs:  h.Duration.Milliseconds(),
		Result:      h.Result,
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	if !h.StartedAt.IsZero() {
		row.StartedAtMs = h.StartedAt.UnixMilli()
	}

	query := fmt.Sprintf(`INSERT INTO %s (name, status, started_at_ms, duration_ms, result, updated_at_ms)
VALUES (:name, :status, :started_at_ms, :duration_ms, :result, :updated_at_ms)
ON CONFLICT (name) DO UPDATE SET
	status = excluded.status,
	started_at_ms = excluded.started_at_ms,
	duration_ms = excluded.duration_ms,
	result = excluded.result,
	updated_at_ms = excluded.updated_at_ms`, p.table)

	res, err := p.db.NamedExecContext(ctx, query, row)
	var affected int64
	if err == nil {
		affected, _ = res.RowsAffected()
	}
	p.logger.LogDatabaseOperation("upsert", p.table, int(affected), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to save history for job %s: %w", h.Name, err)
	}
	return nil
}

// Close closes the connection when the provider opened it
func (p *SQLHistoryProvider) Close() error {
	if p.owned {
		return p.db.Close()
	}
	return nil
}
