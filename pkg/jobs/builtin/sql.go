package builtin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SQLJob executes the statement argument against the shared database
type SQLJob struct {
	db Execer
}

// NewSQLJob returns a job bound to db
func NewSQLJob(db Execer) *SQLJob {
	return &SQLJob{db: db}
}

// Run executes the statement argument
func (j *SQLJob) Run(ctx context.Context, jc *jobs.Context) (jobs.Result, error) {
	statement := strings.TrimSpace(jc.ArgumentOr("statement", ""))
	if statement == "" {
		return jobs.Result{}, fmt.Errorf("statement argument is required")
	}

	log := logger.WithContext(ctx, "job-sql")
	start := time.Now()
	tag, err := j.db.Exec(ctx, statement)
	log.LogDatabaseOperation(firstWord(statement), jc.ArgumentOr("table", ""), int(tag.RowsAffected()), time.Since(start), err)
	if err != nil {
		return jobs.Result{}, fmt.Errorf("statement failed: %w", err)
	}
	return jobs.Result{Message: tag.String()}, nil
}

// RefreshViewsJob refreshes each materialized view in the comma separated
// views argument. A failing view does not stop the others; the run fails if
// any of them did.
type RefreshViewsJob struct {
	db Execer
}

// NewRefreshViewsJob returns a job bound to db
func NewRefreshViewsJob(db Execer) *RefreshViewsJob {
	return &RefreshViewsJob{db: db}
}

// Run refreshes every listed view, continuing past failures
func (j *RefreshViewsJob) Run(ctx context.Context, jc *jobs.Context) (jobs.Result, error) {
	views := splitList(jc.ArgumentOr("views", ""))
	if len(views) == 0 {
		return jobs.Result{}, fmt.Errorf("views argument is required")
	}
	concurrently, err := strconv.ParseBool(jc.ArgumentOr("concurrently", "false"))
	if err != nil {
		return jobs.Result{}, fmt.Errorf("invalid concurrently: %w", err)
	}

	log := logger.WithContext(ctx, "job-refresh-views")
	var (
		errs      []error
		refreshed int
	)
	for i, view := range views {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		stmt := "REFRESH MATERIALIZED VIEW "
		if concurrently {
			stmt += "CONCURRENTLY "
		}
		stmt += pgx.Identifier(strings.Split(view, ".")).Sanitize()

		start := time.Now()
		_, err := j.db.Exec(ctx, stmt)
		log.LogDatabaseOperation("REFRESH", view, 0, time.Since(start), err)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", view, err))
			continue
		}
		refreshed++
		jc.Progress(fmt.Sprintf("refreshed %s (%d/%d)", view, i+1, len(views)))
	}

	msg := fmt.Sprintf("refreshed %d of %d views", refreshed, len(views))
	if len(errs) > 0 {
		return jobs.Result{Message: msg}, errors.Join(errs...)
	}
	return jobs.Result{Message: msg}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstWord(s string) string {
	if f := strings.Fields(s); len(f) > 0 {
		return strings.ToUpper(f[0])
	}
	return ""
}
