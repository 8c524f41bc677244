package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/utils"
)

func sampleHistory(name string) jobs.History {
	return jobs.History{
		Name:      name,
		Status:    jobs.StatusError,
		StartedAt: time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Result:    "upstream returned 503",
	}
}

func TestFileHistoryProvider_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileHistoryProvider(dir, logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	h, err := p.RestoreHistory(ctx, "Nightly Sync")
	require.NoError(t, err)
	assert.True(t, h.IsZero(), "unknown job should restore a zero history")

	saved := sampleHistory("Nightly Sync")
	require.NoError(t, p.SaveHistory(ctx, saved))
	assert.FileExists(t, filepath.Join(dir, utils.GenerateJobKey("Nightly Sync")+".json"))

	got, err := p.RestoreHistory(ctx, "Nightly Sync")
	require.NoError(t, err)
	assert.Equal(t, saved.Status, got.Status)
	assert.True(t, saved.StartedAt.Equal(got.StartedAt))
	assert.Equal(t, saved.Duration, got.Duration)
	assert.Equal(t, saved.Result, got.Result)

	saved.Status = jobs.StatusCompleted
	saved.Result = "ok"
	require.NoError(t, p.SaveHistory(ctx, saved))
	got, err = p.RestoreHistory(ctx, "Nightly Sync")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files should not be left behind")
}

func TestFileHistoryProvider_SlugCollision(t *testing.T) {
	p, err := NewFileHistoryProvider(t.TempDir(), logger.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	upper := jobs.History{Name: "Backup", Status: jobs.StatusCompleted, StartedAt: time.Now().UTC(), Result: "ok"}
	lower := jobs.History{Name: "backup", Status: jobs.StatusError, StartedAt: time.Now().UTC(), Result: "boom"}
	require.NoError(t, p.SaveHistory(ctx, upper))
	require.NoError(t, p.SaveHistory(ctx, lower))

	got, err := p.RestoreHistory(ctx, "Backup")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "ok", got.Result)

	got, err = p.RestoreHistory(ctx, "backup")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusError, got.Status)
	assert.Equal(t, "boom", got.Result)

	got, err = p.RestoreHistory(ctx, "BACKUP")
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "a job that never ran restores a zero history")
}

func TestFileHistoryProvider_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	p, err := NewFileHistoryProvider(dir, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, utils.GenerateJobKey("broken")+".json"), []byte("{not json"), 0o600))

	_, err = p.RestoreHistory(context.Background(), "broken")
	assert.Error(t, err)
}

func TestNewFileHistoryProvider_RequiresDir(t *testing.T) {
	_, err := NewFileHistoryProvider("  ", logger.Nop())
	assert.Error(t, err)
}

func openSQLite(t *testing.T) *SQLHistoryProvider {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "history.db")
	p, err := OpenSQLHistoryProvider(context.Background(), "sqlite", dsn, "", logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestSQLHistoryProvider_RoundTrip(t *testing.T) {
	p := openSQLite(t)
	ctx := context.Background()

	h, err := p.RestoreHistory(ctx, "sync")
	require.NoError(t, err)
	assert.True(t, h.IsZero())

	saved := sampleHistory("sync")
	require.NoError(t, p.SaveHistory(ctx, saved))

	got, err := p.RestoreHistory(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, "sync", got.Name)
	assert.Equal(t, jobs.StatusError, got.Status)
	assert.True(t, saved.StartedAt.Equal(got.StartedAt), "started at: want %v got %v", saved.StartedAt, got.StartedAt)
	assert.Equal(t, saved.Duration, got.Duration)
	assert.Equal(t, saved.Result, got.Result)

	saved.Status = jobs.StatusCompleted
	saved.Result = "recovered"
	require.NoError(t, p.SaveHistory(ctx, saved))

	got, err = p.RestoreHistory(ctx, "sync")
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, "recovered", got.Result)

	var count int
	require.NoError(t, p.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM job_history"))
	assert.Equal(t, 1, count, "upsert should keep one row per job")
}

func TestSQLHistoryProvider_MigrateIsIdempotent(t *testing.T) {
	p := openSQLite(t)
	require.NoError(t, p.Migrate(context.Background()))
}

func TestOpenSQLHistoryProvider_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := OpenSQLHistoryProvider(ctx, "oracle", "dsn", "", logger.Nop())
	assert.Error(t, err)

	_, err = OpenSQLHistoryProvider(ctx, "sqlite", "", "", logger.Nop())
	assert.Error(t, err)

	dsn := filepath.Join(t.TempDir(), "bad.db")
	_, err = OpenSQLHistoryProvider(ctx, "sqlite", dsn, "history; DROP TABLE x", logger.Nop())
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	registry := jobs.NewRegistry()
	Register(registry, Defaults{Logger: logger.Nop()})
	ctx := context.Background()

	dir := t.TempDir()
	p, err := registry.NewHistoryProvider(ctx, "file", jobs.Options{"dir": dir})
	require.NoError(t, err)
	require.NoError(t, p.SaveHistory(ctx, sampleHistory("registered")))
	assert.FileExists(t, filepath.Join(dir, utils.GenerateJobKey("registered")+".json"))

	p, err = registry.NewHistoryProvider(ctx, "sql", jobs.Options{
		"driver": "sqlite3",
		"dsn":    filepath.Join(dir, "registered.db"),
	})
	require.NoError(t, err)
	if c, ok := p.(interface{ Close() error }); ok {
		defer c.Close()
	}
	require.NoError(t, p.SaveHistory(ctx, sampleHistory("registered")))
}
