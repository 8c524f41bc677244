package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
	"github.com/iddaa-lens/scheduler/pkg/utils"
)

// FileHistoryProvider keeps one JSON document per job in a directory
type FileHistoryProvider struct {
	dir    string
	mu     sync.Mutex
	logger *logger.Logger
}

// NewFileHistoryProvider creates dir if needed and stores history under it
func NewFileHistoryProvider(dir string, log *logger.Logger) (*FileHistoryProvider, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("history directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}
	if log == nil {
		log = logger.New("job-history-file")
	}
	return &FileHistoryProvider{dir: dir, logger: log}, nil
}

func (p *FileHistoryProvider) path(name string) string {
	return filepath.Join(p.dir, utils.GenerateJobKey(name)+".json")
}

// RestoreHistory reads the job's document. A missing file is a job that has
// never run.
func (p *FileHistoryProvider) RestoreHistory(_ context.Context, name string) (jobs.History, error) {
	path := p.path(name)
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return jobs.History{Name: name}, nil
		}
		return jobs.History{}, fmt.Errorf("failed to read history file %s: %w", path, err)
	}

	var h jobs.History
	if err := json.Unmarshal(b, &h); err != nil {
		return jobs.History{}, fmt.Errorf("failed to decode history file %s: %w", path, err)
	}
	if h.Name != name {
		// Copied or hand edited; the document is not ours.
		p.logger.Warn().
			Str("job_name", name).
			Str("stored_name", h.Name).
			Str("path", path).
			Str("action", "history_name_mismatch").
			Msg("History file belongs to a different job")
		return jobs.History{Name: name}, nil
	}
	return h, nil
}

// SaveHistory writes the document atomically through a temp file
func (p *FileHistoryProvider) SaveHistory(_ context.Context, h jobs.History) error {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode history for job %s: %w", h.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	path := p.path(h.Name)
	tmp, err := os.CreateTemp(p.dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp history file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write history for job %s: %w", h.Name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync history for job %s: %w", h.Name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close history for job %s: %w", h.Name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace history for job %s: %w", h.Name, err)
	}
	return nil
}
