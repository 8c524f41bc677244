package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
	"github.com/iddaa-lens/scheduler/pkg/logger"
)

const defaultDebounce = 250 * time.Millisecond

// fileDocument is the layout of a job provider file
type fileDocument struct {
	Jobs []jobs.JobDefinition `yaml:"jobs"`
}

// FileJobProvider serves the jobs listed in a YAML file. A watcher on the
// file's directory stamps the change time, so IsReloadRequired is a single
// atomic read. Without a watcher it falls back to the file's mtime.
type FileJobProvider struct {
	name     string
	path     string
	debounce time.Duration
	logger   *logger.Logger

	changedAt atomic.Int64

	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
	close   sync.Once

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewFileJobProvider watches path and serves its jobs
func NewFileJobProvider(name, path string, log *logger.Logger) (*FileJobProvider, error) {
	return newFileJobProvider(name, path, defaultDebounce, true, log)
}

func newFileJobProvider(name, path string, debounce time.Duration, watch bool, log *logger.Logger) (*FileJobProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("job file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve job file path: %w", err)
	}
	if log == nil {
		log = logger.New("job-provider-file")
	}

	p := &FileJobProvider{
		name:     name,
		path:     abs,
		debounce: debounce,
		logger:   log,
	}
	p.changedAt.Store(p.modTime().UnixNano())

	if watch {
		p.startWatcher()
	}
	return p, nil
}

func (p *FileJobProvider) startWatcher() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("provider", p.name).
			Str("action", "watch_init_failed").
			Msg("Job file watcher unavailable; falling back to mtime checks")
		return
	}
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		_ = w.Close()
		p.logger.Warn().
			Err(err).
			Str("provider", p.name).
			Str("path", p.path).
			Str("action", "watch_add_failed").
			Msg("Job file watcher unavailable; falling back to mtime checks")
		return
	}

	p.watcher = w
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.watch()
}

func (p *FileJobProvider) watch() {
	defer close(p.done)
	file := filepath.Base(p.path)

	for {
		select {
		case <-p.stop:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				p.scheduleMark()
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn().
				Err(err).
				Str("provider", p.name).
				Str("action", "watch_error").
				Msg("Job file watcher error; forcing reload")
			p.scheduleMark()
		}
	}
}

// scheduleMark stamps the change time once writes settle
func (p *FileJobProvider) scheduleMark() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		p.changedAt.Store(time.Now().UnixNano())
		p.logger.Debug().
			Str("provider", p.name).
			Str("path", p.path).
			Str("action", "job_file_changed").
			Msg("Job file changed")
	})
}

func (p *FileJobProvider) modTime() time.Time {
	info, err := os.Stat(p.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// GetJobs reads the file. A missing file yields an empty job set.
func (p *FileJobProvider) GetJobs(context.Context) ([]jobs.Configuration, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read job file %s: %w", p.path, err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse job file %s: %w", p.path, err)
	}

	out := make([]jobs.Configuration, 0, len(doc.Jobs))
	for _, d := range doc.Jobs {
		out = append(out, d.Configuration())
	}
	return out, nil
}

// IsReloadRequired reports whether the file changed after since
func (p *FileJobProvider) IsReloadRequired(_ context.Context, since time.Time) bool {
	if p.watcher == nil {
		return p.modTime().After(since)
	}
	return time.Unix(0, p.changedAt.Load()).After(since)
}

// Close stops the watcher
func (p *FileJobProvider) Close() error {
	var err error
	p.close.Do(func() {
		p.timerMu.Lock()
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timerMu.Unlock()

		if p.watcher == nil {
			return
		}
		close(p.stop)
		err = p.watcher.Close()
		<-p.done
	})
	return err
}
