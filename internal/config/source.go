package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/iddaa-lens/scheduler/pkg/jobs"
)

// FileSource loads the scheduler definition from a YAML file. ${VAR}
// references in job arguments and provider options are expanded from the
// environment on every load.
type FileSource struct {
	path   string
	lookup func(string) string
}

// NewFileSource returns a source reading path
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, lookup: os.Getenv}
}

// Path returns the file the source reads
func (s *FileSource) Path() string {
	return s.path
}

// Load reads and decodes the file. Unknown keys are rejected.
func (s *FileSource) Load(context.Context) (*jobs.Definition, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduler config %s: %w", s.path, err)
	}

	def := &jobs.Definition{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse scheduler config %s: %w", s.path, err)
	}

	s.expand(def)
	return def, nil
}

func (s *FileSource) expand(def *jobs.Definition) {
	for i := range def.Jobs {
		expandMap(def.Jobs[i].Arguments, s.lookup)
	}
	for _, providers := range [][]jobs.ProviderDefinition{def.LockProviders, def.HistoryProviders, def.JobProviders} {
		for i := range providers {
			expandMap(providers[i].Options, s.lookup)
		}
	}
}

func expandMap[M ~map[string]string](m M, lookup func(string) string) {
	for k, v := range m {
		m[k] = os.Expand(v, lookup)
	}
}
