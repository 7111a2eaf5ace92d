// Package files stores G-code files to print and their metadata: static analysis, print
// history and per printer profile average print time. Metadata is kept in a YAML file next to
// the stored files.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.yaml.in/yaml/v3"

	"github.com/fornellas/printhost/gcode"
	"github.com/fornellas/printhost/jobs"
)

const metadataFile = ".metadata.yaml"

// TemporaryMarker is part of the name of files generated for a single print, which are deleted
// once the print finishes or is cancelled.
const TemporaryMarker = "__tmp-scn"

// IsTemporary returns true if path names a file generated for a single print.
func IsTemporary(path string) bool {
	return strings.Contains(filepath.Base(path), TemporaryMarker)
}

// Statistics of prints of a file with a single printer profile.
type Statistics struct {
	Success int `yaml:"success"`
	Failure int `yaml:"failure"`
	// AveragePrintTime of successful prints.
	AveragePrintTime time.Duration `yaml:"averagePrintTime"`
	LastPrintTime    time.Duration `yaml:"lastPrintTime"`
	LastPrintDate    time.Time     `yaml:"lastPrintDate"`
}

type Metadata struct {
	// Hash identifies the file content the analysis belongs to.
	Hash       string                 `yaml:"hash,omitempty"`
	Analysis   *gcode.Analysis        `yaml:"analysis,omitempty"`
	Statistics map[string]*Statistics `yaml:"statistics,omitempty"`
}

// Store keeps files under a single folder.
type Store struct {
	dir    string
	jobs   *jobs.Registry
	mu     sync.Mutex
	loaded bool
	meta   map[string]*Metadata
}

// New creates a store for dir. jobs registers analyses, so they can be cancelled; it may be nil.
func New(dir string, registry *jobs.Registry) *Store {
	if registry == nil {
		registry = jobs.NewRegistry()
	}
	return &Store{
		dir:  dir,
		jobs: registry,
		meta: map[string]*Metadata{},
	}
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path of a stored file name. Absolute paths are returned as is.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(s.dir, filepath.Clean("/"+name))
}

// key returns the metadata key of path: relative to the store folder when inside it.
func (s *Store) key(path string) string {
	path = s.Path(path)
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

func (s *Store) load() error {
	if s.loaded {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.dir, metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("files: load metadata: %w", err)
	}
	meta := map[string]*Metadata{}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("files: load metadata: %w", err)
	}
	s.meta = meta
	s.loaded = true
	return nil
}

func (s *Store) save() error {
	data, err := yaml.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("files: save metadata: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("files: save metadata: %w", err)
	}
	path := filepath.Join(s.dir, metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("files: save metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("files: save metadata: %w", err)
	}
	return nil
}

func (s *Store) metadata(path string) *Metadata {
	key := s.key(path)
	m, ok := s.meta[key]
	if !ok {
		m = &Metadata{}
		s.meta[key] = m
	}
	return m
}

// Write stores data as name and returns its absolute path.
func (s *Store) Write(name string, r io.Reader) (string, error) {
	path := s.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("files: write: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("files: write: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		return "", errors.Join(fmt.Errorf("files: write: %w", err), f.Close())
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("files: write: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return path, err
	}
	if m, ok := s.meta[s.key(path)]; ok {
		m.Hash = ""
		m.Analysis = nil
	}
	return path, nil
}

func (s *Store) Exists(path string) bool {
	info, err := os.Stat(s.Path(path))
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(s.Path(path))
	if err != nil {
		return 0, fmt.Errorf("files: %w", err)
	}
	return info.Size(), nil
}

// Remove deletes the file and its metadata.
func (s *Store) Remove(path string) error {
	if err := os.Remove(s.Path(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("files: remove: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	key := s.key(path)
	if _, ok := s.meta[key]; !ok {
		return nil
	}
	delete(s.meta, key)
	return s.save()
}

func fileHash(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano()), nil
}

// CachedAnalysis returns the analysis of path if it was computed for its current content.
func (s *Store) CachedAnalysis(path string) (*gcode.Analysis, bool) {
	hash, err := fileHash(s.Path(path))
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return nil, false
	}
	m, ok := s.meta[s.key(path)]
	if !ok || m.Analysis == nil || m.Hash != hash {
		return nil, false
	}
	return m.Analysis, true
}

// Analysis returns the cached analysis of path, or computes and caches it. The analysis is
// registered as a job with the given id, so it can be cancelled through the registry.
func (s *Store) Analysis(ctx context.Context, path string, id jobs.ID, opts gcode.AnalyzeOptions) (*gcode.Analysis, error) {
	if analysis, ok := s.CachedAnalysis(path); ok {
		return analysis, nil
	}

	ctx, logger := log.MustWithAttrs(ctx, "path", path)
	path = s.Path(path)
	hash, err := fileHash(path)
	if err != nil {
		return nil, fmt.Errorf("files: analysis: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("files: analysis: %w", err)
	}
	defer f.Close()

	if id == "" {
		id = jobs.NewID()
	}
	s.jobs.Begin(id, "analysis "+filepath.Base(path))
	defer s.jobs.Done(id)
	opts.Jobs = s.jobs
	opts.ID = id

	start := time.Now()
	analysis, err := gcode.Analyze(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("files: analysis: %w", err)
	}
	logger.Debug("Analyzed", "duration", time.Since(start), "lines", analysis.Lines)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return analysis, err
	}
	m := s.metadata(path)
	m.Hash = hash
	m.Analysis = analysis
	return analysis, s.save()
}

// AveragePrintTime returns the average time successful prints of path took with the printer
// profile.
func (s *Store) AveragePrintTime(path, profile string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return 0, false
	}
	m, ok := s.meta[s.key(path)]
	if !ok {
		return 0, false
	}
	st, ok := m.Statistics[profile]
	if !ok || st.Success == 0 {
		return 0, false
	}
	return st.AveragePrintTime, true
}

// Statistics returns the print statistics of path with the printer profile.
func (s *Store) Statistics(path, profile string) (Statistics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return Statistics{}, false
	}
	m, ok := s.meta[s.key(path)]
	if !ok || m.Statistics[profile] == nil {
		return Statistics{}, false
	}
	return *m.Statistics[profile], true
}

// LogPrint records the outcome of a print of path with the printer profile.
func (s *Store) LogPrint(path, profile string, success bool, printTime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(); err != nil {
		return err
	}
	m := s.metadata(path)
	if m.Statistics == nil {
		m.Statistics = map[string]*Statistics{}
	}
	st, ok := m.Statistics[profile]
	if !ok {
		st = &Statistics{}
		m.Statistics[profile] = st
	}
	if success {
		st.AveragePrintTime = (st.AveragePrintTime*time.Duration(st.Success) + printTime) / time.Duration(st.Success+1)
		st.Success++
	} else {
		st.Failure++
	}
	st.LastPrintTime = printTime
	st.LastPrintDate = time.Now()
	return s.save()
}
