// Package checkpoint persists pipeline artifacts as JSON documents keyed by
// (work directory, unit id, artifact kind). Every save and load holds an
// exclusive file lock for the duration of that single call.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/evalflow/pkg/model"
)

// Kind names an artifact; it is also the file name on disk.
type Kind string

const (
	KindEvalConfig       Kind = "eval_config.json"
	KindBenchmarkConfig  Kind = "benchmark_config.json"
	KindScenarioState    Kind = "scenario_state.json"
	KindStats            Kind = "stats.json"
	KindPerInstanceStats Kind = "per_instance_stats.json"
)

const (
	defaultLoadAttempts = 4
	defaultRetryDelay   = 5 * time.Second
)

// Store reads and writes artifacts under one work directory.
type Store struct {
	workDir      string
	loadAttempts int
	retryDelay   time.Duration
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRetryDelay sets the pause between load attempts of an unparsable file.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// WithLoadAttempts sets how many times load tries to parse a file.
func WithLoadAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.loadAttempts = n
		}
	}
}

// New creates a Store rooted at workDir.
func New(workDir string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		workDir:      workDir,
		loadAttempts: defaultLoadAttempts,
		retryDelay:   defaultRetryDelay,
		logger:       logger.With("component", "checkpoint"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WorkDir returns the root directory of the store.
func (s *Store) WorkDir() string {
	return s.workDir
}

// UnitDir returns the directory holding the artifacts of unitID. The empty
// unit id addresses the work directory itself.
func (s *Store) UnitDir(unitID string) string {
	return filepath.Join(s.workDir, unitID)
}

// Path returns the file of one artifact.
func (s *Store) Path(kind Kind, unitID string) string {
	return filepath.Join(s.UnitDir(unitID), string(kind))
}

// Exists reports whether the artifact file is present.
func (s *Store) Exists(kind Kind, unitID string) bool {
	_, err := os.Stat(s.Path(kind, unitID))
	return err == nil
}

// Save serializes v as the artifact (kind, unitID), replacing any previous
// content. Nil fields are dropped through the model's omitempty tags.
func (s *Store) Save(v any, kind Kind, unitID string) error {
	path := s.Path(kind, unitID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &model.CheckpointIOError{Path: path, Op: "save", Cause: err}
	}

	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return &model.CheckpointIOError{Path: path, Op: "save", Cause: err}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return &model.CheckpointIOError{Path: path, Op: "save", Cause: err}
	}
	defer f.Close()

	err = withLock(f, func() error {
		if err := f.Truncate(0); err != nil {
			return err
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
		return f.Sync()
	})
	if err != nil {
		return &model.CheckpointIOError{Path: path, Op: "save", Cause: err}
	}
	s.logger.Debug("checkpoint saved", "kind", kind, "unit", unitID, "bytes", len(data))
	return nil
}

// LoadInto parses the artifact into dst. It returns false without error when
// the file does not exist. A file that fails to parse is retried with a fixed
// delay; the last parse error is returned once every attempt has failed.
func (s *Store) LoadInto(kind Kind, unitID string, dst any) (bool, error) {
	path := s.Path(kind, unitID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.loadAttempts; attempt++ {
		data, err := s.readLocked(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, nil
			}
			lastErr = err
		} else if err := json.Unmarshal(data, dst); err != nil {
			lastErr = err
		} else {
			return true, nil
		}

		s.logger.Warn("checkpoint load failed",
			"kind", kind, "unit", unitID, "attempt", attempt, "error", lastErr)
		if attempt < s.loadAttempts {
			time.Sleep(s.retryDelay)
		}
	}
	return false, &model.CheckpointIOError{Path: path, Op: "load", Cause: lastErr}
}

func (s *Store) readLocked(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data []byte
	err = withLock(f, func() error {
		var rerr error
		data, rerr = io.ReadAll(f)
		return rerr
	})
	return data, err
}

// Load returns the artifact (kind, unitID) decoded as T, or def when the
// artifact is missing or cannot be parsed after every retry.
func Load[T any](s *Store, kind Kind, unitID string, def T) T {
	var v T
	ok, err := s.LoadInto(kind, unitID, &v)
	if err != nil {
		s.logger.Error("checkpoint unreadable, using default", "kind", kind, "unit", unitID, "error", err)
		return def
	}
	if !ok {
		return def
	}
	return v
}

// LoadScenarioState returns the pipeline state of unitID, or nil.
func (s *Store) LoadScenarioState(unitID string) *model.ScenarioState {
	return Load[*model.ScenarioState](s, KindScenarioState, unitID, nil)
}

// SaveScenarioState rewrites the pipeline state of unitID.
func (s *Store) SaveScenarioState(state *model.ScenarioState, unitID string) error {
	return s.Save(state, KindScenarioState, unitID)
}

// LoadStats returns the aggregate stats of unitID, or an empty slice.
func (s *Store) LoadStats(unitID string) []model.Stat {
	return Load(s, KindStats, unitID, []model.Stat{})
}

// LoadPerInstanceStats returns the per-instance stats of unitID, or an empty slice.
func (s *Store) LoadPerInstanceStats(unitID string) []model.PerInstanceStats {
	return Load(s, KindPerInstanceStats, unitID, []model.PerInstanceStats{})
}

// SaveMetrics writes stats and per-instance stats of unitID. The two files
// are written one after the other, not as an atomic pair.
func (s *Store) SaveMetrics(unitID string, stats []model.Stat, perInstance []model.PerInstanceStats) error {
	if stats == nil {
		stats = []model.Stat{}
	}
	if perInstance == nil {
		perInstance = []model.PerInstanceStats{}
	}
	if err := s.Save(stats, KindStats, unitID); err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	if err := s.Save(perInstance, KindPerInstanceStats, unitID); err != nil {
		return fmt.Errorf("save per-instance stats: %w", err)
	}
	return nil
}
