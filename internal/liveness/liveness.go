// Package liveness keeps one directory per running top-level process so that
// other invocations can list, stop and detect conflicts with it. Workers
// record their health in the same directory.
//
// Layout under the root (default $TMPDIR/evalflow_pid):
//
//	<parent_pid>/<parent_pid>.pid      eval config snapshot
//	<parent_pid>/<worker_pid>.sub.pid  worker record
package liveness

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/me/evalflow/pkg/model"
)

// EnvRoot overrides the liveness root.
const EnvRoot = "EVALFLOW_PID_DIR"

const (
	parentSuffix = ".pid"
	workerSuffix = ".sub.pid"
	lockName     = ".lock"
)

// DefaultRoot returns the liveness root of this machine.
func DefaultRoot() string {
	if dir := os.Getenv(EnvRoot); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "evalflow_pid")
}

// WorkDirInUseError is returned when another live run owns the work dir.
type WorkDirInUseError struct {
	WorkDir string
	PID     int
}

func (e *WorkDirInUseError) Error() string {
	return fmt.Sprintf("work_dir: %s is occupied by process %d", e.WorkDir, e.PID)
}

// WorkerRecord is the content of a worker's liveness file.
type WorkerRecord struct {
	PID       int                `json:"pid"`
	Index     int                `json:"index"`
	Status    model.WorkerStatus `json:"status"`
	Runner    model.RunnerType   `json:"runner,omitempty"`
	WorkDir   string             `json:"work_dir,omitempty"`
	Message   string             `json:"message,omitempty"`
	Trace     string             `json:"trace,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Run describes one live top-level process.
type Run struct {
	PID     int               `json:"pid"`
	Config  *model.EvalConfig `json:"config,omitempty"`
	Workers []WorkerRecord    `json:"workers,omitempty"`
}

// Dir is the liveness directory of one top-level process.
type Dir struct {
	root   string
	parent int
}

// ForParent returns the directory of parentPID under root. Nothing is
// created on disk.
func ForParent(root string, parentPID int) *Dir {
	return &Dir{root: root, parent: parentPID}
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return filepath.Join(d.root, strconv.Itoa(d.parent))
}

// ParentPID returns the process the directory belongs to.
func (d *Dir) ParentPID() int {
	return d.parent
}

func (d *Dir) parentFile() string {
	return filepath.Join(d.Path(), strconv.Itoa(d.parent)+parentSuffix)
}

func (d *Dir) workerFile(pid int) string {
	return filepath.Join(d.Path(), strconv.Itoa(pid)+workerSuffix)
}

// Claim creates the directory and writes the config snapshot, failing with
// WorkDirInUseError when another live process has claimed cfg.WorkDir.
// Directories of dead processes are pruned on the way.
func (d *Dir) Claim(cfg *model.EvalConfig) error {
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("create liveness root: %w", err)
	}
	return withRootLock(d.root, func() error {
		runs, err := List(d.root)
		if err != nil {
			return err
		}
		want := canonical(cfg.WorkDir)
		for _, r := range runs {
			if r.PID == d.parent || r.Config == nil {
				continue
			}
			if canonical(r.Config.WorkDir) == want {
				return &WorkDirInUseError{WorkDir: cfg.WorkDir, PID: r.PID}
			}
		}
		if err := os.MkdirAll(d.Path(), 0o755); err != nil {
			return fmt.Errorf("create liveness dir: %w", err)
		}
		return writeJSON(d.parentFile(), cfg)
	})
}

// RecordWorker writes the record of one worker process.
func (d *Dir) RecordWorker(rec WorkerRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(d.Path(), 0o755); err != nil {
		return fmt.Errorf("create liveness dir: %w", err)
	}
	return writeJSON(d.workerFile(rec.PID), rec)
}

// Workers returns every worker record, ordered by index. Unreadable files
// are skipped.
func (d *Dir) Workers() ([]WorkerRecord, error) {
	entries, err := os.ReadDir(d.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []WorkerRecord
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), workerSuffix) {
			continue
		}
		var rec WorkerRecord
		if err := readJSON(filepath.Join(d.Path(), e.Name()), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Failures returns the failures recorded by workers.
func (d *Dir) Failures() ([]model.WorkerFailure, error) {
	recs, err := d.Workers()
	if err != nil {
		return nil, err
	}
	var out []model.WorkerFailure
	for _, r := range recs {
		if r.Status == model.WorkerFailed {
			out = append(out, model.WorkerFailure{PID: r.PID, Message: r.Message, Trace: r.Trace})
		}
	}
	return out, nil
}

// Remove deletes the directory and everything in it.
func (d *Dir) Remove() error {
	return os.RemoveAll(d.Path())
}

// List returns the live runs under root ordered by pid. Directories whose
// process is gone are removed.
func List(root string) ([]Run, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read liveness root: %w", err)
	}
	var runs []Run
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		d := ForParent(root, pid)
		if !Alive(pid) {
			os.RemoveAll(d.Path())
			continue
		}
		run := Run{PID: pid}
		var cfg model.EvalConfig
		if readJSON(d.parentFile(), &cfg) == nil {
			run.Config = &cfg
		}
		run.Workers, _ = d.Workers()
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].PID < runs[j].PID })
	return runs, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func canonical(dir string) string {
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

func withRootLock(root string, fn func() error) error {
	f, err := os.OpenFile(filepath.Join(root, lockName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open liveness lock: %w", err)
	}
	defer f.Close()
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("lock liveness root: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return fn()
}

// writeJSON replaces path atomically so readers never see a partial file.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
