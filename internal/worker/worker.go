// Package worker is the body of a worker process: it loads the run's
// snapshot, drives the scheduling loop its runner type calls for, and leaves
// a liveness record the parent can read after it exits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/me/evalflow/internal/builtin"
	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/liveness"
	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/internal/scheduler"
	"github.com/me/evalflow/pkg/model"
)

// Environment set by the supervisor on every worker process.
const (
	EnvParentPID   = "EVALFLOW_PARENT_PID"
	EnvWorkerIndex = "EVALFLOW_WORKER_INDEX"
)

// Config holds worker process configuration.
type Config struct {
	WorkDir   string
	ParentPID int
	Index     int
	LogLevel  string
	LogFormat string
	// LivenessRoot defaults to liveness.DefaultRoot().
	LivenessRoot string
	// Catalog defaults to the built-in catalog.
	Catalog *plugin.Catalog
	// ExitOnTerm makes SIGTERM end the process immediately.
	ExitOnTerm bool
}

// Name returns the worker name used for allocations.
func (c Config) Name() string {
	return fmt.Sprintf("worker-%d", c.Index)
}

// Main runs one worker. Any error or panic is recorded as a failed liveness
// record before it is returned.
func Main(ctx context.Context, cfg Config) (err error) {
	if cfg.ExitOnTerm {
		stop := exitOnTerm()
		defer stop()
	}
	if cfg.LivenessRoot == "" {
		cfg.LivenessRoot = liveness.DefaultRoot()
	}

	logger, closeLog, err := logging.NewRunLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cfg.WorkDir, false)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = logger.With("worker", cfg.Name(), "parent_pid", cfg.ParentPID)

	dir := liveness.ForParent(cfg.LivenessRoot, cfg.ParentPID)
	rec := liveness.WorkerRecord{
		PID:     os.Getpid(),
		Index:   cfg.Index,
		Status:  model.WorkerRunning,
		WorkDir: cfg.WorkDir,
	}
	defer func() {
		var trace string
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			trace = string(debug.Stack())
		} else if err != nil {
			trace = errorChain(err)
		}
		if err == nil {
			return
		}
		logger.Error("worker failed", "error", err)
		rec.Status = model.WorkerFailed
		rec.Message = err.Error()
		rec.Trace = trace
		if rerr := dir.RecordWorker(rec); rerr != nil {
			logger.Error("record worker failure", "error", rerr)
		}
	}()

	store := checkpoint.New(cfg.WorkDir, logger)
	snap, err := LoadSnapshot(store)
	if err != nil {
		return err
	}
	rec.Runner = snap.Eval.Runner
	if err := dir.RecordWorker(rec); err != nil {
		logger.Warn("record worker", "error", err)
	}

	loop, err := NewLoop(snap, cfg.Name(), logger)
	if err != nil {
		return err
	}

	catalog := cfg.Catalog
	if catalog == nil {
		catalog = builtin.Catalog()
	}
	exec := &scheduler.PluginExecutor{
		Registry: plugin.NewRegistry(catalog, plugin.Env{Logger: logger, Checkpoints: store}),
		Store:    store,
		Logger:   logger,
	}
	return NewRunner(loop, exec, logger).Run(ctx)
}

// NewLoop returns the worker loop of the snapshot's runner type.
func NewLoop(snap *Snapshot, worker string, logger *slog.Logger) (scheduler.Loop, error) {
	switch snap.Eval.Runner {
	case model.RunnerDummy:
		return scheduler.NoOp{}, nil
	case model.RunnerDataParallel:
		client, err := NewClientFromEnv(worker)
		if err != nil {
			return nil, err
		}
		return scheduler.NewWorkQueue(client, worker, logger), nil
	case model.RunnerLocal, "":
		return scheduler.NewSequential(snap.Units, logger), nil
	default:
		return nil, fmt.Errorf("unknown runner %q", snap.Eval.Runner)
	}
}

// exitOnTerm makes SIGTERM exit the process at once, skipping deferred
// cleanup. In-flight work since the last checkpoint flush is lost.
func exitOnTerm() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			os.Exit(0)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// errorChain renders err and every error it wraps, one per line.
func errorChain(err error) string {
	var b strings.Builder
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "%T: %v\n", e, e)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
