// Package supervisor owns the worker processes of a run. It claims the run's
// liveness directory, spawns one process per worker the dispatcher asks
// for, forwards shutdown signals to them, and raises the failures they
// recorded once every worker has exited.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/me/evalflow/internal/liveness"
	"github.com/me/evalflow/internal/scheduler"
	"github.com/me/evalflow/internal/worker"
	"github.com/me/evalflow/pkg/model"
)

// Defaults for Config.
const (
	DefaultPoll  = 500 * time.Millisecond
	DefaultGrace = 500 * time.Millisecond
)

// Config controls how workers are spawned.
type Config struct {
	// Executable defaults to the running binary.
	Executable string
	// Args are the arguments of every worker process.
	Args []string
	// Env is the base environment of workers; nil means os.Environ().
	Env          []string
	LivenessRoot string
	Poll         time.Duration
	Grace        time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
}

// Supervisor runs one evaluation across worker processes.
type Supervisor struct {
	cfg        Config
	eval       *model.EvalConfig
	dispatcher scheduler.Dispatcher
	dir        *liveness.Dir
	logger     *slog.Logger

	mu    sync.Mutex
	procs []*process
}

type process struct {
	index int
	cmd   *exec.Cmd
	done  chan struct{}
	err   error
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// New creates a Supervisor for the run described by eval.
func New(d scheduler.Dispatcher, eval *model.EvalConfig, cfg Config, logger *slog.Logger) *Supervisor {
	if cfg.LivenessRoot == "" {
		cfg.LivenessRoot = liveness.DefaultRoot()
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Supervisor{
		cfg:        cfg,
		eval:       eval,
		dispatcher: d,
		dir:        liveness.ForParent(cfg.LivenessRoot, os.Getpid()),
		logger:     logger.With("component", "supervisor"),
	}
}

// Dir returns the liveness directory of the run.
func (s *Supervisor) Dir() *liveness.Dir {
	return s.dir
}

// Run executes the whole run. SIGINT, SIGTERM and cancellation of ctx stop
// every worker and make Run return ErrInterrupted. Failures recorded by
// workers are returned together as a WorkerFailureError after cleanup.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.dir.Claim(s.eval); err != nil {
		return err
	}
	defer func() {
		if err := s.dir.Remove(); err != nil {
			s.logger.Warn("remove liveness dir", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	defer func() {
		if err := s.dispatcher.Close(context.Background()); err != nil {
			s.logger.Warn("close dispatcher", "error", err)
		}
	}()

	s.logger.Info("starting dispatcher", "runner", s.dispatcher.Kind())
	n, err := s.dispatcher.Start(ctx)
	if err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	for i := 0; i < n; i++ {
		if err := s.spawn(i); err != nil {
			s.terminateAll()
			return err
		}
	}

	s.logger.Info("waiting for workers", "count", n)
	interrupted := s.wait(ctx, sigCh)

	var postErr error
	if !interrupted {
		s.logger.Info("post-processing started")
		postErr = s.dispatcher.PostProcess(ctx)
		s.logger.Info("post-processing completed")
	}

	failures := s.failures(interrupted)
	if len(failures) > 0 {
		for _, f := range failures {
			s.logger.Error("worker failed", "pid", f.PID, "error", f.Message, "trace", f.Trace)
		}
		return &model.WorkerFailureError{Failures: failures}
	}
	if interrupted {
		return model.ErrInterrupted
	}
	return postErr
}

func (s *Supervisor) spawn(index int) error {
	exe := s.cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
	}
	extra, err := s.dispatcher.WorkerEnv(index)
	if err != nil {
		return fmt.Errorf("worker %d env: %w", index, err)
	}

	env := s.cfg.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(append([]string(nil), env...),
		worker.EnvParentPID+"="+strconv.Itoa(os.Getpid()),
		worker.EnvWorkerIndex+"="+strconv.Itoa(index),
		liveness.EnvRoot+"="+s.cfg.LivenessRoot,
	)
	env = append(env, extra...)

	cmd := exec.Command(exe, s.cfg.Args...)
	cmd.Env = env
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	// Workers stay out of the terminal's process group; the supervisor
	// decides when they stop.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn worker %d: %w", index, err)
	}

	p := &process{index: index, cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	s.logger.Info("worker started", "index", index, "pid", cmd.Process.Pid)
	return nil
}

// wait polls the workers until all have exited. It reports whether the run
// was interrupted.
func (s *Supervisor) wait(ctx context.Context, sigCh <-chan os.Signal) bool {
	ticker := time.NewTicker(s.cfg.Poll)
	defer ticker.Stop()

	reported := map[int]bool{}
	for {
		alive := 0
		for _, p := range s.processes() {
			if !p.exited() {
				alive++
				continue
			}
			if !reported[p.index] {
				reported[p.index] = true
				s.logger.Info("worker exited", "index", p.index, "pid", p.cmd.Process.Pid, "exit_code", p.cmd.ProcessState.ExitCode())
			}
		}
		if alive == 0 {
			return false
		}

		select {
		case sig := <-sigCh:
			s.logger.Warn("received signal, shutting down", "signal", sig)
			s.terminateAll()
			return true
		case <-ctx.Done():
			s.logger.Warn("run cancelled, shutting down", "error", ctx.Err())
			s.terminateAll()
			return true
		case <-ticker.C:
		}
	}
}

// terminateAll sends SIGTERM to every live worker, waits the grace period
// for each and kills the ones still running.
func (s *Supervisor) terminateAll() {
	procs := s.processes()
	for _, p := range procs {
		if !p.exited() {
			s.logger.Info("terminating worker", "index", p.index, "pid", p.cmd.Process.Pid)
			p.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-time.After(s.cfg.Grace):
			s.logger.Error("worker did not terminate, killing", "index", p.index, "pid", p.cmd.Process.Pid)
			p.cmd.Process.Kill()
			<-p.done
		}
	}
	s.logger.Info("all workers terminated")
}

func (s *Supervisor) processes() []*process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*process(nil), s.procs...)
}

// failures collects the failures recorded by workers. A worker that exited
// non-zero without a record is reported by its exit status unless the run
// was interrupted.
func (s *Supervisor) failures(interrupted bool) []model.WorkerFailure {
	recorded, err := s.dir.Failures()
	if err != nil {
		s.logger.Warn("read worker records", "error", err)
	}
	seen := map[int]bool{}
	for _, f := range recorded {
		seen[f.PID] = true
	}
	out := recorded
	if interrupted {
		return out
	}
	for _, p := range s.processes() {
		pid := p.cmd.Process.Pid
		var exitErr *exec.ExitError
		if seen[pid] || !errors.As(p.err, &exitErr) {
			continue
		}
		out = append(out, model.WorkerFailure{PID: pid, Message: fmt.Sprintf("worker %d %s", p.index, exitErr)})
	}
	return out
}
