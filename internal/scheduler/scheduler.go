// Package scheduler decides how the units of a run are distributed over
// worker processes. A Dispatcher runs in the parent and owns the shared
// state; a Loop runs in each worker and pulls work from it.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/me/evalflow/pkg/model"
)

// Environment handed to worker processes of a work-queue run.
const (
	EnvDispatchURL   = "EVALFLOW_DISPATCH_URL"
	EnvDispatchToken = "EVALFLOW_DISPATCH_TOKEN"
)

// Dispatcher is the parent side of a scheduling strategy.
type Dispatcher interface {
	Kind() model.RunnerType
	// Start prepares the shared state and returns how many workers to spawn.
	Start(ctx context.Context) (int, error)
	// WorkerEnv returns the extra environment of worker index.
	WorkerEnv(index int) ([]string, error)
	// PostProcess runs once every worker has exited.
	PostProcess(ctx context.Context) error
	// Close releases the shared state. It is safe in any state.
	Close(ctx context.Context) error
	State() model.DispatchState
}

// StageExecutor runs one stage of one unit.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, unit *model.BenchmarkConfig, stage *model.FlowStage) error
}

// Loop is the worker side of a scheduling strategy.
type Loop interface {
	DoRun(ctx context.Context, exec StageExecutor) error
}

// lifecycle tracks the dispatch state machine.
type lifecycle struct {
	mu     sync.Mutex
	state  model.DispatchState
	logger *slog.Logger
}

func newLifecycle(logger *slog.Logger) lifecycle {
	return lifecycle{state: model.DispatchInitialized, logger: logger}
}

// State returns the current dispatch state.
func (l *lifecycle) State() model.DispatchState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(next model.DispatchState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.state.CanTransitionTo(next) {
		return &model.InvalidTransitionError{Entity: "dispatch", From: l.state.String(), To: next.String()}
	}
	l.logger.Debug("dispatch state", "from", l.state, "to", next)
	l.state = next
	return nil
}

// drain moves a dispatching strategy through Draining to Done around fn.
func (l *lifecycle) drain(fn func() error) error {
	if err := l.transition(model.DispatchDraining); err != nil {
		return err
	}
	err := fn()
	if terr := l.transition(model.DispatchDone); terr != nil && err == nil {
		err = terr
	}
	return err
}

// runUnit executes every stage of unit in order and stops at the first error.
func runUnit(ctx context.Context, exec StageExecutor, unit *model.BenchmarkConfig) error {
	for i := range unit.FlowStages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := exec.ExecuteStage(ctx, unit, &unit.FlowStages[i]); err != nil {
			return err
		}
	}
	return nil
}

// NewDispatcher returns the parent side of the strategy cfg.Runner names.
func NewDispatcher(cfg *model.EvalConfig, units []model.BenchmarkConfig, runID string, logger *slog.Logger) Dispatcher {
	switch cfg.Runner {
	case model.RunnerDummy:
		return NewDryRunDispatcher(logger)
	case model.RunnerDataParallel:
		return NewWorkQueueDispatcher(WorkQueueConfig{
			WorkDir:          cfg.WorkDir,
			RunID:            runID,
			Parallelism:      cfg.DataParallel,
			RetryBudget:      cfg.RetryBudget,
			FailOnUnfinished: cfg.FailOnUnfinished,
		}, units, logger)
	default:
		return NewLocalDispatcher(units, logger)
	}
}
