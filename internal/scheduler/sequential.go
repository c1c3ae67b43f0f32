package scheduler

import (
	"context"
	"log/slog"

	"github.com/me/evalflow/pkg/model"
)

// Sequential walks units and their stages in configuration order with an
// explicit cursor.
type Sequential struct {
	units  []model.BenchmarkConfig
	unit   int
	stage  int
	logger *slog.Logger
}

// NewSequential creates a cursor positioned before the first stage.
func NewSequential(units []model.BenchmarkConfig, logger *slog.Logger) *Sequential {
	return &Sequential{units: units, logger: logger.With("component", "sequential")}
}

// Advance returns the next (unit, stage) pair, moving to the next unit when
// the current one is exhausted. It returns false once every unit is done.
func (s *Sequential) Advance() (*model.BenchmarkConfig, *model.FlowStage, bool) {
	for s.unit < len(s.units) {
		u := &s.units[s.unit]
		if s.stage < len(u.FlowStages) {
			st := &u.FlowStages[s.stage]
			s.stage++
			return u, st, true
		}
		s.unit++
		s.stage = 0
	}
	return nil, nil, false
}

// DoRun implements Loop.
func (s *Sequential) DoRun(ctx context.Context, exec StageExecutor) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		unit, stage, ok := s.Advance()
		if !ok {
			return nil
		}
		s.logger.Debug("executing stage", "unit", unit.Benchmark, "stage", stage.Stage)
		if err := exec.ExecuteStage(ctx, unit, stage); err != nil {
			return err
		}
	}
}

// LocalDispatcher runs every unit in one worker process.
type LocalDispatcher struct {
	lifecycle
	units []model.BenchmarkConfig
}

// NewLocalDispatcher creates the parent side of a sequential run.
func NewLocalDispatcher(units []model.BenchmarkConfig, logger *slog.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		lifecycle: newLifecycle(logger.With("component", "dispatcher", "runner", model.RunnerLocal)),
		units:     units,
	}
}

// Kind implements Dispatcher.
func (d *LocalDispatcher) Kind() model.RunnerType { return model.RunnerLocal }

// Start implements Dispatcher.
func (d *LocalDispatcher) Start(context.Context) (int, error) {
	if err := d.transition(model.DispatchDispatching); err != nil {
		return 0, err
	}
	d.logger.Info("dispatching", "units", len(d.units), "workers", 1)
	return 1, nil
}

// WorkerEnv implements Dispatcher.
func (d *LocalDispatcher) WorkerEnv(int) ([]string, error) { return nil, nil }

// PostProcess implements Dispatcher.
func (d *LocalDispatcher) PostProcess(context.Context) error {
	return d.drain(func() error { return nil })
}

// Close implements Dispatcher.
func (d *LocalDispatcher) Close(context.Context) error { return nil }
