package scheduler

import (
	"context"
	"log/slog"

	"github.com/me/evalflow/pkg/model"
)

// NoOp is the worker loop of a dry run.
type NoOp struct{}

// DoRun implements Loop.
func (NoOp) DoRun(context.Context, StageExecutor) error { return nil }

// DryRunDispatcher only materializes the completed configuration. It spawns
// one worker that does nothing.
type DryRunDispatcher struct {
	lifecycle
}

// NewDryRunDispatcher creates the parent side of a dry run.
func NewDryRunDispatcher(logger *slog.Logger) *DryRunDispatcher {
	return &DryRunDispatcher{lifecycle: newLifecycle(logger.With("component", "dispatcher", "runner", model.RunnerDummy))}
}

// Kind implements Dispatcher.
func (d *DryRunDispatcher) Kind() model.RunnerType { return model.RunnerDummy }

// Start implements Dispatcher.
func (d *DryRunDispatcher) Start(context.Context) (int, error) {
	if err := d.transition(model.DispatchDispatching); err != nil {
		return 0, err
	}
	return 1, nil
}

// WorkerEnv implements Dispatcher.
func (d *DryRunDispatcher) WorkerEnv(int) ([]string, error) { return nil, nil }

// PostProcess implements Dispatcher.
func (d *DryRunDispatcher) PostProcess(context.Context) error {
	return d.drain(func() error {
		d.logger.Info("dry run complete, configuration materialized")
		return nil
	})
}

// Close implements Dispatcher.
func (d *DryRunDispatcher) Close(context.Context) error { return nil }
