package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/me/evalflow/internal/logging"
	"github.com/me/evalflow/internal/scheduler"
)

// Runner binds a scheduling loop to a stage executor.
type Runner struct {
	loop   scheduler.Loop
	exec   scheduler.StageExecutor
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(loop scheduler.Loop, exec scheduler.StageExecutor, logger *slog.Logger) *Runner {
	return &Runner{loop: loop, exec: exec, logger: logger.With("component", "runner")}
}

// Run drives the loop to completion. Errors are logged and returned
// unchanged.
func (r *Runner) Run(ctx context.Context) error {
	start := time.Now()
	r.logger.Info("runner started")
	if err := r.loop.DoRun(ctx, r.exec); err != nil {
		r.logger.Error("runner failed", "error", err, logging.Elapsed(start))
		return err
	}
	r.logger.Info("runner completed", logging.Elapsed(start))
	return nil
}
