package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/me/evalflow/internal/server"
	"github.com/me/evalflow/internal/store"
	"github.com/me/evalflow/pkg/model"
)

// DefaultRetryBudget is the number of attempts a unit gets by default.
const DefaultRetryBudget = 2

// WorkQueue is the worker loop of a parallel run: it pulls units from the
// shared queue until the queue is empty and asks for a retry when a unit
// fails.
type WorkQueue struct {
	queue  store.Queue
	worker string
	logger *slog.Logger
}

// NewWorkQueue creates the loop of one worker.
func NewWorkQueue(q store.Queue, worker string, logger *slog.Logger) *WorkQueue {
	return &WorkQueue{
		queue:  q,
		worker: worker,
		logger: logger.With("component", "workqueue", "worker", worker),
	}
}

// DoRun implements Loop. A failed unit is re-run from its first stage;
// stages that already completed are skipped by their cache check.
func (w *WorkQueue) DoRun(ctx context.Context, exec StageExecutor) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		unit, err := w.queue.Checkout(ctx)
		if err != nil {
			return fmt.Errorf("checkout: %w", err)
		}
		if unit == nil {
			w.logger.Info("queue drained")
			return nil
		}
		if err := w.queue.Allocate(ctx, unit.Benchmark, w.worker); err != nil {
			return fmt.Errorf("allocate %s: %w", unit.Benchmark, err)
		}

		start := time.Now()
		w.logger.Info("unit started", "unit", unit.Benchmark)
		runErr := runUnit(ctx, exec, unit)
		if runErr == nil {
			if err := w.queue.Finish(ctx, unit.Benchmark); err != nil {
				return fmt.Errorf("finish %s: %w", unit.Benchmark, err)
			}
			w.logger.Info("unit finished", "unit", unit.Benchmark, "elapsed", time.Since(start).Round(time.Millisecond).String())
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w.logger.Error("unit failed", "unit", unit.Benchmark, "error", runErr)
		resp, err := w.queue.Retry(ctx, unit.Benchmark, 0, runErr.Error())
		if err != nil {
			return fmt.Errorf("retry %s: %w", unit.Benchmark, err)
		}
		if resp.Requeued {
			w.logger.Warn("unit requeued", "unit", unit.Benchmark, "attempts", resp.Attempts)
		} else {
			w.logger.Error("unit abandoned", "unit", unit.Benchmark, "attempts", resp.Attempts)
		}
	}
}

// budgetQueue fixes the retry budget of a local queue, so workers need not
// know it.
type budgetQueue struct {
	store.Queue
	budget int
}

func (q budgetQueue) Retry(ctx context.Context, unitID string, _ int, cause string) (*model.RetryResponse, error) {
	return q.Queue.Retry(ctx, unitID, q.budget, cause)
}

// WithBudget returns q with every Retry call using budget.
func WithBudget(q store.Queue, budget int) store.Queue {
	return budgetQueue{Queue: q, budget: budget}
}

// WorkQueueConfig configures the parent side of a parallel run.
type WorkQueueConfig struct {
	WorkDir          string
	RunID            string
	Parallelism      int
	RetryBudget      int
	FailOnUnfinished bool
	// TokenTTL bounds worker token lifetime; zero means the run's lifetime.
	TokenTTL time.Duration
}

// WorkQueueDispatcher owns the shared queue of a parallel run and serves it
// to the workers over a loopback dispatch API.
type WorkQueueDispatcher struct {
	lifecycle
	cfg      WorkQueueConfig
	units    []model.BenchmarkConfig
	store    *store.SQLiteStore
	tokens   *server.TokenService
	listener *server.Listener
	status   *model.UnitStatus
}

// NewWorkQueueDispatcher creates the parent side of a parallel run.
func NewWorkQueueDispatcher(cfg WorkQueueConfig, units []model.BenchmarkConfig, logger *slog.Logger) *WorkQueueDispatcher {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &WorkQueueDispatcher{
		lifecycle: newLifecycle(logger.With("component", "dispatcher", "runner", model.RunnerDataParallel)),
		cfg:       cfg,
		units:     units,
	}
}

// Kind implements Dispatcher.
func (d *WorkQueueDispatcher) Kind() model.RunnerType { return model.RunnerDataParallel }

// DBPath returns the queue database of the run.
func (d *WorkQueueDispatcher) DBPath() string {
	return filepath.Join(d.cfg.WorkDir, "dispatch", d.cfg.RunID+".db")
}

// Start implements Dispatcher. The queue is pre-filled with every unit and
// min(parallelism, units) workers are requested.
func (d *WorkQueueDispatcher) Start(ctx context.Context) (int, error) {
	if err := d.transition(model.DispatchDispatching); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(d.DBPath()), 0o755); err != nil {
		return 0, fmt.Errorf("create dispatch dir: %w", err)
	}
	st, err := store.NewSQLiteStore(d.DBPath(), d.logger)
	if err != nil {
		return 0, err
	}
	d.store = st
	if err := st.Migrate(ctx); err != nil {
		return 0, fmt.Errorf("migrate dispatch store: %w", err)
	}
	if err := st.Enqueue(ctx, d.units); err != nil {
		return 0, fmt.Errorf("enqueue units: %w", err)
	}

	d.tokens, err = server.NewTokenService(d.cfg.RunID, d.cfg.TokenTTL)
	if err != nil {
		return 0, err
	}
	srv := server.New(st, d.cfg.RetryBudget, d.logger, server.WithTokenService(d.tokens))
	d.listener, err = srv.Listen()
	if err != nil {
		return 0, err
	}

	n := min(d.cfg.Parallelism, len(d.units))
	d.logger.Info("dispatching", "units", len(d.units), "workers", n, "retry_budget", d.cfg.RetryBudget)
	return n, nil
}

// WorkerEnv implements Dispatcher.
func (d *WorkQueueDispatcher) WorkerEnv(index int) ([]string, error) {
	if d.listener == nil {
		return nil, errors.New("dispatcher not started")
	}
	token, err := d.tokens.GenerateToken(fmt.Sprintf("worker-%d", index))
	if err != nil {
		return nil, err
	}
	return []string{
		EnvDispatchURL + "=" + d.listener.URL,
		EnvDispatchToken + "=" + token,
	}, nil
}

// PostProcess implements Dispatcher. Units left unfinished are logged; they
// fail the run only with FailOnUnfinished.
func (d *WorkQueueDispatcher) PostProcess(ctx context.Context) error {
	return d.drain(func() error {
		if d.store == nil {
			return nil
		}
		status, err := d.store.Status(ctx)
		if err != nil {
			return fmt.Errorf("read queue status: %w", err)
		}
		d.status = status
		d.logger.Info("dispatch finished", "finished", len(status.Finished), "unfinished", len(status.Unfinished))
		if len(status.Unfinished) == 0 {
			return nil
		}
		for _, id := range status.Unfinished {
			d.logger.Error("unit not finished", "unit", id, "attempts", len(status.Allocations[id]), "last_error", status.Errors[id])
		}
		if d.cfg.FailOnUnfinished {
			return &model.UnitRetryExhaustedError{Units: status.Unfinished}
		}
		return nil
	})
}

// Status returns the queue bookkeeping read by PostProcess.
func (d *WorkQueueDispatcher) Status() *model.UnitStatus {
	return d.status
}

// Close implements Dispatcher.
func (d *WorkQueueDispatcher) Close(ctx context.Context) error {
	var errs []error
	if d.listener != nil {
		errs = append(errs, d.listener.Shutdown(ctx))
		d.listener = nil
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
		d.store = nil
	}
	return errors.Join(errs...)
}
