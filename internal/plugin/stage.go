package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/logging"
)

// StageContext is what a stage sees while processing one unit.
type StageContext struct {
	UnitID   string
	Registry *Registry
	Store    *checkpoint.Store
	Logger   *slog.Logger
}

// StageBase carries the parameters every stage shares. Stages embed it.
type StageBase struct {
	Params StageParams
}

// UseCache implements Stage.
func (b *StageBase) UseCache() bool {
	return b.Params.UseCache
}

// UnitID returns the unit the stage was configured for.
func (b *StageBase) UnitID() string {
	return b.Params.BenchmarkID
}

// RunStage executes st unless its cache flag is set and its checkpoint is
// already complete. It reports whether the stage was skipped. A skipped stage
// constructs no step and writes nothing.
func RunStage(ctx context.Context, name string, st Stage, sc *StageContext) (bool, error) {
	logger := sc.Logger.With("stage", name, "unit", sc.UnitID)

	if st.UseCache() {
		ok, err := st.CacheAvailable(ctx)
		if err != nil {
			return false, fmt.Errorf("stage %s: check cache: %w", name, err)
		}
		if ok {
			logger.Info("stage cache hit, skipping")
			return true, nil
		}
	}

	for _, role := range st.Steps() {
		if _, err := sc.Registry.ClassByRole(role); err != nil {
			return false, fmt.Errorf("stage %s: resolve step %s: %w", name, role, err)
		}
	}

	start := time.Now()
	logger.Info("stage started")
	if err := st.Process(ctx, sc); err != nil {
		return false, fmt.Errorf("stage %s: %w", name, err)
	}
	logger.Info("stage completed", logging.Elapsed(start))
	return false, nil
}
