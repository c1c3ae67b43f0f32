package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// PluginExecutor runs a completed stage through the plugin registry: it binds
// the stage's steps, constructs the stage and runs it with cache-skip.
type PluginExecutor struct {
	Registry *plugin.Registry
	Store    *checkpoint.Store
	Logger   *slog.Logger
}

// ExecuteStage implements StageExecutor.
func (e *PluginExecutor) ExecuteStage(ctx context.Context, unit *model.BenchmarkConfig, stage *model.FlowStage) error {
	if err := e.Registry.Bind(stage.Plugins); err != nil {
		return fmt.Errorf("unit %s stage %s: bind steps: %w", unit.Benchmark, stage.Stage, err)
	}
	def, err := e.Registry.Configure(stage.PluginImplement, plugin.Role(stage.PluginType), stage.ContextParams)
	if err != nil {
		return fmt.Errorf("unit %s stage %s: %w", unit.Benchmark, stage.Stage, err)
	}
	st, err := plugin.Named[plugin.Stage](e.Registry, def.Name, nil)
	if err != nil {
		return fmt.Errorf("unit %s stage %s: %w", unit.Benchmark, stage.Stage, err)
	}
	_, err = plugin.RunStage(ctx, stage.Stage, st, &plugin.StageContext{
		UnitID:   unit.Benchmark,
		Registry: e.Registry,
		Store:    e.Store,
		Logger:   e.Logger,
	})
	return err
}
