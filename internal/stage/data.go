package stage

import (
	"context"
	"fmt"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// Data loads the dataset and builds the requests of a unit.
type Data struct {
	plugin.StageBase
	store *checkpoint.Store
}

// Steps implements plugin.Stage.
func (d *Data) Steps() []plugin.Role {
	return []plugin.Role{plugin.RoleScenario, plugin.RoleAdapter, plugin.RoleWindowService}
}

// CacheAvailable reports whether the unit already has request states.
func (d *Data) CacheAvailable(context.Context) (bool, error) {
	return d.store.LoadScenarioState(d.UnitID()).Len() > 0, nil
}

// Process implements plugin.Stage.
func (d *Data) Process(ctx context.Context, sc *plugin.StageContext) error {
	scenario, err := plugin.Single[plugin.Scenario](sc.Registry, plugin.RoleScenario, nil)
	if err != nil {
		return err
	}
	adapter, err := plugin.Single[plugin.Adapter](sc.Registry, plugin.RoleAdapter, nil)
	if err != nil {
		return err
	}
	window, err := plugin.Single[plugin.WindowService](sc.Registry, plugin.RoleWindowService, nil)
	if err != nil {
		return err
	}

	instances, err := scenario.LoadInstances(ctx)
	if err != nil {
		return fmt.Errorf("load instances: %w", err)
	}
	state, err := adapter.Adapt(ctx, instances)
	if err != nil {
		return fmt.Errorf("adapt: %w", err)
	}
	state, err = window.Shape(ctx, state)
	if err != nil {
		return fmt.Errorf("shape: %w", err)
	}

	if err := sc.Store.SaveMetrics(sc.UnitID, []model.Stat{}, []model.PerInstanceStats{}); err != nil {
		return err
	}
	if err := sc.Store.SaveScenarioState(state, sc.UnitID); err != nil {
		return err
	}
	sc.Logger.Info("data prepared", "unit", sc.UnitID, "items", state.Len())
	return nil
}
