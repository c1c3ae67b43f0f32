// Package stage implements the four pipeline stages. Each stage reads the
// unit's checkpoint, runs its steps and writes the checkpoint back.
package stage

import (
	"fmt"

	"github.com/me/evalflow/internal/checkpoint"
	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

const location = "github.com/me/evalflow/internal/stage"

// Register adds the stage implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "SimpleDataProcessor",
		Role:     plugin.RoleDataStage,
		Location: location,
		Params:   stageParams,
		New: func(p any, env plugin.Env) (any, error) {
			return &Data{StageBase: plugin.StageBase{Params: *p.(*plugin.StageParams)}, store: env.Checkpoints}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "SimpleInferProcessor",
		Role:     plugin.RoleInferStage,
		Location: location,
		Params:   inferParams,
		New: func(p any, env plugin.Env) (any, error) {
			return newInfer(p.(*InferParams), env, predictionPass), nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "ScoreInferProcessor",
		Role:     plugin.RoleInferStage,
		Location: location,
		Params:   inferParams,
		New: func(p any, env plugin.Env) (any, error) {
			return newInfer(p.(*InferParams), env, scorePass), nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "SimpleMetricsProcessor",
		Role:     plugin.RoleMetricsStage,
		Location: location,
		Params:   stageParams,
		New: func(p any, env plugin.Env) (any, error) {
			return &Metrics{StageBase: plugin.StageBase{Params: *p.(*plugin.StageParams)}, store: env.Checkpoints}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "SimpleReportProcessor",
		Role:     plugin.RoleReportStage,
		Location: location,
		Params:   stageParams,
		New: func(p any, env plugin.Env) (any, error) {
			return &Report{StageBase: plugin.StageBase{Params: *p.(*plugin.StageParams)}}, nil
		},
	})
}

func stageParams() any {
	p := plugin.DefaultStageParams()
	return &p
}

// loadState returns the unit's scenario state or an error when the data
// stage has not produced it.
func loadState(store *checkpoint.Store, unitID string) (*model.ScenarioState, error) {
	state := store.LoadScenarioState(unitID)
	if state == nil {
		return nil, fmt.Errorf("no scenario state for unit %s, run the data stage first", unitID)
	}
	return state, nil
}
