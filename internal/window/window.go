// Package window shapes requests to the model context window.
package window

import (
	"context"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// Register adds the window service implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "GenerationWindowService",
		Role:     plugin.RoleWindowService,
		Location: "github.com/me/evalflow/internal/window",
		Params:   func() any { return &plugin.BaseParams{} },
		New: func(any, plugin.Env) (any, error) {
			return PassThrough{}, nil
		},
	})
}

// PassThrough returns the state unchanged.
type PassThrough struct{}

// Shape implements plugin.WindowService.
func (PassThrough) Shape(_ context.Context, state *model.ScenarioState) (*model.ScenarioState, error) {
	return state, nil
}
