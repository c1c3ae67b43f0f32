// Package scenario loads dataset items for the data stage.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

const location = "github.com/me/evalflow/internal/scenario"

// DefaultFileName is read when benchmark_path names a directory.
const DefaultFileName = "test.json"

// Params configure every scenario.
type Params struct {
	plugin.BaseParams
	BenchmarkPath string `json:"benchmark_path" validate:"required"`
}

// Register adds the scenario implementations to c.
func Register(c *plugin.Catalog) {
	c.MustRegister(plugin.Definition{
		Name:     "GenerationScenario",
		Role:     plugin.RoleScenario,
		Location: location,
		Params:   func() any { return &Params{} },
		New: func(p any, _ plugin.Env) (any, error) {
			return &Generation{params: p.(*Params)}, nil
		},
	})
	c.MustRegister(plugin.Definition{
		Name:     "MultipleChoiceScenario",
		Role:     plugin.RoleScenario,
		Location: location,
		Params:   func() any { return &Params{} },
		New: func(p any, _ plugin.Env) (any, error) {
			return &MultipleChoice{params: p.(*Params)}, nil
		},
	})
}

// target is a single answer or a list of accepted answers.
type target []string

func (t *target) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("target must be a string or a list of strings: %w", err)
	}
	*t = many
	return nil
}

type example struct {
	ID           string             `json:"id"`
	Input        string             `json:"input"`
	Target       target             `json:"target"`
	TargetScores map[string]float64 `json:"target_scores"`
}

type dataset struct {
	Examples []example `json:"examples"`
}

func readDataset(path string) (*dataset, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var ds dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	return &ds, nil
}

func exampleID(ex example, idx int) string {
	if ex.ID != "" {
		return ex.ID
	}
	return strconv.Itoa(idx + 1)
}

// Generation reads {"examples":[{"input":..., "target": str | [str]}]}.
type Generation struct {
	params *Params
}

// LoadInstances implements plugin.Scenario.
func (g *Generation) LoadInstances(_ context.Context) ([]model.Instance, error) {
	ds, err := readDataset(g.params.BenchmarkPath)
	if err != nil {
		return nil, err
	}
	out := make([]model.Instance, 0, len(ds.Examples))
	for i, ex := range ds.Examples {
		inst := model.Instance{
			ID:    exampleID(ex, i),
			Input: model.Input{Text: ex.Input},
			Split: "test",
		}
		for _, t := range ex.Target {
			inst.References = append(inst.References, model.Reference{
				Output: model.Output{Text: t},
				Tags:   []string{model.CorrectTag},
			})
		}
		out = append(out, inst)
	}
	return out, nil
}

// MultipleChoice reads {"examples":[{"input":..., "target_scores":{option: 0|1}}]}.
// Options are kept in sorted order so letters are stable across runs.
type MultipleChoice struct {
	params *Params
}

// LoadInstances implements plugin.Scenario.
func (m *MultipleChoice) LoadInstances(_ context.Context) ([]model.Instance, error) {
	ds, err := readDataset(m.params.BenchmarkPath)
	if err != nil {
		return nil, err
	}
	out := make([]model.Instance, 0, len(ds.Examples))
	for i, ex := range ds.Examples {
		if len(ex.TargetScores) == 0 {
			return nil, fmt.Errorf("example %d has no target_scores", i+1)
		}
		options := make([]string, 0, len(ex.TargetScores))
		for opt := range ex.TargetScores {
			options = append(options, opt)
		}
		sort.Strings(options)

		inst := model.Instance{
			ID:    exampleID(ex, i),
			Input: model.Input{Text: ex.Input},
			Split: "test",
		}
		for _, opt := range options {
			ref := model.Reference{Output: model.Output{Text: opt}}
			if ex.TargetScores[opt] == 1 {
				ref.Tags = []string{model.CorrectTag}
			}
			inst.References = append(inst.References, ref)
		}
		out = append(out, inst)
	}
	return out, nil
}
