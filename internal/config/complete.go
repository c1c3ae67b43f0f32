package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// Runtime parameters injected into every resolved implementation.
const (
	ParamBenchmarkID   = "benchmark_id"
	ParamBenchmarkPath = "benchmark_path"
	ParamUseCache      = "use_cache"
	ParamWorkDir       = "work_dir"
	ParamMetricsName   = "metrics_name"
)

// GlobalRef prefixes a context parameter value that refers to global_param.
const GlobalRef = "#GLOBAL#"

// emptyValue marks a parameter that should fall back to its default.
const emptyValue = "<empty>"

// datasetLocationFile lists the real dataset files of a dataset directory.
const datasetLocationFile = "_dataset_location.txt"

// Units expands the configured benchmarks and dataset files into units of
// work with their flows attached. Flows are not yet completed.
func Units(cfg *model.EvalConfig) ([]model.BenchmarkConfig, error) {
	var units []model.BenchmarkConfig
	for _, b := range cfg.Benchmarks {
		u := b
		if len(u.FlowStages) == 0 {
			flowFile := u.FlowConfigFile
			if flowFile == "" {
				flowFile = cfg.FlowConfigFile
			}
			if flowFile == "" {
				return nil, &model.ConfigParseError{
					Source:  u.Benchmark,
					Message: "dataset did not specify a flow configuration file",
				}
			}
			stages, err := LoadFlow(flowFile)
			if err != nil {
				return nil, err
			}
			u.FlowStages = stages
		}
		units = append(units, u)
	}

	for _, path := range cfg.DatasetFiles {
		files, err := datasetFiles(path)
		if err != nil {
			return nil, err
		}
		for _, df := range files {
			stages, err := LoadFlow(cfg.FlowConfigFile)
			if err != nil {
				return nil, err
			}
			units = append(units, model.BenchmarkConfig{
				Benchmark:    df.id,
				LocationTest: df.path,
				FlowStages:   stages,
			})
		}
	}

	seen := map[string]bool{}
	for _, u := range units {
		if seen[u.Benchmark] {
			return nil, &model.ConfigParseError{Source: u.Benchmark, Message: "unit id is used more than once"}
		}
		seen[u.Benchmark] = true
	}
	return units, nil
}

type datasetFile struct {
	id   string
	path string
}

// datasetFiles lists the data files under path. A regular file is a single
// unit; a directory contributes its *.json files, or the entries of its
// _dataset_location.txt ("file[, name]" per line) when present.
func datasetFiles(path string) ([]datasetFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &model.ConfigParseError{Source: path, Message: "dataset file not found", Cause: err}
	}
	if !info.IsDir() {
		return []datasetFile{{id: baseID(path), path: path}}, nil
	}

	loc := filepath.Join(path, datasetLocationFile)
	if _, err := os.Stat(loc); err == nil {
		return readLocationFile(path, loc)
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return nil, &model.ConfigParseError{Source: path, Message: "no dataset files found"}
	}
	out := make([]datasetFile, 0, len(matches))
	for _, m := range matches {
		out = append(out, datasetFile{id: baseID(m), path: m})
	}
	return out, nil
}

func readLocationFile(dir, loc string) ([]datasetFile, error) {
	f, err := os.Open(loc)
	if err != nil {
		return nil, &model.ConfigParseError{Source: loc, Message: "open dataset location file", Cause: err}
	}
	defer f.Close()

	var out []datasetFile
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		switch len(parts) {
		case 1:
			out = append(out, datasetFile{id: baseID(line), path: filepath.Join(dir, line)})
		case 2:
			out = append(out, datasetFile{
				id:   strings.TrimSpace(parts[1]),
				path: filepath.Join(dir, strings.TrimSpace(parts[0])),
			})
		default:
			return nil, &model.ConfigParseError{
				Source:  loc,
				Message: fmt.Sprintf("line %q must be \"file\" or \"file, name\"", line),
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &model.ConfigParseError{Source: loc, Message: "read dataset location file", Cause: err}
	}
	if len(out) == 0 {
		return nil, &model.ConfigParseError{Source: loc, Message: "no dataset files listed"}
	}
	return out, nil
}

func baseID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Completer resolves every stage and step of a unit against a registry.
type Completer struct {
	Registry *plugin.Registry
	Eval     *model.EvalConfig
}

// CompleteAll completes every unit, then clears the registry so execution
// starts from a clean resolution state.
func (c *Completer) CompleteAll(units []model.BenchmarkConfig) ([]model.BenchmarkConfig, error) {
	defer c.Registry.Clear()
	out := make([]model.BenchmarkConfig, 0, len(units))
	for _, u := range units {
		done, err := c.Complete(u)
		if err != nil {
			return nil, fmt.Errorf("complete unit %s: %w", u.Benchmark, err)
		}
		out = append(out, done)
	}
	return out, nil
}

// Complete returns a copy of unit in which every stage names its resolved
// implementation, carries its full parameter set and lists one plugin entry
// per step it runs. The unit's cache flag propagates forward: once a stage
// disables caching, every later stage does too.
func (c *Completer) Complete(unit model.BenchmarkConfig) (model.BenchmarkConfig, error) {
	out := unit
	out.FlowStages = make([]model.FlowStage, 0, len(unit.FlowStages))

	var defs []*plugin.Definition
	useCache := unit.CacheEnabled()
	for _, fs := range unit.FlowStages {
		stage := fs
		if !useCache {
			stage.UseCache = model.BoolPtr(false)
		}
		if useCache && !stage.CacheEnabled() {
			useCache = false
		}
		stage.UseCache = model.BoolPtr(stage.CacheEnabled())

		def, err := c.Registry.Resolve(stage.PluginImplement, plugin.Role(stage.PluginType))
		if err != nil {
			return out, err
		}
		if !def.Role.IsStage() {
			return out, &model.PluginError{Kind: model.PluginWrongRole, Name: def.Name, Role: "stage"}
		}
		defs = append(defs, def)

		params, err := c.overlay(def, stage.ContextParams)
		if err != nil {
			return out, err
		}
		params[ParamBenchmarkID] = unit.Benchmark
		params[ParamBenchmarkPath] = unit.LocationTest
		params[ParamUseCache] = stage.CacheEnabled()
		params[ParamWorkDir] = c.Eval.WorkDir
		stage.ContextParams = c.override(def, params)
		stage.PluginType = string(def.Role)
		stage.PluginImplement = def.Name
		if stage.Stage == "" {
			stage.Stage = def.Name
		}

		steps, err := c.stepRoles(def)
		if err != nil {
			return out, err
		}
		plugins, stepDefs, err := c.completeSteps(unit, steps, fs.Plugins)
		if err != nil {
			return out, err
		}
		defs = append(defs, stepDefs...)
		stage.Plugins = plugins
		out.FlowStages = append(out.FlowStages, stage)
	}
	out.UseCache = model.BoolPtr(useCache)

	if err := plugin.CheckDuplicateFields(defs); err != nil {
		return out, err
	}
	return out, nil
}

func (c *Completer) completeSteps(unit model.BenchmarkConfig, roles []plugin.Role, configured []model.PluginConfig) ([]model.PluginConfig, []*plugin.Definition, error) {
	byRole := map[plugin.Role][]model.PluginConfig{}
	for _, p := range configured {
		def, err := c.Registry.Resolve(p.PluginImplement, plugin.Role(p.PluginType))
		if err != nil {
			return nil, nil, err
		}
		byRole[def.Role] = append(byRole[def.Role], p)
	}

	var out []model.PluginConfig
	var defs []*plugin.Definition
	for _, role := range roles {
		entries := byRole[role]
		if len(entries) == 0 {
			entries = []model.PluginConfig{{PluginType: string(role)}}
		}
		for _, p := range entries {
			def, err := c.Registry.Resolve(p.PluginImplement, role)
			if err != nil {
				return nil, nil, err
			}
			if def.Role.IsStage() {
				return nil, nil, &model.PluginError{Kind: model.PluginWrongRole, Name: def.Name, Role: string(role)}
			}
			defs = append(defs, def)

			params, err := c.overlay(def, p.ContextParams)
			if err != nil {
				return nil, nil, err
			}
			params[ParamBenchmarkID] = unit.Benchmark
			params[ParamBenchmarkPath] = unit.LocationTest
			params[ParamWorkDir] = c.Eval.WorkDir
			if role == plugin.RoleMetrics {
				if name, _ := params[ParamMetricsName].(string); name == "" {
					params[ParamMetricsName] = def.Name
				}
			}
			out = append(out, model.PluginConfig{
				PluginImplement: def.Name,
				PluginType:      string(def.Role),
				ContextParams:   c.override(def, params),
			})
		}
	}
	return out, defs, nil
}

// stepRoles asks a default-configured instance of a stage for its steps.
func (c *Completer) stepRoles(def *plugin.Definition) ([]plugin.Role, error) {
	inst, err := def.New(def.Params(), c.Registry.Env())
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", def.Name, err)
	}
	st, ok := inst.(plugin.Stage)
	if !ok {
		return nil, &model.PluginError{Kind: model.PluginWrongRole, Name: def.Name, Role: string(def.Role)}
	}
	return st.Steps(), nil
}

// overlay returns the defaults of def updated with the configured values of
// the keys def declares.
func (c *Completer) overlay(def *plugin.Definition, configured model.ContextParams) (model.ContextParams, error) {
	params, err := plugin.DefaultValues(def)
	if err != nil {
		return nil, fmt.Errorf("defaults of %s: %w", def.Name, err)
	}
	for k, v := range configured {
		if _, ok := params[k]; ok {
			params[k] = v
		}
	}
	return params, nil
}

// override resolves global references, drops unset values and applies the
// command-line plugin parameters to the keys def declares.
func (c *Completer) override(def *plugin.Definition, params model.ContextParams) model.ContextParams {
	out := model.ContextParams{}
	for k, v := range params {
		v = c.resolveGlobal(v)
		if v == nil || v == emptyValue {
			continue
		}
		out[k] = v
	}
	declared := map[string]bool{}
	for _, k := range plugin.DeclaredKeys(def) {
		declared[k] = true
	}
	for k, v := range c.Eval.PluginParam {
		if declared[k] {
			out[k] = v
		}
	}
	return out
}

func (c *Completer) resolveGlobal(v any) any {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, GlobalRef) {
		return v
	}
	if g, found := c.Eval.GlobalParam[strings.TrimPrefix(s, GlobalRef)]; found && g != nil {
		return g
	}
	return v
}
