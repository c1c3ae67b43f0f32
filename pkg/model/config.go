package model

// RunnerType selects the scheduling strategy for a run.
type RunnerType string

const (
	RunnerDummy        RunnerType = "dummy"
	RunnerLocal        RunnerType = "local"
	RunnerDataParallel RunnerType = "data_parallel"
)

// String returns the string representation of the runner type.
func (r RunnerType) String() string {
	return string(r)
}

// IsValid reports whether r names a known scheduling strategy.
func (r RunnerType) IsValid() bool {
	switch r {
	case RunnerDummy, RunnerLocal, RunnerDataParallel:
		return true
	}
	return false
}

// ContextParams holds configuration values for one plugin. Values are
// either scalars or structured documents (maps and slices) decoded during
// configuration normalization.
type ContextParams map[string]any

// Clone returns a shallow copy of p. A nil receiver yields an empty map.
func (p ContextParams) Clone() ContextParams {
	out := make(ContextParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PluginConfig describes one step implementation used by a stage.
type PluginConfig struct {
	PluginImplement string        `json:"plugin_implement,omitempty" yaml:"plugin_implement"`
	PluginType      string        `json:"plugin_type,omitempty" yaml:"plugin_type"`
	ContextParams   ContextParams `json:"context_params,omitempty" yaml:"context_params"`
}

// FlowStage describes one pipeline stage of a unit of work.
type FlowStage struct {
	Stage           string         `json:"stage" yaml:"stage"`
	PluginType      string         `json:"plugin_type,omitempty" yaml:"plugin_type"`
	PluginImplement string         `json:"plugin_implement,omitempty" yaml:"plugin_implement"`
	ContextParams   ContextParams  `json:"context_params,omitempty" yaml:"context_params"`
	Plugins         []PluginConfig `json:"plugins,omitempty" yaml:"plugins"`
	UseCache        *bool          `json:"use_cache,omitempty" yaml:"use_cache"`
}

// CacheEnabled reports the effective cache flag; an unset flag means true.
func (s *FlowStage) CacheEnabled() bool {
	return s.UseCache == nil || *s.UseCache
}

// BenchmarkConfig is one independently schedulable unit of work.
type BenchmarkConfig struct {
	Benchmark      string      `json:"benchmark" yaml:"benchmark" validate:"required"`
	LocationTest   string      `json:"location_test,omitempty" yaml:"location_test"`
	FlowStages     []FlowStage `json:"flow_stages,omitempty" yaml:"flow_stages"`
	FlowConfigFile string      `json:"flow_config_file,omitempty" yaml:"flow_config_file"`
	UseCache       *bool       `json:"use_cache,omitempty" yaml:"use_cache"`
}

// CacheEnabled reports the effective cache flag; an unset flag means true.
func (b *BenchmarkConfig) CacheEnabled() bool {
	return b.UseCache == nil || *b.UseCache
}

// EvalConfig is the top-level configuration of one evaluation run.
type EvalConfig struct {
	Debug            bool              `json:"debug,omitempty" yaml:"debug"`
	Runner           RunnerType        `json:"runner" yaml:"runner" validate:"required,oneof=dummy local data_parallel"`
	WorkDir          string            `json:"work_dir" yaml:"work_dir" validate:"required"`
	DataParallel     int               `json:"data_parallel" yaml:"data_parallel" validate:"gte=1"`
	RetryBudget      int               `json:"retry_budget" yaml:"retry_budget" validate:"gte=1"`
	FailOnUnfinished bool              `json:"fail_on_unfinished,omitempty" yaml:"fail_on_unfinished"`
	FlowConfigFile   string            `json:"flow_config_file,omitempty" yaml:"flow_config_file"`
	DatasetFiles     []string          `json:"dataset_files,omitempty" yaml:"dataset_files"`
	Benchmarks       []BenchmarkConfig `json:"benchmarks,omitempty" yaml:"benchmarks" validate:"dive"`
	GlobalParam      ContextParams     `json:"global_param,omitempty" yaml:"global_param"`
	PluginParam      ContextParams     `json:"plugin_param,omitempty" yaml:"plugin_param"`
	LogLevel         string            `json:"log_level,omitempty" yaml:"log_level"`
	LogFormat        string            `json:"log_format,omitempty" yaml:"log_format"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}
