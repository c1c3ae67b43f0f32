// Package config loads the evaluation configuration, validates flow files and
// expands units of work into fully resolved configurations.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/me/evalflow/internal/plugin"
	"github.com/me/evalflow/pkg/model"
)

// Environment overrides applied by ApplyEnv.
const (
	EnvWorkDir      = "EVALFLOW_WORK_DIR"
	EnvLogLevel     = "EVALFLOW_LOG_LEVEL"
	EnvLogFormat    = "EVALFLOW_LOG_FORMAT"
	EnvRunner       = "EVALFLOW_RUNNER"
	EnvDataParallel = "EVALFLOW_DATA_PARALLEL"
)

// DefaultRetryBudget is the number of attempts a unit gets in the work queue.
const DefaultRetryBudget = 2

// DefaultEvalConfig returns sensible defaults.
func DefaultEvalConfig() model.EvalConfig {
	return model.EvalConfig{
		Runner:       model.RunnerLocal,
		WorkDir:      plugin.DefaultWorkDir,
		DataParallel: 1,
		RetryBudget:  DefaultRetryBudget,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// LoadDotEnv loads .env from the working directory when present. A missing
// file is not an error.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads an evaluation config file (YAML or JSON) over the defaults.
func Load(path string) (model.EvalConfig, error) {
	cfg := DefaultEvalConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &model.ConfigParseError{Source: path, Message: "read config", Cause: err}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &model.ConfigParseError{Source: path, Message: "parse config", Cause: err}
	}
	return cfg, nil
}

// ApplyEnv overlays EVALFLOW_* environment variables on cfg.
func ApplyEnv(cfg *model.EvalConfig) error {
	if v := os.Getenv(EnvWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv(EnvRunner); v != "" {
		cfg.Runner = model.RunnerType(v)
	}
	if v := os.Getenv(EnvDataParallel); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &model.ConfigParseError{Source: EnvDataParallel, Message: "not an integer", Cause: err}
		}
		cfg.DataParallel = n
	}
	return nil
}

var validate = validator.New()

// Validate checks cfg against its struct tags and cross-field rules.
func Validate(cfg *model.EvalConfig) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return &model.ConfigParseError{Source: "eval config", Message: strings.Join(msgs, "; ")}
		}
		return &model.ConfigParseError{Source: "eval config", Message: "invalid", Cause: err}
	}
	if len(cfg.Benchmarks) == 0 && len(cfg.DatasetFiles) == 0 {
		return &model.ConfigParseError{Source: "eval config", Message: "no benchmarks or dataset_files configured"}
	}
	if len(cfg.DatasetFiles) > 0 && cfg.FlowConfigFile == "" {
		return &model.ConfigParseError{Source: "eval config", Message: "dataset_files requires flow_config_file"}
	}
	return nil
}

// ParseParams parses key=value pairs. Values holding a JSON object or array
// are decoded into structured documents; everything else stays a string and
// is coerced to the declared type when a plugin is constructed.
func ParseParams(pairs []string) (model.ContextParams, error) {
	out := model.ContextParams{}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, &model.ConfigParseError{Source: "plugin_param", Message: fmt.Sprintf("%q must be in key=value format", p)}
		}
		out[key] = decodeValue(value)
	}
	return out, nil
}

func decodeValue(v string) any {
	t := strings.TrimSpace(v)
	if strings.HasPrefix(t, "{") || strings.HasPrefix(t, "[") {
		var doc any
		if err := json.Unmarshal([]byte(t), &doc); err == nil {
			return doc
		}
	}
	return v
}
