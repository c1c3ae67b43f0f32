package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/me/evalflow/pkg/model"
)

// FlowConfigFileName is looked up when a flow path names a directory.
const FlowConfigFileName = "flow_config.json"

const flowSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": ["plugin_implement"],
    "properties": {
      "stage": {"type": "string"},
      "plugin_type": {"type": "string"},
      "plugin_implement": {"type": "string"},
      "context_params": {"type": "object"},
      "use_cache": {"type": "boolean"},
      "plugins": {
        "type": "array",
        "items": {
          "type": "object",
          "properties": {
            "plugin_implement": {"type": "string"},
            "plugin_type": {"type": "string"},
            "context_params": {"type": "object"}
          },
          "additionalProperties": false
        }
      }
    },
    "additionalProperties": false
  }
}`

var flowSchemaLoader = gojsonschema.NewStringLoader(flowSchema)

// ValidateFlow checks raw flow JSON against the flow schema.
func ValidateFlow(source string, data []byte) error {
	result, err := gojsonschema.Validate(flowSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &model.ConfigParseError{Source: source, Message: "flow is not valid JSON", Cause: err}
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return &model.ConfigParseError{Source: source, Message: strings.Join(msgs, "; ")}
}

// LoadFlow reads an ordered list of stages from path. A directory means the
// flow_config.json inside it.
func LoadFlow(path string) ([]model.FlowStage, error) {
	if path == "" {
		return nil, &model.ConfigParseError{Source: "flow_config_file", Message: "flow configuration file not specified"}
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FlowConfigFileName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.ConfigParseError{Source: path, Message: "flow configuration file does not exist", Cause: err}
	}
	if err := ValidateFlow(path, data); err != nil {
		return nil, err
	}
	var stages []model.FlowStage
	if err := json.Unmarshal(data, &stages); err != nil {
		return nil, &model.ConfigParseError{Source: path, Message: "decode flow", Cause: err}
	}
	return stages, nil
}
