package plugin

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/me/evalflow/pkg/model"
)

// DefaultWorkDir is used when no work directory is configured.
const DefaultWorkDir = "result/tmp"

// BaseParams are the runtime parameters every plugin receives.
type BaseParams struct {
	BenchmarkID string `json:"benchmark_id,omitempty"`
	WorkDir     string `json:"work_dir,omitempty"`
}

// Base returns p so embedding structs expose their runtime parameters.
func (p *BaseParams) Base() *BaseParams {
	return p
}

// StageParams are the parameters shared by every stage.
type StageParams struct {
	BaseParams
	UseCache bool `json:"use_cache"`
}

// DefaultStageParams returns stage parameters with caching enabled.
func DefaultStageParams() StageParams {
	return StageParams{BaseParams: BaseParams{WorkDir: DefaultWorkDir}, UseCache: true}
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func paramValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Decode fills dst, a pointer to a parameter struct, from values. Values
// are coerced to the declared field types (strings from the command line
// become numbers or booleans, numbers become strings), keys dst does not
// declare are ignored, and the result is checked against its validate tags.
func Decode(values model.ContextParams, dst any) error {
	kinds := fieldTypes(reflect.TypeOf(dst))
	coerced := make(map[string]any, len(values))
	for k, v := range values {
		t, ok := kinds[k]
		if !ok {
			continue
		}
		cv, err := coerce(v, t)
		if err != nil {
			return fmt.Errorf("parameter %s: %w", k, err)
		}
		coerced[k] = cv
	}

	data, err := json.Marshal(coerced)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode parameters: %w", err)
	}
	if err := paramValidator().Struct(dst); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

func coerce(v any, t reflect.Type) (any, error) {
	s, isString := v.(string)
	switch t.Kind() {
	case reflect.Bool:
		if isString {
			return strconv.ParseBool(strings.TrimSpace(s))
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if isString {
			return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		}
		if f, ok := v.(float64); ok {
			return int64(f), nil
		}
	case reflect.Float32, reflect.Float64:
		if isString {
			return strconv.ParseFloat(strings.TrimSpace(s), 64)
		}
	case reflect.String:
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(n), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		case bool:
			return strconv.FormatBool(n), nil
		}
	case reflect.Slice, reflect.Map, reflect.Struct:
		if isString {
			trimmed := strings.TrimSpace(s)
			if trimmed == "" {
				return nil, nil
			}
			var doc any
			if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
				if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.String {
					return strings.Split(trimmed, ","), nil
				}
				return nil, fmt.Errorf("expected a structured value: %w", err)
			}
			return doc, nil
		}
	}
	return v, nil
}

// fieldTypes maps the json names of every field of a parameter struct,
// embedded ones included, to their types.
func fieldTypes(t reflect.Type) map[string]reflect.Type {
	out := map[string]reflect.Type{}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return out
	}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			for k, v := range fieldTypes(f.Type) {
				out[k] = v
			}
			continue
		}
		if name := jsonName(f); name != "" {
			out[name] = f.Type
		}
	}
	return out
}

func jsonName(f reflect.StructField) string {
	if !f.IsExported() {
		return ""
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	return name
}

// DeclaredKeys returns the sorted parameter names a definition accepts.
func DeclaredKeys(def *Definition) []string {
	var keys []string
	for k := range fieldTypes(reflect.TypeOf(def.Params())) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DefaultValues returns the default parameters of a definition as a map.
func DefaultValues(def *Definition) (model.ContextParams, error) {
	data, err := json.Marshal(def.Params())
	if err != nil {
		return nil, err
	}
	out := model.ContextParams{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	// omitempty fields still belong to the declared set.
	for _, k := range DeclaredKeys(def) {
		if _, ok := out[k]; !ok {
			out[k] = nil
		}
	}
	return out, nil
}

// ownFields records, per struct type, the fields that type declares itself.
// Embedded structs are walked as their own types, so a field inherited
// unchanged from a shared base is attributed to the base only once.
func ownFields(t reflect.Type, into map[reflect.Type][]string) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return
	}
	if _, seen := into[t]; seen {
		return
	}
	into[t] = nil
	var names []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			ownFields(f.Type, into)
			continue
		}
		if name := jsonName(f); name != "" {
			names = append(names, name)
		}
	}
	into[t] = names
}

// CheckDuplicateFields fails when two distinct parameter types among defs
// declare the same field. The error names every implementation involved.
func CheckDuplicateFields(defs []*Definition) error {
	owners := map[reflect.Type][]string{}
	fields := map[reflect.Type][]string{}
	seen := map[string]bool{}
	for _, def := range defs {
		if seen[def.Name] {
			continue
		}
		seen[def.Name] = true

		own := map[reflect.Type][]string{}
		ownFields(reflect.TypeOf(def.Params()), own)
		for t, names := range own {
			fields[t] = names
			owners[t] = append(owners[t], def.Name)
		}
	}

	declaredBy := map[string][]reflect.Type{}
	for t, names := range fields {
		for _, n := range names {
			declaredBy[n] = append(declaredBy[n], t)
		}
	}

	var names []string
	for n := range declaredBy {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		types := declaredBy[n]
		if len(types) < 2 {
			continue
		}
		var plugins []string
		for _, t := range types {
			plugins = append(plugins, owners[t]...)
		}
		sort.Strings(plugins)
		return &model.DuplicateFieldError{Field: n, Plugins: dedupe(plugins)}
	}
	return nil
}

func dedupe(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
