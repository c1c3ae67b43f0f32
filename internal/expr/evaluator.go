// Package expr evaluates JavaScript expressions (goja) over per-item
// variables. Metric formulas are written in this language.
//
// Three forms are accepted:
//   - a bare expression: pred === refs[0]
//   - an embedded reference: $(pred.length)
//   - a code block: ${ return pred.startsWith(refs[0]) ? 1 : 0; }
package expr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// Evaluator runs expressions in a fresh runtime per call, after loading its
// library code.
type Evaluator struct {
	lib     []string
	timeout time.Duration
}

// NewEvaluator creates an evaluator. lib holds JavaScript loaded before
// every evaluation, typically helper functions.
func NewEvaluator(lib []string) *Evaluator {
	return &Evaluator{lib: lib, timeout: 5 * time.Second}
}

// WithTimeout bounds the run time of one evaluation.
func (e *Evaluator) WithTimeout(d time.Duration) *Evaluator {
	e.timeout = d
	return e
}

func (e *Evaluator) setupVM(vars map[string]any) (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	for i, lib := range e.lib {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("lib[%d]: %w", i, err)
		}
	}
	for k, v := range vars {
		if err := vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}
	return vm, nil
}

// Evaluate runs src with vars bound as globals and returns the exported value.
func (e *Evaluator) Evaluate(ctx context.Context, src string, vars map[string]any) (any, error) {
	code := strings.TrimSpace(src)
	if code == "" {
		return nil, fmt.Errorf("empty expression")
	}

	vm, err := e.setupVM(vars)
	if err != nil {
		return nil, err
	}

	// Interrupt on timeout or cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-timer.C:
			vm.Interrupt(fmt.Errorf("expression exceeded %s", e.timeout))
		case <-done:
		}
	}()

	switch {
	case strings.HasPrefix(code, "${") && findMatchingBrace(code) == len(code)-1:
		body := strings.TrimSpace(code[2 : len(code)-1])
		code = fmt.Sprintf("(function() { %s })()", body)
	case strings.HasPrefix(code, "$(") && findMatchingParen(code) == len(code)-1:
		code = code[2 : len(code)-1]
		if strings.HasPrefix(strings.TrimSpace(code), "{") {
			code = "(" + code + ")"
		}
	}

	val, err := vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("JavaScript error: %w", err)
	}
	if val == nil || goja.IsUndefined(val) {
		return nil, fmt.Errorf("expression %q returned undefined", src)
	}
	return val.Export(), nil
}

// EvaluateFloat evaluates src and converts the result to a number. Booleans
// map to 1 and 0.
func (e *Evaluator) EvaluateFloat(ctx context.Context, src string, vars map[string]any) (float64, error) {
	val, err := e.Evaluate(ctx, src, vars)
	if err != nil {
		return 0, err
	}
	switch v := val.(type) {
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("expression did not return a number: %T", val)
	}
}

// findMatchingBrace returns the index of the brace closing a leading "${",
// or -1.
func findMatchingBrace(s string) int {
	if !strings.HasPrefix(s, "${") {
		return -1
	}
	depth := 0
	for i, c := range s {
		if c == '{' {
			depth++
		} else if c == '}' {
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// findMatchingParen returns the index of the parenthesis closing a leading
// "$(", or -1.
func findMatchingParen(s string) int {
	if !strings.HasPrefix(s, "$(") {
		return -1
	}
	depth := 0
	for i, c := range s {
		if c == '(' {
			depth++
		} else if c == ')' {
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
