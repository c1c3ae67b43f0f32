package model

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIError_Error(t *testing.T) {
	err := &APIError{Code: ErrNotFound, Message: "unit 'u1' not found"}
	want := "NOT_FOUND: unit 'u1' not found"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("unit", "u1")
	if err.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrNotFound)
	}
	if err.Message != "unit 'u1' not found" {
		t.Errorf("Message = %q", err.Message)
	}
}

func TestPluginError_Messages(t *testing.T) {
	tests := []struct {
		err  *PluginError
		want string
	}{
		{&PluginError{Kind: PluginNotFound, Name: "Foo", Role: "metrics"}, `plugin "Foo" not found`},
		{&PluginError{Kind: PluginNotFound, Role: "metrics"}, `no plugin registered for role "metrics"`},
		{&PluginError{Kind: PluginAmbiguous, Name: "Foo", Locations: []string{"a", "b"}}, "a, b"},
		{&PluginError{Kind: PluginWrongRole, Name: "Foo", Role: "stage_data_processor"}, "does not implement role"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); !strings.Contains(got, tt.want) {
			t.Errorf("Error() = %q, want substring %q", got, tt.want)
		}
	}
}

func TestDuplicateFieldError_NamesAllPlugins(t *testing.T) {
	err := &DuplicateFieldError{Field: "foo", Plugins: []string{"A", "B"}}
	got := err.Error()
	for _, s := range []string{"foo", "A", "B"} {
		if !strings.Contains(got, s) {
			t.Errorf("Error() = %q, missing %q", got, s)
		}
	}
}

func TestWorkerFailureError_ListsEveryWorker(t *testing.T) {
	err := &WorkerFailureError{Failures: []WorkerFailure{
		{PID: 11, Message: "boom"},
		{PID: 12, Message: "bang"},
	}}
	want := "Subprocess 11 exception: boom\nSubprocess 12 exception: bang"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestConfigParseError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("unexpected EOF")
	err := fmt.Errorf("load: %w", &ConfigParseError{Source: "flow.json", Message: "invalid JSON", Cause: cause})
	var cpe *ConfigParseError
	if !errors.As(err, &cpe) {
		t.Fatal("errors.As failed for ConfigParseError")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}

func TestInvalidTransitionError(t *testing.T) {
	err := &InvalidTransitionError{Entity: "dispatch", From: "DONE", To: "DISPATCHING"}
	want := "invalid dispatch state transition: DONE → DISPATCHING"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
