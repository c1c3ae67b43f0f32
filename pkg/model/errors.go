package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the dispatch API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a VALIDATION_ERROR APIError.
func NewValidationError(msg string) *APIError {
	return &APIError{Code: ErrValidation, Message: msg}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// ErrInterrupted is returned by a run stopped by SIGINT or SIGTERM.
var ErrInterrupted = errors.New("run interrupted by signal")

// ConfigParseError reports malformed flow or unit configuration.
type ConfigParseError struct {
	Source  string
	Message string
	Cause   error
}

func (e *ConfigParseError) Error() string {
	msg := fmt.Sprintf("config parse error in %s: %s", e.Source, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ConfigParseError) Unwrap() error {
	return e.Cause
}

// PluginErrorKind classifies plugin resolution failures.
type PluginErrorKind string

const (
	PluginNotFound  PluginErrorKind = "not_found"
	PluginAmbiguous PluginErrorKind = "ambiguous"
	PluginWrongRole PluginErrorKind = "wrong_role"
)

// PluginError reports a plugin that could not be resolved or used.
type PluginError struct {
	Kind      PluginErrorKind
	Name      string
	Role      string
	Locations []string
}

func (e *PluginError) Error() string {
	switch e.Kind {
	case PluginAmbiguous:
		return fmt.Sprintf("plugin %q is declared in more than one location: %s", e.Name, strings.Join(e.Locations, ", "))
	case PluginWrongRole:
		return fmt.Sprintf("plugin %q does not implement role %q", e.Name, e.Role)
	default:
		if e.Name == "" {
			return fmt.Sprintf("no plugin registered for role %q", e.Role)
		}
		return fmt.Sprintf("plugin %q not found (role %q)", e.Name, e.Role)
	}
}

// DuplicateFieldError reports a configuration key declared by more than one
// plugin implementation of the same unit.
type DuplicateFieldError struct {
	Field   string
	Plugins []string
}

func (e *DuplicateFieldError) Error() string {
	return fmt.Sprintf("parameter name %s is defined repeatedly in the following plugin implementations: %s",
		e.Field, strings.Join(e.Plugins, ", "))
}

// CheckpointIOError reports a checkpoint that could not be read or written.
type CheckpointIOError struct {
	Path  string
	Op    string
	Cause error
}

func (e *CheckpointIOError) Error() string {
	return fmt.Sprintf("checkpoint %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *CheckpointIOError) Unwrap() error {
	return e.Cause
}

// ExternalCallError reports an external call that failed after its retry
// budget was spent.
type ExternalCallError struct {
	Service  string
	Attempts int
	Cause    error
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("%s call failed after %d attempts: %v", e.Service, e.Attempts, e.Cause)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Cause
}

// UnitRetryExhaustedError reports units the work queue gave up on.
type UnitRetryExhaustedError struct {
	Units []string
}

func (e *UnitRetryExhaustedError) Error() string {
	return fmt.Sprintf("units not finished after retries: %s", strings.Join(e.Units, ", "))
}

// WorkerFailure is the error captured inside one worker process.
type WorkerFailure struct {
	PID     int    `json:"pid"`
	Message string `json:"message"`
	Trace   string `json:"trace,omitempty"`
}

// WorkerFailureError aggregates the failures of every worker of a run.
type WorkerFailureError struct {
	Failures []WorkerFailure
}

func (e *WorkerFailureError) Error() string {
	var b strings.Builder
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "Subprocess %d exception: %s\n", f.PID, f.Message)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s", e.Entity, e.From, e.To)
}
