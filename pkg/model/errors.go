package model

import (
	"errors"
	"fmt"
)

// Configuration errors. They are detected before any external process runs
// and are fatal to the current operation only.
var (
	ErrMissingRequired    = errors.New("missing required parameter")
	ErrUnknownParameter   = errors.New("unknown parameter")
	ErrInvalidIOPass      = errors.New("io_pass references a field absent from the schema")
	ErrUnknownPlaceholder = errors.New("template placeholder has no parameter")
	ErrDuplicateParameter = errors.New("duplicate parameter name")
	ErrInvalidValue       = errors.New("invalid parameter value")
)

// ErrMissingSpecimenID is the identity error. It is process-fatal.
var ErrMissingSpecimenID = errors.New("specimen id is required")

// ConfigError locates a configuration error on a template field.
type ConfigError struct {
	Template string
	Field    string
	Err      error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Template != "" && e.Field != "":
		return fmt.Sprintf("%s.%s: %v", e.Template, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	case e.Template != "":
		return fmt.Sprintf("%s: %v", e.Template, e.Err)
	}
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a ConfigError.
func NewConfigError(template, field string, err error) *ConfigError {
	return &ConfigError{Template: template, Field: field, Err: err}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// InvalidTransitionError is returned when a job state transition is invalid.
type InvalidTransitionError struct {
	JobID string
	From  JobState
	To    JobState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job state transition: %s → %s (job %s)", e.From, e.To, e.JobID)
}

// ExecutionError wraps failures to start or supervise an external process.
// A command that runs and exits non-zero is not an ExecutionError.
type ExecutionError struct {
	Phase    string // "render", "batch_file", "launch"
	Err      error
	ExitCode int
}

func (e *ExecutionError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %v (exit code %d)", e.Phase, e.Err, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
