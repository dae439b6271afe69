package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConfiguration marks a malformed tool chain: the chain of the affected
	// organization can't be built.
	ErrConfiguration = errors.New("configuration error")
	// ErrExternalTool marks a failed subprocess: launch failure or non-zero exit.
	ErrExternalTool = errors.New("external tool error")
	// ErrTimeout marks a subprocess killed after its time bound. It is always
	// reported together with ErrExternalTool.
	ErrTimeout = errors.New("timeout")
)

// ConfigError describes an invalid configuration value.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "configuration error: " + e.Message
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// MissingArgsError is returned when a command template references
// placeholders which have no bound value.
type MissingArgsError struct {
	Template string
	Missing  []string
}

func (e *MissingArgsError) Error() string {
	return fmt.Sprintf("configuration error: template %q: unbound placeholders: %s",
		e.Template, strings.Join(e.Missing, ", "))
}

func (e *MissingArgsError) Is(target error) bool {
	return target == ErrConfiguration
}

// ToolError describes an external command which did not finish successfully.
type ToolError struct {
	Step     string
	ExitCode int
	Timeout  time.Duration // non-zero when the command was killed after this bound
	Err      error
}

func (e *ToolError) Error() string {
	switch {
	case e.Timeout > 0:
		return fmt.Sprintf("step %s: killed after %s timeout", e.Step, e.Timeout)
	case e.ExitCode > 0:
		return fmt.Sprintf("step %s: exit code %d", e.Step, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("step %s: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("step %s: failed", e.Step)
	}
}

func (e *ToolError) Unwrap() []error {
	errs := []error{ErrExternalTool}
	if e.Timeout > 0 {
		errs = append(errs, ErrTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
