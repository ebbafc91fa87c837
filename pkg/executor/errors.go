package executor

import (
	"errors"
	"fmt"
)

// ErrToolNotInstalled indicates the external processing tool is missing
// from the execution environment. Never retried.
var ErrToolNotInstalled = errors.New("tool not installed")

// ToolNotInstalledError wraps ErrToolNotInstalled with the tool name.
type ToolNotInstalledError struct {
	Tool string
	Err  error
}

func (e *ToolNotInstalledError) Error() string {
	return fmt.Sprintf("tool not installed: %s: %v", e.Tool, e.Err)
}

func (e *ToolNotInstalledError) Unwrap() error { return ErrToolNotInstalled }

// ExecutionError is a failed external command: non-zero exit or timeout.
// Captured output is retained (truncated to the configured cap) so stage
// failures can be diagnosed from the job log.
type ExecutionError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

func (e *ExecutionError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("command timed out: %s", e.Command)
	}
	detail := lastLine(e.Stderr)
	if detail == "" {
		detail = lastLine(e.Stdout)
	}
	if detail != "" {
		return fmt.Sprintf("command failed (exit %d): %s: %s", e.ExitCode, e.Command, detail)
	}
	return fmt.Sprintf("command failed (exit %d): %s", e.ExitCode, e.Command)
}

// IsExecutionError reports whether err is (or wraps) an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}

// IsTimeout reports whether err is an ExecutionError caused by a timeout.
func IsTimeout(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.TimedOut
}

// IsToolNotInstalled reports whether err indicates a missing tool.
func IsToolNotInstalled(err error) bool {
	return errors.Is(err, ErrToolNotInstalled)
}
