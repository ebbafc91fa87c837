// Package executor runs one external processing step with a wall-clock
// timeout and bounded output capture.
//
// Commands are fully resolved by the caller: absolute tool path or bare
// tool name plus explicit argv. No shell is involved, so arguments are
// never reinterpreted.
package executor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
	DefaultMaxOutputBytes = 10 << 20 // 10 MiB

	// DefaultTimeout bounds a single stage when the caller sets none.
	DefaultTimeout = time.Hour
)

// Command is one fully-resolved external invocation.
type Command struct {
	// Tool is the executable name or absolute path.
	Tool string
	// Args is the explicit argv tail (no shell interpretation).
	Args []string
	// Dir is the working directory the tool runs in.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	return strings.Join(append([]string{c.Tool}, c.Args...), " ")
}

// Options bounds one run.
type Options struct {
	// Timeout is the wall-clock limit. Zero means DefaultTimeout.
	Timeout time.Duration
	// MaxOutputBytes caps captured output per stream. Zero means
	// DefaultMaxOutputBytes.
	MaxOutputBytes int
}

// Result is the outcome of a completed (exit 0) run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs external commands through an Environment.
type Executor struct {
	env    Environment
	logger *zap.Logger
}

// New creates an Executor. A nil environment means native execution.
func New(env Environment, logger *zap.Logger) *Executor {
	if env == nil {
		env = NativeEnvironment{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{env: env, logger: logger.Named("executor")}
}

// Run executes cmd and returns its captured output.
//
// The child is placed in its own process group; on timeout or context
// cancellation the whole group is killed so no orphaned tool processes
// survive the stage.
func (e *Executor) Run(ctx context.Context, cmd Command, opts Options) (*Result, error) {
	if strings.TrimSpace(cmd.Tool) == "" {
		return nil, errors.New("executor: tool is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxBytes := opts.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}

	resolved := e.env.Resolve(cmd)
	if _, err := exec.LookPath(resolved.Tool); err != nil {
		return nil, &ToolNotInstalledError{Tool: resolved.Tool, Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proc := exec.CommandContext(runCtx, resolved.Tool, resolved.Args...)
	proc.Dir = resolved.Dir
	proc.Env = append(os.Environ(), resolved.Env...)
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	proc.Cancel = func() error {
		// Kill the whole process group, not just the direct child.
		return syscall.Kill(-proc.Process.Pid, syscall.SIGKILL)
	}
	proc.WaitDelay = 5 * time.Second

	stdout := newCappedBuffer(maxBytes)
	stderr := newCappedBuffer(maxBytes)
	proc.Stdout = stdout
	proc.Stderr = stderr

	e.logger.Debug("running command",
		zap.String("tool", resolved.Tool),
		zap.Strings("args", resolved.Args),
		zap.String("dir", resolved.Dir),
		zap.Duration("timeout", timeout))

	start := time.Now()
	err := proc.Run()
	duration := time.Since(start)

	if err != nil {
		timedOut := runCtx.Err() == context.DeadlineExceeded
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}

		// Cancellation from the caller is not a stage failure.
		if !timedOut && ctx.Err() != nil {
			return nil, ctx.Err()
		}

		e.logger.Warn("command failed",
			zap.String("tool", resolved.Tool),
			zap.Int("exit_code", exitCode),
			zap.Bool("timed_out", timedOut),
			zap.Duration("duration", duration))

		return nil, &ExecutionError{
			Command:  resolved.String(),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			TimedOut: timedOut,
		}
	}

	e.logger.Debug("command completed",
		zap.String("tool", resolved.Tool),
		zap.Duration("duration", duration))

	return &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
		Duration: duration,
	}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
