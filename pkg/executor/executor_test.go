package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Success(t *testing.T) {
	e := New(nil, nil)

	res, err := e.Run(context.Background(), Command{
		Tool: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "out")
	assert.Contains(t, res.Stderr, "err")
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestRun_NonZeroExit(t *testing.T) {
	e := New(nil, nil)

	_, err := e.Run(context.Background(), Command{
		Tool: "sh",
		Args: []string{"-c", "echo boom >&2; exit 3"},
	}, Options{})
	require.Error(t, err)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.ExitCode)
	assert.False(t, ee.TimedOut)
	assert.Contains(t, ee.Stderr, "boom")
	assert.True(t, IsExecutionError(err))
}

func TestRun_Timeout(t *testing.T) {
	e := New(nil, nil)

	start := time.Now()
	_, err := e.Run(context.Background(), Command{
		Tool: "sleep",
		Args: []string{"30"},
	}, Options{Timeout: 200 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	assert.True(t, ee.TimedOut)
	assert.True(t, IsTimeout(err))
}

func TestRun_ToolNotInstalled(t *testing.T) {
	e := New(nil, nil)

	_, err := e.Run(context.Background(), Command{
		Tool: "definitely-not-a-real-tool-xyz",
	}, Options{})
	require.Error(t, err)
	assert.True(t, IsToolNotInstalled(err))
	assert.False(t, IsExecutionError(err))
}

func TestRun_CallerCancellation(t *testing.T) {
	e := New(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := e.Run(ctx, Command{Tool: "sleep", Args: []string{"30"}}, Options{})
	require.Error(t, err)
	// Cancellation surfaces as context error, not as a stage failure.
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_OutputCap(t *testing.T) {
	e := New(nil, nil)

	res, err := e.Run(context.Background(), Command{
		Tool: "sh",
		Args: []string{"-c", "yes x | head -c 4096"},
	}, Options{MaxOutputBytes: 128})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(res.Stdout), 128+len("\n... [output truncated]"))
	assert.Contains(t, res.Stdout, "[output truncated]")
}

func TestCondaEnvironment_Resolve(t *testing.T) {
	env := CondaEnvironment{EnvName: "gmtsar"}

	out := env.Resolve(Command{Tool: "align_tops.csh", Args: []string{"a", "b"}, Dir: "/work"})
	assert.Equal(t, "conda", out.Tool)
	assert.Equal(t, []string{"run", "-n", "gmtsar", "--no-capture-output", "align_tops.csh", "a", "b"}, out.Args)
	assert.Equal(t, "/work", out.Dir)
}

func TestNativeEnvironment_ResolveCopiesArgs(t *testing.T) {
	args := []string{"a", "b"}
	out := NativeEnvironment{}.Resolve(Command{Tool: "t", Args: args})
	out.Args[0] = "mutated"
	assert.Equal(t, "a", args[0])
}
