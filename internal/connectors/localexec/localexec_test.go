//go:build !windows

package localexec

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/fentz26/cascade/internal/connectors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sh(script string) connectors.Request {
	return connectors.Request{Executable: "sh", Args: []string{"-c", script}}
}

func TestName(t *testing.T) {
	if New().Name() != "localexec" {
		t.Errorf("Expected name 'localexec', got %s", New().Name())
	}
}

func TestExecuteForeground(t *testing.T) {
	e := New(WithLogger(zaptest.NewLogger(t)))

	res, err := e.Execute(context.Background(), sh("echo out; echo err >&2"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.TimedOut)
	assert.True(t, res.Succeeded(0))
}

func TestExecuteUnexpectedExitCode(t *testing.T) {
	e := New()

	res, err := e.Execute(context.Background(), sh("exit 4"))
	require.NoError(t, err)
	assert.Equal(t, 4, res.ExitCode)
	assert.False(t, res.Succeeded(0))
	assert.True(t, res.Succeeded(4))
}

func TestTimeoutKillsProcessTree(t *testing.T) {
	e := New(WithLogger(zaptest.NewLogger(t)))
	req := sh("sleep 30 & sleep 30")
	req.Timeout = 300 * time.Millisecond

	start := time.Now()
	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.False(t, res.Succeeded(0))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestCancellationKillsProcess(t *testing.T) {
	e := New()
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	_, err := e.Execute(ctx, connectors.Request{Executable: "sleep", Args: []string{"30"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestStartFailureWithoutShell(t *testing.T) {
	e := New(WithShell())

	res, err := e.Execute(context.Background(), connectors.Request{Executable: "cascade-no-such-binary"})
	require.NoError(t, err)
	assert.Equal(t, -1, res.ExitCode)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.ShellRetried)
	assert.NotEmpty(t, res.Stderr)
}

func TestShellFallback(t *testing.T) {
	tests := []struct {
		name     string
		req      connectors.Request
		exitCode int
		attempts int
		retried  bool
	}{
		{
			name:     "builtin named as executable",
			req:      connectors.Request{Executable: "exit", Args: []string{"3"}},
			exitCode: 3,
			attempts: 2,
			retried:  true,
		},
		{
			name:     "missing binary retried once",
			req:      connectors.Request{Executable: "cascade-no-such-binary"},
			exitCode: 127,
			attempts: 2,
			retried:  true,
		},
		{
			name:     "shell executable is not wrapped",
			req:      connectors.Request{Executable: "/nonexistent/bash", Args: []string{"-c", "true"}},
			exitCode: -1,
			attempts: 1,
			retried:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := New(WithShell("sh", "-c"), WithLogger(zaptest.NewLogger(t)))
			res, err := e.Execute(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.exitCode, res.ExitCode)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Equal(t, tt.retried, res.ShellRetried)
		})
	}
}

func TestBackgroundEarlyExitIsOrdinaryResult(t *testing.T) {
	e := New(WithGrace(5 * time.Second))
	req := sh("echo fast")
	req.Background = true

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Background)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "fast\n", res.Stdout)
	assert.Equal(t, 0, e.Registry().Len())
}

func TestBackgroundStop(t *testing.T) {
	exits := make(chan BackgroundExit, 1)
	e := New(
		WithGrace(300*time.Millisecond),
		WithLogger(zaptest.NewLogger(t)),
		WithOnExit(func(x BackgroundExit) { exits <- x }),
	)
	req := sh("echo started; sleep 30")
	req.Background = true
	req.TaskID = "task-1"

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Background)
	assert.Positive(t, res.PID)
	assert.True(t, res.Succeeded(0))

	procs := e.Registry().List()
	require.Len(t, procs, 1)
	assert.Equal(t, "task-1", procs[0].TaskID)

	require.NoError(t, e.Stop(procs[0].ID))
	assert.Equal(t, 0, e.Registry().Len())

	select {
	case x := <-exits:
		assert.True(t, x.Stopped)
		assert.Equal(t, "task-1", x.TaskID)
		assert.Contains(t, x.Snippet, "started")
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback not fired")
	}

	assert.ErrorIs(t, e.Stop(procs[0].ID), ErrUnknownProcess)
}

func TestBackgroundNaturalExitSelfRemoves(t *testing.T) {
	exits := make(chan BackgroundExit, 1)
	e := New(
		WithGrace(100*time.Millisecond),
		WithOnExit(func(x BackgroundExit) { exits <- x }),
	)
	req := sh("sleep 0.5; echo bye")
	req.Background = true

	res, err := e.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Background)

	select {
	case x := <-exits:
		assert.False(t, x.Stopped)
		assert.Equal(t, 0, x.ExitCode)
		assert.Contains(t, x.Snippet, "bye")
	case <-time.After(10 * time.Second):
		t.Fatal("exit callback not fired")
	}
	assert.Eventually(t, func() bool { return e.Registry().Len() == 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestStopAll(t *testing.T) {
	e := New(WithGrace(100 * time.Millisecond))
	for i := 0; i < 2; i++ {
		req := sh("sleep 30")
		req.Background = true
		_, err := e.Execute(context.Background(), req)
		require.NoError(t, err)
	}
	require.Equal(t, 2, e.Registry().Len())

	require.NoError(t, e.StopAll())
	assert.Equal(t, 0, e.Registry().Len())
}

func TestTailBufferBounded(t *testing.T) {
	b := newTailBuffer(10)
	_, _ = b.Write([]byte(strings.Repeat("a", 20)))
	_, _ = b.Write([]byte("0123456789"))

	got := b.String()
	assert.True(t, strings.HasPrefix(got, "... (truncated)"))
	assert.True(t, strings.HasSuffix(got, "0123456789"))
}
