package worker_test

import (
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epickiosk/kiosk/internal/worker"
)

func shell(t *testing.T, script string) worker.Command {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return worker.Command{
		Path:    sh,
		Args:    []string{"-c", script},
		Env:     []string{"LC_ALL=C"},
		Timeout: 10 * time.Second,
	}
}

func TestProcess_MergedLines(t *testing.T) {
	t.Parallel()
	cmd := shell(t, `echo one; echo two >&2; printf '\n'; echo "three"; printf 'no newline'`)
	proc, err := worker.Start(t.Context(), cmd)
	require.NoError(t, err)

	lines := slices.Collect(proc.Lines())
	res := proc.Wait()
	require.Equal(t, []string{"one", "two", "", "three", "no newline"}, lines)
	require.NoError(t, res.Err)
	require.Equal(t, 0, res.ExitCode())
	require.False(t, res.Killed)
	require.False(t, res.TimedOut)
	require.NotZero(t, res.Started)
	require.NotZero(t, res.Stopped)

	// single use
	require.Empty(t, slices.Collect(proc.Lines()))
	// Wait is idempotent
	require.Equal(t, res, proc.Wait())
}

func TestProcess_LongLine(t *testing.T) {
	t.Parallel()
	cmd := shell(t, `head -c 3000000 /dev/zero | tr '\0' 'x'; echo; echo tail`)
	proc, err := worker.Start(t.Context(), cmd)
	require.NoError(t, err)

	lines := slices.Collect(proc.Lines())
	proc.Wait()
	require.Len(t, lines, 2)
	require.Len(t, lines[0], 1<<20)
	require.Equal(t, "tail", lines[1])
}

func TestProcess_KillGroup(t *testing.T) {
	t.Parallel()
	// the background sleep keeps the pipe open unless the group dies
	cmd := shell(t, `sleep 30 & echo ready; wait`)
	proc, err := worker.Start(t.Context(), cmd)
	require.NoError(t, err)

	start := time.Now()
	for line := range proc.Lines() {
		require.Equal(t, "ready", line)
		require.NoError(t, proc.Kill())
		break
	}
	res := proc.Wait()
	require.Less(t, time.Since(start), 5*time.Second)
	require.True(t, res.Killed)
	require.Error(t, res.Err)
	require.Equal(t, -1, res.ExitCode())
}

func TestProcess_Watchdog(t *testing.T) {
	t.Parallel()
	cmd := shell(t, `sleep 30 & sleep 30`)
	cmd.Timeout = 200 * time.Millisecond
	proc, err := worker.Start(t.Context(), cmd)
	require.NoError(t, err)

	require.Empty(t, slices.Collect(proc.Lines()))
	res := proc.Wait()
	require.True(t, res.TimedOut)
	require.False(t, res.Killed)
	require.Less(t, res.Stopped.Sub(res.Started), 5*time.Second)
}

func TestProcess_ExecError(t *testing.T) {
	t.Parallel()
	_, err := worker.Start(t.Context(), worker.Command{Path: "does not exist", Timeout: time.Second})
	require.Error(t, err)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "does not exist", execErr.Name)
}

func TestCommand_WithEnv(t *testing.T) {
	t.Parallel()
	base := worker.Command{Path: "job", Env: []string{"A=1"}}
	got := base.WithEnv("B=2")
	require.Equal(t, []string{"A=1", "B=2"}, got.Env)
	require.Equal(t, []string{"A=1"}, base.Env)
	require.False(t, strings.Contains(strings.Join(got.Args, " "), "B=2"))
}
