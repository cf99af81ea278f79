package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

func testSpec(t *testing.T, command string, args []string, restart spec.RestartPolicy) spec.ProcessSpec {
	t.Helper()
	dir := t.TempDir()
	return spec.ProcessSpec{
		ID:      1,
		Name:    "test",
		Mode:    spec.ModeRawCommand,
		Command: command,
		Args:    args,
		Log:     spec.DefaultLogSpec(filepath.Join(dir, "out.log"), filepath.Join(dir, "err.log")),
		Restart: restart,
	}
}

func newTestSupervisor(t *testing.T, s spec.ProcessSpec) (*Supervisor, chan Event) {
	t.Helper()
	events := make(chan Event, 64)
	logger := logging.NewLogger("", logging.LogFuncs{})
	sup := New(s, logger, events, t.TempDir())
	return sup, events
}

func awaitStatus(t *testing.T, sup *Supervisor, want spec.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if sup.Snapshot().Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("status never reached %s, last seen %s", want, sup.Snapshot().Status)
}

func TestSupervisorStartReachesOnlineThenStopReachesStopped(t *testing.T) {
	s := testSpec(t, "sh", []string{"-c", "sleep 5"}, spec.DefaultRestartPolicy())
	sup, _ := newTestSupervisor(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Submit(ctx, OpStart, ""))
	assert.Equal(t, spec.StatusOnline, sup.Snapshot().Status)

	require.NoError(t, sup.Submit(ctx, OpStop, ""))
	awaitStatus(t, sup, spec.StatusStopped, 2*time.Second)
}

func TestSupervisorCrashLoopEntersErrored(t *testing.T) {
	restart := spec.RestartPolicy{
		MaxRestarts:  2,
		RestartDelay: 10 * time.Millisecond,
		BackoffCap:   1,
		MinUptime:    500 * time.Millisecond,
		CrashWindow:  0,
	}
	s := testSpec(t, "sh", []string{"-c", "exit 1"}, restart)
	sup, events := newTestSupervisor(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Submit(ctx, OpStart, ""))

	awaitStatus(t, sup, spec.StatusErrored, 3*time.Second)
	assert.GreaterOrEqual(t, sup.Snapshot().CrashCount, restart.MaxRestarts)

	sawCrashLoop := false
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventCrashLoop {
				sawCrashLoop = true
			}
		default:
			assert.True(t, sawCrashLoop, "expected a CrashLoop event before giving up")
			return
		}
	}
}

func TestDoStopFromBackoffCancelsPendingRespawn(t *testing.T) {
	restart := spec.RestartPolicy{
		MaxRestarts:  10,
		RestartDelay: 500 * time.Millisecond,
		BackoffCap:   6,
		MinUptime:    1 * time.Second,
		CrashWindow:  60 * time.Second,
	}
	s := testSpec(t, "sh", []string{"-c", "exit 1"}, restart)
	sup, _ := newTestSupervisor(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Submit(ctx, OpStart, ""))

	awaitStatus(t, sup, spec.StatusBackoff, 2*time.Second)

	require.NoError(t, sup.Submit(ctx, OpStop, ""))
	assert.Equal(t, spec.StatusStopped, sup.Snapshot().Status)

	// The pending backoff respawn must not fire after the stop; give it
	// long enough to have fired under the original delay and confirm it
	// stayed stopped.
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, spec.StatusStopped, sup.Snapshot().Status)
}

func TestDoDeleteFromBackoffStopsSupervisorGoroutine(t *testing.T) {
	restart := spec.RestartPolicy{
		MaxRestarts:  10,
		RestartDelay: 500 * time.Millisecond,
		BackoffCap:   6,
		MinUptime:    1 * time.Second,
		CrashWindow:  60 * time.Second,
	}
	s := testSpec(t, "sh", []string{"-c", "exit 1"}, restart)
	sup, _ := newTestSupervisor(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Submit(ctx, OpStart, ""))

	awaitStatus(t, sup, spec.StatusBackoff, 2*time.Second)

	require.NoError(t, sup.Submit(ctx, OpDelete, ""))

	select {
	case <-sup.Stopped():
	case <-time.After(1 * time.Second):
		t.Fatal("supervisor goroutine did not exit after delete from backoff")
	}
}

func TestPlannedRestartDoesNotCountAsCrash(t *testing.T) {
	s := testSpec(t, "sh", []string{"-c", "sleep 5"}, spec.DefaultRestartPolicy())
	sup, _ := newTestSupervisor(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sup.Submit(ctx, OpStart, ""))
	assert.Equal(t, spec.StatusOnline, sup.Snapshot().Status)

	require.NoError(t, sup.Submit(ctx, OpRestart, ""))
	awaitStatus(t, sup, spec.StatusOnline, 2*time.Second)
	assert.Equal(t, 0, sup.Snapshot().CrashCount)
}
