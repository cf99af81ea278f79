package supervisor

import (
	"context"
	"math"
	"math/rand"
	"os/exec"
	"syscall"
	"time"

	"github.com/oxidekit/oxidepm/pkg/health"
	"github.com/oxidekit/oxidepm/pkg/metrics"
	"github.com/oxidekit/oxidepm/pkg/process"
	"github.com/oxidekit/oxidepm/pkg/spec"
)

// hookKind names which lifecycle transition a hook command fired on.
type hookKind string

const (
	hookOnStart   hookKind = "on_start"
	hookOnStop    hookKind = "on_stop"
	hookOnCrash   hookKind = "on_crash"
	hookOnRestart hookKind = "on_restart"
)

const (
	hookTimeout         = 10 * time.Second
	hookOutputTailBytes = 4096
)

// runHook runs a lifecycle hook command to completion on its own
// goroutine, bounded by hookTimeout, and emits its exit status plus a
// bounded tail of its combined output as an event. The hook's outcome
// never feeds back into the supervised process's own state — a failing
// or hanging hook is recorded, not acted on.
func (s *Supervisor) runHook(kind hookKind, command string) {
	if command == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "sh", "-c", command)
		cmd.Dir = s.spec.Cwd
		cmd.Env = s.buildEnv()

		output, runErr := cmd.CombinedOutput()
		if len(output) > hookOutputTailBytes {
			output = output[len(output)-hookOutputTailBytes:]
		}

		payload := map[string]interface{}{
			"hook":   string(kind),
			"output": string(output),
		}
		if runErr != nil {
			payload["error"] = runErr.Error()
		} else if cmd.ProcessState != nil {
			payload["exit_code"] = cmd.ProcessState.ExitCode()
		}
		s.emit(EventHookRan, payload)
	}()
}

func (s *Supervisor) minUptime() time.Duration {
	if s.spec.Restart.MinUptime > 0 {
		return s.spec.Restart.MinUptime
	}
	return 1 * time.Second
}

func (s *Supervisor) gracefulTimeout() time.Duration {
	if s.spec.GracefulTimeout > 0 {
		return s.spec.GracefulTimeout
	}
	return 10 * time.Second
}

func (s *Supervisor) killTimeout() time.Duration {
	if s.spec.KillTimeout > 0 {
		return s.spec.KillTimeout
	}
	return 5 * time.Second
}

// gracefulTerminate records the outcome intended for the exit that is
// about to happen and starts the signal escalation in the background.
// The actual state transition happens in handleExited once the exit
// arrives through the normal wait-goroutine path, so there is never a
// second call to Process.Wait for the same child.
func (s *Supervisor) gracefulTerminate(cause spec.ExitCause) {
	s.pendingTerminate = true
	s.pendingCause = cause

	pid := s.Snapshot().Pid
	if pid == 0 {
		return
	}
	cycle := s.stopCycle
	initial := process.ParseSignalName(s.spec.InitialSignal)
	graceful := s.gracefulTimeout()
	kill := s.killTimeout()

	go func() {
		process.SendSignal(pid, initial)
		select {
		case <-time.After(graceful):
		case <-cycle:
			return
		}
		process.SendSignal(pid, syscall.SIGTERM)
		select {
		case <-time.After(kill):
		case <-cycle:
			return
		}
		process.SendSignal(pid, syscall.SIGKILL)
	}()
}

func (s *Supervisor) handleExited(m exitedMsg) {
	if s.stopCycle != nil {
		close(s.stopCycle)
		s.stopCycle = nil
	}
	if s.maxUptimeT != nil {
		s.maxUptimeT.Stop()
		s.maxUptimeT = nil
	}
	if s.watcher != nil {
		s.watcher.Close()
		s.watcher = nil
	}

	startedAt := s.Snapshot().StartedAt
	uptime := time.Since(startedAt)
	wasPlanned := s.pendingTerminate
	wasDelete := s.pendingDelete
	cause := s.pendingCause
	s.pendingTerminate = false
	s.pendingDelete = false
	s.pendingCause = spec.ExitCauseUnknown
	s.process = nil

	s.setState(func(st *spec.ProcessState) {
		st.Pid = 0
		st.LastExitCode = m.code
		st.LastExitSignal = m.signal
	})

	switch {
	case wasDelete:
		s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopped })
		s.shouldStop = true

	case wasPlanned && cause == spec.ExitCauseStop:
		s.setState(func(st *spec.ProcessState) {
			st.Status = spec.StatusStopped
			st.LastExitCause = spec.ExitCauseStop
		})
		s.emit(EventExited, map[string]interface{}{"code": m.code, "cause": string(spec.ExitCauseStop)})
		s.runHook(hookOnStop, s.spec.Hooks.OnStop)

	case wasPlanned:
		// Restart/reload/health/memory/max_uptime-triggered terminations
		// all respawn directly; none of them count against the crash
		// budget, matching the diagram's "Stopping(graceful) -> Starting"
		// edge rather than the crash-policy "Errored -> Backoff" edge.
		// A run that lasted at least min_uptime also clears the
		// consecutive-crash counter.
		resetCrashes := uptime >= s.minUptime()
		s.setState(func(st *spec.ProcessState) {
			st.Status = spec.StatusStopped
			st.LastExitCause = cause
			if resetCrashes {
				st.CrashCount = 0
			}
		})
		s.emit(EventExited, map[string]interface{}{"code": m.code, "cause": string(cause)})
		s.runHook(hookOnRestart, s.spec.Hooks.OnRestart)
		if err := s.respawn(); err != nil {
			s.logger.Errorf("respawn after restart failed, id: %d, error: %v", s.spec.ID, err)
		}

	default:
		// The child exited without us asking it to.
		if uptime < s.minUptime() {
			s.onCrash(m)
		} else {
			s.onCleanSpontaneousExit(m)
		}
	}
}

// onCrash handles a child that exited before min_uptime elapsed, or a
// spawn that failed outright: increments the consecutive-crash counter
// and either schedules a jittered backoff respawn or gives up.
func (s *Supervisor) onCrash(m exitedMsg) {
	// Crash window: a crash far enough past the previous one starts a
	// fresh count rather than piling onto an old streak.
	window := s.spec.Restart.CrashWindow
	resetByWindow := window > 0 && !s.lastCrashAt.IsZero() && time.Since(s.lastCrashAt) > window

	st := s.setState(func(st *spec.ProcessState) {
		if resetByWindow {
			st.CrashCount = 0
		}
		st.CrashCount++
		st.LastExitCause = spec.ExitCauseCrash
		st.LastCrashAt = time.Now()
		st.LastExitCode = m.code
	})
	s.lastCrashAt = st.LastCrashAt
	s.emit(EventCrashed, map[string]interface{}{"code": m.code, "crash_count": st.CrashCount})
	s.runHook(hookOnCrash, s.spec.Hooks.OnCrash)

	maxRestarts := s.spec.Restart.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 10
	}
	if st.CrashCount >= maxRestarts {
		s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusErrored })
		s.emit(EventCrashLoop, map[string]interface{}{"crash_count": st.CrashCount})
		return
	}

	s.armBackoff(st.CrashCount)
}

// onCleanSpontaneousExit handles a child that ran for at least
// min_uptime before exiting without being asked to. It does not count
// against the crash budget and clears the consecutive-crash counter, but
// the supervisor still keeps the process running, respawning after the
// base restart delay.
func (s *Supervisor) onCleanSpontaneousExit(m exitedMsg) {
	s.setState(func(st *spec.ProcessState) {
		st.CrashCount = 0
		st.LastExitCause = spec.ExitCauseCrash
	})
	s.emit(EventExited, map[string]interface{}{"code": m.code})
	s.armBackoffDelay(s.baseRestartDelay())
}

func (s *Supervisor) baseRestartDelay() time.Duration {
	if s.spec.Restart.RestartDelay > 0 {
		return s.spec.Restart.RestartDelay
	}
	return 1 * time.Second
}

func (s *Supervisor) armBackoff(crashCount int) {
	s.armBackoffDelay(computeBackoff(s.baseRestartDelay(), crashCount, s.backoffCap()))
}

func (s *Supervisor) backoffCap() int {
	if s.spec.Restart.BackoffCap > 0 {
		return s.spec.Restart.BackoffCap
	}
	return 6
}

func (s *Supervisor) armBackoffDelay(delay time.Duration) {
	s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusBackoff })
	cycle := make(chan struct{})
	s.stopCycle = cycle
	s.backoffTimer = time.AfterFunc(delay, func() {
		select {
		case s.inbox <- backoffFiredMsg{}:
		case <-cycle:
		}
	})
}

// computeBackoff implements restart_delay_ms * 2^min(counter-1, cap),
// jittered +/-20%.
func computeBackoff(base time.Duration, crashCount, backoffCap int) time.Duration {
	exp := crashCount - 1
	if exp > backoffCap {
		exp = backoffCap
	}
	if exp < 0 {
		exp = 0
	}
	factor := math.Pow(2, float64(exp))
	delay := time.Duration(float64(base) * factor)
	jitterFrac := rand.Float64()*0.4 - 0.2 // +/-20%
	delay = time.Duration(float64(delay) * (1 + jitterFrac))
	if delay <= 0 {
		delay = base
	}
	return delay
}

func (s *Supervisor) handleBackoffFired() {
	s.backoffTimer = nil
	if err := s.respawn(); err != nil {
		s.logger.Errorf("respawn after backoff failed, id: %d, error: %v", s.spec.ID, err)
	}
}

// handleMaxUptimeFired implements Open Question (c): proactive cycling
// never touches the crash counter. It degrades to a plain restart.
func (s *Supervisor) handleMaxUptimeFired() {
	if s.Snapshot().Status != spec.StatusOnline {
		return
	}
	s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopping })
	s.gracefulTerminate(spec.ExitCauseMaxUptime)
}

func (s *Supervisor) handleHealth(verdict health.Verdict) {
	if s.Snapshot().Status != spec.StatusOnline {
		return
	}
	wasHealthy := s.Snapshot().Health.Healthy
	s.setState(func(st *spec.ProcessState) {
		st.Health = spec.HealthVerdict{Timestamp: time.Now(), Healthy: verdict.Healthy, Message: verdict.Message}
	})
	metrics.ObserveHealthCheck(s.spec.Name, verdict.Healthy)
	if verdict.Healthy != wasHealthy {
		s.emit(EventHealthChanged, map[string]interface{}{"healthy": verdict.Healthy, "message": verdict.Message})
	}
	if s.healthWindow == nil {
		return
	}
	if s.healthWindow.Observe(verdict) {
		s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopping })
		s.gracefulTerminate(spec.ExitCauseHealth)
	}
}

func (s *Supervisor) handleResource(m resourceMsg) {
	if m.err != nil {
		// Stale sample: the pid may already be gone. The wait-goroutine
		// delivers the authoritative exit; a sampling failure alone never
		// changes state.
		return
	}
	s.setState(func(st *spec.ProcessState) { st.Resource = m.sample })
	metrics.ObserveResource(s.spec.Name, m.sample.CPUPercent, m.sample.RSSBytes)

	limit := s.spec.MaxMemoryBytes
	if limit > 0 && m.sample.RSSBytes > limit && s.Snapshot().Status == spec.StatusOnline {
		s.emit(EventMemoryLimit, map[string]interface{}{"rss_bytes": m.sample.RSSBytes, "limit_bytes": limit})
		s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopping })
		s.gracefulTerminate(spec.ExitCauseMemory)
	}
}

func (s *Supervisor) handleWatchDirty() {
	if s.Snapshot().Status != spec.StatusOnline {
		return
	}
	s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopping })
	s.gracefulTerminate(spec.ExitCauseReload)
}

// enterErrored handles a spawn-time failure (log setup, runner prepare,
// or exec itself): it is treated the same as a too-early crash so it
// still participates in backoff and the crash-loop ceiling.
func (s *Supervisor) enterErrored(err error) {
	s.onCrash(exitedMsg{code: -1, err: err})
}
