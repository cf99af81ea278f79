// Package supervisor implements component E: one per-instance state
// machine owning a child process, its log pipe, its health/resource
// probes, and its watcher, all serialized through a single inbox.
package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/health"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/runtime"
	"github.com/oxidekit/oxidepm/pkg/sampler"
	"github.com/oxidekit/oxidepm/pkg/spec"
	"github.com/oxidekit/oxidepm/pkg/watch"
)

// EventKind names the events the supervisor publishes to the registry's
// broadcast stream.
type EventKind string

const (
	EventStarted       EventKind = "Started"
	EventExited        EventKind = "Exited"
	EventCrashed       EventKind = "Crashed"
	EventHealthChanged EventKind = "HealthChanged"
	EventMemoryLimit   EventKind = "MemoryLimit"
	EventRotated       EventKind = "Rotated"
	EventCrashLoop     EventKind = "CrashLoop"
	EventHookRan       EventKind = "HookRan"
)

// Event is published on a one-way channel to the registry; the
// supervisor never holds a reference back into the registry.
type Event struct {
	ID        uint64
	Kind      EventKind
	Timestamp time.Time
	Payload   map[string]interface{}
}

// Op is a control-plane command accepted into the inbox.
type Op string

const (
	OpStart   Op = "start"
	OpStop    Op = "stop"
	OpRestart Op = "restart"
	OpReload  Op = "reload"
	OpDelete  Op = "delete"
)

type command struct {
	op    Op
	cause spec.ExitCause
	done  chan error
}

type exitedMsg struct {
	code   int
	signal string
	err    error
}

type healthMsg struct {
	verdict health.Verdict
}

type resourceMsg struct {
	sample spec.ResourceSample
	err    error
}

type watchDirtyMsg struct{}
type backoffFiredMsg struct{}
type maxUptimeFiredMsg struct{}

// Supervisor owns one (spec, instance) pair end to end.
type Supervisor struct {
	spec     spec.ProcessSpec
	logger   logging.Logger
	events   chan<- Event
	inbox    chan interface{}
	cacheDir string

	mu    sync.RWMutex
	state spec.ProcessState

	process      *os.Process
	cancelWait   context.CancelFunc
	outWriter    *logpipe.RotatingWriter
	errWriter    *logpipe.RotatingWriter
	healthWindow *health.Window
	watcher      *watch.Watcher
	backoffTimer *time.Timer
	maxUptimeT   *time.Timer
	stopCycle    chan struct{} // closed to stop background per-run goroutines
	lastCrashAt  time.Time

	// pending* record the outcome intended for the exit that is about to
	// happen, set by gracefulTerminate and consumed by handleExited.
	pendingTerminate bool
	pendingDelete    bool
	pendingCause     spec.ExitCause

	// shouldStop tells run to tear down and return after the current
	// message finishes processing.
	shouldStop bool

	stopped chan struct{}
}

// New constructs a supervisor in the Idle state; it does not spawn
// anything until Submit(OpStart) is processed.
func New(s spec.ProcessSpec, logger logging.Logger, events chan<- Event, cacheDir string) *Supervisor {
	sup := &Supervisor{
		spec:     s,
		logger:   logger,
		events:   events,
		inbox:    make(chan interface{}, 64),
		cacheDir: cacheDir,
		state:    spec.ProcessState{ID: s.ID, Status: spec.StatusIdle},
		stopped:  make(chan struct{}),
	}
	go sup.run()
	return sup
}

// Submit enqueues a control-plane op and blocks until the resulting
// transition has been acknowledged or the context is done, matching the
// "response only after the transition is observed" ordering guarantee.
func (s *Supervisor) Submit(ctx context.Context, op Op, cause spec.ExitCause) error {
	done := make(chan error, 1)
	cmd := command{op: op, cause: cause, done: done}
	select {
	case s.inbox <- cmd:
	case <-ctx.Done():
		return errors.NewTimeoutError("supervisor inbox full", ctx.Err())
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.NewTimeoutError("op not acknowledged before deadline", ctx.Err())
	}
}

// Snapshot returns an immutable copy of the current state.
func (s *Supervisor) Snapshot() spec.ProcessState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) setState(mutate func(*spec.ProcessState)) spec.ProcessState {
	s.mu.Lock()
	mutate(&s.state)
	snap := s.state
	s.mu.Unlock()
	return snap
}

func (s *Supervisor) emit(kind EventKind, payload map[string]interface{}) {
	select {
	case s.events <- Event{ID: s.spec.ID, Kind: kind, Timestamp: time.Now(), Payload: payload}:
	default:
		s.logger.Warnf("event dropped, id: %d, kind: %s (subscriber backlog full)", s.spec.ID, kind)
	}
}

// run is the supervisor's single goroutine: every inbox message is
// handled to completion before the next is read, so the state machine
// never interleaves transitions.
func (s *Supervisor) run() {
	defer close(s.stopped)
	for msg := range s.inbox {
		switch m := msg.(type) {
		case command:
			m.done <- s.handleCommand(m.op, m.cause)
		case exitedMsg:
			s.handleExited(m)
		case healthMsg:
			s.handleHealth(m.verdict)
		case resourceMsg:
			s.handleResource(m)
		case watchDirtyMsg:
			s.handleWatchDirty()
		case backoffFiredMsg:
			s.handleBackoffFired()
		case maxUptimeFiredMsg:
			s.handleMaxUptimeFired()
		}
		if s.shouldStop {
			s.teardown()
			return
		}
	}
}

func (s *Supervisor) handleCommand(op Op, cause spec.ExitCause) error {
	current := s.Snapshot().Status
	switch op {
	case OpStart:
		return s.doStart(current)
	case OpStop:
		return s.doStop(current, spec.ExitCauseStop)
	case OpRestart:
		return s.doRestart(current, cause)
	case OpReload:
		return s.doReload(current)
	case OpDelete:
		return s.doDelete(current)
	default:
		return errors.NewInvalidSpecError("unknown op", nil).WithContext("op", string(op))
	}
}

func canStart(status spec.Status) bool {
	switch status {
	case spec.StatusIdle, spec.StatusStopped, spec.StatusErrored:
		return true
	}
	return false
}

func canStop(status spec.Status) bool {
	switch status {
	case spec.StatusStarting, spec.StatusOnline, spec.StatusBackoff:
		return true
	}
	return false
}

func (s *Supervisor) doStart(current spec.Status) error {
	if !canStart(current) {
		return errors.NewInvalidSpecError("cannot start from current state", nil).WithContext("status", string(current))
	}
	return s.spawn()
}

// cancelBackoff aborts a pending backoff respawn; used when a Backoff
// instance is stopped or deleted before its timer fires. There is no
// live process in this state, so there is nothing to signal.
func (s *Supervisor) cancelBackoff() {
	if s.backoffTimer != nil {
		s.backoffTimer.Stop()
		s.backoffTimer = nil
	}
	if s.stopCycle != nil {
		close(s.stopCycle)
		s.stopCycle = nil
	}
}

func (s *Supervisor) doStop(current spec.Status, cause spec.ExitCause) error {
	if !canStop(current) {
		if current == spec.StatusStopped || current == spec.StatusIdle {
			return nil
		}
		return errors.NewInvalidSpecError("cannot stop from current state", nil).WithContext("status", string(current))
	}
	if current == spec.StatusBackoff {
		s.cancelBackoff()
		s.setState(func(st *spec.ProcessState) {
			st.Status = spec.StatusStopped
			st.LastExitCause = spec.ExitCauseStop
		})
		return nil
	}
	s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopping })
	s.gracefulTerminate(cause)
	return nil
}

func (s *Supervisor) doRestart(current spec.Status, cause spec.ExitCause) error {
	if current == spec.StatusOnline || current == spec.StatusStarting {
		s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopping })
		s.gracefulTerminate(cause)
		return nil
	}
	if current == spec.StatusBackoff {
		s.cancelBackoff()
	}
	return s.respawn()
}

// respawn brings the instance back up after it has already run once,
// counting against RestartCount — unlike doStart's initial spawn, which
// never touches it.
func (s *Supervisor) respawn() error {
	s.setState(func(st *spec.ProcessState) { st.RestartCount++ })
	return s.spawn()
}

func (s *Supervisor) doReload(current spec.Status) error {
	// Open question (a): a non-clustered reload degrades to restart.
	// Clustered handoff sequencing across instances is coordinated by
	// the registry, which calls Reload on one instance at a time.
	return s.doRestart(current, spec.ExitCauseReload)
}

func (s *Supervisor) doDelete(current spec.Status) error {
	if current == spec.StatusBackoff {
		s.cancelBackoff()
		s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopped })
		s.shouldStop = true
		return nil
	}
	if canStop(current) {
		s.pendingDelete = true
		s.gracefulTerminate(spec.ExitCauseStop)
		return nil
	}
	s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusStopped })
	s.shouldStop = true
	return nil
}

func (s *Supervisor) teardown() {
	if s.watcher != nil {
		s.watcher.Close()
	}
	if s.outWriter != nil {
		s.outWriter.Close()
	}
	if s.errWriter != nil {
		s.errWriter.Close()
	}
}

// Stopped is closed once the supervisor's goroutine has exited after a
// delete.
func (s *Supervisor) Stopped() <-chan struct{} { return s.stopped }

// LogWriters exposes the live stdout/stderr rotating writers so the
// registry can serve tail subscriptions without reaching into the
// supervisor's run loop. Either may be nil if the instance has never
// spawned.
func (s *Supervisor) LogWriters() (out, err *logpipe.RotatingWriter) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outWriter, s.errWriter
}

func (s *Supervisor) buildEnv() []string {
	env := os.Environ()
	switch s.spec.EnvMode {
	case spec.EnvReplace:
		env = nil
	case spec.EnvOverlay, spec.EnvInherit, "":
		// inherit daemon environment, overlaid below
	}
	for k, v := range s.spec.Env {
		env = append(env, k+"="+v)
	}
	if s.spec.BasePort > 0 {
		name := s.spec.PortEnvVar
		if name == "" {
			name = "PORT"
		}
		env = append(env, name+"="+strconv.Itoa(s.spec.BasePort))
	}
	return env
}

func (s *Supervisor) logPaths() (string, string) {
	return s.spec.Log.OutPath, s.spec.Log.ErrPath
}

func (s *Supervisor) ensureLogWriters() error {
	if s.outWriter != nil {
		return nil
	}
	outPath, errPath := s.logPaths()
	ow, err := logpipe.NewRotatingWriter(outPath, s.spec.Log.MaxSizeBytes, s.spec.Log.Retained, s.logger)
	if err != nil {
		return errors.NewIOError("failed to open stdout log", err)
	}
	ew, err := logpipe.NewRotatingWriter(errPath, s.spec.Log.MaxSizeBytes, s.spec.Log.Retained, s.logger)
	if err != nil {
		ow.Close()
		return errors.NewIOError("failed to open stderr log", err)
	}
	s.mu.Lock()
	s.outWriter = ow
	s.errWriter = ew
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) spawn() error {
	s.setState(func(st *spec.ProcessState) {
		st.Status = spec.StatusStarting
		st.Pid = 0
	})

	if err := s.ensureLogWriters(); err != nil {
		s.enterErrored(err)
		return err
	}

	runner, err := runtime.ForMode(s.spec.Mode, filepath.Join(s.cacheDir, "rust-file"))
	if err != nil {
		s.enterErrored(err)
		return err
	}

	prep, err := runner.Prepare(context.Background(), s.spec)
	if err != nil {
		s.enterErrored(err)
		return err
	}
	if !prep.OK {
		err := errors.NewSpawnFailedError(prep.Message, nil).WithContext("id", s.spec.ID)
		s.enterErrored(err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	spawned, err := runner.Start(ctx, s.spec, s.buildEnv(), fmt.Sprintf("%d", s.spec.ID), s.logger, s.outWriter, s.errWriter)
	if err != nil {
		cancel()
		s.enterErrored(err)
		return err
	}

	s.process = spawned.Process
	s.cancelWait = cancel
	s.stopCycle = make(chan struct{})
	startedAt := time.Now()
	s.healthWindow = health.NewWindow(s.spec.Health.FailureThreshold)

	s.setState(func(st *spec.ProcessState) {
		st.Pid = spawned.Process.Pid
		st.StartedAt = startedAt
	})

	go logpipe.NewForwarder(s.outWriter, logpipe.StreamStdout, s.logger).Run(spawned.Stdout)
	go logpipe.NewForwarder(s.errWriter, logpipe.StreamStderr, s.logger).Run(spawned.Stderr)

	cycle := s.stopCycle
	proc := spawned.Process
	go func() {
		state, waitErr := proc.Wait()
		code, sig := exitInfo(state)
		select {
		case s.inbox <- exitedMsg{code: code, signal: sig, err: waitErr}:
		case <-cycle:
		}
	}()

	// min_uptime only affects crash-vs-clean-exit classification at exit
	// time (see handleExited); the state itself moves to Online as soon
	// as the child is spawned.
	s.setState(func(st *spec.ProcessState) { st.Status = spec.StatusOnline })
	s.emit(EventStarted, map[string]interface{}{"pid": spawned.Process.Pid})
	s.runHook(hookOnStart, s.spec.Hooks.OnStart)

	if s.spec.Restart.MaxUptime > 0 {
		s.maxUptimeT = time.AfterFunc(s.spec.Restart.MaxUptime, func() {
			select {
			case s.inbox <- maxUptimeFiredMsg{}:
			case <-cycle:
			}
		})
	}

	if s.spec.Watch.Enabled() {
		ignore := s.spec.Watch.IgnorePatterns
		if len(ignore) == 0 {
			ignore = spec.DefaultIgnorePatterns()
		}
		debounce := s.spec.Watch.Debounce
		if debounce <= 0 {
			debounce = 300 * time.Millisecond
		}
		w, err := watch.New(s.spec.Watch.Paths, ignore, debounce, s.logger)
		if err != nil {
			s.logger.Warnf("watch setup failed, id: %d, error: %v", s.spec.ID, err)
		} else {
			s.watcher = w
			go s.pumpWatch(w, cycle)
		}
	}

	if s.spec.Health.Enabled() {
		go s.pumpHealth(cycle, startedAt)
	}

	go s.pumpResource(cycle)

	return nil
}

func exitInfo(state *os.ProcessState) (code int, signal string) {
	if state == nil {
		return -1, ""
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return state.ExitCode(), ""
}

func (s *Supervisor) pumpWatch(w *watch.Watcher, cycle chan struct{}) {
	for {
		select {
		case <-w.Dirty():
			select {
			case s.inbox <- watchDirtyMsg{}:
			case <-cycle:
				return
			}
		case <-cycle:
			return
		}
	}
}

func (s *Supervisor) pumpHealth(cycle chan struct{}, startedAt time.Time) {
	grace := s.spec.Health.StartGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	interval := s.spec.Health.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status := s.Snapshot().Status
			if status != spec.StatusOnline {
				continue
			}
			if !health.StartGraceElapsed(startedAt, grace) {
				continue
			}
			timeout := s.spec.Health.Timeout
			if timeout <= 0 {
				timeout = 5 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			verdict := health.Check(ctx, s.spec.Health, s.spec.Cwd, s.buildEnv())
			cancel()
			select {
			case s.inbox <- healthMsg{verdict: verdict}:
			case <-cycle:
				return
			}
		case <-cycle:
			return
		}
	}
}

func (s *Supervisor) pumpResource(cycle chan struct{}) {
	interval := 1 * time.Second
	jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
	timer := time.NewTimer(interval + jitter)
	defer timer.Stop()
	var samp *sampler.Sampler
	for {
		select {
		case <-timer.C:
			pid := s.Snapshot().Pid
			if pid == 0 {
				timer.Reset(interval)
				continue
			}
			if samp == nil {
				samp = sampler.New(pid)
			}
			sample, err := samp.Sample()
			select {
			case s.inbox <- resourceMsg{sample: sample, err: err}:
			case <-cycle:
				return
			}
			timer.Reset(interval)
		case <-cycle:
			return
		}
	}
}
