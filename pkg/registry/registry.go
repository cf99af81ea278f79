// Package registry implements component F: the process table that owns
// every supervisor, resolves selectors, fans out control-plane
// operations, and persists/resurrects state across daemon restarts.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oxidekit/oxidepm/pkg/config"
	"github.com/oxidekit/oxidepm/pkg/errors"
	"github.com/oxidekit/oxidepm/pkg/logging"
	"github.com/oxidekit/oxidepm/pkg/logpipe"
	"github.com/oxidekit/oxidepm/pkg/metrics"
	"github.com/oxidekit/oxidepm/pkg/persistence"
	"github.com/oxidekit/oxidepm/pkg/processstate"
	"github.com/oxidekit/oxidepm/pkg/spec"
	"github.com/oxidekit/oxidepm/pkg/supervisor"
)

// entry is one managed instance: its immutable spec plus the
// supervisor goroutine that owns its live state.
type entry struct {
	spec spec.ProcessSpec
	sup  *supervisor.Supervisor
}

// Registry is the single owner of every supervisor in the daemon. All
// map mutation happens under mu; individual supervisors still own their
// own state independently once registered.
type Registry struct {
	cfg    *config.DaemonConfig
	logger logging.Logger

	mu      sync.RWMutex
	entries map[uint64]*entry
	byName  map[string]uint64
	byTag   map[string]map[uint64]struct{}
	nextID  uint64

	events    chan supervisor.Event
	subsMu    sync.Mutex
	subs      map[*Subscription]eventFilter
}

type eventFilter struct {
	ids   map[uint64]struct{} // empty means "all"
	kinds map[supervisor.EventKind]struct{}
}

// Subscription is a bounded live feed of registry events, per spec
// §4.F's subscribe(filter) -> event stream.
type Subscription struct {
	ch chan supervisor.Event
}

func (s *Subscription) C() <-chan supervisor.Event { return s.ch }

const subscriberBufferSize = 256

func New(cfg *config.DaemonConfig, logger logging.Logger) *Registry {
	r := &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[uint64]*entry),
		byName:  make(map[string]uint64),
		byTag:   make(map[string]map[uint64]struct{}),
		events:  make(chan supervisor.Event, 4096),
		subs:    make(map[*Subscription]eventFilter),
	}
	go r.fanOut()
	return r
}

// fanOut drains the shared event channel every supervisor writes into
// and distributes each event to matching subscribers, dropping for any
// subscriber whose buffer is full rather than blocking the supervisors.
func (r *Registry) fanOut() {
	for ev := range r.events {
		r.subsMu.Lock()
		for sub, filt := range r.subs {
			if !filt.matches(ev) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				r.logger.Warnf("subscriber backlog full, dropping event, id: %d, kind: %s", ev.ID, ev.Kind)
			}
		}
		r.subsMu.Unlock()

		if ev.Kind == supervisor.EventCrashed {
			if name := r.nameForID(ev.ID); name != "" {
				metrics.ObserveCrash(name)
			}
		}
		if ev.Kind == supervisor.EventCrashLoop {
			if name := r.nameForID(ev.ID); name != "" {
				metrics.ObserveCrashLoop(name)
			}
		}
	}
}

func (f eventFilter) matches(ev supervisor.Event) bool {
	if len(f.ids) > 0 {
		if _, ok := f.ids[ev.ID]; !ok {
			return false
		}
	}
	if len(f.kinds) > 0 {
		if _, ok := f.kinds[ev.Kind]; !ok {
			return false
		}
	}
	return true
}

func (r *Registry) nameForID(id uint64) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[id]; ok {
		return e.spec.Name
	}
	return ""
}

// Register validates the spec, enforces name uniqueness, fans out
// Instances>1 into one supervisor per cluster member, starts each one,
// and returns their summaries once each has acknowledged the start
// transition (see spec.md scenario 1: List("all") must show Online
// within about a second of Register returning).
func (r *Registry) Register(ctx context.Context, s spec.ProcessSpec) ([]spec.Summary, error) {
	r.cfg.ApplyDefaults(&s)
	if err := s.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if _, exists := r.byName[s.Name]; exists {
		r.mu.Unlock()
		return nil, errors.NewAlreadyExistsError("an instance with this name is already registered", nil).WithContext("name", s.Name)
	}

	instances := s.Instances
	if instances < 1 {
		instances = 1
	}
	created := make([]*entry, 0, instances)
	for i := 0; i < instances; i++ {
		r.nextID++
		id := r.nextID
		inst := s.ForInstance(id, i)
		inst.CreatedAt = time.Now()
		if inst.Log.OutPath == "" && inst.Log.ErrPath == "" {
			base := inst.Name
			if i > 0 {
				base = fmt.Sprintf("%s-%d", inst.Name, i)
			}
			inst.Log = spec.DefaultLogSpec(
				filepath.Join(r.cfg.LogsDir(), base+"-out.log"),
				filepath.Join(r.cfg.LogsDir(), base+"-err.log"),
			)
		}
		sup := supervisor.New(inst, r.logger, r.events, r.cfg.CacheDir())
		e := &entry{spec: inst, sup: sup}
		r.entries[id] = e
		for _, tag := range inst.Tags {
			if r.byTag[tag] == nil {
				r.byTag[tag] = make(map[uint64]struct{})
			}
			r.byTag[tag][id] = struct{}{}
		}
		created = append(created, e)
	}
	r.byName[s.Name] = created[0].spec.ID
	r.mu.Unlock()

	summaries := make([]spec.Summary, 0, len(created))
	for _, e := range created {
		if err := e.sup.Submit(ctx, supervisor.OpStart, ""); err != nil {
			r.logger.Errorf("initial start failed, id: %d, name: %s, error: %v", e.spec.ID, e.spec.Name, err)
		}
		summaries = append(summaries, spec.Summary{Spec: e.spec, State: e.sup.Snapshot()})
	}

	r.checkpointLocked()
	return summaries, nil
}

// ParseSelector implements the resolution rule named in spec.md §4.F
// and the GLOSSARY: a numeric string is an id, "all" means every
// instance, "@tag" means the tag set, anything else is a name.
func (r *Registry) ParseSelector(sel string) ([]uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch {
	case sel == "all":
		ids := make([]uint64, 0, len(r.entries))
		for id := range r.entries {
			ids = append(ids, id)
		}
		return ids, nil

	case len(sel) > 0 && sel[0] == '@':
		tag := sel[1:]
		set, ok := r.byTag[tag]
		if !ok {
			return nil, errors.NewNotFoundError("no instances with this tag", nil).WithContext("tag", tag)
		}
		ids := make([]uint64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		return ids, nil

	default:
		if id, err := strconv.ParseUint(sel, 10, 64); err == nil {
			if _, ok := r.entries[id]; !ok {
				return nil, errors.NewNotFoundError("no instance with this id", nil).WithContext("id", sel)
			}
			return []uint64{id}, nil
		}
		id, ok := r.byName[sel]
		if !ok {
			return nil, errors.NewNotFoundError("no instance with this name", nil).WithContext("name", sel)
		}
		return []uint64{id}, nil
	}
}

// List resolves selector and returns a summary for each match, in
// ascending id order.
func (r *Registry) List(selector string) ([]spec.Summary, error) {
	ids, err := r.ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]spec.Summary, 0, len(ids))
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		out = append(out, spec.Summary{Spec: e.spec, State: e.sup.Snapshot()})
	}
	return out, nil
}

// Show returns a single instance's summary by id.
func (r *Registry) Show(id uint64) (spec.Summary, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return spec.Summary{}, errors.NewNotFoundError("no instance with this id", nil).WithContext("id", id)
	}
	return spec.Summary{Spec: e.spec, State: e.sup.Snapshot()}, nil
}

// reloadHandoffTimeout bounds how long a clustered reload waits for one
// instance to come back Online before reloading the next.
const reloadHandoffTimeout = 30 * time.Second

// Signal resolves selector and fans the operation out to every match,
// collecting per-instance errors. "all" over an empty registry is not an
// error: it just matches nothing. A clustered reload (more than one
// matched instance) is staggered one instance at a time, each awaited back
// to Online before the next is reloaded, so at least one instance stays
// Online throughout; every other op fans out concurrently.
func (r *Registry) Signal(ctx context.Context, selector string, op supervisor.Op) error {
	ids, err := r.ParseSelector(selector)
	if err != nil {
		return err
	}

	r.mu.RLock()
	targets := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			targets = append(targets, e)
		}
	}
	r.mu.RUnlock()

	errs := errors.NewErrorCollection()

	if op == supervisor.OpReload && len(targets) > 1 {
		for _, e := range targets {
			if perr := r.dispatchOne(ctx, e, op); perr != nil {
				errs.Add(fmt.Errorf("%s: %w", e.spec.Name, perr))
				continue
			}
			if werr := awaitOnline(e.sup, reloadHandoffTimeout); werr != nil {
				errs.Add(fmt.Errorf("%s: %w", e.spec.Name, werr))
			}
		}
	} else {
		var wg sync.WaitGroup
		var errsMu sync.Mutex
		for _, e := range targets {
			wg.Add(1)
			go func(e *entry) {
				defer wg.Done()
				if perr := r.dispatchOne(ctx, e, op); perr != nil {
					errsMu.Lock()
					errs.Add(fmt.Errorf("%s: %w", e.spec.Name, perr))
					errsMu.Unlock()
				}
			}(e)
		}
		wg.Wait()
	}

	r.checkpointLocked()
	if errs.HasErrors() {
		return errs.ToError()
	}
	return nil
}

// dispatchOne submits op to a single entry's supervisor and, for a
// delete, finalizes removal from the table once it has stopped.
func (r *Registry) dispatchOne(ctx context.Context, e *entry, op supervisor.Op) error {
	if op == supervisor.OpRestart {
		metrics.ObserveRestart(e.spec.Name)
	}
	err := e.sup.Submit(ctx, op, signalCause(op))
	if op == supervisor.OpDelete {
		r.finalizeDelete(e)
	}
	return err
}

// awaitOnline polls until sup reaches Online, a terminal failure status,
// or timeout elapses.
func awaitOnline(sup *supervisor.Supervisor, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		switch sup.Snapshot().Status {
		case spec.StatusOnline:
			return nil
		case spec.StatusErrored, spec.StatusStopped:
			return errors.NewTimeoutError("instance did not come back online after reload", nil)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return errors.NewTimeoutError("timed out waiting for instance to come back online after reload", nil)
}

func signalCause(op supervisor.Op) spec.ExitCause {
	switch op {
	case supervisor.OpStop, supervisor.OpDelete:
		return spec.ExitCauseStop
	case supervisor.OpReload:
		return spec.ExitCauseReload
	default:
		return spec.ExitCauseUnknown
	}
}

// finalizeDelete waits for the supervisor's goroutine to actually exit
// before removing it from the registry's maps, so a still-running
// teardown is never orphaned mid-flight.
func (r *Registry) finalizeDelete(e *entry) {
	<-e.sup.Stopped()
	r.mu.Lock()
	delete(r.entries, e.spec.ID)
	if r.byName[e.spec.Name] == e.spec.ID {
		delete(r.byName, e.spec.Name)
	}
	for _, tag := range e.spec.Tags {
		if set, ok := r.byTag[tag]; ok {
			delete(set, e.spec.ID)
			if len(set) == 0 {
				delete(r.byTag, tag)
			}
		}
	}
	r.mu.Unlock()
}

// Save persists the current registry contents to saved.json, the
// explicit resurrection list a user opts an app into across reboots.
func (r *Registry) Save() error {
	r.mu.RLock()
	apps := make([]spec.ProcessSpec, 0, len(r.byName))
	for _, id := range r.byName {
		apps = append(apps, r.entries[id].spec)
	}
	r.mu.RUnlock()
	return persistence.WriteSaved(r.cfg.SavedPath(), apps)
}

// Resurrect reads saved.json and registers every app not already
// present by name, starting each one.
func (r *Registry) Resurrect(ctx context.Context) error {
	apps, err := persistence.ReadSaved(r.cfg.SavedPath())
	if err != nil {
		return err
	}
	for _, app := range apps {
		r.mu.RLock()
		_, exists := r.byName[app.Name]
		r.mu.RUnlock()
		if exists {
			continue
		}
		app.ID = 0
		if _, err := r.Register(ctx, app); err != nil {
			r.logger.Errorf("resurrect failed, name: %s, error: %v", app.Name, err)
		}
	}
	return nil
}

// checkpointLocked writes state.db, consulted on the next daemon start
// to know what was running without asking saved.json. Errors are
// logged, not returned: a failed checkpoint should never fail the
// control-plane operation that triggered it.
func (r *Registry) checkpointLocked() {
	r.mu.RLock()
	cp := persistence.Checkpoint{NextID: r.nextID}
	for _, e := range r.entries {
		cp.Instances = append(cp.Instances, spec.Summary{Spec: e.spec, State: e.sup.Snapshot()})
	}
	r.mu.RUnlock()

	if err := persistence.WriteCheckpoint(r.cfg.CheckpointPath(), cp); err != nil {
		r.logger.Errorf("checkpoint write failed, error: %v", err)
	}
}

// Reconcile reads state.db on daemon startup and respawns instances
// that were restart-eligible when the daemon last ran, per the
// lifecycle rule that an instance which was Online is respawned while
// one that was deliberately Stopped stays Stopped.
func (r *Registry) Reconcile(ctx context.Context) error {
	cp, err := persistence.ReadCheckpoint(r.cfg.CheckpointPath())
	if err != nil {
		return err
	}

	r.mu.Lock()
	if cp.NextID > r.nextID {
		r.nextID = cp.NextID
	}
	r.mu.Unlock()

	for _, summary := range cp.Instances {
		shouldRun := summary.State.Status == spec.StatusOnline ||
			summary.State.Status == spec.StatusStarting ||
			summary.State.Status == spec.StatusBackoff

		if summary.State.Pid != 0 {
			if alive, err := processstate.IsProcessRunning(summary.State.Pid); err == nil && alive {
				r.logger.Warnf("checkpointed pid still alive after daemon restart, likely orphaned, name: %s, pid: %d", summary.Spec.Name, summary.State.Pid)
			}
		}

		r.mu.Lock()
		sup := supervisor.New(summary.Spec, r.logger, r.events, r.cfg.CacheDir())
		r.entries[summary.Spec.ID] = &entry{spec: summary.Spec, sup: sup}
		if cur, ok := r.byName[summary.Spec.Name]; !ok || summary.Spec.ID < cur {
			r.byName[summary.Spec.Name] = summary.Spec.ID
		}
		for _, tag := range summary.Spec.Tags {
			if r.byTag[tag] == nil {
				r.byTag[tag] = make(map[uint64]struct{})
			}
			r.byTag[tag][summary.Spec.ID] = struct{}{}
		}
		r.mu.Unlock()

		if shouldRun {
			if err := sup.Submit(ctx, supervisor.OpStart, ""); err != nil {
				r.logger.Errorf("reconcile start failed, id: %d, error: %v", summary.Spec.ID, err)
			}
		}
	}
	return nil
}

// Subscribe returns a bounded live feed of events matching filter. An
// empty filter matches every event from every instance.
func (r *Registry) Subscribe(ids []uint64, kinds []supervisor.EventKind) *Subscription {
	filt := eventFilter{}
	if len(ids) > 0 {
		filt.ids = make(map[uint64]struct{}, len(ids))
		for _, id := range ids {
			filt.ids[id] = struct{}{}
		}
	}
	if len(kinds) > 0 {
		filt.kinds = make(map[supervisor.EventKind]struct{}, len(kinds))
		for _, k := range kinds {
			filt.kinds[k] = struct{}{}
		}
	}
	sub := &Subscription{ch: make(chan supervisor.Event, subscriberBufferSize)}
	r.subsMu.Lock()
	r.subs[sub] = filt
	r.subsMu.Unlock()
	return sub
}

func (r *Registry) Unsubscribe(sub *Subscription) {
	r.subsMu.Lock()
	delete(r.subs, sub)
	r.subsMu.Unlock()
}

// FlushLogs resolves selector and forces each match's log writers to
// sync to disk. Unlike the other signal ops this never touches
// supervisor state, so it bypasses Submit entirely.
func (r *Registry) FlushLogs(selector string) error {
	ids, err := r.ParseSelector(selector)
	if err != nil {
		return err
	}
	errs := errors.NewErrorCollection()
	for _, id := range ids {
		out, errw, ok := r.LogWriters(id)
		if !ok {
			continue
		}
		if out != nil {
			if ferr := out.Flush(); ferr != nil {
				errs.Add(ferr)
			}
		}
		if errw != nil {
			if ferr := errw.Flush(); ferr != nil {
				errs.Add(ferr)
			}
		}
	}
	if errs.HasErrors() {
		return errs.ToError()
	}
	return nil
}

// LogWriters exposes the stdout/stderr rotating writers for an id, for
// the Logs request's tail/grep handling.
func (r *Registry) LogWriters(id uint64) (out, errw *logpipe.RotatingWriter, found bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	o, e2 := e.sup.LogWriters()
	return o, e2, true
}

// InstanceCounts tallies instances by status, fed to the metrics gauge
// periodically by the caller.
func (r *Registry) InstanceCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, e := range r.entries {
		counts[string(e.sup.Snapshot().Status)]++
	}
	return counts
}
