// Package watch implements component D: recursive filesystem
// observation with ignore filtering and debounced "dirty" signals, one
// pending signal per watched instance.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oxidekit/oxidepm/pkg/logging"
)

// Watcher observes a set of root paths and delivers at most one pending
// "dirty" notification per debounce window on the channel returned by
// Dirty.
type Watcher struct {
	roots    []string
	ignore   []string
	debounce time.Duration
	logger   logging.Logger

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending bool
	timer   *time.Timer

	dirty chan struct{}
	done  chan struct{}
}

func New(roots []string, ignore []string, debounce time.Duration, logger logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		roots:    roots,
		ignore:   ignore,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, root := range roots {
		if err := w.addRecursive(root); err != nil {
			logger.Warnf("watch: failed to add root, root: %s, error: %v", root, err)
		}
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if w.ignored(path) {
				return filepath.SkipDir
			}
			return w.fsw.Add(path)
		}
		return nil
	})
}

func (w *Watcher) ignored(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.ignore {
		if base == pattern {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if strings.Contains(path, string(os.PathSeparator)+pattern+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addRecursive(ev.Name)
				}
			}
			w.scheduleSignal()
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.done:
			return
		}
	}
}

// scheduleSignal coalesces a burst of raw events into a single pending
// "dirty" delivery, one debounce interval after the last event observed.
func (w *Watcher) scheduleSignal() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()

	select {
	case w.dirty <- struct{}{}:
	default:
		// Already a pending signal undelivered; at most one pending
		// signal is the contract, so this is a no-op, not a drop.
	}
}

// Dirty yields a value each time a debounced change has settled.
func (w *Watcher) Dirty() <-chan struct{} {
	return w.dirty
}

func (w *Watcher) Close() error {
	close(w.done)
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
