// Package daemonlock guards a data directory against being managed by
// two oxipmd processes at once, using an flock on a sentinel file inside
// it.
package daemonlock

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/oxidekit/oxidepm/pkg/errors"
)

// Lock holds an exclusive, non-blocking flock on the daemon's lock file
// for the lifetime of the process.
type Lock struct {
	l *flock.Flock
}

// ErrLockedElsewhere is returned when another daemon already holds the
// lock for this data directory.
var ErrLockedElsewhere = errors.NewBusyError("data directory is locked by another oxipmd instance", nil)

// Acquire takes the daemon lock at path, failing fast if another daemon
// already holds it rather than waiting.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.NewIOError("failed to create lock directory", err).WithContext("path", path)
	}

	l := flock.New(path)
	locked, err := l.TryLock()
	if err != nil {
		return nil, errors.NewIOError("failed to acquire daemon lock", err).WithContext("path", path)
	}
	if !locked {
		return nil, ErrLockedElsewhere
	}
	return &Lock{l: l}, nil
}

// Release gives up the lock. The daemon must hold it for as long as it
// is serving requests against the data directory.
func (l *Lock) Release() error {
	return l.l.Unlock()
}
