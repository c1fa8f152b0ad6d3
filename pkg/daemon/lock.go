package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrAlreadyRunning is returned when another process holds the daemon lock.
var ErrAlreadyRunning = errors.New("llmc daemon already running (lock held by another process)")

// AcquireLock takes the single-instance lock without blocking. The caller
// must Unlock the returned lock on exit.
func AcquireLock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil { //nolint:gosec // root dir is user-owned
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}
	return lock, nil
}

// LockHeld reports whether some process currently holds the lock at path.
// Offline tools use it to refuse to run next to a live daemon.
func LockHeld(path string) (bool, error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe lock %s: %w", path, err)
	}
	if locked {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}
