// ABOUTME: Exclusive lock on the fleet data directory
// ABOUTME: Keeps a second process from running against the same schedules and chat logs

package dirlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("data directory is locked by another coven-fleet process")

// FileName is the lock file created inside the data directory.
const FileName = "fleet.lock"

// Lock is an advisory file lock on a data directory.
type Lock struct {
	lockFile *flock.Flock
	lockPath string
}

// New prepares a lock for dataDir, creating the directory if needed.
func New(dataDir string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	lockPath := filepath.Join(dataDir, FileName)
	return &Lock{
		lockFile: flock.New(lockPath),
		lockPath: lockPath,
	}, nil
}

// TryLock acquires the lock without waiting.
func (l *Lock) TryLock() error {
	locked, err := l.lockFile.TryLock()
	if err != nil {
		return fmt.Errorf("trying lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrLocked, l.lockPath)
	}

	// Record the owner for operators; failure here does not matter.
	_ = os.WriteFile(l.lockPath, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
	return nil
}

// Unlock releases the lock and removes the lock file.
func (l *Lock) Unlock() error {
	if l.lockFile == nil {
		return nil
	}

	if err := l.lockFile.Unlock(); err != nil {
		return fmt.Errorf("unlocking: %w", err)
	}
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.lockPath
}
