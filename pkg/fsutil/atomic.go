// Package fsutil provides the file primitives shared by the report recorder
// and the breakpoint store: atomic replacement and cross-process locks.
package fsutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultLockTimeout is how long LockFile waits before giving up.
const DefaultLockTimeout = 5 * time.Second

// ErrLockTimeout is returned when a lock could not be acquired in time.
var ErrLockTimeout = errors.New("timeout waiting for file lock")

// TempPath returns the temporary path used while path is being replaced.
func TempPath(path string) string {
	return path + ".tmp"
}

// AtomicWriteFile writes data to path.tmp and renames it over path.
// Readers of path see either the previous content or all of data.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFile := TempPath(path)

	f, err := os.OpenFile(tmpFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("opening %s: %w", tmpFile, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpFile)
		return fmt.Errorf("writing %s: %w", tmpFile, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("closing %s: %w", tmpFile, err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("renaming %s: %w", tmpFile, err)
	}

	return nil
}

// LockFile takes an exclusive advisory lock on path.lock.
// The caller must Unlock the returned lock.
func LockFile(path string, timeout time.Duration) (*flock.Flock, error) {
	lockPath := path + ".lock"

	if err := os.MkdirAll(filepath.Dir(lockPath), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	lock := flock.New(lockPath)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", lockPath, ErrLockTimeout)
		}
		return nil, fmt.Errorf("acquiring lock %s: %w", lockPath, err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", lockPath, ErrLockTimeout)
	}

	return lock, nil
}

// WithLock runs fn while holding the lock for path.
func WithLock(path string, timeout time.Duration, fn func() error) error {
	lock, err := LockFile(path, timeout)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	return fn()
}
