package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by TryWithFileLock when another process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// lockRetryDelay is how often a blocked WithFileLock retries.
const lockRetryDelay = 50 * time.Millisecond

// WithFileLock runs fn while holding an exclusive flock on path, waiting for
// the lock until ctx is done. The lock file's parent directory is created if
// needed.
func WithFileLock(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	fileLock := flock.New(path)
	locked, err := fileLock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", filepath.Base(path), err)
	}
	if !locked {
		return fmt.Errorf("acquiring lock %s: %w", filepath.Base(path), ErrLocked)
	}
	defer func() { _ = fileLock.Unlock() }()
	return fn()
}

// TryWithFileLock is WithFileLock without waiting: it returns ErrLocked at once
// when the lock is held elsewhere.
func TryWithFileLock(path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}
	fileLock := flock.New(path)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock %s: %w", filepath.Base(path), err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() { _ = fileLock.Unlock() }()
	return fn()
}
