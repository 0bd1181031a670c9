package watchdog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/process"
	"github.com/jpbrule-del/overstory/internal/util"
)

// ErrNotRunning is returned by Stop when no background watchdog is alive.
var ErrNotRunning = errors.New("watchdog is not running")

// WithWriteLock runs fn holding the tick lock at path. Interactive commands
// that write the ledger use it so they never interleave with a tick. It waits
// at most constants.LockWaitTimeout for a running tick to finish.
func WithWriteLock(ctx context.Context, path string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, constants.LockWaitTimeout)
	defer cancel()
	return util.WithFileLock(ctx, path, fn)
}

// Status describes a watchdog found through its pid and instance lock files.
type Status struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

// ReadStatus reports whether a watchdog is running for cfg. The instance
// lock is authoritative; the pid file only names the process.
func ReadStatus(cfg Config) (Status, error) {
	var st Status
	if cfg.InstanceLockPath != "" {
		if _, err := os.Stat(cfg.InstanceLockPath); err == nil {
			fileLock := flock.New(cfg.InstanceLockPath)
			locked, err := fileLock.TryLock()
			if err != nil {
				return st, fmt.Errorf("probing instance lock: %w", err)
			}
			if locked {
				_ = fileLock.Unlock()
			} else {
				st.Running = true
			}
		}
	}
	if cfg.PIDPath != "" {
		if pid, alive := process.NewPIDFile(cfg.PIDPath).IsRunning(); alive {
			st.PID = pid
			st.Running = true
		}
	}
	return st, nil
}

// Stop sends SIGTERM to the background watchdog recorded in cfg.PIDPath.
func Stop(cfg Config) (int, error) {
	pidFile := process.NewPIDFile(cfg.PIDPath)
	pid, alive := pidFile.IsRunning()
	if !alive {
		// Stale pid file from a crashed watchdog.
		_ = pidFile.Remove()
		return 0, ErrNotRunning
	}
	if err := pidFile.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signalling watchdog (PID %d): %w", pid, err)
	}
	return pid, nil
}
