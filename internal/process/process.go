// Package process queries and signals the OS process table.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNoProcess is returned when signaling a pid that no longer exists.
var ErrNoProcess = errors.New("no such process")

// Info is one row of the process table.
type Info struct {
	PID     int
	PPID    int
	Stat    string
	Command string
}

// Defunct reports whether the process has exited and is waiting to be reaped
// by its parent. A defunct process still answers kill(pid, 0).
func (i Info) Defunct() bool {
	return strings.HasPrefix(i.Stat, "Z")
}

// Table is the OS process table as seen by the watchdog.
type Table interface {
	// List returns a snapshot of all processes.
	List(ctx context.Context) ([]Info, error)
	// IsAlive reports whether pid exists and has not exited.
	IsAlive(ctx context.Context, pid int) (bool, error)
	// Signal delivers sig to pid. A vanished pid yields ErrNoProcess.
	Signal(pid int, sig syscall.Signal) error
}

// OSTable implements Table with ps(1) and kill(2).
type OSTable struct {
	// Timeout bounds each ps invocation. Zero means 10 seconds.
	Timeout time.Duration
}

// NewOSTable returns an OSTable with the given ps timeout.
func NewOSTable(timeout time.Duration) *OSTable {
	return &OSTable{Timeout: timeout}
}

func (t *OSTable) timeout() time.Duration {
	if t.Timeout <= 0 {
		return 10 * time.Second
	}
	return t.Timeout
}

// List runs `ps -axo pid=,ppid=,stat=,command=` and parses the result.
func (t *OSTable) List(ctx context.Context) ([]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	out, err := exec.CommandContext(ctx, "ps", "-axo", "pid=,ppid=,stat=,command=").Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("listing processes: %w", ctx.Err())
		}
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	return ParsePS(out), nil
}

// IsAlive uses kill(pid, 0): ESRCH means gone, EPERM means it exists but
// belongs to another user. A live pid is double-checked against ps so a
// defunct process counts as dead.
func (t *OSTable) IsAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := unix.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, unix.EPERM):
	case errors.Is(err, unix.ESRCH):
		return false, nil
	default:
		return false, fmt.Errorf("probing pid %d: %w", pid, err)
	}

	stat, err := t.stat(ctx, pid)
	if err != nil {
		// kill(0) already said alive; ps being unavailable does not change that.
		return true, nil
	}
	return !strings.HasPrefix(stat, "Z"), nil
}

func (t *OSTable) stat(ctx context.Context, pid int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()
	out, err := exec.CommandContext(ctx, "ps", "-o", "stat=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Signal sends sig to pid.
func (t *OSTable) Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	err := unix.Kill(pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return ErrNoProcess
	}
	return err
}

// ParsePS parses `ps -axo pid=,ppid=,stat=,command=` output. Malformed lines
// are skipped.
func ParsePS(out []byte) []Info {
	var procs []Info
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		info := Info{PID: pid, PPID: ppid, Stat: fields[2]}
		if len(fields) > 3 {
			info.Command = strings.Join(fields[3:], " ")
		}
		procs = append(procs, info)
	}
	return procs
}

// ChildMap indexes procs by parent pid.
func ChildMap(procs []Info) map[int][]int {
	children := make(map[int][]int, len(procs))
	for _, p := range procs {
		if p.PID == p.PPID {
			continue
		}
		children[p.PPID] = append(children[p.PPID], p.PID)
	}
	return children
}
