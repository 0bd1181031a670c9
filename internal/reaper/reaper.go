// Package reaper terminates process trees with escalating signals.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/process"
)

// Result describes one KillTree call.
type Result struct {
	// Root is the pid the reap started from.
	Root int `json:"root"`
	// Signaled lists every pid that received SIGTERM, leaves first.
	Signaled []int `json:"signaled"`
	// Forced lists the pids that survived the grace period and got SIGKILL.
	Forced []int `json:"forced,omitempty"`
}

// Partial reports whether some pids needed forceful termination.
// This is informational, not an error.
func (r *Result) Partial() bool {
	return r != nil && len(r.Forced) > 0
}

// Reaper discovers and terminates process trees.
type Reaper struct {
	procs        process.Table
	grace        time.Duration
	pollInterval time.Duration

	// now and sleep are the reaper's clock; tests replace both.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New returns a Reaper over the given process table. Non-positive durations
// take the package defaults.
func New(procs process.Table, grace, pollInterval time.Duration) *Reaper {
	if grace <= 0 {
		grace = constants.ReapGracePeriod
	}
	if pollInterval <= 0 {
		pollInterval = constants.ReapPollInterval
	}
	return &Reaper{
		procs:        procs,
		grace:        grace,
		pollInterval: pollInterval,
		now:          time.Now,
		sleep:        sleepContext,
	}
}

// Grace returns the wait between SIGTERM and SIGKILL.
func (r *Reaper) Grace() time.Duration { return r.grace }

// DescendantPIDs returns the transitive children of root in breadth-first
// order, from a single process-table snapshot. A root that is already gone
// yields an empty list and no error.
func (r *Reaper) DescendantPIDs(ctx context.Context, root int) ([]int, error) {
	procs, err := r.procs.List(ctx)
	if err != nil {
		return nil, err
	}
	return descendants(procs, root), nil
}

func descendants(procs []process.Info, root int) []int {
	present := false
	for _, p := range procs {
		if p.PID == root {
			present = true
			break
		}
	}
	if !present {
		return nil
	}

	children := process.ChildMap(procs)
	seen := map[int]bool{root: true}
	queue := []int{root}
	var out []int
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// KillTree sends SIGTERM to every descendant of root and then root itself,
// leaves first so no child is orphaned to init mid-reap. It waits up to the
// grace period for them to exit and SIGKILLs the survivors.
//
// Pids that vanish between enumeration and signaling are skipped. A pid that
// refuses a signal does not stop the reap: the rest of the tree is still
// signaled and every refusal comes back joined in the error, alongside the
// Result. Calling KillTree on a root that is already gone returns an empty
// Result.
func (r *Reaper) KillTree(ctx context.Context, root int) (*Result, error) {
	result := &Result{Root: root}
	if root <= 1 {
		return result, fmt.Errorf("refusing to reap pid %d", root)
	}

	procs, err := r.procs.List(ctx)
	if err != nil {
		return result, fmt.Errorf("listing process tree of %d: %w", root, err)
	}
	tree := descendants(procs, root)
	if tree == nil {
		alive, err := r.procs.IsAlive(ctx, root)
		if err != nil || !alive {
			return result, nil
		}
	}

	// Reverse BFS order puts the deepest processes first.
	order := make([]int, 0, len(tree)+1)
	for i := len(tree) - 1; i >= 0; i-- {
		order = append(order, tree[i])
	}
	order = append(order, root)

	var targets []int
	var errs []error
	for _, pid := range order {
		if err := r.procs.Signal(pid, syscall.SIGTERM); err != nil {
			if !errors.Is(err, process.ErrNoProcess) {
				errs = append(errs, fmt.Errorf("SIGTERM %d: %w", pid, err))
			}
			continue
		}
		result.Signaled = append(result.Signaled, pid)
		targets = append(targets, pid)
	}
	if len(targets) == 0 {
		return result, errors.Join(errs...)
	}

	survivors := r.waitForExit(ctx, targets)
	for _, pid := range survivors {
		if err := r.procs.Signal(pid, syscall.SIGKILL); err != nil {
			if !errors.Is(err, process.ErrNoProcess) {
				errs = append(errs, fmt.Errorf("SIGKILL %d: %w", pid, err))
			}
			continue
		}
		result.Forced = append(result.Forced, pid)
	}
	return result, errors.Join(errs...)
}

// waitForExit polls until every pid has exited or the grace period ends and
// returns the pids still alive. A liveness probe error counts as alive.
func (r *Reaper) waitForExit(ctx context.Context, pids []int) []int {
	deadline := r.now().Add(r.grace)
	remaining := pids
	for {
		remaining = r.alive(ctx, remaining)
		if len(remaining) == 0 || !r.now().Before(deadline) || ctx.Err() != nil {
			return remaining
		}
		wait := r.pollInterval
		if left := deadline.Sub(r.now()); left < wait {
			wait = left
		}
		r.sleep(ctx, wait)
	}
}

func (r *Reaper) alive(ctx context.Context, pids []int) []int {
	var out []int
	for _, pid := range pids {
		alive, err := r.procs.IsAlive(ctx, pid)
		if err != nil || alive {
			out = append(out, pid)
		}
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
