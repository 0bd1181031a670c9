package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jpbrule-del/overstory/internal/util"
)

var (
	// ErrNoPending is returned by Dequeue when nothing is waiting.
	ErrNoPending = errors.New("no pending entries")
	// ErrNotQueued is returned when no entry matches a branch.
	ErrNotQueued = errors.New("branch is not queued")
	// ErrAlreadyQueued is returned when a branch already has an unfinished entry.
	ErrAlreadyQueued = errors.New("branch already queued")
)

// Queue is the merge-queue file at Path.
type Queue struct {
	path string
	now  func() time.Time
}

// New returns the queue stored at path. The file need not exist.
func New(path string) *Queue {
	return &Queue{path: path, now: time.Now}
}

// Path returns the queue file path.
func (q *Queue) Path() string { return q.path }

func (q *Queue) lockPath() string { return q.path + ".lock" }

// Read returns the raw file content and whether the file exists.
func (q *Queue) Read() ([]byte, bool, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Validate reads the file and validates it.
func (q *Queue) Validate() (*Validation, error) {
	data, exists, err := q.Read()
	if err != nil {
		return nil, err
	}
	return Validate(data, exists, q.now()), nil
}

// Load returns the entries in FIFO order. A missing or empty file is an
// empty queue. Any structural problem yields a *ParseError so no caller ever
// works on a partially valid queue.
func (q *Queue) Load() ([]Entry, error) {
	v, err := q.Validate()
	if err != nil {
		return nil, err
	}
	switch {
	case v.ParseErr != nil:
		return nil, &ParseError{Path: q.path, Detail: v.ParseErr.Error()}
	case v.NotArray:
		return nil, &ParseError{Path: q.path, Detail: "top-level value must be a JSON array"}
	case len(v.Issues) > 0:
		return nil, &ParseError{Path: q.path, Detail: strings.Join(Summary(v.Issues), "; ")}
	}
	return v.Entries, nil
}

// Pending returns the entries still waiting to merge, oldest first.
func (q *Queue) Pending() ([]Entry, error) {
	entries, err := q.Load()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.Status == StatusPending {
			out = append(out, e)
		}
	}
	return out, nil
}

// Enqueue appends a pending entry for e.BranchName. EnqueuedAt defaults to
// now. A branch that already has an unfinished entry is rejected.
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = q.now().UTC()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.FilesModified == nil {
		e.FilesModified = []string{}
	}
	if err := e.Check(); err != nil {
		return fmt.Errorf("enqueue %s: %w", e.BranchName, err)
	}
	return q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		for _, existing := range entries {
			if existing.BranchName == e.BranchName && !existing.Status.IsTerminal() {
				return nil, fmt.Errorf("enqueue %s: %w", e.BranchName, ErrAlreadyQueued)
			}
		}
		return append(entries, e), nil
	})
}

// Dequeue claims the oldest pending entry, marking it merging, and returns it.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	var claimed *Entry
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].Status == StatusPending {
				entries[i].Status = StatusMerging
				e := entries[i]
				claimed = &e
				return entries, nil
			}
		}
		return nil, ErrNoPending
	})
	return claimed, err
}

// Complete finishes the unfinished entry for branch with a terminal status
// and the tier that resolved it.
func (q *Queue) Complete(ctx context.Context, branch string, status Status, tier ResolvedTier) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete %s: status %q is not terminal", branch, status)
	}
	if !tier.IsValid() {
		return fmt.Errorf("complete %s: invalid resolved tier %q", branch, tier)
	}
	return q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		for i := range entries {
			if entries[i].BranchName == branch && !entries[i].Status.IsTerminal() {
				entries[i].Status = status
				entries[i].ResolvedTier = TierPtr(tier)
				return entries, nil
			}
		}
		return nil, fmt.Errorf("complete %s: %w", branch, ErrNotQueued)
	})
}

// Remove drops every entry for branch and returns how many were removed.
func (q *Queue) Remove(ctx context.Context, branch string) (int, error) {
	removed := 0
	err := q.mutate(ctx, func(entries []Entry) ([]Entry, error) {
		kept := entries[:0]
		for _, e := range entries {
			if e.BranchName == branch {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if removed == 0 {
			return nil, fmt.Errorf("remove %s: %w", branch, ErrNotQueued)
		}
		return kept, nil
	})
	return removed, err
}

// Reset moves the current file aside and writes an empty queue. It returns
// the quarantine path, or "" when there was no file to move.
func (q *Queue) Reset(ctx context.Context) (string, error) {
	var moved string
	err := util.WithFileLock(ctx, q.lockPath(), func() error {
		if _, err := os.Stat(q.path); err == nil {
			p, err := util.QuarantineFile(q.path, q.now())
			if err != nil {
				return fmt.Errorf("moving corrupt queue aside: %w", err)
			}
			moved = p
		}
		return util.EnsureDirAndWriteJSON(q.path, []Entry{})
	})
	return moved, err
}

// mutate loads the queue under the writer lock, applies fn and writes the
// result back atomically in FIFO order. fn returning an error leaves the
// file untouched.
func (q *Queue) mutate(ctx context.Context, fn func([]Entry) ([]Entry, error)) error {
	return util.WithFileLock(ctx, q.lockPath(), func() error {
		entries, err := q.Load()
		if err != nil {
			return err
		}
		entries, err = fn(entries)
		if err != nil {
			return err
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		})
		if entries == nil {
			entries = []Entry{}
		}
		return util.EnsureDirAndWriteJSON(q.path, entries)
	})
}
