// Package mergequeue is the persisted FIFO of branches waiting to be merged
// into the canonical branch, and its structural validation.
//
// The queue is a single JSON array file rewritten atomically on every
// mutation. Reads never lock; writers serialize on a sibling flock file.
package mergequeue

import (
	"fmt"
	"time"
)

// Status is a queue entry's merge status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusMerging  Status = "merging"
	StatusMerged   Status = "merged"
	StatusConflict Status = "conflict"
	StatusFailed   Status = "failed"
)

// AllStatuses lists every status.
var AllStatuses = []Status{StatusPending, StatusMerging, StatusMerged, StatusConflict, StatusFailed}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the entry is finished. Terminal entries carry
// a resolved tier; the others must not.
func (s Status) IsTerminal() bool {
	return s == StatusMerged || s == StatusConflict || s == StatusFailed
}

// ResolvedTier records how a finished merge was resolved.
type ResolvedTier string

const (
	TierCleanMerge  ResolvedTier = "clean-merge"
	TierAutoResolve ResolvedTier = "auto-resolve"
	TierAIResolve   ResolvedTier = "ai-resolve"
	TierReimagine   ResolvedTier = "reimagine"
)

// AllTiers lists every resolved tier.
var AllTiers = []ResolvedTier{TierCleanMerge, TierAutoResolve, TierAIResolve, TierReimagine}

// IsValid reports whether t is a known tier.
func (t ResolvedTier) IsValid() bool {
	for _, v := range AllTiers {
		if t == v {
			return true
		}
	}
	return false
}

// Entry is one queued branch.
type Entry struct {
	BranchName    string        `json:"branchName"`
	BeadID        string        `json:"beadId"`
	AgentName     string        `json:"agentName"`
	FilesModified []string      `json:"filesModified"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`
	Status        Status        `json:"status"`
	ResolvedTier  *ResolvedTier `json:"resolvedTier"`
}

// Check reports the first structural problem with e, or nil.
func (e *Entry) Check() error {
	switch {
	case e.BranchName == "":
		return fmt.Errorf("branchName is required")
	case e.BeadID == "":
		return fmt.Errorf("beadId is required")
	case e.AgentName == "":
		return fmt.Errorf("agentName is required")
	case e.EnqueuedAt.IsZero():
		return fmt.Errorf("enqueuedAt is required")
	case !e.Status.IsValid():
		return fmt.Errorf("invalid status %q", e.Status)
	case e.ResolvedTier != nil && !e.ResolvedTier.IsValid():
		return fmt.Errorf("invalid resolvedTier %q", *e.ResolvedTier)
	case e.Status.IsTerminal() != (e.ResolvedTier != nil):
		return fmt.Errorf("resolvedTier must be set exactly when status is terminal (status %s)", e.Status)
	}
	return nil
}

// Age returns how long ago the entry was enqueued.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// TierPtr returns a pointer to t.
func TierPtr(t ResolvedTier) *ResolvedTier { return &t }

// ParseError is a queue file that cannot be read as a valid queue.
type ParseError struct {
	Path string
	// Detail is the parser's message, or a summary of the structural issues.
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("merge queue %s: %s", e.Path, e.Detail)
}
