package doctor

import (
	"fmt"

	"github.com/jpbrule-del/overstory/internal/mergequeue"
)

// MergeQueueCheck validates the structure of the merge-queue file.
type MergeQueueCheck struct {
	FixableCheck
	corrupt bool
}

// NewMergeQueueCheck creates a new merge queue structure check.
func NewMergeQueueCheck() *MergeQueueCheck {
	return &MergeQueueCheck{
		FixableCheck: FixableCheck{
			BaseCheck: BaseCheck{
				CheckName:        "merge-queue",
				CheckDescription: "Validate the merge-queue file",
				CheckCategory:    CategoryMergeQueue,
			},
		},
	}
}

// Run reports a corrupt file as one fixable failure and every malformed
// entry in a single unfixable failure.
func (c *MergeQueueCheck) Run(ctx *CheckContext) []*CheckResult {
	c.corrupt = false
	v, err := ctx.queueValidation()
	if err != nil {
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("failed to read merge queue: %v", err),
		}}
	}

	switch {
	case !v.Exists:
		return c.pass("no merge queue yet")
	case v.Empty:
		return c.pass("queue is empty")
	case v.NotArray:
		c.corrupt = true
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "merge queue must be a JSON array",
			Fixable: true,
			FixHint: "Run 'overstory doctor --fix' to quarantine the file and start an empty queue",
		}}
	case v.ParseErr != nil:
		c.corrupt = true
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("merge queue is not valid JSON: %v", v.ParseErr),
			Fixable: true,
			FixHint: "Run 'overstory doctor --fix' to quarantine the file and start an empty queue",
		}}
	case len(v.Issues) > 0:
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("%d malformed entr%s", countEntries(v.Issues), plural(countEntries(v.Issues), "y", "ies")),
			Details: mergequeue.Summary(v.Issues),
			FixHint: c.malformedHint(ctx),
		}}
	}
	return c.pass(fmt.Sprintf("%d entr%s, all valid", len(v.Entries), plural(len(v.Entries), "y", "ies")))
}

// malformedHint points at the file itself. Queue commands refuse to load a
// queue with malformed entries, so the listed entries must be edited away.
func (c *MergeQueueCheck) malformedHint(ctx *CheckContext) string {
	path := "the merge queue file"
	if ctx.Queue != nil {
		path = ctx.Queue.Path()
	}
	return fmt.Sprintf("Edit %s by hand to repair or delete the listed entries", path)
}

// Fix quarantines the corrupt file and writes an empty queue.
func (c *MergeQueueCheck) Fix(ctx *CheckContext) error {
	if !c.corrupt || ctx.Queue == nil {
		return nil
	}
	_, err := ctx.Queue.Reset(ctx.Context())
	return err
}

// MergeQueueStaleCheck flags unfinished entries waiting too long.
type MergeQueueStaleCheck struct {
	BaseCheck
}

// NewMergeQueueStaleCheck creates a new stale entry check.
func NewMergeQueueStaleCheck() *MergeQueueStaleCheck {
	return &MergeQueueStaleCheck{
		BaseCheck: BaseCheck{
			CheckName:        "merge-queue-stale",
			CheckDescription: "Detect unfinished merge-queue entries older than a day",
			CheckCategory:    CategoryMergeQueue,
		},
	}
}

// Run lists stale entries.
func (c *MergeQueueStaleCheck) Run(ctx *CheckContext) []*CheckResult {
	v, err := ctx.queueValidation()
	if err != nil || v.Corrupt() {
		return c.pass("skipped, queue unreadable")
	}
	if len(v.Stale) == 0 {
		return c.pass("no stale entries")
	}
	details := make([]string, 0, len(v.Stale))
	for _, s := range v.Stale {
		details = append(details, s.String())
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d stale entr%s", len(v.Stale), plural(len(v.Stale), "y", "ies")),
		Details: details,
		FixHint: "Merge or remove them with 'overstory mq'",
	}}
}

// MergeQueueDuplicatesCheck flags branches queued more than once.
type MergeQueueDuplicatesCheck struct {
	BaseCheck
}

// NewMergeQueueDuplicatesCheck creates a new duplicate branch check.
func NewMergeQueueDuplicatesCheck() *MergeQueueDuplicatesCheck {
	return &MergeQueueDuplicatesCheck{
		BaseCheck: BaseCheck{
			CheckName:        "merge-queue-duplicates",
			CheckDescription: "Detect branches queued more than once",
			CheckCategory:    CategoryMergeQueue,
		},
	}
}

// Run lists duplicated branches with their counts.
func (c *MergeQueueDuplicatesCheck) Run(ctx *CheckContext) []*CheckResult {
	v, err := ctx.queueValidation()
	if err != nil || v.Corrupt() {
		return c.pass("skipped, queue unreadable")
	}
	if len(v.Duplicates) == 0 {
		return c.pass("no duplicate branches")
	}
	details := make([]string, 0, len(v.Duplicates))
	for _, d := range v.Duplicates {
		details = append(details, d.String())
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d branch(es) queued more than once", len(v.Duplicates)),
		Details: details,
	}}
}

func countEntries(issues []mergequeue.EntryIssue) int {
	seen := make(map[int]bool)
	for _, i := range issues {
		seen[i.Index] = true
	}
	return len(seen)
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
