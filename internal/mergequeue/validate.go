package mergequeue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jpbrule-del/overstory/internal/constants"
)

// EntryIssue is one structural problem with one queue entry.
type EntryIssue struct {
	Index  int
	Branch string // empty when the entry has no usable branchName
	Field  string // empty when the entry itself is malformed
	Reason string
}

func (i EntryIssue) String() string {
	id := fmt.Sprintf("entry %d", i.Index)
	if i.Branch != "" {
		id = fmt.Sprintf("entry %d (%s)", i.Index, i.Branch)
	}
	if i.Field == "" {
		return id + ": " + i.Reason
	}
	return fmt.Sprintf("%s: %s %s", id, i.Field, i.Reason)
}

// StaleEntry is a non-terminal entry older than the stale threshold.
type StaleEntry struct {
	Branch string
	Status Status
	Age    time.Duration
}

func (s StaleEntry) String() string {
	return fmt.Sprintf("%s (%s, %s old)", s.Branch, s.Status, formatAge(s.Age))
}

// Duplicate is a branch name that appears more than once.
type Duplicate struct {
	Branch string
	Count  int
}

func (d Duplicate) String() string {
	return fmt.Sprintf("%s (x%d)", d.Branch, d.Count)
}

// Validation is the outcome of validating a queue file.
type Validation struct {
	Exists   bool
	Empty    bool
	NotArray bool
	// ParseErr is the JSON parser's error, if any.
	ParseErr error

	// Entries holds every entry that passed structural validation, in file order.
	Entries    []Entry
	Issues     []EntryIssue
	Stale      []StaleEntry
	Duplicates []Duplicate
}

// Corrupt reports whether the file cannot be used as a queue at all.
func (v *Validation) Corrupt() bool {
	return v.NotArray || v.ParseErr != nil
}

// OK reports whether the queue has no structural problems.
func (v *Validation) OK() bool {
	return !v.Corrupt() && len(v.Issues) == 0
}

// Validate checks raw queue file content. exists is false when the file is
// missing. It never touches the filesystem; now anchors staleness.
func Validate(data []byte, exists bool, now time.Time) *Validation {
	v := &Validation{Exists: exists}
	if !exists {
		return v
	}
	if len(bytes.TrimSpace(data)) == 0 {
		v.Empty = true
		return v
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		v.ParseErr = err
		return v
	}
	if dec.More() {
		v.ParseErr = fmt.Errorf("unexpected data after top-level value")
		return v
	}
	items, ok := raw.([]any)
	if !ok {
		v.NotArray = true
		return v
	}
	if len(items) == 0 {
		v.Empty = true
		return v
	}

	counts := map[string]int{}
	var order []string
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			v.Issues = append(v.Issues, EntryIssue{Index: i, Reason: "is not an object"})
			continue
		}
		if branch, ok := obj["branchName"].(string); ok && branch != "" {
			if counts[branch] == 0 {
				order = append(order, branch)
			}
			counts[branch]++
		}

		entry, issues := checkEntry(i, obj)
		if len(issues) > 0 {
			v.Issues = append(v.Issues, issues...)
			continue
		}
		v.Entries = append(v.Entries, entry)
	}

	for _, e := range v.Entries {
		if e.Status.IsTerminal() {
			continue
		}
		if age := e.Age(now); age > constants.MergeQueueStaleAfter {
			v.Stale = append(v.Stale, StaleEntry{Branch: e.BranchName, Status: e.Status, Age: age})
		}
	}
	for _, branch := range order {
		if counts[branch] > 1 {
			v.Duplicates = append(v.Duplicates, Duplicate{Branch: branch, Count: counts[branch]})
		}
	}
	return v
}

// checkEntry validates one decoded object field by field, collecting every
// issue rather than stopping at the first.
func checkEntry(index int, obj map[string]any) (Entry, []EntryIssue) {
	var issues []EntryIssue
	branch, _ := obj["branchName"].(string)
	add := func(field, reason string) {
		issues = append(issues, EntryIssue{Index: index, Branch: branch, Field: field, Reason: reason})
	}

	str := func(field string) string {
		val, present := obj[field]
		s, ok := val.(string)
		switch {
		case !present:
			add(field, "is missing")
		case !ok:
			add(field, "must be a string")
		case strings.TrimSpace(s) == "":
			add(field, "must not be empty")
		}
		return s
	}

	e := Entry{
		BranchName: str("branchName"),
		BeadID:     str("beadId"),
		AgentName:  str("agentName"),
	}

	if enq := str("enqueuedAt"); enq != "" {
		t, err := time.Parse(time.RFC3339, enq)
		if err != nil {
			add("enqueuedAt", "must be an RFC 3339 timestamp")
		}
		e.EnqueuedAt = t
	}

	switch files := obj["filesModified"].(type) {
	case []any:
		e.FilesModified = make([]string, 0, len(files))
		for _, f := range files {
			s, ok := f.(string)
			if !ok {
				add("filesModified", "must contain only strings")
				break
			}
			e.FilesModified = append(e.FilesModified, s)
		}
	case nil:
		if _, present := obj["filesModified"]; present {
			add("filesModified", "must be a list")
		} else {
			add("filesModified", "is missing")
		}
	default:
		add("filesModified", "must be a list")
	}

	statusOK := false
	switch s := obj["status"].(type) {
	case string:
		e.Status = Status(s)
		if e.Status.IsValid() {
			statusOK = true
		} else {
			add("status", fmt.Sprintf("must be one of %s", joinStatuses()))
		}
	case nil:
		add("status", "is missing")
	default:
		add("status", "must be a string")
	}

	switch tier := obj["resolvedTier"].(type) {
	case nil:
	case string:
		t := ResolvedTier(tier)
		if t.IsValid() {
			e.ResolvedTier = &t
		} else {
			add("resolvedTier", fmt.Sprintf("must be null or one of %s", joinTiers()))
		}
	default:
		add("resolvedTier", "must be null or a string")
	}

	if statusOK && len(issues) == 0 && e.Status.IsTerminal() != (e.ResolvedTier != nil) {
		if e.Status.IsTerminal() {
			add("resolvedTier", fmt.Sprintf("must be set when status is %s", e.Status))
		} else {
			add("resolvedTier", fmt.Sprintf("must be null when status is %s", e.Status))
		}
	}
	return e, issues
}

// Summary returns one line per offending entry, each listing all of its issues.
func Summary(issues []EntryIssue) []string {
	byIndex := map[int][]EntryIssue{}
	var indexes []int
	for _, is := range issues {
		if _, seen := byIndex[is.Index]; !seen {
			indexes = append(indexes, is.Index)
		}
		byIndex[is.Index] = append(byIndex[is.Index], is)
	}
	sort.Ints(indexes)

	lines := make([]string, 0, len(indexes))
	for _, idx := range indexes {
		group := byIndex[idx]
		parts := make([]string, 0, len(group))
		for _, is := range group {
			if is.Field == "" {
				parts = append(parts, is.Reason)
			} else {
				parts = append(parts, is.Field+" "+is.Reason)
			}
		}
		head := fmt.Sprintf("entry %d", idx)
		if group[0].Branch != "" {
			head = fmt.Sprintf("entry %d (%s)", idx, group[0].Branch)
		}
		lines = append(lines, head+": "+strings.Join(parts, "; "))
	}
	return lines
}

func joinStatuses() string {
	parts := make([]string, len(AllStatuses))
	for i, s := range AllStatuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, ", ")
}

func joinTiers() string {
	parts := make([]string, len(AllTiers))
	for i, t := range AllTiers {
		parts[i] = string(t)
	}
	return strings.Join(parts, ", ")
}

func formatAge(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return d.Truncate(time.Second).String()
}
