// Package doctor runs consistency checks across the session ledger, the tmux
// session list, the managed checkouts and the merge queue.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/style"
	"github.com/jpbrule-del/overstory/internal/tmux"
	"github.com/jpbrule-del/overstory/internal/worktree"
)

// ErrCannotFix is returned by Fix on checks that have no automatic fix.
var ErrCannotFix = errors.New("check cannot be fixed automatically")

// Check categories.
const (
	CategoryConsistency = "consistency"
	CategoryMergeQueue  = "merge-queue"
)

// CheckStatus represents the result status of a health check.
type CheckStatus int

const (
	// StatusOK indicates the check passed.
	StatusOK CheckStatus = iota
	// StatusWarning indicates a non-critical issue.
	StatusWarning
	// StatusError indicates a critical problem.
	StatusError
)

// String returns the machine-matchable severity: pass, warn or fail.
func (s CheckStatus) String() string {
	switch s {
	case StatusOK:
		return "pass"
	case StatusWarning:
		return "warn"
	case StatusError:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its severity string.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult is one finding. Findings are produced fresh on every run and
// never persisted.
type CheckResult struct {
	Name     string      `json:"name"`
	Category string      `json:"category"`
	Status   CheckStatus `json:"severity"`
	Message  string      `json:"message"`
	// Details lists the offending identifiers.
	Details []string `json:"details,omitempty"`
	Fixable bool     `json:"fixable"`
	FixHint string   `json:"fix_hint,omitempty"`
}

// Check defines the interface for a health check.
type Check interface {
	// Name returns the check identifier. Names are stable.
	Name() string

	// Description returns a human-readable description.
	Description() string

	// Category groups checks in reports and for --category.
	Category() string

	// Run executes the check and returns its findings, at least one.
	Run(ctx *CheckContext) []*CheckResult

	// Fix attempts to automatically fix what the last Run found.
	// Should only be called if CanFix() returns true.
	Fix(ctx *CheckContext) error

	// CanFix returns true if this check can automatically fix issues.
	CanFix() bool
}

// multiplexerCheck is implemented by checks that depend on a live tmux
// session list.
type multiplexerCheck interface {
	needsMultiplexer() bool
}

// Ledger is the part of the session ledger the checks use.
type Ledger interface {
	ListActive(ctx context.Context) ([]*ledger.Session, error)
	UpdateState(ctx context.Context, id string, state ledger.State) error
}

// Multiplexer is the part of tmux the checks use.
type Multiplexer interface {
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
	KillSession(ctx context.Context, name string) error
}

// Checkouts enumerates and removes managed checkouts.
type Checkouts interface {
	List(ctx context.Context) ([]worktree.Checkout, error)
	Remove(ctx context.Context, path string) error
}

// ProcessTable answers pid liveness.
type ProcessTable interface {
	IsAlive(ctx context.Context, pid int) (bool, error)
}

// CheckContext carries the collaborators the checks query and the inputs
// gathered by earlier checks for later ones.
type CheckContext struct {
	Root          string
	SessionPrefix string
	Verbose       bool

	Checkouts Checkouts
	Tmux      Multiplexer
	Procs     ProcessTable
	Queue     *mergequeue.Queue

	// Ledger, when set, is used as is and left open. Otherwise LedgerPath is
	// opened by the ledger-open check and closed when the run ends.
	Ledger     Ledger
	LedgerPath string

	// Now is the clock used for staleness; nil means time.Now.
	Now func() time.Time

	ctx     context.Context
	aborted map[string]bool

	// SkipMultiplexer is set when the session list could not be gathered;
	// checks that depend on it are skipped.
	SkipMultiplexer bool

	checkouts   []worktree.Checkout
	ledger      Ledger
	closeLedger func() error
	active      []*ledger.Session
	live        *tmux.SessionSet
	validation  *mergequeue.Validation
	queueErr    error
}

// Context returns the context of the current run.
func (c *CheckContext) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// Abort stops the remaining checks of category.
func (c *CheckContext) Abort(category string) {
	if c.aborted == nil {
		c.aborted = make(map[string]bool)
	}
	c.aborted[category] = true
}

// Aborted reports whether the checks of category were cut short.
func (c *CheckContext) Aborted(category string) bool {
	return c.aborted[category]
}

func (c *CheckContext) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// begin resets gathered state for a fresh run.
func (c *CheckContext) begin(ctx context.Context) {
	c.ctx = ctx
	c.aborted = nil
	c.SkipMultiplexer = false
	c.checkouts = nil
	c.ledger = nil
	c.closeLedger = nil
	c.active = nil
	c.live = nil
	c.validation = nil
	c.queueErr = nil
}

// end releases what the run opened.
func (c *CheckContext) end() {
	if c.closeLedger != nil {
		_ = c.closeLedger()
		c.closeLedger = nil
	}
}

// queueValidation validates the merge queue once per run.
func (c *CheckContext) queueValidation() (*mergequeue.Validation, error) {
	if c.validation == nil && c.queueErr == nil {
		if c.Queue == nil {
			c.queueErr = errors.New("no merge queue configured")
		} else if data, exists, err := c.Queue.Read(); err != nil {
			c.queueErr = err
		} else {
			c.validation = mergequeue.Validate(data, exists, c.now())
		}
	}
	return c.validation, c.queueErr
}

// ReportSummary summarizes the results of all checks.
type ReportSummary struct {
	Total    int `json:"total"`
	OK       int `json:"pass"`
	Warnings int `json:"warn"`
	Errors   int `json:"fail"`
}

// Report contains all check results and a summary.
type Report struct {
	Timestamp time.Time      `json:"timestamp"`
	Checks    []*CheckResult `json:"findings"`
	Summary   ReportSummary  `json:"summary"`
}

// NewReport creates an empty report with the current timestamp.
func NewReport() *Report {
	return &Report{
		Timestamp: time.Now(),
		Checks:    make([]*CheckResult, 0),
	}
}

// Add adds a check result to the report and updates the summary.
func (r *Report) Add(result *CheckResult) {
	r.Checks = append(r.Checks, result)
	r.Summary.Total++

	switch result.Status {
	case StatusOK:
		r.Summary.OK++
	case StatusWarning:
		r.Summary.Warnings++
	case StatusError:
		r.Summary.Errors++
	}
}

// Find returns the findings with the given check name.
func (r *Report) Find(name string) []*CheckResult {
	var out []*CheckResult
	for _, c := range r.Checks {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Problems returns the warn and fail findings.
func (r *Report) Problems() []*CheckResult {
	var out []*CheckResult
	for _, c := range r.Checks {
		if c.Status != StatusOK {
			out = append(out, c)
		}
	}
	return out
}

// HasErrors returns true if any check reported an error.
func (r *Report) HasErrors() bool {
	return r.Summary.Errors > 0
}

// HasWarnings returns true if any check reported a warning.
func (r *Report) HasWarnings() bool {
	return r.Summary.Warnings > 0
}

// IsHealthy returns true if all checks passed without errors or warnings.
func (r *Report) IsHealthy() bool {
	return r.Summary.Errors == 0 && r.Summary.Warnings == 0
}

// JSON writes the report as indented JSON.
func (r *Report) JSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Print outputs the report to the given writer, grouped by category.
func (r *Report) Print(w io.Writer, verbose bool) {
	category := ""
	for _, check := range r.Checks {
		if check.Category != category {
			if category != "" {
				fmt.Fprintln(w)
			}
			category = check.Category
			fmt.Fprintln(w, style.Bold.Render(style.Title(category)))
		}
		r.printCheck(w, check, verbose)
	}

	// Print summary
	fmt.Fprintln(w)
	r.printSummary(w)
}

// printCheck outputs a single check result.
func (r *Report) printCheck(w io.Writer, check *CheckResult, verbose bool) {
	var prefix string
	switch check.Status {
	case StatusOK:
		prefix = style.SuccessPrefix
	case StatusWarning:
		prefix = style.WarningPrefix
	case StatusError:
		prefix = style.ErrorPrefix
	}

	fmt.Fprintf(w, "%s %s: %s\n", prefix, check.Name, check.Message)

	// Print details in verbose mode or for non-OK results
	if len(check.Details) > 0 && (verbose || check.Status != StatusOK) {
		for _, detail := range check.Details {
			fmt.Fprintf(w, "    %s\n", detail)
		}
	}

	// Print fix hint for errors/warnings
	if check.FixHint != "" && check.Status != StatusOK {
		fmt.Fprintf(w, "    %s %s\n", style.ArrowPrefix, check.FixHint)
	}
}

// printSummary outputs the summary line.
func (r *Report) printSummary(w io.Writer) {
	parts := []string{
		fmt.Sprintf("%d checks", r.Summary.Total),
	}

	if r.Summary.OK > 0 {
		parts = append(parts, style.Success.Render(fmt.Sprintf("%d passed", r.Summary.OK)))
	}
	if r.Summary.Warnings > 0 {
		parts = append(parts, style.Warning.Render(fmt.Sprintf("%d warnings", r.Summary.Warnings)))
	}
	if r.Summary.Errors > 0 {
		parts = append(parts, style.Error.Render(fmt.Sprintf("%d errors", r.Summary.Errors)))
	}

	fmt.Fprintln(w, strings.Join(parts, ", "))
}
