package doctor

import (
	"context"
	"errors"
	"fmt"
)

// Doctor manages and executes health checks.
type Doctor struct {
	checks []Check
}

// NewDoctor creates a new Doctor with no registered checks.
func NewDoctor() *Doctor {
	return &Doctor{
		checks: make([]Check, 0),
	}
}

// NewReconciler returns a Doctor with the consistency battery registered in
// dependency order.
func NewReconciler() *Doctor {
	d := NewDoctor()
	d.RegisterAll(ConsistencyChecks()...)
	return d
}

// NewFull returns a Doctor with the consistency battery followed by the
// merge-queue checks.
func NewFull() *Doctor {
	d := NewReconciler()
	d.RegisterAll(MergeQueueChecks()...)
	return d
}

// ConsistencyChecks returns the consistency battery in dependency order.
func ConsistencyChecks() []Check {
	return []Check{
		NewCheckoutListingCheck(),
		NewLedgerOpenCheck(),
		NewOrphanedCheckoutsCheck(),
		NewTmuxListingCheck(),
		NewOrphanedTmuxSessionsCheck(),
		NewDeadPIDsCheck(),
		NewMissingCheckoutsCheck(),
		NewMissingTmuxSessionsCheck(),
	}
}

// MergeQueueChecks returns the merge-queue checks.
func MergeQueueChecks() []Check {
	return []Check{
		NewMergeQueueCheck(),
		NewMergeQueueStaleCheck(),
		NewMergeQueueDuplicatesCheck(),
	}
}

// Register adds a check to the doctor's check list.
func (d *Doctor) Register(check Check) {
	d.checks = append(d.checks, check)
}

// RegisterAll adds multiple checks to the doctor's check list.
func (d *Doctor) RegisterAll(checks ...Check) {
	d.checks = append(d.checks, checks...)
}

// Checks returns the list of registered checks.
func (d *Doctor) Checks() []Check {
	return d.checks
}

// Filter returns a Doctor with only the checks of category. An empty
// category keeps every check.
func (d *Doctor) Filter(category string) *Doctor {
	if category == "" {
		return d
	}
	out := NewDoctor()
	for _, c := range d.checks {
		if c.Category() == category {
			out.Register(c)
		}
	}
	return out
}

// Run executes all registered checks and returns a report.
func (d *Doctor) Run(ctx context.Context, cc *CheckContext) *Report {
	cc.begin(ctx)
	defer cc.end()

	report := NewReport()
	for _, check := range d.checks {
		for _, result := range d.runCheck(cc, check) {
			report.Add(result)
		}
	}
	return report
}

// runCheck runs one check unless an abort or a missing session list rules
// it out, and fills in the name and category of its findings.
func (d *Doctor) runCheck(cc *CheckContext, check Check) []*CheckResult {
	if cc.Aborted(check.Category()) {
		return nil
	}
	if mc, ok := check.(multiplexerCheck); ok && mc.needsMultiplexer() && cc.SkipMultiplexer {
		return nil
	}
	results := check.Run(cc)
	for _, result := range results {
		// Ensure check name is populated
		if result.Name == "" {
			result.Name = check.Name()
		}
		if result.Category == "" {
			result.Category = check.Category()
		}
	}
	return results
}

// Fix runs the checks, applies the fix of every check that reported a
// fixable problem, and re-runs the battery to verify. Findings that cleared
// are marked "(fixed)". Fix errors are returned joined and also attached to
// the findings of the check that failed to fix.
func (d *Doctor) Fix(ctx context.Context, cc *CheckContext) (*Report, error) {
	cc.begin(ctx)
	failed := map[string]string{}
	fixed := map[string]bool{}
	var errs []error
	for _, check := range d.checks {
		needsFix := false
		for _, r := range d.runCheck(cc, check) {
			if r.Status != StatusOK && r.Fixable {
				needsFix = true
			}
		}
		if !needsFix || !check.CanFix() {
			continue
		}
		if err := check.Fix(cc); err != nil {
			failed[check.Name()] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", check.Name(), err))
			continue
		}
		fixed[check.Name()] = true
	}
	cc.end()

	report := d.Run(ctx, cc)
	for _, result := range report.Checks {
		if msg, ok := failed[result.Name]; ok && result.Status != StatusOK {
			result.Details = append(result.Details, "Fix failed: "+msg)
			continue
		}
		if fixed[result.Name] && result.Status == StatusOK {
			result.Message = result.Message + " (fixed)"
		}
	}
	return report, errors.Join(errs...)
}

// BaseCheck provides a base implementation for checks that don't support auto-fix.
// Embed this in custom checks to get default CanFix() and Fix() implementations.
type BaseCheck struct {
	CheckName        string
	CheckDescription string
	CheckCategory    string
}

// Name returns the check name.
func (b *BaseCheck) Name() string {
	return b.CheckName
}

// Description returns the check description.
func (b *BaseCheck) Description() string {
	return b.CheckDescription
}

// Category returns the check category.
func (b *BaseCheck) Category() string {
	return b.CheckCategory
}

// CanFix returns false by default.
func (b *BaseCheck) CanFix() bool {
	return false
}

// Fix returns an error indicating this check cannot be auto-fixed.
func (b *BaseCheck) Fix(ctx *CheckContext) error {
	return ErrCannotFix
}

// pass returns the single passing finding of a check with nothing to report.
func (b *BaseCheck) pass(msg string) []*CheckResult {
	return []*CheckResult{{Name: b.CheckName, Category: b.CheckCategory, Status: StatusOK, Message: msg}}
}

// FixableCheck provides a base implementation for checks that support auto-fix.
// Embed this and override CanFix() to return true, and implement Fix().
type FixableCheck struct {
	BaseCheck
}

// CanFix returns true for fixable checks.
func (f *FixableCheck) CanFix() bool {
	return true
}

// MultiplexerCheck is embedded by checks that need the live session list.
type MultiplexerCheck struct {
	FixableCheck
}

func (m *MultiplexerCheck) needsMultiplexer() bool { return true }
