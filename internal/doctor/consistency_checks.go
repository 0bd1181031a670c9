package doctor

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/tmux"
	"github.com/jpbrule-del/overstory/internal/worktree"
)

// CheckoutListingCheck enumerates the managed checkouts. Every later
// consistency check needs the listing, so failure aborts the battery.
type CheckoutListingCheck struct {
	BaseCheck
}

// NewCheckoutListingCheck creates a new checkout listing check.
func NewCheckoutListingCheck() *CheckoutListingCheck {
	return &CheckoutListingCheck{
		BaseCheck: BaseCheck{
			CheckName:        "checkout-listing",
			CheckDescription: "Enumerate managed checkouts",
			CheckCategory:    CategoryConsistency,
		},
	}
}

// Run lists the checkouts into the context.
func (c *CheckoutListingCheck) Run(ctx *CheckContext) []*CheckResult {
	if ctx.Checkouts == nil {
		ctx.Abort(c.CheckCategory)
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: "no checkout manager configured",
		}}
	}
	checkouts, err := ctx.Checkouts.List(ctx.Context())
	if err != nil {
		ctx.Abort(c.CheckCategory)
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("failed to list checkouts: %v", err),
			FixHint: "Check that the project root exists and is readable",
		}}
	}
	ctx.checkouts = checkouts
	return c.pass(fmt.Sprintf("%d checkout(s) found", len(checkouts)))
}

// LedgerOpenCheck opens the session ledger and loads the active sessions.
type LedgerOpenCheck struct {
	BaseCheck
}

// NewLedgerOpenCheck creates a new ledger open check.
func NewLedgerOpenCheck() *LedgerOpenCheck {
	return &LedgerOpenCheck{
		BaseCheck: BaseCheck{
			CheckName:        "ledger-open",
			CheckDescription: "Open the session ledger",
			CheckCategory:    CategoryConsistency,
		},
	}
}

// Run opens the ledger, unless one was supplied, and snapshots the active sessions.
func (c *LedgerOpenCheck) Run(ctx *CheckContext) []*CheckResult {
	fail := func(err error) []*CheckResult {
		ctx.Abort(c.CheckCategory)
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusError,
			Message: fmt.Sprintf("failed to open session ledger: %v", err),
			FixHint: "Run 'overstory init' or check permissions on .overstory/",
		}}
	}

	l := ctx.Ledger
	if l == nil {
		store, err := ledger.Open(ctx.Context(), ctx.LedgerPath)
		if err != nil {
			return fail(err)
		}
		l = store
		ctx.closeLedger = store.Close
	}
	active, err := l.ListActive(ctx.Context())
	if err != nil {
		return fail(err)
	}
	ctx.ledger = l
	ctx.active = active
	return c.pass(fmt.Sprintf("%d active session(s)", len(active)))
}

// OrphanedCheckoutsCheck finds checkouts with no active ledger entry.
type OrphanedCheckoutsCheck struct {
	FixableCheck
	orphans []worktree.Checkout
}

// NewOrphanedCheckoutsCheck creates a new orphaned checkouts check.
func NewOrphanedCheckoutsCheck() *OrphanedCheckoutsCheck {
	return &OrphanedCheckoutsCheck{
		FixableCheck: FixableCheck{
			BaseCheck: BaseCheck{
				CheckName:        "orphaned-checkouts",
				CheckDescription: "Detect checkouts that no active session owns",
				CheckCategory:    CategoryConsistency,
			},
		},
	}
}

// Run compares checkouts against active sessions by agent name and path.
func (c *OrphanedCheckoutsCheck) Run(ctx *CheckContext) []*CheckResult {
	owned := make(map[string]bool, len(ctx.active)*2)
	for _, s := range ctx.active {
		owned[s.AgentName] = true
		if s.WorktreePath != "" {
			owned[s.WorktreePath] = true
		}
	}

	c.orphans = nil
	var details []string
	for _, co := range ctx.checkouts {
		if owned[co.Name] || owned[co.Path] {
			continue
		}
		c.orphans = append(c.orphans, co)
		details = append(details, co.Path)
	}
	if len(c.orphans) == 0 {
		return c.pass("no orphaned checkouts")
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d checkout(s) with no active session", len(c.orphans)),
		Details: details,
		Fixable: true,
		FixHint: "Run 'overstory doctor --fix' to remove them",
	}}
}

// Fix removes the orphaned checkouts.
func (c *OrphanedCheckoutsCheck) Fix(ctx *CheckContext) error {
	var errs []error
	for _, co := range c.orphans {
		if err := ctx.Checkouts.Remove(ctx.Context(), co.Path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TmuxListingCheck lists live tmux sessions. A failure is only a warning:
// the checks that need the list are skipped and the rest still run.
type TmuxListingCheck struct {
	BaseCheck
}

// NewTmuxListingCheck creates a new tmux listing check.
func NewTmuxListingCheck() *TmuxListingCheck {
	return &TmuxListingCheck{
		BaseCheck: BaseCheck{
			CheckName:        "tmux-listing",
			CheckDescription: "List live tmux sessions",
			CheckCategory:    CategoryConsistency,
		},
	}
}

// Run lists sessions into the context.
func (c *TmuxListingCheck) Run(ctx *CheckContext) []*CheckResult {
	var err error
	var infos []tmux.SessionInfo
	if ctx.Tmux == nil {
		err = tmux.ErrUnavailable
	} else {
		infos, err = ctx.Tmux.ListSessions(ctx.Context())
	}
	if err != nil {
		ctx.SkipMultiplexer = true
		return []*CheckResult{{
			Name:    c.Name(),
			Status:  StatusWarning,
			Message: "failed to list sessions",
			Details: []string{err.Error()},
			FixHint: "Is tmux installed and on PATH?",
		}}
	}
	ctx.live = tmux.NewSessionSetFromInfo(infos)
	return c.pass(fmt.Sprintf("%d session(s) listed", len(ctx.live.WithPrefix(ctx.SessionPrefix))))
}

// OrphanedTmuxSessionsCheck finds sessions carrying this installation's
// prefix that no active ledger entry records. Sessions of other
// installations are never reported.
type OrphanedTmuxSessionsCheck struct {
	MultiplexerCheck
	orphans []string
}

// NewOrphanedTmuxSessionsCheck creates a new orphaned tmux sessions check.
func NewOrphanedTmuxSessionsCheck() *OrphanedTmuxSessionsCheck {
	c := &OrphanedTmuxSessionsCheck{}
	c.BaseCheck = BaseCheck{
		CheckName:        "orphaned-tmux-sessions",
		CheckDescription: "Detect tmux sessions with no active ledger entry",
		CheckCategory:    CategoryConsistency,
	}
	return c
}

// Run compares prefixed sessions against active sessions.
func (c *OrphanedTmuxSessionsCheck) Run(ctx *CheckContext) []*CheckResult {
	c.orphans = nil
	if ctx.SessionPrefix == "" {
		return c.pass("no session prefix configured")
	}
	known := make(map[string]bool, len(ctx.active))
	for _, s := range ctx.active {
		known[s.TmuxSession] = true
	}
	for _, name := range ctx.live.WithPrefix(ctx.SessionPrefix) {
		if !known[name] {
			c.orphans = append(c.orphans, name)
		}
	}
	if len(c.orphans) == 0 {
		return c.pass("no orphaned tmux sessions")
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d tmux session(s) with no active ledger entry", len(c.orphans)),
		Details: append([]string(nil), c.orphans...),
		Fixable: true,
		FixHint: "Run 'overstory doctor --fix' to kill them",
	}}
}

// Fix kills the orphaned sessions.
func (c *OrphanedTmuxSessionsCheck) Fix(ctx *CheckContext) error {
	var errs []error
	for _, name := range c.orphans {
		// Guard against a predicate drift: never kill outside our prefix.
		if !strings.HasPrefix(name, ctx.SessionPrefix) {
			continue
		}
		if err := ctx.Tmux.KillSession(ctx.Context(), name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeadPIDsCheck finds active sessions whose recorded pid is not alive.
type DeadPIDsCheck struct {
	MultiplexerCheck
	dead []*ledger.Session
}

// NewDeadPIDsCheck creates a new dead pids check.
func NewDeadPIDsCheck() *DeadPIDsCheck {
	c := &DeadPIDsCheck{}
	c.BaseCheck = BaseCheck{
		CheckName:        "dead-pids",
		CheckDescription: "Detect active sessions whose process is gone",
		CheckCategory:    CategoryConsistency,
	}
	return c
}

// Run probes every recorded pid. A probe error is not evidence of death.
func (c *DeadPIDsCheck) Run(ctx *CheckContext) []*CheckResult {
	c.dead = nil
	if ctx.Procs == nil {
		return c.pass("no process table configured")
	}
	var details []string
	for _, s := range ctx.active {
		if s.PID == nil {
			continue
		}
		alive, err := ctx.Procs.IsAlive(ctx.Context(), *s.PID)
		if err != nil || alive {
			continue
		}
		c.dead = append(c.dead, s)
		details = append(details, fmt.Sprintf("%s (pid %d)", s.AgentName, *s.PID))
	}
	if len(c.dead) == 0 {
		return c.pass("all recorded pids are alive")
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d active session(s) with a dead pid", len(c.dead)),
		Details: details,
		Fixable: true,
		FixHint: "Run 'overstory doctor --fix' to mark them zombie",
	}}
}

// Fix marks each session zombie. The recorded pid is never signaled: it
// was dead when Run looked, so anything answering to it now is a stranger.
func (c *DeadPIDsCheck) Fix(ctx *CheckContext) error {
	var errs []error
	for _, s := range c.dead {
		if err := ctx.ledger.UpdateState(ctx.Context(), s.ID, ledger.StateZombie); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MissingCheckoutsCheck finds active sessions whose checkout is gone.
type MissingCheckoutsCheck struct {
	FixableCheck
	missing []*ledger.Session
}

// NewMissingCheckoutsCheck creates a new missing checkouts check.
func NewMissingCheckoutsCheck() *MissingCheckoutsCheck {
	return &MissingCheckoutsCheck{
		FixableCheck: FixableCheck{
			BaseCheck: BaseCheck{
				CheckName:        "missing-checkouts",
				CheckDescription: "Detect active sessions whose checkout no longer exists",
				CheckCategory:    CategoryConsistency,
			},
		},
	}
}

// Run stats every recorded checkout path.
func (c *MissingCheckoutsCheck) Run(ctx *CheckContext) []*CheckResult {
	c.missing = nil
	var details []string
	for _, s := range ctx.active {
		if s.WorktreePath == "" {
			continue
		}
		if _, err := os.Stat(s.WorktreePath); errors.Is(err, os.ErrNotExist) {
			c.missing = append(c.missing, s)
			details = append(details, fmt.Sprintf("%s: %s", s.AgentName, s.WorktreePath))
		}
	}
	if len(c.missing) == 0 {
		return c.pass("all recorded checkouts exist")
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d active session(s) with a missing checkout", len(c.missing)),
		Details: details,
		Fixable: true,
		FixHint: "Run 'overstory doctor --fix' to mark them zombie",
	}}
}

// Fix marks each session zombie.
func (c *MissingCheckoutsCheck) Fix(ctx *CheckContext) error {
	return markZombie(ctx, c.missing)
}

// MissingTmuxSessionsCheck finds active sessions whose tmux session is gone.
type MissingTmuxSessionsCheck struct {
	MultiplexerCheck
	missing []*ledger.Session
}

// NewMissingTmuxSessionsCheck creates a new missing tmux sessions check.
func NewMissingTmuxSessionsCheck() *MissingTmuxSessionsCheck {
	c := &MissingTmuxSessionsCheck{}
	c.BaseCheck = BaseCheck{
		CheckName:        "missing-tmux-sessions",
		CheckDescription: "Detect active sessions whose tmux session no longer exists",
		CheckCategory:    CategoryConsistency,
	}
	return c
}

// Run looks up every recorded session name in the live list.
func (c *MissingTmuxSessionsCheck) Run(ctx *CheckContext) []*CheckResult {
	c.missing = nil
	var details []string
	for _, s := range ctx.active {
		if s.TmuxSession == "" || ctx.live.Has(s.TmuxSession) {
			continue
		}
		c.missing = append(c.missing, s)
		details = append(details, fmt.Sprintf("%s: %s", s.AgentName, s.TmuxSession))
	}
	if len(c.missing) == 0 {
		return c.pass("all recorded tmux sessions exist")
	}
	return []*CheckResult{{
		Name:    c.Name(),
		Status:  StatusWarning,
		Message: fmt.Sprintf("%d active session(s) with no tmux session", len(c.missing)),
		Details: details,
		Fixable: true,
		FixHint: "Run 'overstory doctor --fix' to mark them zombie",
	}}
}

// Fix marks each session zombie.
func (c *MissingTmuxSessionsCheck) Fix(ctx *CheckContext) error {
	return markZombie(ctx, c.missing)
}

func markZombie(ctx *CheckContext, sessions []*ledger.Session) error {
	var errs []error
	for _, s := range sessions {
		if err := ctx.ledger.UpdateState(ctx.Context(), s.ID, ledger.StateZombie); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
