// Package cmd provides CLI commands for the overstory tool.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/config"
	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/process"
	"github.com/jpbrule-del/overstory/internal/reaper"
	"github.com/jpbrule-del/overstory/internal/style"
	"github.com/jpbrule-del/overstory/internal/tmux"
	"github.com/jpbrule-del/overstory/internal/watchdog"
	"github.com/jpbrule-del/overstory/internal/worktree"
)

// Command groups for help output.
const (
	GroupFleet = "fleet"
	GroupDiag  = "diag"
	GroupWork  = "work"
)

// Build information, set by main.
var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var (
	rootDir string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "overstory",
	Short: "Fleet health and reconciliation for tmux-hosted agents",
	Long: `overstory keeps a fleet of agent sessions honest.

Each agent runs in its own tmux session on its own git checkout, and is
recorded in the session ledger under .overstory/. The watchdog probes every
active session on an interval, escalates the ones that stop responding and
reaps the ones that are gone. The doctor cross-checks the ledger, tmux, the
checkouts and the merge queue, and repairs what it safely can.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if noColor {
			style.DisableColor()
		}
	},
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "%s %v\n", style.ErrorPrefix, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupFleet, Title: "Fleet:"},
		&cobra.Group{ID: GroupDiag, Title: "Diagnostics:"},
		&cobra.Group{ID: GroupWork, Title: "Work:"},
	)
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "Project root (default: nearest directory containing .overstory)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
}

// exitError carries a non-zero exit status for a command that already
// printed its own output.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// requireSubcommand shows help when a parent command is run on its own.
func requireSubcommand(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	return cmd.Help()
}

// loadProject finds the installation and loads its configuration.
func loadProject() (*config.Config, error) {
	dir := rootDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		dir = wd
	}
	root, err := config.FindRoot(dir)
	if err != nil {
		if errors.Is(err, config.ErrNoInstallation) {
			return nil, fmt.Errorf("not in an overstory project (run 'overstory init' first)")
		}
		return nil, err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// project bundles the production collaborators for one installation.
type project struct {
	cfg       *config.Config
	tmux      *tmux.Tmux
	procs     *process.OSTable
	reaper    *reaper.Reaper
	checkouts *worktree.Manager
	queue     *mergequeue.Queue
}

func newProject(cfg *config.Config) *project {
	procs := process.NewOSTable(cfg.Watchdog.ListTimeout.Duration)
	return &project{
		cfg:       cfg,
		tmux:      tmux.NewTmuxWithSocket(cfg.Tmux.Socket).WithTimeout(cfg.Watchdog.ProbeTimeout.Duration),
		procs:     procs,
		reaper:    reaper.New(procs, cfg.Reaper.Grace.Duration, cfg.Reaper.PollInterval.Duration),
		checkouts: worktree.NewManager(cfg.Root, cfg.WorktreesDir()),
		queue:     mergequeue.New(cfg.MergeQueuePath()),
	}
}

func loadProjectDeps() (*project, error) {
	cfg, err := loadProject()
	if err != nil {
		return nil, err
	}
	return newProject(cfg), nil
}

func (p *project) openLedger(ctx context.Context) (*ledger.Store, error) {
	return ledger.Open(ctx, p.cfg.LedgerPath())
}

// withWriteLock runs fn under the watchdog's tick lock so interactive
// writes never interleave with a tick.
func (p *project) withWriteLock(ctx context.Context, fn func() error) error {
	err := watchdog.WithWriteLock(ctx, p.cfg.StatePath(constants.FileWatchdogLock), fn)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s waiting for the watchdog tick lock", constants.LockWaitTimeout)
	}
	return err
}

// formatAge renders a duration the way the tables show it: 45s, 12m, 3h, 2d.
func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// truncateWithEllipsis shortens s to maxLen runes.
func truncateWithEllipsis(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
