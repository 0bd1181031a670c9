package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/session"
	"github.com/jpbrule-del/overstory/internal/style"
)

var (
	sessionListAll    bool
	sessionListJSON   bool
	sessionCloseReap  bool
	sessionCloseClean bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"sessions"},
	GroupID: GroupWork,
	Short:   "Inspect and close agent sessions",
	RunE:    requireSubcommand,
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions recorded in the ledger",
	Long: `List the sessions recorded in the session ledger.

By default only active sessions (booting, working, stalled) are shown.
Use --all to include done and zombie sessions.`,
	Args: cobra.NoArgs,
	RunE: runSessionList,
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <agent>",
	Short: "End an agent's session and mark it done",
	Long: `Kill the agent's tmux session and mark its ledger row done.

With --reap the recorded process tree is terminated first (SIGTERM, then
SIGKILL after the grace period). The checkout is kept unless
--remove-checkout is given, since its branch may still need to merge.

Runs under the watchdog tick lock.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionClose,
}

func init() {
	sessionListCmd.Flags().BoolVar(&sessionListAll, "all", false, "Include done and zombie sessions")
	sessionListCmd.Flags().BoolVar(&sessionListJSON, "json", false, "Output as JSON")
	sessionCloseCmd.Flags().BoolVar(&sessionCloseReap, "reap", false, "Terminate the recorded process tree first")
	sessionCloseCmd.Flags().BoolVar(&sessionCloseClean, "remove-checkout", false, "Remove the agent's checkout")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionList(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := p.openLedger(ctx)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	var sessions []*ledger.Session
	if sessionListAll {
		sessions, err = store.ListAll(ctx)
	} else {
		sessions, err = store.ListActive(ctx)
	}
	if err != nil {
		return err
	}
	if sessionListJSON {
		if sessions == nil {
			sessions = []*ledger.Session{}
		}
		return printJSON(sessions)
	}
	printSessions(os.Stdout, sessions, time.Now())
	return nil
}

func printSessions(w io.Writer, sessions []*ledger.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No sessions."))
		return
	}
	table := newTable(w, []string{"AGENT", "STATE", "PID", "TMUX", "BRANCH", "PARENT", "STARTED"})
	for _, s := range sessions {
		pid := "-"
		if s.PID != nil {
			pid = strconv.Itoa(*s.PID)
		}
		parent := "-"
		if s.ParentAgent != nil {
			parent = *s.ParentAgent
		}
		_ = table.Append([]string{
			s.AgentName,
			style.State(string(s.State)),
			pid,
			s.TmuxSession,
			s.BranchName,
			parent,
			formatAge(now.Sub(s.StartedAt)) + " ago",
		})
	}
	_ = table.Render()
}

func runSessionClose(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := p.openLedger(ctx)
	if err != nil {
		return fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	mgr := session.NewManager(p.cfg, store, p.tmux, p.checkouts, p.reaper)
	var res *session.CloseResult
	err = p.withWriteLock(ctx, func() error {
		var err error
		res, err = mgr.Close(ctx, args[0], session.CloseOptions{
			Reap:           sessionCloseReap,
			RemoveCheckout: sessionCloseClean,
		})
		return err
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s closed %s\n", style.SuccessPrefix, args[0])
	if res.Reaped != nil {
		printReapResult(os.Stdout, res.Reaped)
	}
	return nil
}
