package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/health"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/liveness"
	"github.com/jpbrule-del/overstory/internal/style"
	"github.com/jpbrule-del/overstory/internal/watchdog"
)

var (
	statusJSON bool
	statusAll  bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"stat"},
	GroupID: GroupDiag,
	Short:   "Show fleet status",
	Long: `Display every active agent session with the liveness verdict the
watchdog would reach for it right now, plus a merge-queue summary.

A DRIFT marker means the verdict disagrees with the recorded state; the
watchdog will act on it at its next tick. Status never writes the ledger.

Use --all to include sessions that already ended.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include done and zombie sessions")
	rootCmd.AddCommand(statusCmd)
}

// StatusOutput is the machine-readable output of overstory status --json.
type StatusOutput struct {
	Project  string           `json:"project"`
	Root     string           `json:"root"`
	Watchdog watchdog.Status  `json:"watchdog"`
	Snapshot *health.Snapshot `json:"snapshot"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out, err := p.collectStatus(ctx, statusAll)
	if err != nil {
		return err
	}
	if statusJSON {
		return printJSON(out)
	}
	printStatus(os.Stdout, out, time.Now())
	return nil
}

func (p *project) collectStatus(ctx context.Context, all bool) (*StatusOutput, error) {
	store, err := p.openLedger(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer store.Close()

	wcfg := watchdog.ConfigFrom(p.cfg)
	oracle := liveness.New(p.tmux, p.procs, liveness.Config{
		EscalationThreshold: wcfg.EscalationThreshold,
		StaleThreshold:      wcfg.StaleThreshold,
		ProbeTimeout:        wcfg.ProbeTimeout,
	})
	snap, err := health.Collect(ctx, health.Options{
		Ledger:      store,
		Oracle:      oracle,
		Queue:       p.queue,
		All:         all,
		Concurrency: wcfg.Concurrency,
	})
	if err != nil {
		return nil, err
	}
	st, _ := watchdog.ReadStatus(wcfg)
	return &StatusOutput{
		Project:  p.cfg.Project,
		Root:     p.cfg.Root,
		Watchdog: st,
		Snapshot: snap,
	}, nil
}

func printStatus(w io.Writer, out *StatusOutput, now time.Time) {
	fmt.Fprintf(w, "%s %s %s\n", style.Bold.Render("Project:"), out.Project, style.Dim.Render(out.Root))
	if out.Watchdog.Running {
		fmt.Fprintf(w, "%s watchdog running", style.SuccessPrefix)
		if out.Watchdog.PID > 0 {
			fmt.Fprintf(w, " (pid %d)", out.Watchdog.PID)
		}
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s watchdog not running (start it with 'overstory watch')\n", style.WarningPrefix)
	}
	snap := out.Snapshot
	if snap.MultiplexerError != "" {
		fmt.Fprintf(w, "%s tmux unavailable, verdicts are degraded: %s\n", style.WarningPrefix, snap.MultiplexerError)
	}
	fmt.Fprintf(w, "%s %s\n\n", style.Bold.Render("Sessions:"), stateCounts(snap.Counts))

	if len(snap.Agents) == 0 {
		fmt.Fprintln(w, style.Dim.Render("No agent sessions."))
	} else {
		table := newTable(w, []string{"AGENT", "CAPABILITY", "STATE", "VERDICT", "ESC", "PID", "BEAD", "ACTIVE"})
		for _, a := range snap.Agents {
			_ = table.Append(statusRow(a, now))
		}
		_ = table.Render()
	}

	if q := snap.Queue; q != nil {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s %d pending, %d merging, %d finished", style.Bold.Render("Merge queue:"), q.Pending, q.Merging, q.Finished)
		if q.Stale > 0 {
			fmt.Fprintf(w, ", %s", style.Warning.Render(fmt.Sprintf("%d stale", q.Stale)))
		}
		if q.Duplicates > 0 {
			fmt.Fprintf(w, ", %s", style.Warning.Render(fmt.Sprintf("%d duplicated", q.Duplicates)))
		}
		fmt.Fprintln(w)
		if q.Problem != "" {
			fmt.Fprintf(w, "%s %s\n", style.ErrorPrefix, q.Problem)
			fmt.Fprintf(w, "    %s overstory doctor --category merge-queue\n", style.ArrowPrefix)
		}
	}
}

func statusRow(a health.AgentHealth, now time.Time) []string {
	s := a.Session
	pid := "-"
	if s.PID != nil {
		pid = strconv.Itoa(*s.PID)
	}
	return []string{
		s.AgentName,
		s.Capability,
		style.State(string(s.State)),
		verdictLabel(a),
		strconv.Itoa(s.EscalationLevel),
		pid,
		truncateWithEllipsis(s.BeadID, 16),
		formatAge(now.Sub(s.LastActivity)) + " ago",
	}
}

func verdictLabel(a health.AgentHealth) string {
	if a.Verdict == nil {
		return style.Dim.Render("-")
	}
	parts := []string{style.State(string(a.Verdict.State))}
	if a.Verdict.Degraded() {
		parts = append(parts, style.Dim.Render("(degraded)"))
	}
	if a.Drift() {
		parts = append(parts, style.Warning.Render("DRIFT"))
	}
	return strings.Join(parts, " ")
}

// stateCounts renders "2 working, 1 stalled" in lifecycle order.
func stateCounts(counts map[ledger.State]int) string {
	var parts []string
	for _, s := range ledger.AllStates {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "no sessions"
	}
	return strings.Join(parts, ", ")
}
