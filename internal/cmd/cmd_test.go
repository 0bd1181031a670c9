package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/config"
	"github.com/jpbrule-del/overstory/internal/health"
	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/liveness"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/watchdog"
)

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func hasAlias(cmd *cobra.Command, want string) bool {
	for _, a := range cmd.Aliases {
		if a == want {
			return true
		}
	}
	return false
}

func TestInitInstallation(t *testing.T) {
	for _, format := range []string{"toml", "yaml"} {
		t.Run(format, func(t *testing.T) {
			root := t.TempDir()
			ctx := context.Background()

			created, err := initInstallation(ctx, root, "fleet-1", format)
			if err != nil {
				t.Fatalf("initInstallation: %v", err)
			}
			if len(created) != 6 {
				t.Errorf("created %d paths, want 6: %v", len(created), created)
			}

			cfg, err := config.Load(root)
			if err != nil {
				t.Fatalf("config.Load: %v", err)
			}
			if cfg.Project != "fleet-1" {
				t.Errorf("Project = %q, want fleet-1", cfg.Project)
			}
			if filepath.Ext(cfg.Source) != "."+format {
				t.Errorf("Source = %q, want a .%s file", cfg.Source, format)
			}
			if cfg.Watchdog.Interval.Duration != 30*time.Second {
				t.Errorf("Interval = %v, want 30s round-tripped", cfg.Watchdog.Interval.Duration)
			}

			entries, err := mergequeue.New(cfg.MergeQueuePath()).Load()
			if err != nil || len(entries) != 0 {
				t.Errorf("queue Load = %v, %v; want empty", entries, err)
			}

			again, err := initInstallation(ctx, root, "fleet-1", format)
			if err != nil {
				t.Fatalf("second initInstallation: %v", err)
			}
			if len(again) != 0 {
				t.Errorf("re-running init created %v", again)
			}
		})
	}
}

func TestInitInstallation_Invalid(t *testing.T) {
	if _, err := initInstallation(context.Background(), t.TempDir(), "bad name", "toml"); err == nil {
		t.Error("project names with spaces should be rejected")
	}
	if _, err := initInstallation(context.Background(), t.TempDir(), "ok", "ini"); err == nil {
		t.Error("unknown format should be rejected")
	}
}

func TestLoadProject_OutsideInstallation(t *testing.T) {
	orig := rootDir
	t.Cleanup(func() { rootDir = orig })
	rootDir = t.TempDir()

	_, err := loadProject()
	if err == nil || !strings.Contains(err.Error(), "overstory init") {
		t.Fatalf("loadProject() = %v, want init hint", err)
	}
}

func TestLoadProject_FindsRootFromSubdir(t *testing.T) {
	root := t.TempDir()
	if _, err := initInstallation(context.Background(), root, "p", "toml"); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	orig := rootDir
	t.Cleanup(func() { rootDir = orig })
	rootDir = sub

	p, err := loadProjectDeps()
	if err != nil {
		t.Fatalf("loadProjectDeps: %v", err)
	}
	if p.cfg.Root != root {
		t.Errorf("Root = %q, want %q", p.cfg.Root, root)
	}
	if p.checkouts.ManagedRoot != p.cfg.WorktreesDir() || p.queue.Path() != p.cfg.MergeQueuePath() {
		t.Error("project collaborators should point into .overstory")
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "0s"},
		{45 * time.Second, "45s"},
		{12 * time.Minute, "12m"},
		{3 * time.Hour, "3h"},
		{50 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestTruncateWithEllipsis(t *testing.T) {
	if got := truncateWithEllipsis("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateWithEllipsis("bd-0123456789", 8); got != "bd-01..." {
		t.Errorf("got %q", got)
	}
}

func sampleSnapshot() *health.Snapshot {
	return &health.Snapshot{
		TakenAt: testNow,
		Agents: []health.AgentHealth{
			{
				Session: &ledger.Session{AgentName: "alpha", Capability: "builder", State: ledger.StateWorking, PID: ledger.IntPtr(42), BeadID: "bd-1", LastActivity: testNow.Add(-2 * time.Minute)},
				Verdict: &liveness.Verdict{State: ledger.StateStalled, Confidence: liveness.ConfidenceHigh, Evidence: []liveness.Signal{
					{Tier: liveness.TierPrimary, Outcome: liveness.OutcomeAlive},
					{Tier: liveness.TierSecondary, Outcome: liveness.OutcomeDead, Detail: "pid 42"},
				}},
			},
			{
				Session: &ledger.Session{AgentName: "beta", State: ledger.StateBooting, BeadID: "bd-2", LastActivity: testNow},
				Verdict: &liveness.Verdict{State: ledger.StateBooting, Confidence: liveness.ConfidenceDegraded},
			},
		},
		Counts: map[ledger.State]int{ledger.StateWorking: 1, ledger.StateBooting: 1},
		Queue:  &health.QueueHealth{Pending: 2, Stale: 1},
	}
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, &StatusOutput{
		Project:  "fleet",
		Root:     "/src/fleet",
		Watchdog: watchdog.Status{Running: true, PID: 99},
		Snapshot: sampleSnapshot(),
	}, testNow)
	out := buf.String()

	for _, want := range []string{
		"watchdog running (pid 99)",
		"1 booting, 1 working",
		"alpha", "DRIFT", "2m ago",
		"(degraded)",
		"2 pending", "1 stale",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestStateCounts(t *testing.T) {
	if got := stateCounts(nil); got != "no sessions" {
		t.Errorf("stateCounts(nil) = %q", got)
	}
	got := stateCounts(map[ledger.State]int{ledger.StateZombie: 1, ledger.StateWorking: 3})
	if got != "3 working, 1 zombie" {
		t.Errorf("stateCounts = %q", got)
	}
}

func TestPrintQueue(t *testing.T) {
	entries := []mergequeue.Entry{
		{BranchName: "overstory/a", BeadID: "bd-1", AgentName: "a", EnqueuedAt: testNow.Add(-30 * time.Hour), Status: mergequeue.StatusPending},
		{BranchName: "overstory/b", BeadID: "bd-2", AgentName: "b", EnqueuedAt: testNow.Add(-time.Hour), Status: mergequeue.StatusMerged, ResolvedTier: mergequeue.TierPtr(mergequeue.TierCleanMerge)},
	}
	var buf bytes.Buffer
	printQueue(&buf, entries, testNow)
	out := buf.String()
	if !strings.Contains(out, "1d stale") || !strings.Contains(out, "clean-merge") {
		t.Errorf("queue output:\n%s", out)
	}
	if got := unfinished(entries); len(got) != 1 || got[0].BranchName != "overstory/a" {
		t.Errorf("unfinished = %v", got)
	}

	buf.Reset()
	printQueue(&buf, nil, testNow)
	if !strings.Contains(buf.String(), "empty") {
		t.Errorf("empty queue output: %q", buf.String())
	}
}

func TestDashboardRows(t *testing.T) {
	rows := dashboardRows(sampleSnapshot(), testNow)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0][2] != "stalled!" {
		t.Errorf("drifting verdict cell = %q, want stalled!", rows[0][2])
	}
	if !strings.Contains(rows[0][7], "pid 42") {
		t.Errorf("evidence cell = %q", rows[0][7])
	}
	if rows[1][4] != "-" {
		t.Errorf("booting pid cell = %q, want -", rows[1][4])
	}
}

func TestDashboardModel(t *testing.T) {
	calls := 0
	collect := func(ctx context.Context, all bool) (*StatusOutput, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("ledger locked")
		}
		return &StatusOutput{Project: "fleet", Snapshot: sampleSnapshot()}, nil
	}
	m := newDashboardModel("fleet", time.Second, false, collect)

	msg := m.load()()
	next, cmd := m.Update(msg)
	m = next.(dashboardModel)
	if m.loading || m.last == nil || len(m.table.Rows()) != 2 {
		t.Fatalf("after snapshot: loading=%v rows=%d", m.loading, len(m.table.Rows()))
	}
	if cmd == nil {
		t.Error("a refresh should be scheduled")
	}
	if !strings.Contains(m.View(), "alpha") {
		t.Error("view should list agents")
	}

	next, _ = m.Update(refreshTickMsg{})
	m = next.(dashboardModel)
	if !m.loading {
		t.Error("refresh tick should start loading")
	}
	next, _ = m.Update(m.load()())
	m = next.(dashboardModel)
	if m.err == nil || m.last == nil {
		t.Error("a failed refresh keeps the previous snapshot and records the error")
	}
	if !strings.Contains(m.View(), "ledger locked") {
		t.Error("view should show the refresh error")
	}

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q should return tea.Quit")
	}
}

func TestCommandWiring(t *testing.T) {
	for _, c := range []*cobra.Command{watchCmd, doctorCmd, statusCmd, dashboardCmd, sessionCmd, spawnCmd, mqCmd, reapCmd, initCmd} {
		if c.GroupID == "" {
			t.Errorf("%s has no group", c.Name())
		}
		if c.Parent() != rootCmd {
			t.Errorf("%s is not registered on the root command", c.Name())
		}
	}
	if mqNextCmd.Parent() != mqCmd || sessionListCmd.Parent() != sessionCmd {
		t.Error("subcommands are registered on the wrong parent")
	}
	if !hasAlias(mqCmd, "queue") || !hasAlias(statusCmd, "stat") {
		t.Error("expected aliases are missing")
	}
	if err := spawnCmd.Args(spawnCmd, []string{}); err == nil {
		t.Error("spawn needs an agent name")
	}
	if err := sessionCloseCmd.Args(sessionCloseCmd, []string{"a", "b"}); err == nil {
		t.Error("session close takes exactly one agent")
	}
	if f := spawnCmd.Flags().Lookup("bead"); f == nil || f.Annotations[cobra.BashCompOneRequiredFlag] == nil {
		t.Error("spawn --bead should be required")
	}
}

func TestRunReap_RejectsBadPID(t *testing.T) {
	for _, arg := range []string{"abc", "0", "1", "-5"} {
		if err := runReap(reapCmd, []string{arg}); err == nil {
			t.Errorf("runReap(%q) should fail", arg)
		}
	}
}
