package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/health"
	"github.com/jpbrule-del/overstory/internal/style"
)

var (
	dashboardRefresh time.Duration
	dashboardAll     bool
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	Aliases: []string{"dash", "top"},
	GroupID: GroupDiag,
	Short:   "Live fleet view",
	Long: `Show the fleet status table and refresh it until you quit.

Keys: r refreshes now, a toggles ended sessions, q quits.`,
	Args: cobra.NoArgs,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().DurationVar(&dashboardRefresh, "refresh", 5*time.Second, "Refresh interval")
	dashboardCmd.Flags().BoolVar(&dashboardAll, "all", false, "Include done and zombie sessions")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	if !style.IsTerminal(os.Stdout) {
		return fmt.Errorf("dashboard needs a terminal; use 'overstory status' instead")
	}
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	refresh := dashboardRefresh
	if refresh < time.Second {
		refresh = time.Second
	}
	m := newDashboardModel(p.cfg.Project, refresh, dashboardAll, func(ctx context.Context, all bool) (*StatusOutput, error) {
		return p.collectStatus(ctx, all)
	})
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type collectFunc func(ctx context.Context, all bool) (*StatusOutput, error)

type snapshotMsg struct {
	out *StatusOutput
	err error
}

type refreshTickMsg struct{}

type dashboardModel struct {
	project string
	refresh time.Duration
	all     bool
	collect collectFunc

	table   table.Model
	spinner spinner.Model
	loading bool

	last    *StatusOutput
	err     error
	updated time.Time
}

var dashboardColumns = []table.Column{
	{Title: "AGENT", Width: 18},
	{Title: "STATE", Width: 9},
	{Title: "VERDICT", Width: 10},
	{Title: "ESC", Width: 4},
	{Title: "PID", Width: 8},
	{Title: "BEAD", Width: 14},
	{Title: "ACTIVE", Width: 10},
	{Title: "EVIDENCE", Width: 40},
}

func newDashboardModel(project string, refresh time.Duration, all bool, collect collectFunc) dashboardModel {
	width := 0
	for _, c := range dashboardColumns {
		width += c.Width + 2
	}
	t := table.New(
		table.WithColumns(dashboardColumns),
		table.WithWidth(width),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return dashboardModel{
		project: project,
		refresh: refresh,
		all:     all,
		collect: collect,
		table:   t,
		spinner: sp,
		loading: true,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m dashboardModel) load() tea.Cmd {
	collect, all := m.collect, m.all
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		out, err := collect(ctx, all)
		return snapshotMsg{out: out, err: err}
	}
}

func (m dashboardModel) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.loading {
				m.loading = true
				return m, tea.Batch(m.spinner.Tick, m.load())
			}
			return m, nil
		case "a":
			m.all = !m.all
			if !m.loading {
				m.loading = true
				return m, tea.Batch(m.spinner.Tick, m.load())
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.table.SetWidth(msg.Width)
		}
		if h := msg.Height - 9; h > 3 {
			m.table.SetHeight(h)
		}
		return m, nil

	case snapshotMsg:
		m.loading = false
		m.err = msg.err
		if msg.err == nil {
			m.last = msg.out
			m.updated = time.Now()
			m.table.SetRows(dashboardRows(msg.out.Snapshot, m.updated))
		}
		return m, m.scheduleRefresh()

	case refreshTickMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.load())

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// dashboardRows renders plain cells; the table applies its own styles.
func dashboardRows(snap *health.Snapshot, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(snap.Agents))
	for _, a := range snap.Agents {
		s := a.Session
		pid := "-"
		if s.PID != nil {
			pid = strconv.Itoa(*s.PID)
		}
		verdict, evidence := "-", ""
		if a.Verdict != nil {
			verdict = string(a.Verdict.State)
			if a.Drift() {
				verdict += "!"
			}
			parts := make([]string, len(a.Verdict.Evidence))
			for i, sig := range a.Verdict.Evidence {
				parts[i] = sig.String()
			}
			evidence = strings.Join(parts, "; ")
		}
		rows = append(rows, table.Row{
			s.AgentName,
			string(s.State),
			verdict,
			strconv.Itoa(s.EscalationLevel),
			pid,
			s.BeadID,
			formatAge(now.Sub(s.LastActivity)),
			evidence,
		})
	}
	return rows
}

func (m dashboardModel) View() string {
	var b strings.Builder
	b.WriteString(style.Bold.Render("overstory") + " " + style.Dim.Render(m.project))
	if m.loading {
		b.WriteString("  " + m.spinner.View())
	}
	b.WriteString("\n")

	if m.last != nil {
		snap := m.last.Snapshot
		wd := style.Warning.Render("watchdog stopped")
		if m.last.Watchdog.Running {
			wd = style.Success.Render("watchdog running")
		}
		fmt.Fprintf(&b, "%s  %s\n", wd, stateCounts(snap.Counts))
		if q := snap.Queue; q != nil {
			line := fmt.Sprintf("merge queue: %d pending, %d merging", q.Pending, q.Merging)
			if q.Problem != "" {
				line += "  " + style.Error.Render(q.Problem)
			} else if q.Stale > 0 || q.Duplicates > 0 {
				line += "  " + style.Warning.Render(fmt.Sprintf("%d stale, %d duplicated", q.Stale, q.Duplicates))
			}
			b.WriteString(line + "\n")
		}
		if snap.MultiplexerError != "" {
			b.WriteString(style.Warning.Render("tmux unavailable: verdicts degraded") + "\n")
		}
	} else {
		b.WriteString("\n\n")
	}
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(style.Error.Render("refresh failed: "+m.err.Error()) + "\n")
	}
	help := "r refresh • a toggle ended • q quit"
	if !m.updated.IsZero() {
		help = "updated " + m.updated.Format("15:04:05") + " • " + help
	}
	b.WriteString(style.Dim.Render(help))
	return b.String()
}
