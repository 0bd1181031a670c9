package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/style"
	"github.com/jpbrule-del/overstory/internal/watchdog"
)

var (
	watchInterval   time.Duration
	watchBackground bool
	watchStop       bool
	watchStatus     bool
	watchJSON       bool
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: GroupFleet,
	Short:   "Run the fleet watchdog",
	Long: `Run the watchdog loop in the foreground until interrupted.

Every interval the watchdog probes each active session with the three-tier
liveness oracle (tmux session, pane process, ledger freshness). Sessions
that stop responding are escalated one level per tick; once the escalation
threshold is reached they are marked zombie, their process tree is reaped
and their tmux session is killed. Every few ticks the consistency doctor
runs as well and its findings are logged.

Only one watchdog runs per project.

Examples:
  overstory watch                   # Foreground, default interval
  overstory watch --interval 10s    # Faster ticks
  overstory watch --background      # Detach, log to .overstory/logs/watchdog.log
  overstory watch --status          # Is a watchdog running?
  overstory watch --stop            # Stop the background watchdog`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Tick interval (default from config, 30s)")
	watchCmd.Flags().BoolVar(&watchBackground, "background", false, "Detach and run in the background")
	watchCmd.Flags().BoolVar(&watchStop, "stop", false, "Stop the background watchdog")
	watchCmd.Flags().BoolVar(&watchStatus, "status", false, "Show whether a watchdog is running")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Output status as JSON")
	watchCmd.MarkFlagsMutuallyExclusive("background", "stop", "status")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	cfg := watchdog.ConfigFrom(p.cfg)
	if watchInterval > 0 {
		cfg.Interval = watchInterval
	}

	switch {
	case watchStatus:
		return showWatchStatus(cfg)
	case watchStop:
		pid, err := watchdog.Stop(cfg)
		if errors.Is(err, watchdog.ErrNotRunning) {
			fmt.Printf("%s watchdog is not running\n", style.WarningPrefix)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s sent SIGTERM to watchdog (pid %d)\n", style.SuccessPrefix, pid)
		return nil
	case watchBackground:
		return startBackgroundWatch(p, cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := watchdog.New(cfg, p.watchdogDeps(log.New(os.Stderr, "[watchdog] ", log.LstdFlags)))
	defer w.Close()

	fmt.Printf("%s Watchdog starting for %s\n", style.Bold.Render("●"), p.cfg.Project)
	fmt.Printf("  %s tick every %v, reconcile every %d ticks, zombie after %d escalations\n",
		style.ArrowPrefix, cfg.Interval, cfg.ReconcileEvery, cfg.EscalationThreshold)

	if err := w.Run(ctx); err != nil {
		if errors.Is(err, watchdog.ErrAlreadyRunning) {
			return fmt.Errorf("%w (see 'overstory watch --status')", err)
		}
		return err
	}
	fmt.Printf("\n%s Watchdog stopped\n", style.Dim.Render("⏹"))
	return nil
}

func (p *project) watchdogDeps(logger *log.Logger) watchdog.Deps {
	return watchdog.Deps{
		OpenLedger: func(ctx context.Context) (watchdog.Ledger, error) {
			store, err := p.openLedger(ctx)
			if err != nil {
				return nil, err
			}
			return store, nil
		},
		Tmux:          p.tmux,
		Procs:         p.procs,
		Reaper:        p.reaper,
		Checkouts:     p.checkouts,
		Queue:         p.queue,
		Root:          p.cfg.Root,
		SessionPrefix: p.cfg.SessionPrefix(),
		Logger:        logger,
	}
}

func showWatchStatus(cfg watchdog.Config) error {
	st, err := watchdog.ReadStatus(cfg)
	if err != nil {
		return err
	}
	if watchJSON {
		return printJSON(st)
	}
	switch {
	case st.Running && st.PID > 0:
		fmt.Printf("%s watchdog running (pid %d)\n", style.SuccessPrefix, st.PID)
	case st.Running:
		fmt.Printf("%s watchdog running in the foreground\n", style.SuccessPrefix)
	default:
		fmt.Printf("%s watchdog is not running\n", style.WarningPrefix)
	}
	return nil
}

// startBackgroundWatch re-executes this binary as a detached foreground
// watchdog with its output appended to the log file.
func startBackgroundWatch(p *project, cfg watchdog.Config) error {
	if st, err := watchdog.ReadStatus(cfg); err == nil && st.Running {
		return fmt.Errorf("%w (pid %d)", watchdog.ErrAlreadyRunning, st.PID)
	}

	logDir := p.cfg.StatePath(constants.DirLogs)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	logPath := p.cfg.StatePath(constants.DirLogs, constants.FileWatchdogLog)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	child := exec.Command(exe, "watch", "--root", p.cfg.Root, "--no-color", "--interval", cfg.Interval.String())
	child.Dir = p.cfg.Root
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting watchdog: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	fmt.Printf("%s watchdog started (pid %d)\n", style.SuccessPrefix, pid)
	fmt.Printf("  %s logging to %s\n", style.ArrowPrefix, logPath)
	return nil
}
