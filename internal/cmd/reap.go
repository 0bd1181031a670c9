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

	"github.com/jpbrule-del/overstory/internal/process"
	"github.com/jpbrule-del/overstory/internal/reaper"
	"github.com/jpbrule-del/overstory/internal/style"
)

var (
	reapGrace time.Duration
	reapDry   bool
	reapJSON  bool
)

var reapCmd = &cobra.Command{
	Use:     "reap <pid>",
	GroupID: GroupDiag,
	Short:   "Terminate a process and all of its descendants",
	Long: `Terminate a process tree the way the watchdog reaps a zombie.

Descendants are signaled with SIGTERM leaves first, then the root. Anything
still alive after the grace period gets SIGKILL. Pids that needed SIGKILL
are listed as forced.

Use --dry-run to list the tree without signaling it.`,
	Args: cobra.ExactArgs(1),
	RunE: runReap,
}

func init() {
	reapCmd.Flags().DurationVar(&reapGrace, "grace", 0, "Wait between SIGTERM and SIGKILL (default from config, 2s)")
	reapCmd.Flags().BoolVarP(&reapDry, "dry-run", "n", false, "List the tree without signaling")
	reapCmd.Flags().BoolVar(&reapJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	pid, err := strconv.Atoi(args[0])
	if err != nil || pid <= 1 {
		return fmt.Errorf("invalid pid %q", args[0])
	}
	if pid == os.Getpid() {
		return fmt.Errorf("refusing to reap overstory itself")
	}

	// Reaping works outside a project too; the config only tunes it.
	grace := reapGrace
	var poll time.Duration
	if cfg, err := loadProject(); err == nil {
		if grace <= 0 {
			grace = cfg.Reaper.Grace.Duration
		}
		poll = cfg.Reaper.PollInterval.Duration
	}
	r := reaper.New(process.NewOSTable(0), grace, poll)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if reapDry {
		pids, err := r.DescendantPIDs(ctx, pid)
		if err != nil {
			return err
		}
		if reapJSON {
			return printJSON(map[string]any{"root": pid, "descendants": pids, "grace": r.Grace().String()})
		}
		fmt.Printf("%s would signal %s then %d, SIGKILL after %s\n", style.ArrowPrefix, joinPIDs(pids), pid, r.Grace())
		return nil
	}

	res, err := r.KillTree(ctx, pid)
	if err != nil && (res == nil || len(res.Signaled) == 0) {
		return err
	}
	// Some of the tree was signaled; show it before reporting the refusals.
	if reapJSON {
		if jerr := printJSON(res); jerr != nil {
			return jerr
		}
		return err
	}
	printReapResult(os.Stdout, res)
	return err
}

func printReapResult(w io.Writer, res *reaper.Result) {
	fmt.Fprintf(w, "%s reaped pid %d (%d signaled)\n", style.SuccessPrefix, res.Root, len(res.Signaled))
	if res.Partial() {
		fmt.Fprintf(w, "  %s forced with SIGKILL: %s\n", style.WarningPrefix, joinPIDs(res.Forced))
	}
}

func joinPIDs(pids []int) string {
	if len(pids) == 0 {
		return "(none)"
	}
	parts := make([]string, len(pids))
	for i, p := range pids {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ", ")
}
