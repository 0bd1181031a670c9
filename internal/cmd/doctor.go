package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/doctor"
	"github.com/jpbrule-del/overstory/internal/style"
)

var (
	doctorFix      bool
	doctorJSON     bool
	doctorVerbose  bool
	doctorCategory string
)

var doctorCmd = &cobra.Command{
	Use:     "doctor",
	GroupID: GroupDiag,
	Short:   "Check the ledger, tmux, checkouts and merge queue agree",
	Long: `Run the consistency doctor.

Consistency checks:
  - checkout-listing          Managed checkouts can be enumerated
  - ledger-open               Session ledger opens and lists
  - orphaned-checkouts        Checkouts no active session owns (fixable)
  - tmux-listing              tmux sessions can be enumerated
  - orphaned-tmux-sessions    Project sessions no ledger row owns (fixable)
  - dead-pids                 Active sessions whose process is gone (fixable)
  - missing-checkouts         Active sessions whose checkout is gone (fixable)
  - missing-tmux-sessions     Active sessions whose tmux session is gone (fixable)

Merge-queue checks:
  - merge-queue               Queue file is a JSON array of valid entries
  - merge-queue-stale         Pending or merging entries older than 24h
  - merge-queue-duplicates    Branches queued more than once

Use --fix to repair fixable findings. Fixes run under the watchdog tick lock.
Exits non-zero when a fail finding remains.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "Attempt to automatically fix issues")
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output as JSON")
	doctorCmd.Flags().BoolVarP(&doctorVerbose, "verbose", "v", false, "Show details for passing checks")
	doctorCmd.Flags().StringVar(&doctorCategory, "category", "", "Only run one category: consistency or merge-queue")
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	d := doctor.NewFull()
	switch doctorCategory {
	case "":
	case doctor.CategoryConsistency, doctor.CategoryMergeQueue:
		d = d.Filter(doctorCategory)
	default:
		return fmt.Errorf("unknown category %q (want %s or %s)", doctorCategory, doctor.CategoryConsistency, doctor.CategoryMergeQueue)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cc := p.checkContext()
	cc.Verbose = doctorVerbose

	var report *doctor.Report
	var fixErr error
	if doctorFix {
		err = p.withWriteLock(ctx, func() error {
			report, fixErr = d.Fix(ctx, cc)
			return nil
		})
		if err != nil {
			return err
		}
	} else {
		report = d.Run(ctx, cc)
	}

	if doctorJSON {
		if err := report.JSON(os.Stdout); err != nil {
			return err
		}
	} else {
		report.Print(os.Stdout, doctorVerbose)
		if fixErr != nil {
			fmt.Fprintf(os.Stderr, "%s some fixes failed: %v\n", style.WarningPrefix, fixErr)
		}
	}
	if report.HasErrors() {
		return &exitError{code: 1}
	}
	return nil
}

func (p *project) checkContext() *doctor.CheckContext {
	return &doctor.CheckContext{
		Root:          p.cfg.Root,
		SessionPrefix: p.cfg.SessionPrefix(),
		Checkouts:     p.checkouts,
		Tmux:          p.tmux,
		Procs:         p.procs,
		Queue:         p.queue,
		LedgerPath:    p.cfg.LedgerPath(),
	}
}
