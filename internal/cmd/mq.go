package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/constants"
	"github.com/jpbrule-del/overstory/internal/mergequeue"
	"github.com/jpbrule-del/overstory/internal/style"
)

var (
	mqListJSON  bool
	mqListAll   bool
	mqPending   bool
	mqBead      string
	mqAgent     string
	mqFiles     []string
	mqDoneTier  string
	mqDoneState string
)

var mqCmd = &cobra.Command{
	Use:     "mq",
	Aliases: []string{"queue"},
	GroupID: GroupWork,
	Short:   "Inspect and edit the merge queue",
	Long: `The merge queue is .overstory/merge-queue.json, a FIFO of branches
waiting to land on the canonical branch. Every change goes through these
commands so the file is rewritten atomically under its lock.`,
	RunE: requireSubcommand,
}

var mqListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List queued branches",
	Args:    cobra.NoArgs,
	RunE:    runMQList,
}

var mqEnqueueCmd = &cobra.Command{
	Use:   "enqueue <branch>",
	Short: "Queue a branch for merging",
	Args:  cobra.ExactArgs(1),
	RunE:  runMQEnqueue,
}

var mqNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Claim the oldest pending branch",
	Long: `Mark the oldest pending entry as merging and print it. The merger
calls this before it starts work on a branch.`,
	Args: cobra.NoArgs,
	RunE: runMQNext,
}

var mqCompleteCmd = &cobra.Command{
	Use:   "complete <branch>",
	Short: "Record how a queued branch finished",
	Long: `Mark the unfinished entry for a branch as merged, conflict or failed,
with the tier that resolved it (clean-merge, auto-resolve, ai-resolve,
reimagine).`,
	Args: cobra.ExactArgs(1),
	RunE: runMQComplete,
}

var mqRemoveCmd = &cobra.Command{
	Use:     "remove <branch>",
	Aliases: []string{"rm"},
	Short:   "Drop every entry for a branch",
	Args:    cobra.ExactArgs(1),
	RunE:    runMQRemove,
}

func init() {
	mqListCmd.Flags().BoolVar(&mqListJSON, "json", false, "Output as JSON")
	mqListCmd.Flags().BoolVar(&mqListAll, "all", false, "Include finished entries")
	mqListCmd.Flags().BoolVar(&mqPending, "pending", false, "Only entries not yet claimed by the merger")
	mqListCmd.MarkFlagsMutuallyExclusive("all", "pending")

	mqEnqueueCmd.Flags().StringVar(&mqBead, "bead", "", "Work item the branch implements (required)")
	mqEnqueueCmd.Flags().StringVar(&mqAgent, "agent", "", "Agent that produced the branch (required)")
	mqEnqueueCmd.Flags().StringSliceVar(&mqFiles, "files", nil, "Files the branch modifies")
	_ = mqEnqueueCmd.MarkFlagRequired("bead")
	_ = mqEnqueueCmd.MarkFlagRequired("agent")

	mqNextCmd.Flags().BoolVar(&mqListJSON, "json", false, "Output as JSON")

	mqCompleteCmd.Flags().StringVar(&mqDoneState, "status", string(mergequeue.StatusMerged), "Final status: merged, conflict or failed")
	mqCompleteCmd.Flags().StringVar(&mqDoneTier, "tier", string(mergequeue.TierCleanMerge), "Resolution tier")

	mqCmd.AddCommand(mqListCmd, mqEnqueueCmd, mqNextCmd, mqCompleteCmd, mqRemoveCmd)
	rootCmd.AddCommand(mqCmd)
}

func runMQList(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	var entries []mergequeue.Entry
	if mqPending {
		entries, err = p.queue.Pending()
	} else {
		entries, err = p.queue.Load()
	}
	if err != nil {
		return fmt.Errorf("%w (run 'overstory doctor --category merge-queue')", err)
	}
	if !mqListAll {
		entries = unfinished(entries)
	}
	if mqListJSON {
		if entries == nil {
			entries = []mergequeue.Entry{}
		}
		return printJSON(entries)
	}
	printQueue(os.Stdout, entries, time.Now())
	return nil
}

func unfinished(entries []mergequeue.Entry) []mergequeue.Entry {
	var out []mergequeue.Entry
	for _, e := range entries {
		if !e.Status.IsTerminal() {
			out = append(out, e)
		}
	}
	return out
}

func printQueue(w io.Writer, entries []mergequeue.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, style.Dim.Render("Merge queue is empty."))
		return
	}
	table := newTable(w, []string{"#", "BRANCH", "BEAD", "AGENT", "STATUS", "TIER", "FILES", "AGE"})
	for i, e := range entries {
		tier := "-"
		if e.ResolvedTier != nil {
			tier = string(*e.ResolvedTier)
		}
		age := e.Age(now)
		ageText := formatAge(age)
		if !e.Status.IsTerminal() && age > constants.MergeQueueStaleAfter {
			ageText = style.Warning.Render(ageText + " stale")
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", i+1),
			e.BranchName,
			e.BeadID,
			e.AgentName,
			string(e.Status),
			tier,
			fmt.Sprintf("%d", len(e.FilesModified)),
			ageText,
		})
	}
	_ = table.Render()
}

func runMQEnqueue(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e := mergequeue.Entry{
		BranchName:    args[0],
		BeadID:        mqBead,
		AgentName:     mqAgent,
		FilesModified: mqFiles,
	}
	if err := p.queue.Enqueue(ctx, e); err != nil {
		return err
	}
	fmt.Printf("%s queued %s\n", style.SuccessPrefix, args[0])
	return nil
}

func runMQNext(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := p.queue.Dequeue(ctx)
	if errors.Is(err, mergequeue.ErrNoPending) {
		if mqListJSON {
			return printJSON(nil)
		}
		fmt.Println(style.Dim.Render("Nothing pending."))
		return nil
	}
	if err != nil {
		return err
	}
	if mqListJSON {
		return printJSON(e)
	}
	fmt.Printf("%s merging %s (%s by %s, %d files)\n", style.ArrowPrefix, e.BranchName, e.BeadID, e.AgentName, len(e.FilesModified))
	return nil
}

func runMQComplete(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	status := mergequeue.Status(strings.ToLower(mqDoneState))
	tier := mergequeue.ResolvedTier(strings.ToLower(mqDoneTier))
	if err := p.queue.Complete(ctx, args[0], status, tier); err != nil {
		return err
	}
	fmt.Printf("%s %s %s (%s)\n", style.SuccessPrefix, args[0], status, tier)
	return nil
}

func runMQRemove(cmd *cobra.Command, args []string) error {
	p, err := loadProjectDeps()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	n, err := p.queue.Remove(ctx, args[0])
	if err != nil {
		return err
	}
	noun := "entries"
	if n == 1 {
		noun = "entry"
	}
	fmt.Printf("%s removed %d %s for %s\n", style.SuccessPrefix, n, noun, args[0])
	return nil
}
