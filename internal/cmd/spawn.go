package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpbrule-del/overstory/internal/ledger"
	"github.com/jpbrule-del/overstory/internal/session"
	"github.com/jpbrule-del/overstory/internal/style"
)

var (
	spawnBead       string
	spawnCapability string
	spawnParent     string
	spawnDepth      int
	spawnBase       string
	spawnCommand    string
)

var spawnCmd = &cobra.Command{
	Use:     "spawn <agent>",
	GroupID: GroupWork,
	Short:   "Start an agent session",
	Long: `Create a checkout on branch overstory/<agent>, start a tmux session in
it and record a booting session in the ledger.

The pane process id is recorded by the watchdog on its next tick, which also
moves the session from booting to working. Runs under the watchdog tick lock.

Examples:
  overstory spawn builder-1 --bead bd-42 --capability builder
  overstory spawn scout-2 --bead bd-43 --parent builder-1 --depth 1 --command "claude"`,
	Args: cobra.ExactArgs(1),
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnBead, "bead", "", "Work item the agent is bound to (required)")
	spawnCmd.Flags().StringVar(&spawnCapability, "capability", "builder", "Agent role tag")
	spawnCmd.Flags().StringVar(&spawnParent, "parent", "", "Spawning agent")
	spawnCmd.Flags().IntVar(&spawnDepth, "depth", 0, "Depth in the agent hierarchy")
	spawnCmd.Flags().StringVar(&spawnBase, "base", "", "Base branch (default: canonical branch)")
	spawnCmd.Flags().StringVar(&spawnCommand, "command", "", "Command to run in the pane (default: shell)")
	_ = spawnCmd.MarkFlagRequired("bead")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
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
	var sess *ledger.Session
	err = p.withWriteLock(ctx, func() error {
		var err error
		sess, err = mgr.Spawn(ctx, session.SpawnConfig{
			AgentName:   args[0],
			Capability:  spawnCapability,
			BeadID:      spawnBead,
			ParentAgent: spawnParent,
			Depth:       spawnDepth,
			BaseBranch:  spawnBase,
			Command:     spawnCommand,
		})
		return err
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s spawned %s (%s)\n", style.SuccessPrefix, sess.AgentName, style.State(string(sess.State)))
	fmt.Printf("  %s tmux session %s\n", style.ArrowPrefix, sess.TmuxSession)
	fmt.Printf("  %s checkout %s on %s\n", style.ArrowPrefix, sess.WorktreePath, sess.BranchName)
	attach := "tmux"
	if s := p.tmux.Socket(); s != "" {
		attach += " -L " + s
	}
	fmt.Printf("  %s attach with: %s attach -t %s\n", style.ArrowPrefix, attach, sess.TmuxSession)
	return nil
}
