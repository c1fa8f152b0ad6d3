package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"llmc/internal/version"
)

// newRootCmd creates the root llmc command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llmc",
		Short: "Supervise AI coding agents working in parallel worktrees",
		Long: "llmc runs a daemon that owns a pool of agent workers. Each worker has its own\n" +
			"git worktree and tmux session; the daemon delivers prompts, tracks state,\n" +
			"and integrates accepted work into trunk.",
		Version:       fmt.Sprintf("llmc %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newUpCmd(),
		newDownCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newAddCmd(),
		newRemoveCmd(),
		newStartCmd(),
		newMessageCmd(),
		newSelfReviewCmd(),
		newReviewCmd(),
		newAcceptCmd(),
		newRejectCmd(),
		newRebaseCmd(),
		newResetCmd(),
		newDoctorCmd(),
		newHookCmd(),
	)

	return cmd
}
