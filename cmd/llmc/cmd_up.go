package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"llmc/pkg/daemon"
	"llmc/pkg/gitops"
	"llmc/pkg/tmux"
)

// newUpCmd creates the "llmc up" subcommand.
func newUpCmd() *cobra.Command {
	var skipPreflight bool
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run the llmc daemon in the foreground",
		Long: "Starts the daemon that owns the worker registry. It recovers saved state,\n" +
			"restarts worker sessions, and serves the command socket until it receives\n" +
			"SIGINT or SIGTERM. Only one daemon may run per llmc root.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			return runUp(cmd.Context(), env, os.Stderr, skipPreflight)
		},
	}
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "start without checking for tmux, git and the runtime binary")
	return cmd
}

func runUp(parent context.Context, env *environment, out io.Writer, skipPreflight bool) error {
	tty := isTerminal(out)
	log := newStartupLog(out, tty)

	if state, pid, _ := daemon.Status(env.paths.PIDPath); state == daemon.StateRunning {
		return fmt.Errorf("%w (PID %d)", daemon.ErrAlreadyRunning, pid)
	}

	if !skipPreflight {
		if err := runPreflightChecks(env.cfg, env.paths); err != nil {
			return err
		}
		log.Step("Preflight checks passed")
	}

	runner := &tmux.ExecRunner{Timeout: env.cfg.Daemon.CommandTimeout.D()}
	sessions, err := tmux.NewGotmuxSessions(runner)
	if err != nil {
		return fmt.Errorf("connect to tmux: %w", err)
	}
	backend := &tmux.Backend{
		Sessions: sessions,
		Runner:   runner,
		Profiles: tmux.ProfilesFromConfig(env.cfg),
		TempDir:  os.TempDir(),
	}
	log.Step("tmux ready")

	d, err := daemon.New(daemon.Options{
		Config:   env.cfg,
		Paths:    env.paths,
		Sessions: backend,
		Git:      &gitops.ExecGitRunner{Timeout: env.cfg.Daemon.CommandTimeout.D()},
		Console:  out,
		Color:    tty,
	})
	if err != nil {
		return err
	}

	ctx, stop := setupSignalHandler(parent)
	defer stop()
	return d.Run(ctx)
}
