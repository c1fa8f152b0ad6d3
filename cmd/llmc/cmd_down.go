package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/config"
	"llmc/pkg/daemon"
)

// downPollInterval is how often "llmc down --wait" rechecks the PID file.
const downPollInterval = 100 * time.Millisecond

// newDownCmd creates the "llmc down" subcommand.
func newDownCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Stop the running daemon",
		Long: "Sends SIGTERM to the daemon. It finishes requests already accepted, cancels\n" +
			"in-flight prompt deliveries, saves the registry and exits. Worker sessions\n" +
			"keep running and are picked up by the next `llmc up`.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			return runDown(cmd.OutOrStdout(), env.paths, wait, env.cfg.Daemon.ShutdownTimeout.D()+requestSlack)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the daemon to exit")
	return cmd
}

func runDown(out io.Writer, paths *config.Paths, wait bool, timeout time.Duration) error {
	state, pid, err := daemon.Status(paths.PIDPath)
	if err != nil {
		return err
	}

	switch state {
	case daemon.StateStopped:
		fmt.Fprintln(out, "daemon is not running")
		return nil
	case daemon.StateStale:
		fmt.Fprintln(out, "removing stale PID file (process already dead)")
		return daemon.RemovePIDFile(paths.PIDPath)
	case daemon.StateRunning:
	}

	fmt.Fprintf(out, "sending SIGTERM to daemon (PID %d)\n", pid)
	if _, err := daemon.Signal(paths.PIDPath); err != nil {
		return err
	}
	if !wait {
		fmt.Fprintln(out, "stop signal sent")
		return nil
	}

	stop := newStartupLog(out, isTerminal(out)).StartSpinner("Waiting for the daemon to exit")
	deadline := time.Now().Add(timeout)
	for daemon.IsProcessAlive(pid) {
		if time.Now().After(deadline) {
			stop()
			return fmt.Errorf("daemon (PID %d) still running after %s", pid, timeout)
		}
		time.Sleep(downPollInterval)
	}
	stop()
	return nil
}
