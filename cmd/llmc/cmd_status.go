package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"llmc/pkg/daemon"
	"llmc/pkg/gateway"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// statusSnapshot is one read of the worker pool.
type statusSnapshot struct {
	Live    bool                  `json:"daemon_running"`
	Workers []protocol.WorkerView `json:"workers"`
}

// newStatusCmd creates the "llmc status" subcommand.
func newStatusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show every worker's state",
		Long: "Asks the daemon for the current worker table. When the daemon is down the\n" +
			"last saved registry is shown instead.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			snap, err := fetchStatus(cmd.Context(), env)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printStatus(cmd.OutOrStdout(), env, snap, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print machine-readable JSON")
	return cmd
}

// fetchStatus asks the daemon for worker views and falls back to the saved
// registry when no daemon is listening.
func fetchStatus(ctx context.Context, env *environment) (statusSnapshot, error) {
	var views []protocol.WorkerView
	err := env.requestInto(ctx, protocol.Request{Op: protocol.OpStatus}, &views)
	if err == nil {
		return statusSnapshot{Live: true, Workers: views}, nil
	}
	if !errors.Is(err, gateway.ErrNoDaemon) {
		return statusSnapshot{}, err
	}

	reg, err := registry.NewStore(env.paths.StatePath).Load()
	if err != nil {
		var ierr *protocol.IntegrityError
		if errors.As(err, &ierr) && ierr.Kind == protocol.IntegrityMissing {
			return statusSnapshot{}, nil
		}
		return statusSnapshot{}, fmt.Errorf("daemon not running and saved state unreadable (try `llmc doctor`): %w", err)
	}
	for _, rec := range reg.Snapshot() {
		views = append(views, rec.View(false))
	}
	return statusSnapshot{Workers: views}, nil
}

func printStatus(w io.Writer, env *environment, snap statusSnapshot, now time.Time) {
	if snap.Live {
		_, pid, _ := daemon.Status(env.paths.PIDPath)
		fmt.Fprintf(w, "daemon: running (PID %d), %d workers\n", pid, len(snap.Workers))
	} else {
		fmt.Fprintf(w, "daemon: stopped, showing saved state (%d workers)\n", len(snap.Workers))
	}
	fmt.Fprintln(w, renderWorkers(snap.Workers, now, DefaultTheme()))
}
