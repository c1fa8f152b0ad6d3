package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"llmc/pkg/daemon"
	"llmc/pkg/gitops"
	"llmc/pkg/hooks"
	"llmc/pkg/protocol"
	"llmc/pkg/recovery"
	"llmc/pkg/registry"
	"llmc/pkg/tmux"
)

// errDaemonRunning refuses offline repairs next to a live daemon.
var errDaemonRunning = errors.New("the daemon is running; stop it with `llmc down` before repairing")

type doctorOpts struct {
	repair  bool
	rebuild bool
}

// doctorDeps are the collaborators doctor needs beyond the environment.
type doctorDeps struct {
	git      gitops.GitRunner
	sessions recovery.SessionLister // nil when tmux is unavailable
	binary   string
	now      func() time.Time
}

// newDoctorCmd creates the "llmc doctor" subcommand.
func newDoctorCmd() *cobra.Command {
	var opts doctorOpts
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the registry, backup and worktrees; optionally repair them",
		Long: "Runs offline integrity checks. --repair applies the same recovery the daemon\n" +
			"runs at startup and reinstalls missing hooks. --rebuild reconstructs the\n" +
			"registry from the worktrees on disk when both the registry and its backup\n" +
			"are unusable. Both refuse to run while the daemon holds the lock.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			deps, err := defaultDoctorDeps(env)
			if err != nil {
				return err
			}
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), env, opts, deps)
		},
	}
	cmd.Flags().BoolVar(&opts.repair, "repair", false, "repair the registry in place or restore it from backup")
	cmd.Flags().BoolVar(&opts.rebuild, "rebuild", false, "rebuild the registry from worktrees on disk")
	cmd.MarkFlagsMutuallyExclusive("repair", "rebuild")
	return cmd
}

func defaultDoctorDeps(env *environment) (doctorDeps, error) {
	exe, err := os.Executable()
	if err != nil {
		return doctorDeps{}, fmt.Errorf("locate llmc binary: %w", err)
	}
	deps := doctorDeps{
		git:    &gitops.ExecGitRunner{Timeout: env.cfg.Daemon.CommandTimeout.D()},
		binary: exe,
		now:    time.Now,
	}
	runner := &tmux.ExecRunner{Timeout: env.cfg.Daemon.CommandTimeout.D()}
	if sessions, err := tmux.NewGotmuxSessions(runner); err == nil {
		deps.sessions = &tmux.Backend{Sessions: sessions, Runner: runner}
	}
	return deps, nil
}

// checkReport prints doctor findings and counts failures.
type checkReport struct {
	w        io.Writer
	ok       *color.Color
	warn     *color.Color
	bad      *color.Color
	failures int
}

func newCheckReport(w io.Writer) *checkReport {
	r := &checkReport{
		w:    w,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed, color.Bold),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{r.ok, r.warn, r.bad} {
			c.DisableColor()
		}
	}
	return r
}

func (r *checkReport) pass(format string, args ...any) {
	r.ok.Fprint(r.w, "✓ ")
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *checkReport) note(format string, args ...any) {
	r.warn.Fprint(r.w, "! ")
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *checkReport) fail(format string, args ...any) {
	r.failures++
	r.bad.Fprint(r.w, "✗ ")
	fmt.Fprintf(r.w, format+"\n", args...)
}

func runDoctor(ctx context.Context, out io.Writer, env *environment, opts doctorOpts, deps doctorDeps) error {
	rep := newCheckReport(out)
	store := registry.NewStore(env.paths.StatePath)

	checkDaemon(rep, env)
	reg := checkRegistry(rep, store)
	checkBackup(rep, store)
	if reg != nil {
		checkWorktrees(rep, reg)
	}

	if !opts.repair && !opts.rebuild {
		if rep.failures > 0 {
			return fmt.Errorf("doctor found %d problem(s); see `llmc doctor --help` for repair options", rep.failures)
		}
		return nil
	}

	lock, err := daemon.AcquireLock(env.paths.LockPath)
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return errDaemonRunning
		}
		return err
	}
	defer func() { _ = lock.Unlock() }()

	fmt.Fprintln(out)
	if opts.rebuild {
		return rebuildRegistry(ctx, rep, env, store, deps)
	}
	return repairRegistry(ctx, rep, env, store, deps)
}

func checkDaemon(rep *checkReport, env *environment) {
	state, pid, err := daemon.Status(env.paths.PIDPath)
	switch {
	case err != nil:
		rep.fail("daemon: %v", err)
	case state == daemon.StateRunning:
		rep.pass("daemon running (PID %d)", pid)
	case state == daemon.StateStale:
		rep.note("daemon not running; stale PID file for %d (removed by the next `llmc up`)", pid)
	default:
		rep.pass("daemon stopped")
	}
	rep.pass("config: trunk %s, runtime %s, root %s", env.cfg.Repo.Trunk, env.cfg.Workers.DefaultRuntime, env.paths.Root)
}

// checkRegistry loads the canonical registry and reports every violation.
// It returns the registry when it loaded cleanly.
func checkRegistry(rep *checkReport, store *registry.Store) *registry.Registry {
	reg, err := store.Load()
	if err == nil {
		rep.pass("registry: %d worker(s), all checks passed", reg.Len())
		return reg
	}
	var ierr *protocol.IntegrityError
	if !errors.As(err, &ierr) {
		rep.fail("registry: %v", err)
		return nil
	}
	if ierr.Kind == protocol.IntegrityMissing {
		rep.note("registry: %s does not exist yet", store.Path)
		return nil
	}
	if ierr.Err != nil {
		rep.fail("registry: %s check failed: %v", ierr.Kind, ierr.Err)
		return nil
	}
	rep.fail("registry: %s check failed", ierr.Kind)
	for _, v := range ierr.Violations {
		fix := "needs restore or rebuild"
		if v.Repairable {
			fix = "repairable with --repair"
		}
		fmt.Fprintf(rep.w, "    %s (%s)\n", v, fix)
	}
	return nil
}

func checkBackup(rep *checkReport, store *registry.Store) {
	reg, err := store.LoadBackup()
	if err == nil {
		rep.pass("backup: %d worker(s)", reg.Len())
		return
	}
	var ierr *protocol.IntegrityError
	if errors.As(err, &ierr) && ierr.Kind == protocol.IntegrityMissing {
		rep.note("backup: none yet (written on the next save)")
		return
	}
	rep.note("backup unusable: %v", err)
}

func checkWorktrees(rep *checkReport, reg *registry.Registry) {
	for _, rec := range reg.Snapshot() {
		if _, err := os.Stat(rec.WorktreePath); err != nil {
			rep.fail("%s: worktree %s missing", rec.Name, rec.WorktreePath)
			continue
		}
		if !hooks.Installed(rec.WorktreePath, rec.Name) {
			rep.note("%s: hooks not installed (--repair reinstalls them)", rec.Name)
		}
	}
}

func repairRegistry(ctx context.Context, rep *checkReport, env *environment, store *registry.Store, deps doctorDeps) error {
	repo := gitops.NewRepo(deps.git, env.paths.Root, env.cfg.Repo.Trunk, env.cfg.Repo.Remote)
	opened, err := recovery.Open(ctx, store, deps.now(), repo.HeadSHA)
	if err != nil {
		return err
	}

	switch opened.Source {
	case recovery.SourceRepaired:
		rep.pass("repaired %d field(s) in place", len(opened.Repairs))
	case recovery.SourceBackup:
		rep.pass("restored registry from backup")
		if opened.Quarantined != "" {
			rep.note("damaged registry kept at %s", opened.Quarantined)
		}
	case recovery.SourceEmpty:
		rep.pass("no registry or backup; starting empty")
	default:
		rep.pass("registry needed no repair")
	}
	for _, fix := range opened.Repairs {
		fmt.Fprintf(rep.w, "    %s %s: %s\n", fix.Worker, fix.Field, fix.Action)
	}

	if opened.Dirty() {
		if err := store.Save(opened.Registry); err != nil {
			return err
		}
	}
	reinstallHooks(rep, env, opened.Registry, deps.binary)
	return nil
}

func rebuildRegistry(ctx context.Context, rep *checkReport, env *environment, store *registry.Store, deps doctorDeps) error {
	repo := gitops.NewRepo(deps.git, env.paths.Root, env.cfg.Repo.Trunk, env.cfg.Repo.Remote)
	obs, err := recovery.Observe(ctx, gitops.NewWorktreeManager(repo), deps.sessions)
	if err != nil {
		return err
	}
	result := recovery.Rebuild(env.paths.Root, env.cfg.Workers.DefaultRuntime, obs, deps.now())

	dest, err := store.Quarantine()
	if err != nil {
		return err
	}
	if dest != "" {
		rep.note("previous registry kept at %s", dest)
	}
	if err := store.Save(result.Registry); err != nil {
		return err
	}

	rep.pass("rebuilt registry with %d worker(s); they start offline and resume on `llmc up`", len(result.Workers))
	for _, name := range result.Workers {
		fmt.Fprintf(rep.w, "    %s\n", name)
	}
	for _, path := range result.Skipped {
		rep.note("skipped worktree %s (not a worker branch)", path)
	}
	for _, s := range result.Orphans {
		rep.note("orphan session %s has no worktree (tmux kill-session -t %s)", s, s)
	}
	reinstallHooks(rep, env, result.Registry, deps.binary)
	return nil
}

func reinstallHooks(rep *checkReport, env *environment, reg *registry.Registry, binary string) {
	for _, rec := range reg.Snapshot() {
		if hooks.Installed(rec.WorktreePath, rec.Name) {
			continue
		}
		if _, err := os.Stat(rec.WorktreePath); err != nil {
			continue
		}
		spec := hooks.Spec{Worker: rec.Name, Root: env.paths.Root, Binary: binary}
		if err := hooks.Write(rec.WorktreePath, spec); err != nil {
			rep.fail("%s: reinstall hooks: %v", rec.Name, err)
			continue
		}
		rep.pass("%s: hooks reinstalled", rec.Name)
	}
}
