// Package daemon runs the llmc coordinating loop. One goroutine owns the
// reconciler and therefore the registry; the gateway, prompt sends and the
// trunk watcher feed it through channels.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"llmc/pkg/config"
	"llmc/pkg/delivery"
	"llmc/pkg/eventlog"
	"llmc/pkg/gateway"
	"llmc/pkg/gitops"
	"llmc/pkg/hooks"
	"llmc/pkg/protocol"
	"llmc/pkg/reconciler"
	"llmc/pkg/recovery"
	"llmc/pkg/registry"
)

// Sessions is the session backend the daemon drives. *tmux.Backend
// satisfies it.
type Sessions interface {
	reconciler.Sessions
}

// Options wires a Daemon. Sessions and Git are required; the rest default.
type Options struct {
	Config *config.Config
	Paths  *config.Paths

	Sessions Sessions
	Git      gitops.GitRunner
	Send     SendFunc // default: a delivery.Sender built from Config

	Binary  string    // llmc executable named in hook settings; default os.Executable
	Console io.Writer // operator output; default os.Stderr
	Color   bool
}

// Daemon is the long-running coordinator.
type Daemon struct {
	cfg      *config.Config
	paths    *config.Paths
	sessions Sessions
	git      gitops.GitRunner
	send     SendFunc
	binary   string
	console  io.Writer
	color    bool

	nowFunc func() time.Time
}

// New validates opts and returns a Daemon ready to Run.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Paths == nil {
		return nil, errors.New("daemon needs config and paths")
	}
	if opts.Sessions == nil || opts.Git == nil {
		return nil, errors.New("daemon needs a session backend and a git runner")
	}
	d := &Daemon{
		cfg:      opts.Config,
		paths:    opts.Paths,
		sessions: opts.Sessions,
		git:      opts.Git,
		send:     opts.Send,
		binary:   opts.Binary,
		console:  opts.Console,
		color:    opts.Color,
		nowFunc:  time.Now,
	}
	if d.send == nil {
		d.send = delivery.NewSender(delivery.TimingFromConfig(opts.Config)).Send
	}
	if d.binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate llmc binary: %w", err)
		}
		d.binary = exe
	}
	if d.console == nil {
		d.console = os.Stderr
	}
	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts
// down in order: gateway, in-flight sends, final save, lock and PID file.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.paths.LockPath)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	if err := gateway.CleanStaleSocket(d.paths.SocketPath); err != nil {
		return err
	}
	if err := WritePIDFile(d.paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = RemovePIDFile(d.paths.PIDPath) }()

	journal, closeJournal := d.openJournal()
	defer closeJournal()

	alertsFile, closeAlerts := d.openAlertsLog()
	defer closeAlerts()
	alerts := NewAlerter(d.console, alertsFile, d.color)

	repo := gitops.NewRepo(d.git, d.paths.Root, d.cfg.Repo.Trunk, d.cfg.Repo.Remote)
	worktrees := gitops.NewWorktreeManager(repo)
	store := registry.NewStore(d.paths.StatePath)

	opened, err := recovery.Open(ctx, store, d.nowFunc(), repo.HeadSHA)
	if err != nil {
		return err
	}
	d.reportOpen(ctx, opened, journal, alerts)

	var history recovery.TransitionSource
	if j, ok := journal.(*eventlog.Journal); ok {
		history = j
	}
	sends := newSendDispatcher(d.sessions, d.send)
	rec := reconciler.New(opened.Registry, reconciler.Deps{
		Sessions:    d.sessions,
		Git:         repo,
		Worktrees:   worktrees,
		Merger:      gitops.NewCoordinator(repo, worktrees),
		Dispatcher:  sends,
		Journal:     journal,
		Alerts:      alerts,
		Diagnostics: recovery.NewDiagnostics(d.paths.DiagnosticsDir, history),
		Hooks:       d.installHooks,
	}, reconciler.Options{
		Trunk:           d.cfg.Repo.Trunk,
		DefaultRuntime:  d.cfg.Workers.DefaultRuntime,
		SelfReview:      d.cfg.Workers.SelfReview,
		MaxCrashes:      d.cfg.Workers.MaxCrashes,
		CrashResetAfter: d.cfg.Workers.CrashResetAfter.D(),
		Stuck:           recovery.ThresholdsFromConfig(d.cfg),
	})
	if opened.Dirty() {
		rec.MarkDirty()
	}

	gw := gateway.NewServer(gateway.Config{
		SocketPath:     d.paths.SocketPath,
		RequestTimeout: d.cfg.Daemon.RequestTimeout.D(),
	})
	if err := gw.Start(ctx); err != nil {
		return err
	}

	watcher, err := watchTrunk(filepath.Join(d.paths.Root, ".git"), d.cfg.Repo.Trunk, d.cfg.Repo.Remote)
	if err != nil {
		fmt.Fprintf(d.console, "trunk watcher unavailable, relying on the tick: %v\n", err)
	} else {
		go watcher.run(ctx)
	}
	defer func() { _ = watcher.Close() }()

	// Work keeps running through shutdown so requests accepted before the
	// signal still complete.
	work := context.WithoutCancel(ctx)
	rec.EnsureSessions(work)
	d.save(work, rec, store, journal)

	fmt.Fprintf(d.console, "llmc daemon running (pid %d, %d workers, socket %s)\n",
		os.Getpid(), rec.Registry().Len(), d.paths.SocketPath)
	_ = journal.Log(work, eventlog.Event{Type: "daemon_started", Source: "daemon",
		Payload: eventlog.Payload(map[string]any{"workers": rec.Registry().Len(), "source": opened.Source})})

	d.loop(ctx, work, rec, store, journal, gw, sends, watcher)

	d.shutdown(work, rec, store, journal, gw, sends)
	_ = journal.Log(work, eventlog.Event{Type: "daemon_stopped", Source: "daemon"})
	fmt.Fprintln(d.console, "llmc daemon stopped")
	return nil
}

func (d *Daemon) loop(ctx, work context.Context, rec *reconciler.Reconciler, store *registry.Store,
	journal eventlog.Sink, gw *gateway.Server, sends *sendDispatcher, watcher *trunkWatcher,
) {
	ticker := time.NewTicker(d.cfg.Daemon.TickInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-gw.Inbox():
			handleInbound(work, rec, in)
		case res := <-sends.Results():
			rec.CompleteSend(work, res)
		case <-ticker.C:
			rec.Tick(work)
		case <-watcher.Changes():
			rec.TrunkMoved(work)
		}
		d.save(work, rec, store, journal)
	}
}

// shutdown keeps serving the inbox while the gateway drains, so requests
// already accepted get their answer, then cancels sends and saves.
func (d *Daemon) shutdown(work context.Context, rec *reconciler.Reconciler, store *registry.Store,
	journal eventlog.Sink, gw *gateway.Server, sends *sendDispatcher,
) {
	drained := make(chan struct{})
	go func() {
		gw.Shutdown(d.cfg.Daemon.ShutdownTimeout.D())
		close(drained)
	}()

	for waiting := true; waiting; {
		select {
		case in := <-gw.Inbox():
			handleInbound(work, rec, in)
		case res := <-sends.Results():
			rec.CompleteSend(work, res)
		case <-drained:
			waiting = false
		}
	}
	for flushing := true; flushing; {
		select {
		case in := <-gw.Inbox():
			handleInbound(work, rec, in)
		default:
			flushing = false
		}
	}

	sends.Drain(func(res reconciler.SendResult) { rec.CompleteSend(work, res) })
	rec.MarkDirty()
	d.save(work, rec, store, journal)
}

func handleInbound(ctx context.Context, rec *reconciler.Reconciler, in gateway.Inbound) {
	switch {
	case in.Envelope.Event != nil:
		rec.HandleEvent(ctx, *in.Envelope.Event)
	case in.Envelope.Request != nil:
		resp := rec.Handle(ctx, *in.Envelope.Request)
		if in.Reply != nil {
			in.Reply <- resp
		}
	}
}

// save persists the registry when the last iteration changed it. A failed
// save is retried after the next iteration.
func (d *Daemon) save(ctx context.Context, rec *reconciler.Reconciler, store *registry.Store, journal eventlog.Sink) {
	if !rec.TakeDirty() {
		return
	}
	if err := store.Save(rec.Registry()); err != nil {
		rec.MarkDirty()
		fmt.Fprintf(d.console, "save registry: %v\n", err)
		_ = journal.Log(ctx, eventlog.Event{Type: "save_failed", Source: "daemon",
			Payload: eventlog.Payload(map[string]string{"error": err.Error()})})
	}
}

func (d *Daemon) reportOpen(ctx context.Context, opened *recovery.OpenResult, journal eventlog.Sink, alerts *Alerter) {
	payload := map[string]any{"source": opened.Source, "repairs": len(opened.Repairs)}
	if opened.Cause != nil {
		payload["cause"] = opened.Cause.Error()
	}
	if opened.Quarantined != "" {
		payload["quarantined"] = opened.Quarantined
	}
	_ = journal.Log(ctx, eventlog.Event{Type: "registry_opened", Source: "recovery", Payload: eventlog.Payload(payload)})

	switch opened.Source {
	case recovery.SourceBackup:
		details := "canonical file moved to " + opened.Quarantined
		if opened.Quarantined == "" {
			details = "canonical file was missing"
		}
		alerts.Alert(protocol.AlertRecovery, "registry", "restored from backup", details)
	case recovery.SourceRepaired:
		alerts.Alert(protocol.AlertRecovery, "registry", fmt.Sprintf("repaired %d field(s) in place", len(opened.Repairs)), "")
	}
	for _, fix := range opened.Repairs {
		_ = journal.Log(ctx, eventlog.Event{Type: "repair", Source: "recovery", Worker: fix.Worker, Payload: eventlog.Payload(fix)})
	}
}

func (d *Daemon) installHooks(worktree, worker string) error {
	return hooks.Write(worktree, hooks.Spec{Worker: worker, Root: d.paths.Root, Binary: d.binary})
}

// openJournal opens the SQLite journal, falling back to a discarding sink
// so a broken journal never stops the daemon.
func (d *Daemon) openJournal() (eventlog.Sink, func()) {
	j, err := eventlog.Open(d.paths.DBPath)
	if err != nil {
		fmt.Fprintf(d.console, "event journal unavailable: %v\n", err)
		return eventlog.Discard{}, func() {}
	}
	return j, func() { _ = j.Close() }
}

func (d *Daemon) openAlertsLog() (io.Writer, func()) {
	if err := os.MkdirAll(filepath.Dir(d.paths.AlertsPath), 0o755); err != nil { //nolint:gosec // root dir is user-owned
		return nil, func() {}
	}
	f, err := os.OpenFile(d.paths.AlertsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path derived from the llmc root
	if err != nil {
		return nil, func() {}
	}
	return f, func() { _ = f.Close() }
}
