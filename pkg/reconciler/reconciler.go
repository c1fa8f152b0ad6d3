// Package reconciler is the worker state machine. It owns the registry on
// behalf of the daemon loop: every hook event, command-surface request,
// send result and maintenance tick is applied here, one at a time.
//
// Nothing in this package is safe for concurrent use. The daemon calls it
// from a single goroutine; slow work such as prompt delivery is handed to a
// Dispatcher and comes back through CompleteSend.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmc/pkg/delivery"
	"llmc/pkg/eventlog"
	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/recovery"
	"llmc/pkg/registry"
)

// Sessions starts, probes and stops worker runtime sessions.
type Sessions interface {
	Start(ctx context.Context, session, dir, runtime string) error
	Alive(ctx context.Context, session string) (bool, error)
	Stop(ctx context.Context, session string) error
	Runtime(session, dir, runtime string) (delivery.Runtime, error)
}

// Git answers version-control questions about worktrees.
type Git interface {
	TrunkTip(ctx context.Context) (string, error)
	HeadSHA(ctx context.Context, dir string) (string, error)
	CommitsAhead(ctx context.Context, dir string) (int, error)
	RebaseInProgress(ctx context.Context, dir string) (bool, error)
	UnmergedPaths(ctx context.Context, dir string) ([]string, error)
	ContainsTrunk(ctx context.Context, dir, trunkTip string) (bool, error)
	Diff(ctx context.Context, dir, sha string) (string, error)
	CommitSubject(ctx context.Context, dir, ref string) (string, error)
	SyncToTrunk(ctx context.Context, dir string) (reset bool, err error)
}

// Worktrees creates and tears down worker checkouts.
type Worktrees interface {
	Create(ctx context.Context, worker string) (path, branch string, err error)
	Remove(ctx context.Context, path string) error
	DeleteBranch(ctx context.Context, branch string) error
}

// Merger lands and rebases worker branches.
type Merger interface {
	Accept(ctx context.Context, opts gitops.AcceptOpts) (*gitops.Result, error)
	Rebase(ctx context.Context, worker, worktree string) (string, error)
}

// Alerter raises operator alerts.
type Alerter interface {
	Alert(kind protocol.AlertKind, worker, summary, details string)
}

// DiagnosticWriter stores a diagnostic bundle and returns its path.
type DiagnosticWriter interface {
	Write(ctx context.Context, rec registry.WorkerRecord, reason, output string, attempts []protocol.AttemptRecord) (string, error)
}

// HookInstaller writes a worker's hook configuration into its worktree.
type HookInstaller func(worktree, worker string) error

// Deps are the reconciler's collaborators. Journal, Alerts, Diagnostics and
// Hooks may be nil.
type Deps struct {
	Sessions    Sessions
	Git         Git
	Worktrees   Worktrees
	Merger      Merger
	Dispatcher  Dispatcher
	Journal     eventlog.Sink
	Alerts      Alerter
	Diagnostics DiagnosticWriter
	Hooks       HookInstaller
}

// Options are the policy knobs.
type Options struct {
	Trunk           string // named in conflict prompts
	DefaultRuntime  string
	SelfReview      bool // default for new workers
	MaxCrashes      int
	CrashResetAfter time.Duration
	Stuck           recovery.Thresholds
}

func (o Options) withDefaults() Options {
	if o.Trunk == "" {
		o.Trunk = "main"
	}
	if o.DefaultRuntime == "" {
		o.DefaultRuntime = "claude"
	}
	if o.MaxCrashes == 0 {
		o.MaxCrashes = 3
	}
	if o.CrashResetAfter == 0 {
		o.CrashResetAfter = 24 * time.Hour
	}
	if o.Stuck == (recovery.Thresholds{}) {
		o.Stuck = recovery.Thresholds{
			FirstNudge: 30 * time.Minute,
			FinalNudge: 40 * time.Minute,
			Escalate:   45 * time.Minute,
			ReadyGrace: 60 * time.Second,
		}
	}
	return o
}

// Reconciler applies events and operations to the registry.
type Reconciler struct {
	reg  *registry.Registry
	deps Deps
	opts Options

	inflight  map[string]uint64 // worker -> id of its in-flight send
	nextSend  uint64
	lastTrunk string
	dirty     bool

	nowFunc      func() time.Time
	countMarkers func(worktree, file string) int
}

// New returns a Reconciler that owns reg.
func New(reg *registry.Registry, deps Deps, opts Options) *Reconciler {
	if deps.Journal == nil {
		deps.Journal = eventlog.Discard{}
	}
	return &Reconciler{
		reg:          reg,
		deps:         deps,
		opts:         opts.withDefaults(),
		inflight:     make(map[string]uint64),
		nowFunc:      time.Now,
		countMarkers: gitops.CountConflictMarkers,
	}
}

// Registry returns the owned registry. Callers other than the daemon loop
// must only read it.
func (r *Reconciler) Registry() *registry.Registry { return r.reg }

// TakeDirty reports whether the registry changed since the last call and
// clears the flag.
func (r *Reconciler) TakeDirty() bool {
	d := r.dirty
	r.dirty = false
	return d
}

// MarkDirty forces the next TakeDirty to report a change.
func (r *Reconciler) MarkDirty() { r.dirty = true }

func (r *Reconciler) now() time.Time {
	if r.nowFunc == nil {
		return time.Now()
	}
	return r.nowFunc()
}

// update writes rec back, journals a status change and checks the record
// invariants. A record that breaks them is quarantined instead.
func (r *Reconciler) update(ctx context.Context, rec registry.WorkerRecord, trigger string) {
	prev, existed := r.reg.Get(rec.Name)
	if err := checkRecord(rec); err != nil {
		r.quarantine(ctx, rec, err)
		return
	}
	r.reg.Set(rec)
	r.dirty = true

	from := ""
	if existed {
		from = string(prev.Status)
	}
	if from != string(rec.Status) {
		_ = r.deps.Journal.LogTransition(ctx, rec.Name, from, string(rec.Status), trigger)
	}
}

// quarantine moves a worker to Error after a FatalError, with an alert and
// a diagnostic bundle. Other workers are unaffected.
func (r *Reconciler) quarantine(ctx context.Context, rec registry.WorkerRecord, ferr *protocol.FatalError) {
	prev, existed := r.reg.Get(rec.Name)
	recovery.Quarantine(&rec, ferr.Error(), r.now())
	r.reg.Set(rec)
	r.dirty = true
	delete(r.inflight, rec.Name)

	if existed && prev.Status != rec.Status {
		_ = r.deps.Journal.LogTransition(ctx, rec.Name, string(prev.Status), string(rec.Status), "quarantine")
	}
	r.logEvent(ctx, "fatal", rec.Name, map[string]string{"invariant": ferr.Invariant, "detail": ferr.Detail})
	r.alert(protocol.AlertQuarantine, rec.Name, "worker quarantined", ferr.Error())
	r.writeDiagnostics(ctx, rec, ferr.Error(), "", nil)
}

func (r *Reconciler) logEvent(ctx context.Context, typ, worker string, payload any) {
	e := eventlog.Event{Type: typ, Source: "daemon", Worker: worker}
	if payload != nil {
		e.Payload = eventlog.Payload(payload)
	}
	_ = r.deps.Journal.Log(ctx, e)
}

func (r *Reconciler) alert(kind protocol.AlertKind, worker, summary, details string) {
	if r.deps.Alerts != nil {
		r.deps.Alerts.Alert(kind, worker, summary, details)
	}
	_ = r.deps.Journal.Log(context.Background(), eventlog.Event{
		Type: "alert", Source: "daemon", Worker: worker,
		Payload: eventlog.Payload(map[string]string{"kind": string(kind), "summary": summary, "details": details}),
	})
}

func (r *Reconciler) writeDiagnostics(ctx context.Context, rec registry.WorkerRecord, reason, output string, attempts []protocol.AttemptRecord) {
	if r.deps.Diagnostics == nil {
		return
	}
	if output == "" {
		output = r.screenText(ctx, rec)
	}
	path, err := r.deps.Diagnostics.Write(ctx, rec, reason, output, attempts)
	if err != nil {
		r.logEvent(ctx, "diagnostics_failed", rec.Name, map[string]string{"error": err.Error()})
		return
	}
	r.logEvent(ctx, "diagnostics", rec.Name, map[string]string{"path": path, "reason": reason})
}

// visible reads the runtime's screen, or returns nil if it cannot.
func (r *Reconciler) visible(ctx context.Context, rec registry.WorkerRecord) *delivery.Visible {
	rt, err := r.deps.Sessions.Runtime(rec.SessionID, rec.WorktreePath, rec.Runtime)
	if err != nil {
		return nil
	}
	v, err := rt.ReadVisibleState(ctx)
	if err != nil {
		return nil
	}
	return &v
}

func (r *Reconciler) screenText(ctx context.Context, rec registry.WorkerRecord) string {
	if v := r.visible(ctx, rec); v != nil {
		return v.Text
	}
	return ""
}

// lookup returns the named worker or a RejectionError.
func (r *Reconciler) lookup(op protocol.Op, name string) (registry.WorkerRecord, error) {
	rec, ok := r.reg.Get(name)
	if !ok {
		return rec, &protocol.RejectionError{Op: op, Worker: name, Reason: "no such worker"}
	}
	return rec, nil
}

// require rejects op unless rec is in one of allowed.
func require(op protocol.Op, rec registry.WorkerRecord, allowed ...protocol.WorkerStatus) error {
	for _, s := range allowed {
		if rec.Status == s {
			return nil
		}
	}
	return &protocol.RejectionError{
		Op: op, Worker: rec.Name, Status: rec.Status,
		Reason: fmt.Sprintf("%s requires status %s", op, joinStatuses(allowed)),
	}
}

func joinStatuses(ss []protocol.WorkerStatus) string {
	out := ""
	for i, s := range ss {
		switch {
		case i == 0:
		case i == len(ss)-1:
			out += " or "
		default:
			out += ", "
		}
		out += string(s)
	}
	return out
}

// isRejection reports whether err is a caller error rather than a failure.
func isRejection(err error) bool {
	var rej *protocol.RejectionError
	return errors.As(err, &rej)
}
