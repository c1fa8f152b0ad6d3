package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/recovery"
	"llmc/pkg/registry"
)

// Tick runs the periodic maintenance pass. Each worker is handled on its
// own; a failure or panic in one never stops the others.
func (r *Reconciler) Tick(ctx context.Context) {
	for _, name := range r.reg.Names() {
		r.guard(ctx, name, func() { r.tickWorker(ctx, name) })
	}
	r.checkTrunk(ctx)
	r.scanIntegrity(ctx)
}

// guard converts a panic while handling one worker into a quarantine.
func (r *Reconciler) guard(ctx context.Context, name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			if rec, ok := r.reg.Get(name); ok {
				r.quarantine(ctx, rec, &protocol.FatalError{Worker: name, Invariant: "tick", Detail: fmt.Sprint(p)})
			}
		}
	}()
	fn()
}

func (r *Reconciler) tickWorker(ctx context.Context, name string) {
	now := r.now()

	rec, ok := r.reg.Get(name)
	if !ok {
		return
	}
	if recovery.ShouldResetCrashCount(rec, now, r.opts.CrashResetAfter) {
		rec.CrashCount = 0
		r.update(ctx, rec, "crash_reset")
		r.logEvent(ctx, "crash_count_reset", name, nil)
	}

	if !r.checkLiveness(ctx, name) {
		return
	}

	rec, _ = r.reg.Get(name)
	if rec.Status == protocol.StatusNeedsReview && rec.PendingSelfReview && !r.Sending(name) {
		r.sendSelfReview(ctx, rec)
		return
	}

	if rec.Status == protocol.StatusWorking && !r.Sending(name) {
		r.checkStuck(ctx, rec, now)
	}
}

// checkLiveness enforces the live-session invariant. It reports whether the
// worker is still in a state worth examining further.
func (r *Reconciler) checkLiveness(ctx context.Context, name string) bool {
	rec, _ := r.reg.Get(name)
	if rec.Status == protocol.StatusError {
		return false
	}
	alive, err := r.deps.Sessions.Alive(ctx, rec.SessionID)
	if err != nil {
		r.logEvent(ctx, "session_probe_failed", name, map[string]string{"error": err.Error()})
		return false
	}

	if rec.Status == protocol.StatusOffline {
		if !alive && !r.Sending(name) {
			r.restartSession(ctx, rec)
		}
		return false
	}
	if alive {
		return true
	}
	r.logEvent(ctx, "session_missing", name, map[string]string{"status": string(rec.Status)})
	r.onSessionEnd(ctx, rec, recovery.ReasonSessionMissing)
	return false
}

func (r *Reconciler) sendSelfReview(ctx context.Context, rec registry.WorkerRecord) {
	rec.Status = protocol.StatusReviewing
	rec.PendingSelfReview = false
	if rec.CurrentPrompt == "" {
		rec.CurrentPrompt = SelfReviewPrompt
	}
	rec.LastActivityUnix = r.now().Unix()
	if err := r.startSend(ctx, protocol.OpSelfReview, rec, SelfReviewPrompt, PurposeSelfReview); err != nil {
		r.logEvent(ctx, "self_review_failed", rec.Name, map[string]string{"error": err.Error()})
		return
	}
	r.update(ctx, rec, "self_review")
}

func (r *Reconciler) checkStuck(ctx context.Context, rec registry.WorkerRecord, now time.Time) {
	action := recovery.AssessStuck(rec, r.visible(ctx, rec), now, r.opts.Stuck)
	if action == recovery.StuckNone {
		return
	}
	idle := now.Sub(time.Unix(rec.LastActivityUnix, 0)).Round(time.Minute)
	r.logEvent(ctx, "stuck", rec.Name, map[string]string{"action": action.String(), "idle": idle.String()})

	switch action {
	case recovery.StuckFirstNudge, recovery.StuckFinalNudge:
		text, level := recovery.FirstNudgeText, registry.NudgeFirst
		if action == recovery.StuckFinalNudge {
			text, level = recovery.FinalNudgeText, registry.NudgeFinal
		}
		rec.NudgeLevel = level
		if err := r.startSend(ctx, protocol.OpMessage, rec, text, PurposeNudge); err != nil {
			return
		}
		r.update(ctx, rec, "nudge")

	case recovery.StuckEscalate:
		rec.Status = protocol.StatusNeedsInput
		rec.NudgeLevel = registry.NudgeEscalated
		rec.LastError = "no activity for " + idle.String()
		r.update(ctx, rec, "stuck_timeout")
		r.alert(protocol.AlertStuck, rec.Name, "no activity for "+idle.String(), "Marked needs_input")

	case recovery.StuckReconcile:
		if r.completeWork(ctx, rec, "ready_reconcile") {
			return
		}
		rec, _ = r.reg.Get(rec.Name)
		rec.Status = protocol.StatusNeedsInput
		rec.LastError = "agent is idle without a commit"
		r.update(ctx, rec, "ready_reconcile")

	case recovery.StuckRuntimeError:
		detail := ""
		if v := r.visible(ctx, rec); v != nil {
			detail = v.Detail
		}
		rec.Status = protocol.StatusNeedsInput
		rec.LastError = "runtime error: " + detail
		r.update(ctx, rec, "runtime_error")
		r.alert(protocol.AlertRuntimeError, rec.Name, "runtime reported an error", detail)

	case recovery.StuckAwaitingInput:
		rec.Status = protocol.StatusNeedsInput
		rec.LastError = "agent is waiting for input"
		r.update(ctx, rec, "awaiting_input")
	}
}

// checkTrunk runs the trunk-advance path when trunk has moved since the
// last check.
func (r *Reconciler) checkTrunk(ctx context.Context) {
	tip, err := r.deps.Git.TrunkTip(ctx)
	if err != nil {
		r.logEvent(ctx, "git_error", "", map[string]string{"op": "trunk_tip", "error": err.Error()})
		return
	}
	if tip == r.lastTrunk {
		return
	}
	r.advanceTrunk(ctx, tip)
}

// TrunkMoved is called when the trunk watcher sees a ref change.
func (r *Reconciler) TrunkMoved(ctx context.Context) {
	r.checkTrunk(ctx)
}

// advanceTrunk rebases every NeedsReview worker whose branch does not
// contain tip. The tip is remembered only if every worker was handled.
func (r *Reconciler) advanceTrunk(ctx context.Context, tip string) {
	clean := true
	for _, rec := range r.reg.Snapshot() {
		if rec.Status != protocol.StatusNeedsReview || r.Sending(rec.Name) {
			continue
		}
		contains, err := r.deps.Git.ContainsTrunk(ctx, rec.WorktreePath, tip)
		if err != nil {
			r.logEvent(ctx, "git_error", rec.Name, map[string]string{"op": "contains_trunk", "error": err.Error()})
			clean = false
			continue
		}
		if contains {
			continue
		}
		r.guard(ctx, rec.Name, func() {
			if err := r.rebase(ctx, rec); err != nil && !isConflict(err) {
				clean = false
			}
		})
	}
	if clean {
		r.lastTrunk = tip
	}
}

// rebase moves a NeedsReview worker through Rebasing. A clean rebase lands
// it back in NeedsReview on the new HEAD; a conflict leaves it Rebasing
// with the conflict prompt sent.
func (r *Reconciler) rebase(ctx context.Context, rec registry.WorkerRecord) error {
	sha, err := r.deps.Merger.Rebase(ctx, rec.Name, rec.WorktreePath)
	if err != nil {
		var cerr *gitops.ConflictError
		if errors.As(err, &cerr) {
			r.enterConflict(ctx, rec, cerr)
			return err
		}
		r.logEvent(ctx, "rebase_failed", rec.Name, map[string]string{"error": err.Error()})
		return err
	}

	_ = r.deps.Journal.LogTransition(ctx, rec.Name, string(rec.Status), string(protocol.StatusRebasing), "trunk_advanced")
	_ = r.deps.Journal.LogTransition(ctx, rec.Name, string(protocol.StatusRebasing), string(protocol.StatusNeedsReview), "rebase_clean")
	rec.Status = protocol.StatusNeedsReview
	rec.CommitSHA = sha
	r.update(ctx, rec, "rebase_clean")
	return nil
}

// enterConflict moves a worker to Rebasing and sends it the conflict
// prompt.
func (r *Reconciler) enterConflict(ctx context.Context, rec registry.WorkerRecord, cerr *gitops.ConflictError) {
	files := make([]ConflictFile, 0, len(cerr.Files))
	for _, f := range cerr.Files {
		files = append(files, ConflictFile{Path: f, Markers: r.countMarkers(rec.WorktreePath, f)})
	}
	prompt := ConflictPrompt(r.opts.Trunk, rec.CurrentPrompt, files)

	rec.Status = protocol.StatusRebasing
	rec.CurrentPrompt = prompt
	rec.PendingSelfReview = false
	rec.NudgeLevel = registry.NudgeNone
	rec.LastActivityUnix = r.now().Unix()
	r.logEvent(ctx, "merge_conflict", rec.Name, map[string]any{"files": cerr.Files})
	r.alert(protocol.AlertMergeConflict, rec.Name, "rebase onto "+r.opts.Trunk+" conflicts", joinFiles(cerr.Files))

	if r.Sending(rec.Name) {
		// The running send finishes first; the worker still learns of the
		// conflict from the rebase state it finds.
		r.update(ctx, rec, "conflict")
		return
	}
	if err := r.startSend(ctx, protocol.OpRebase, rec, prompt, PurposeConflict); err != nil {
		r.logEvent(ctx, "conflict_prompt_failed", rec.Name, map[string]string{"error": err.Error()})
	}
	r.update(ctx, rec, "conflict")
}

// EnsureSessions starts a session for every Offline worker whose session
// is missing. The daemon runs it at startup.
func (r *Reconciler) EnsureSessions(ctx context.Context) {
	for _, rec := range r.reg.Snapshot() {
		if rec.Status != protocol.StatusOffline {
			continue
		}
		alive, err := r.deps.Sessions.Alive(ctx, rec.SessionID)
		if err != nil || alive {
			continue
		}
		r.restartSession(ctx, rec)
	}
}

func isConflict(err error) bool {
	var cerr *gitops.ConflictError
	return errors.As(err, &cerr)
}
