package reconciler

import (
	"context"
	"errors"

	"llmc/pkg/eventlog"
	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/recovery"
	"llmc/pkg/registry"
)

// HandleEvent applies one hook event. Events for unknown workers are
// journaled and otherwise ignored.
func (r *Reconciler) HandleEvent(ctx context.Context, ev protocol.Event) {
	_ = r.deps.Journal.Log(ctx, eventlog.Event{
		Type:    string(ev.Kind),
		Source:  "hook",
		Worker:  ev.Worker,
		Payload: eventlog.Payload(ev),
	})

	rec, ok := r.reg.Get(ev.Worker)
	if !ok {
		return
	}
	// PostToolUse fires on every tool call; it is a hint, not a state signal.
	if ev.Kind == protocol.EventPostToolUse {
		return
	}

	rec.LastActivityUnix = r.now().Unix()
	rec.NudgeLevel = registry.NudgeNone

	switch ev.Kind {
	case protocol.EventSessionStart:
		r.onSessionStart(ctx, rec, ev)
	case protocol.EventStop:
		r.onStop(ctx, rec, ev)
	case protocol.EventSessionEnd:
		r.onSessionEnd(ctx, rec, ev.Reason)
	}
}

func (r *Reconciler) onSessionStart(ctx context.Context, rec registry.WorkerRecord, ev protocol.Event) {
	if ev.SessionID != "" {
		rec.AgentSessionID = ev.SessionID
	}
	if rec.Status != protocol.StatusOffline {
		// Late or duplicate start, or a context clear inside a live session.
		r.update(ctx, rec, "session_start")
		return
	}

	rec.Status = protocol.StatusIdle
	if !rec.ResumePending {
		r.update(ctx, rec, "session_start")
		return
	}

	task := rec.CurrentPrompt
	rec.ResumePending = false
	rec.CurrentPrompt = ""
	r.update(ctx, rec, "session_start")

	rec.Status = protocol.StatusWorking
	rec.CurrentPrompt = task
	if err := r.startSend(ctx, protocol.OpStart, rec, ResumePrompt(rec.WorktreePath, task), PurposeResume); err != nil {
		r.logEvent(ctx, "resume_failed", rec.Name, map[string]string{"error": err.Error()})
		return
	}
	r.update(ctx, rec, "resume")
}

// onStop derives the next state from git facts each time, so repeated
// Stop events land on the same result.
func (r *Reconciler) onStop(ctx context.Context, rec registry.WorkerRecord, ev protocol.Event) {
	if rec.AgentSessionID != "" && ev.SessionID != "" && ev.SessionID != rec.AgentSessionID {
		r.logEvent(ctx, "stale_stop", rec.Name, map[string]string{"session_id": ev.SessionID, "current": rec.AgentSessionID})
		return
	}

	switch rec.Status {
	case protocol.StatusWorking:
		r.completeWork(ctx, rec, "stop")
	case protocol.StatusReviewing:
		r.finishSelfReview(ctx, rec)
	case protocol.StatusRebasing:
		r.finishRebase(ctx, rec)
	default:
		// Idle, NeedsReview and the rest only record the activity.
		r.update(ctx, rec, "stop")
	}
}

// completeWork moves a Working worker to NeedsReview if its branch has
// commits ahead of trunk; otherwise it stays Working.
func (r *Reconciler) completeWork(ctx context.Context, rec registry.WorkerRecord, trigger string) bool {
	ahead, err := r.deps.Git.CommitsAhead(ctx, rec.WorktreePath)
	if err != nil {
		r.logEvent(ctx, "git_error", rec.Name, map[string]string{"op": "commits_ahead", "error": err.Error()})
		r.update(ctx, rec, trigger)
		return false
	}
	if ahead == 0 {
		r.update(ctx, rec, trigger)
		return false
	}
	sha, err := r.deps.Git.HeadSHA(ctx, rec.WorktreePath)
	if err != nil {
		r.logEvent(ctx, "git_error", rec.Name, map[string]string{"op": "head", "error": err.Error()})
		r.update(ctx, rec, trigger)
		return false
	}

	rec.Status = protocol.StatusNeedsReview
	rec.CommitSHA = sha
	rec.CrashCount = 0
	rec.LastError = ""
	rec.PendingSelfReview = rec.SelfReview
	r.update(ctx, rec, trigger)
	return true
}

func (r *Reconciler) finishSelfReview(ctx context.Context, rec registry.WorkerRecord) {
	ahead, err := r.deps.Git.CommitsAhead(ctx, rec.WorktreePath)
	if err != nil {
		r.logEvent(ctx, "git_error", rec.Name, map[string]string{"op": "commits_ahead", "error": err.Error()})
		r.update(ctx, rec, "stop")
		return
	}
	if ahead == 0 {
		rec.Status = protocol.StatusNeedsInput
		rec.LastError = "self-review left no commits ahead of trunk"
		r.update(ctx, rec, "stop")
		return
	}
	if sha, err := r.deps.Git.HeadSHA(ctx, rec.WorktreePath); err == nil && sha != rec.CommitSHA {
		r.logEvent(ctx, "self_review_amended", rec.Name, map[string]string{"from": rec.CommitSHA, "to": sha})
		rec.CommitSHA = sha
	}
	rec.Status = protocol.StatusNeedsReview
	rec.PendingSelfReview = false
	r.update(ctx, rec, "stop")
}

// finishRebase returns a Rebasing worker to NeedsReview once its rebase has
// completed with nothing left unmerged.
func (r *Reconciler) finishRebase(ctx context.Context, rec registry.WorkerRecord) {
	inProgress, err := r.deps.Git.RebaseInProgress(ctx, rec.WorktreePath)
	if err != nil {
		r.logEvent(ctx, "git_error", rec.Name, map[string]string{"op": "rebase_in_progress", "error": err.Error()})
		r.update(ctx, rec, "stop")
		return
	}
	unmerged, err := r.deps.Git.UnmergedPaths(ctx, rec.WorktreePath)
	if err != nil {
		r.logEvent(ctx, "git_error", rec.Name, map[string]string{"op": "unmerged_paths", "error": err.Error()})
		r.update(ctx, rec, "stop")
		return
	}
	if inProgress || len(unmerged) > 0 {
		r.logEvent(ctx, "rebase_unfinished", rec.Name, map[string]any{"in_progress": inProgress, "unmerged": unmerged})
		r.update(ctx, rec, "stop")
		return
	}

	// Rebase again: a no-op when the agent finished cleanly, and a fresh
	// conflict prompt if trunk moved while it worked.
	sha, err := r.deps.Merger.Rebase(ctx, rec.Name, rec.WorktreePath)
	if err != nil {
		var cerr *gitops.ConflictError
		if errors.As(err, &cerr) {
			r.enterConflict(ctx, rec, cerr)
			return
		}
		r.logEvent(ctx, "rebase_failed", rec.Name, map[string]string{"error": err.Error()})
		r.update(ctx, rec, "stop")
		return
	}

	rec.Status = protocol.StatusNeedsReview
	rec.CommitSHA = sha
	rec.CurrentPrompt = ""
	rec.LastError = ""
	rec.PendingSelfReview = rec.SelfReview
	r.update(ctx, rec, "rebase_resolved")
}

// onSessionEnd classifies the exit, applies the crash policy and restarts
// the session unless the worker was escalated.
func (r *Reconciler) onSessionEnd(ctx context.Context, rec registry.WorkerRecord, reason string) {
	if rec.Status == protocol.StatusOffline && reason != recovery.ReasonSessionMissing {
		r.update(ctx, rec, "session_end")
		return
	}
	if rec.Status == protocol.StatusError {
		r.update(ctx, rec, "session_end")
		return
	}

	kind := recovery.ClassifyExit(reason, r.visible(ctx, rec))
	if kind == recovery.CrashContextReset {
		r.logEvent(ctx, "context_cleared", rec.Name, map[string]string{"reason": reason})
		r.update(ctx, rec, "session_end")
		return
	}
	// The sender's restart rung respawns the runtime inside the live
	// session; that delivery owns the outcome.
	if r.Sending(rec.Name) && r.sessionAlive(ctx, rec) {
		r.logEvent(ctx, "runtime_restarted", rec.Name, map[string]string{"reason": reason})
		r.update(ctx, rec, "session_end")
		return
	}

	r.forgetSend(rec.Name)
	out := recovery.ApplySessionEnd(&rec, kind, r.opts.MaxCrashes, r.now())
	r.logEvent(ctx, "session_ended", rec.Name, map[string]any{
		"reason": reason, "kind": kind, "crash_count": rec.CrashCount, "resume": out.Resume,
	})
	r.update(ctx, rec, "session_end")

	if out.Escalated {
		r.alert(protocol.AlertCrashLoop, rec.Name, "worker crashed repeatedly", rec.LastError)
		r.writeDiagnostics(ctx, rec, rec.LastError, "", nil)
		return
	}
	if out.Restart {
		r.restartSession(ctx, rec)
	}
}

func (r *Reconciler) sessionAlive(ctx context.Context, rec registry.WorkerRecord) bool {
	alive, err := r.deps.Sessions.Alive(ctx, rec.SessionID)
	return err == nil && alive
}

// restartSession replaces whatever is left of a worker's session with a
// fresh one. SessionStart brings the worker back to Idle.
func (r *Reconciler) restartSession(ctx context.Context, rec registry.WorkerRecord) {
	_ = r.deps.Sessions.Stop(ctx, rec.SessionID)
	if err := r.deps.Sessions.Start(ctx, rec.SessionID, rec.WorktreePath, rec.Runtime); err != nil {
		r.logEvent(ctx, "session_start_failed", rec.Name, map[string]string{"error": err.Error()})
		return
	}
	r.logEvent(ctx, "session_restarted", rec.Name, nil)
}
