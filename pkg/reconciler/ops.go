package reconciler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// Handle runs a command-surface request and builds its response.
func (r *Reconciler) Handle(ctx context.Context, req protocol.Request) protocol.Response {
	var (
		data any
		err  error
	)
	switch req.Op {
	case protocol.OpAdd:
		data, err = r.Add(ctx, req.Worker, req.Runtime, req.SelfReview)
	case protocol.OpRemove:
		err = r.Remove(ctx, req.Worker)
	case protocol.OpStart:
		err = r.StartTask(ctx, req.Worker, req.Text)
	case protocol.OpMessage:
		err = r.Message(ctx, req.Worker, req.Text)
	case protocol.OpSelfReview:
		err = r.RequestSelfReview(ctx, req.Worker)
	case protocol.OpAccept:
		data, err = r.Accept(ctx, req.Worker)
	case protocol.OpReject:
		err = r.Reject(ctx, req.Worker, req.Text)
	case protocol.OpRebase:
		data, err = r.RequestRebase(ctx, req.Worker)
	case protocol.OpReset:
		err = r.Reset(ctx, req.Worker)
	case protocol.OpStatus:
		data = r.Status()
	case protocol.OpReview:
		data, err = r.Review(ctx, req.Worker)
	default:
		err = fmt.Errorf("unknown op %q", req.Op)
	}

	if err != nil {
		if !isRejection(err) {
			r.logEvent(ctx, "op_failed", req.Worker, map[string]string{"op": string(req.Op), "error": err.Error()})
		}
		return protocol.Fail(err)
	}
	r.logEvent(ctx, "op", req.Worker, map[string]string{"op": string(req.Op)})
	return protocol.OK(data)
}

// Add creates a worker: worktree and branch, hook settings, then session.
// Any failure undoes what was already created.
func (r *Reconciler) Add(ctx context.Context, name, runtime string, selfReview bool) (protocol.WorkerView, error) {
	op := protocol.OpAdd
	if !registry.NamePattern.MatchString(name) {
		return protocol.WorkerView{}, &protocol.RejectionError{Op: op, Worker: name,
			Reason: "name must match " + registry.NamePattern.String()}
	}
	if _, ok := r.reg.Get(name); ok {
		return protocol.WorkerView{}, &protocol.RejectionError{Op: op, Worker: name, Reason: "worker already exists"}
	}
	if owner, ok := r.reg.BranchOwner(protocol.BranchName(name)); ok {
		return protocol.WorkerView{}, &protocol.RejectionError{Op: op, Worker: name,
			Reason: "branch " + protocol.BranchName(name) + " is held by " + owner}
	}
	if runtime == "" {
		runtime = r.opts.DefaultRuntime
	}

	path, branch, err := r.deps.Worktrees.Create(ctx, name)
	if err != nil {
		return protocol.WorkerView{}, err
	}
	rollback := func() {
		_ = r.deps.Worktrees.Remove(ctx, path)
		_ = r.deps.Worktrees.DeleteBranch(ctx, branch)
	}

	if r.deps.Hooks != nil {
		if err := r.deps.Hooks(path, name); err != nil {
			rollback()
			return protocol.WorkerView{}, fmt.Errorf("write hook settings for %s: %w", name, err)
		}
	}

	session := protocol.SessionName(name)
	if err := r.deps.Sessions.Start(ctx, session, path, runtime); err != nil {
		_ = r.deps.Sessions.Stop(ctx, session)
		rollback()
		return protocol.WorkerView{}, fmt.Errorf("start session for %s: %w", name, err)
	}

	now := r.now().Unix()
	rec := registry.WorkerRecord{
		Name:             name,
		Branch:           branch,
		WorktreePath:     path,
		SessionID:        session,
		Runtime:          runtime,
		Status:           protocol.StatusOffline,
		SelfReview:       selfReview || r.opts.SelfReview,
		CreatedAtUnix:    now,
		LastActivityUnix: now,
	}
	r.update(ctx, rec, "add")
	return rec.View(false), nil
}

// Remove tears down session, worktree and branch. The record is dropped
// only once every piece is gone; pieces already missing are fine.
func (r *Reconciler) Remove(ctx context.Context, name string) error {
	rec, err := r.lookup(protocol.OpRemove, name)
	if err != nil {
		return err
	}
	r.forgetSend(name)

	var errs []error
	if err := r.deps.Sessions.Stop(ctx, rec.SessionID); err != nil {
		errs = append(errs, fmt.Errorf("stop session: %w", err))
	}
	if err := r.deps.Worktrees.Remove(ctx, rec.WorktreePath); err != nil {
		errs = append(errs, fmt.Errorf("remove worktree: %w", err))
	}
	if err := r.deps.Worktrees.DeleteBranch(ctx, rec.Branch); err != nil {
		errs = append(errs, fmt.Errorf("delete branch: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("remove %s incomplete, record kept: %w", name, errors.Join(errs...))
	}

	r.drop(ctx, rec, "remove")
	return nil
}

// drop deletes a record and journals the removal.
func (r *Reconciler) drop(ctx context.Context, rec registry.WorkerRecord, trigger string) {
	r.reg.Remove(rec.Name)
	r.forgetSend(rec.Name)
	r.dirty = true
	_ = r.deps.Journal.LogTransition(ctx, rec.Name, string(rec.Status), "removed", trigger)
}

// StartTask gives an Idle worker a task.
func (r *Reconciler) StartTask(ctx context.Context, name, prompt string) error {
	op := protocol.OpStart
	rec, err := r.lookup(op, name)
	if err != nil {
		return err
	}
	if err := require(op, rec, protocol.StatusIdle); err != nil {
		return err
	}
	if prompt == "" {
		return &protocol.RejectionError{Op: op, Worker: name, Reason: "empty prompt"}
	}
	if r.Sending(name) {
		return &protocol.RejectionError{Op: op, Worker: name, Status: rec.Status, Reason: "a delivery is already in flight"}
	}

	// A new task starts from trunk; commits still on the branch belong to
	// an earlier cycle and must not be reviewed as this task's work.
	reset, err := r.deps.Git.SyncToTrunk(ctx, rec.WorktreePath)
	if err != nil {
		r.logEvent(ctx, "git_error", name, map[string]string{"op": "sync_to_trunk", "error": err.Error()})
		return fmt.Errorf("prepare worktree for %s: %w", name, err)
	}
	if reset {
		r.logEvent(ctx, "stale_commits_reset", name, nil)
	}

	rec.Status = protocol.StatusWorking
	rec.CurrentPrompt = prompt
	rec.CommitSHA = ""
	rec.LastError = ""
	rec.NudgeLevel = registry.NudgeNone
	rec.LastActivityUnix = r.now().Unix()
	if err := r.startSend(ctx, op, rec, TaskPrompt(rec.WorktreePath, prompt), PurposeTask); err != nil {
		return err
	}
	r.update(ctx, rec, "start")
	return nil
}

// Message sends free text to a worker. Idle and NeedsInput workers go back
// to Working.
func (r *Reconciler) Message(ctx context.Context, name, text string) error {
	op := protocol.OpMessage
	rec, err := r.lookup(op, name)
	if err != nil {
		return err
	}
	if err := require(op, rec, protocol.StatusWorking, protocol.StatusNeedsInput, protocol.StatusReviewing,
		protocol.StatusRebasing, protocol.StatusIdle); err != nil {
		return err
	}

	if rec.Status == protocol.StatusIdle || rec.Status == protocol.StatusNeedsInput {
		rec.Status = protocol.StatusWorking
		if rec.CurrentPrompt == "" {
			rec.CurrentPrompt = text
		}
	}
	rec.LastError = ""
	rec.NudgeLevel = registry.NudgeNone
	rec.LastActivityUnix = r.now().Unix()
	if err := r.startSend(ctx, op, rec, text, PurposeMessage); err != nil {
		return err
	}
	r.update(ctx, rec, "message")
	return nil
}

// RequestSelfReview queues a self-review; the next tick sends it.
func (r *Reconciler) RequestSelfReview(ctx context.Context, name string) error {
	op := protocol.OpSelfReview
	rec, err := r.lookup(op, name)
	if err != nil {
		return err
	}
	if err := require(op, rec, protocol.StatusNeedsReview); err != nil {
		return err
	}
	rec.PendingSelfReview = true
	r.update(ctx, rec, "self_review_requested")
	return nil
}

// Accept lands a NeedsReview worker's commit on trunk and removes the
// worker. A rebase conflict sends the worker back to Rebasing instead.
func (r *Reconciler) Accept(ctx context.Context, name string) (*gitops.Result, error) {
	op := protocol.OpAccept
	rec, err := r.lookup(op, name)
	if err != nil {
		return nil, err
	}
	if err := require(op, rec, protocol.StatusNeedsReview); err != nil {
		return nil, err
	}
	if r.Sending(name) {
		return nil, &protocol.RejectionError{Op: op, Worker: name, Status: rec.Status, Reason: "a delivery is already in flight"}
	}

	res, err := r.deps.Merger.Accept(ctx, gitops.AcceptOpts{Worker: name, Branch: rec.Branch, Worktree: rec.WorktreePath})
	var cleanup *gitops.CleanupError
	if errors.As(err, &cleanup) {
		res, err = cleanup.Result, nil
		r.finishAcceptCleanup(ctx, rec, cleanup)
	}
	if err != nil {
		var cerr *gitops.ConflictError
		switch {
		case errors.As(err, &cerr):
			r.enterConflict(ctx, rec, cerr)
			return nil, &protocol.RejectionError{Op: op, Worker: name, Status: rec.Status,
				Reason: "rebase onto trunk conflicts in " + joinFiles(cerr.Files) + "; worker is resolving it"}
		case errors.Is(err, gitops.ErrNothingToAccept):
			return nil, &protocol.RejectionError{Op: op, Worker: name, Status: rec.Status, Reason: err.Error()}
		}
		return nil, err
	}

	if err := r.deps.Sessions.Stop(ctx, rec.SessionID); err != nil {
		r.logEvent(ctx, "session_stop_failed", name, map[string]string{"error": err.Error()})
	}
	r.logEvent(ctx, "accepted", name, map[string]string{"commit": res.CommitSHA, "message": res.Message})
	r.drop(ctx, rec, "accept")

	r.advanceTrunk(ctx, res.CommitSHA)
	return res, nil
}

// finishAcceptCleanup retries the teardown an accept could not finish.
// The commit is already on trunk, so the record goes regardless; whatever
// is still left over is reported to the operator.
func (r *Reconciler) finishAcceptCleanup(ctx context.Context, rec registry.WorkerRecord, cleanup *gitops.CleanupError) {
	r.logEvent(ctx, "accept_cleanup_pending", rec.Name, map[string]any{
		"commit": cleanup.Result.CommitSHA, "pending": cleanup.Pending, "error": cleanup.Err.Error(),
	})

	var left []string
	if !cleanup.Published() {
		left = append(left, "trunk not pushed to the remote")
	}
	if err := r.deps.Worktrees.Remove(ctx, rec.WorktreePath); err != nil {
		left = append(left, "worktree "+rec.WorktreePath+": "+err.Error())
	}
	if err := r.deps.Worktrees.DeleteBranch(ctx, rec.Branch); err != nil {
		left = append(left, "branch "+rec.Branch+": "+err.Error())
	}
	if len(left) > 0 {
		r.alert(protocol.AlertRecovery, rec.Name, "accepted "+shortSHA(cleanup.Result.CommitSHA)+" but cleanup is incomplete",
			strings.Join(left, "; "))
	}
}

// Reject sends the worker back to Working with the reviewer's notes and
// the diff under review.
func (r *Reconciler) Reject(ctx context.Context, name, notes string) error {
	op := protocol.OpReject
	rec, err := r.lookup(op, name)
	if err != nil {
		return err
	}
	if err := require(op, rec, protocol.StatusNeedsReview); err != nil {
		return err
	}

	diff, err := r.deps.Git.Diff(ctx, rec.WorktreePath, rec.CommitSHA)
	if err != nil {
		r.logEvent(ctx, "git_error", name, map[string]string{"op": "diff", "error": err.Error()})
		diff = ""
	}
	prompt := RejectPrompt(rec.CurrentPrompt, notes, diff)

	rec.Status = protocol.StatusWorking
	rec.CurrentPrompt = prompt
	rec.CommitSHA = ""
	rec.PendingSelfReview = false
	rec.NudgeLevel = registry.NudgeNone
	rec.LastActivityUnix = r.now().Unix()
	if err := r.startSend(ctx, op, rec, prompt, PurposeReject); err != nil {
		return err
	}
	r.update(ctx, rec, "reject")
	return nil
}

// RequestRebase runs the trunk-advance path for one NeedsReview worker and
// returns its resulting view.
func (r *Reconciler) RequestRebase(ctx context.Context, name string) (protocol.WorkerView, error) {
	op := protocol.OpRebase
	rec, err := r.lookup(op, name)
	if err != nil {
		return protocol.WorkerView{}, err
	}
	if err := require(op, rec, protocol.StatusNeedsReview); err != nil {
		return protocol.WorkerView{}, err
	}
	if r.Sending(name) {
		return protocol.WorkerView{}, &protocol.RejectionError{Op: op, Worker: name, Status: rec.Status, Reason: "a delivery is already in flight"}
	}
	if err := r.rebase(ctx, rec); err != nil {
		return protocol.WorkerView{}, err
	}
	rec, _ = r.reg.Get(name)
	return rec.View(r.Sending(name)), nil
}

// Reset clears an Error or NeedsInput worker and restarts its session.
func (r *Reconciler) Reset(ctx context.Context, name string) error {
	op := protocol.OpReset
	rec, err := r.lookup(op, name)
	if err != nil {
		return err
	}
	if err := require(op, rec, protocol.StatusError, protocol.StatusNeedsInput); err != nil {
		return err
	}
	r.forgetSend(name)

	rec.Status = protocol.StatusOffline
	rec.CrashCount = 0
	rec.LastCrashUnix = 0
	rec.CurrentPrompt = ""
	rec.CommitSHA = ""
	rec.LastError = ""
	rec.ErrorSinceUnix = 0
	rec.ResumePending = false
	rec.PendingSelfReview = false
	rec.NudgeLevel = registry.NudgeNone
	rec.AgentSessionID = ""
	rec.LastActivityUnix = r.now().Unix()
	r.update(ctx, rec, "reset")
	r.restartSession(ctx, rec)
	return nil
}

// Status returns every worker's view.
func (r *Reconciler) Status() []protocol.WorkerView {
	recs := r.reg.Snapshot()
	out := make([]protocol.WorkerView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.View(r.Sending(rec.Name)))
	}
	return out
}

// Review returns the commit and diff a worker has up for review.
func (r *Reconciler) Review(ctx context.Context, name string) (protocol.ReviewView, error) {
	op := protocol.OpReview
	rec, err := r.lookup(op, name)
	if err != nil {
		return protocol.ReviewView{}, err
	}
	if rec.CommitSHA == "" {
		reason := "no commit to review"
		if rec.Status == protocol.StatusNeedsReview && rec.PendingSelfReview {
			reason = "awaiting self-review"
		}
		return protocol.ReviewView{}, &protocol.RejectionError{Op: op, Worker: name, Status: rec.Status, Reason: reason}
	}

	diff, err := r.deps.Git.Diff(ctx, rec.WorktreePath, rec.CommitSHA)
	if err != nil {
		return protocol.ReviewView{}, err
	}
	subject, err := r.deps.Git.CommitSubject(ctx, rec.WorktreePath, rec.CommitSHA)
	if err != nil {
		return protocol.ReviewView{}, err
	}
	return protocol.ReviewView{
		Worker:    name,
		Status:    rec.Status,
		CommitSHA: rec.CommitSHA,
		Subject:   subject,
		Prompt:    rec.CurrentPrompt,
		Diff:      diff,
	}, nil
}

func joinFiles(files []string) string {
	switch len(files) {
	case 0:
		return "unknown files"
	case 1:
		return files[0]
	}
	out := files[0]
	for _, f := range files[1:] {
		out += ", " + f
	}
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
