package reconciler //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
)

func TestAdd_Rejections(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusIdle))
	ctx := context.Background()

	tests := []struct {
		name string
		give string
	}{
		{"invalid name", "Bad Name"},
		{"duplicate", "adam"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.r.Add(ctx, tt.give, "", false)
			if !isRejectionErr(err) {
				t.Errorf("Add(%q) err = %v, want rejection", tt.give, err)
			}
		})
	}
	if len(h.wt.created) != 0 {
		t.Errorf("worktrees created for rejected adds: %v", h.wt.created)
	}
}

func TestAdd_SessionFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.sessions.startErr = errors.New("tmux unavailable")

	if _, err := h.r.Add(context.Background(), "adam", "", false); err == nil {
		t.Fatal("Add succeeded with a failing session")
	}
	if h.r.Registry().Len() != 0 {
		t.Error("record kept after failed add")
	}
	if len(h.wt.removed) != 1 || len(h.wt.deleted) != 1 {
		t.Errorf("rollback removed=%v deleted=%v", h.wt.removed, h.wt.deleted)
	}
}

func TestStartTask(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusIdle))
	ctx := context.Background()

	if err := h.r.StartTask(ctx, "adam", "write X"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	rec := h.get(t, "adam")
	if rec.Status != protocol.StatusWorking || rec.CurrentPrompt != "write X" {
		t.Fatalf("after start: status=%s prompt=%q", rec.Status, rec.CurrentPrompt)
	}
	req := h.disp.last(t)
	if req.Purpose != PurposeTask || !strings.HasSuffix(req.Text, "write X") || !strings.Contains(req.Text, worktreePath("adam")) {
		t.Errorf("task send = %+v", req)
	}
	if !h.r.Sending("adam") {
		t.Error("send not tracked as in flight")
	}

	t.Run("second send rejected while one is in flight", func(t *testing.T) {
		err := h.r.Message(ctx, "adam", "also Y")
		if !isRejectionErr(err) {
			t.Fatalf("Message err = %v, want rejection", err)
		}
		if len(h.disp.reqs) != 1 {
			t.Errorf("dispatched %d sends, want 1", len(h.disp.reqs))
		}
	})

	t.Run("completion frees the slot", func(t *testing.T) {
		h.r.CompleteSend(ctx, SendResult{ID: req.ID, Worker: "adam", Purpose: req.Purpose})
		if h.r.Sending("adam") {
			t.Fatal("send still in flight")
		}
		if err := h.r.Message(ctx, "adam", "also Y"); err != nil {
			t.Errorf("Message after completion: %v", err)
		}
	})

	t.Run("start requires idle", func(t *testing.T) {
		if err := h.r.StartTask(ctx, "adam", "again"); !isRejectionErr(err) {
			t.Errorf("StartTask on working worker err = %v, want rejection", err)
		}
	})
}

func TestStartTask_DiscardsCommitsFromEarlierCycle(t *testing.T) {
	ctx := context.Background()
	path := worktreePath("adam")
	h := newHarness(t, worker("adam", protocol.StatusNeedsInput))
	h.git.ahead[path] = 1
	h.git.head[path] = shaA

	if err := h.r.Reset(ctx, "adam"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	h.r.HandleEvent(ctx, event(protocol.EventSessionStart, "adam"))
	if err := h.r.StartTask(ctx, "adam", "brand new task"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	if len(h.git.synced) != 1 || h.git.synced[0] != path {
		t.Fatalf("worktree not synced to trunk: %v", h.git.synced)
	}

	h.r.HandleEvent(ctx, event(protocol.EventStop, "adam"))
	if rec := h.get(t, "adam"); rec.Status != protocol.StatusWorking || rec.CommitSHA != "" {
		t.Fatalf("old commit went to review: %+v", rec)
	}

	h.git.ahead[path] = 1
	h.git.head[path] = shaB
	h.r.HandleEvent(ctx, event(protocol.EventStop, "adam"))
	if rec := h.get(t, "adam"); rec.Status != protocol.StatusNeedsReview || rec.CommitSHA != shaB {
		t.Errorf("after new commit: %+v", rec)
	}
}

func TestStartTask_SyncFailureLeavesIdle(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusIdle))
	h.git.syncErr = errors.New("fast-forward to main: diverged")

	err := h.r.StartTask(context.Background(), "adam", "write X")
	if err == nil || isRejectionErr(err) {
		t.Fatalf("StartTask err = %v, want a git error", err)
	}
	assertStatus(t, h, "adam", protocol.StatusIdle)
	if len(h.disp.reqs) != 0 {
		t.Errorf("sends = %+v, want none", h.disp.reqs)
	}
}

func TestCompleteSend_FailureMovesToError(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusIdle))
	ctx := context.Background()
	if err := h.r.StartTask(ctx, "adam", "write X"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	req := h.disp.last(t)

	h.r.CompleteSend(ctx, SendResult{ID: req.ID + 1, Worker: "adam", Err: errors.New("stale")})
	assertStatus(t, h, "adam", protocol.StatusWorking)

	h.r.CompleteSend(ctx, SendResult{
		ID: req.ID, Worker: "adam", Purpose: req.Purpose,
		Err: &protocol.TransportError{Worker: "adam", Reason: "submit not confirmed", Output: "> write X"},
	})

	rec := h.get(t, "adam")
	if rec.Status != protocol.StatusError || !strings.Contains(rec.LastError, "delivery failed") {
		t.Errorf("after failed send: %+v", rec)
	}
	if n := h.alerts.count(protocol.AlertDeliveryLost); n != 1 {
		t.Errorf("delivery alerts = %d, want 1", n)
	}
	if len(h.diag.reasons) != 1 {
		t.Errorf("diagnostic bundles = %d, want 1", len(h.diag.reasons))
	}
}

func TestCompleteSend_CancelledIsQuiet(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusIdle))
	ctx := context.Background()
	if err := h.r.StartTask(ctx, "adam", "write X"); err != nil {
		t.Fatalf("StartTask: %v", err)
	}
	req := h.disp.last(t)

	h.r.CompleteSend(ctx, SendResult{ID: req.ID, Worker: "adam", Err: context.Canceled})

	assertStatus(t, h, "adam", protocol.StatusWorking)
	if len(h.alerts.calls) != 0 {
		t.Errorf("alerts = %v", h.alerts.calls)
	}
}

func TestMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("needs input goes back to working", func(t *testing.T) {
		rec := worker("adam", protocol.StatusNeedsInput)
		rec.LastError = "agent is waiting for input"
		h := newHarness(t, rec)

		if err := h.r.Message(ctx, "adam", "use option 2"); err != nil {
			t.Fatalf("Message: %v", err)
		}
		got := h.get(t, "adam")
		if got.Status != protocol.StatusWorking || got.CurrentPrompt != "use option 2" || got.LastError != "" {
			t.Errorf("after message: %+v", got)
		}
	})

	t.Run("rejected in needs review", func(t *testing.T) {
		h := newHarness(t, worker("adam", protocol.StatusNeedsReview))
		if err := h.r.Message(ctx, "adam", "hi"); !isRejectionErr(err) {
			t.Errorf("err = %v, want rejection", err)
		}
	})

	t.Run("unknown worker", func(t *testing.T) {
		h := newHarness(t)
		if err := h.r.Message(ctx, "ghost", "hi"); !isRejectionErr(err) {
			t.Errorf("err = %v, want rejection", err)
		}
	})
}

func TestAccept_RemovesWorker(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusNeedsReview))
	h.merger.acceptRes = &gitops.Result{CommitSHA: shaB, Message: "Add X"}

	res, err := h.r.Accept(context.Background(), "adam")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if res.CommitSHA != shaB {
		t.Errorf("commit = %s", res.CommitSHA)
	}
	if _, ok := h.r.Registry().Get("adam"); ok {
		t.Error("worker still registered after accept")
	}
	if len(h.merger.accepted) != 1 || h.merger.accepted[0].Branch != protocol.BranchName("adam") {
		t.Errorf("merger calls = %+v", h.merger.accepted)
	}
	if len(h.sessions.stopped) != 1 {
		t.Errorf("session not stopped: %v", h.sessions.stopped)
	}
	if !h.journal.sawTransition("adam", "removed") {
		t.Error("removal not journaled")
	}
}

func TestAccept_RebasesOtherReviewers(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusNeedsReview), worker("bob", protocol.StatusNeedsReview))
	h.merger.acceptRes = &gitops.Result{CommitSHA: shaB}
	h.merger.rebaseSHA = "cccccccccccccccccccccccccccccccccccccccc"

	if _, err := h.r.Accept(context.Background(), "adam"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	rec := h.get(t, "bob")
	if rec.Status != protocol.StatusNeedsReview || rec.CommitSHA != h.merger.rebaseSHA {
		t.Errorf("bob after trunk advance: %+v", rec)
	}
	if !h.journal.sawTransition("bob", string(protocol.StatusRebasing)) {
		t.Error("bob's pass through rebasing not journaled")
	}
}

func TestAccept_ConflictSendsWorkerToRebasing(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusNeedsReview))
	h.merger.acceptErr = &gitops.ConflictError{Files: []string{"pkg/a.go"}, Worker: "adam"}

	_, err := h.r.Accept(context.Background(), "adam")
	if !isRejectionErr(err) {
		t.Fatalf("err = %v, want rejection", err)
	}

	rec := h.get(t, "adam")
	if rec.Status != protocol.StatusRebasing {
		t.Fatalf("status = %s, want rebasing", rec.Status)
	}
	if !strings.Contains(rec.CurrentPrompt, "pkg/a.go (2 conflict markers)") {
		t.Errorf("conflict prompt = %q", rec.CurrentPrompt)
	}
	if n := h.alerts.count(protocol.AlertMergeConflict); n != 1 {
		t.Errorf("conflict alerts = %d, want 1", n)
	}
	if req := h.disp.last(t); req.Purpose != PurposeConflict {
		t.Errorf("purpose = %s", req.Purpose)
	}
}

func TestAccept_MergedWithCleanupPending(t *testing.T) {
	tests := []struct {
		name       string
		removeErr  error
		wantAlerts int
	}{
		{"retried cleanup succeeds", nil, 0},
		{"leftover worktree is reported", errors.New("worktree is locked"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, worker("adam", protocol.StatusNeedsReview))
			landed := &gitops.Result{CommitSHA: shaB, Message: "Add X"}
			h.merger.acceptRes = landed
			h.merger.acceptErr = &gitops.CleanupError{Result: landed, Pending: []string{"remove worktree"}, Err: errors.New("busy")}
			h.wt.removeErr = tt.removeErr

			res, err := h.r.Accept(context.Background(), "adam")
			if err != nil {
				t.Fatalf("Accept: %v", err)
			}
			if res.CommitSHA != shaB {
				t.Errorf("commit = %s", res.CommitSHA)
			}
			if _, ok := h.r.Registry().Get("adam"); ok {
				t.Error("merged worker left in review")
			}
			if len(h.wt.deleted) != 1 {
				t.Errorf("branch delete not retried: %v", h.wt.deleted)
			}
			if n := h.alerts.count(protocol.AlertRecovery); n != tt.wantAlerts {
				t.Errorf("recovery alerts = %d, want %d", n, tt.wantAlerts)
			}
		})
	}
}

func TestAccept_RequiresNeedsReview(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusWorking))
	if _, err := h.r.Accept(context.Background(), "adam"); !isRejectionErr(err) {
		t.Errorf("err = %v, want rejection", err)
	}
	if len(h.merger.accepted) != 0 {
		t.Error("merger called for a working worker")
	}
}

func TestReject(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusNeedsReview))
	h.git.diff = "diff --git a/x.go b/x.go\n+func X() {}\n"

	if err := h.r.Reject(context.Background(), "adam", "add a test"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	rec := h.get(t, "adam")
	if rec.Status != protocol.StatusWorking || rec.CommitSHA != "" {
		t.Fatalf("after reject: status=%s sha=%q", rec.Status, rec.CommitSHA)
	}
	for _, want := range []string{"write X", "add a test", "func X() {}"} {
		if !strings.Contains(rec.CurrentPrompt, want) {
			t.Errorf("reject prompt missing %q", want)
		}
	}
	if req := h.disp.last(t); req.Purpose != PurposeReject {
		t.Errorf("purpose = %s", req.Purpose)
	}
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("tears everything down", func(t *testing.T) {
		h := newHarness(t, worker("adam", protocol.StatusIdle))
		if err := h.r.Remove(ctx, "adam"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if h.r.Registry().Len() != 0 {
			t.Error("record kept")
		}
		if len(h.wt.removed) != 1 || len(h.wt.deleted) != 1 || len(h.sessions.stopped) != 1 {
			t.Errorf("teardown: removed=%v deleted=%v stopped=%v", h.wt.removed, h.wt.deleted, h.sessions.stopped)
		}
	})

	t.Run("partial failure keeps the record", func(t *testing.T) {
		h := newHarness(t, worker("adam", protocol.StatusIdle))
		h.wt.removeErr = errors.New("permission denied")
		if err := h.r.Remove(ctx, "adam"); err == nil {
			t.Fatal("Remove succeeded")
		}
		if _, ok := h.r.Registry().Get("adam"); !ok {
			t.Error("record dropped after failed teardown")
		}
	})
}

func TestReset(t *testing.T) {
	rec := worker("adam", protocol.StatusError)
	rec.CrashCount = 3
	rec.LastError = "3 crashes, last: killed"
	h := newHarness(t, rec)

	if err := h.r.Reset(context.Background(), "adam"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got := h.get(t, "adam")
	if got.Status != protocol.StatusOffline || got.CrashCount != 0 || got.LastError != "" || got.CurrentPrompt != "" {
		t.Errorf("after reset: %+v", got)
	}
	if len(h.sessions.started) != 1 {
		t.Errorf("session not restarted: %v", h.sessions.started)
	}

	if err := h.r.Reset(context.Background(), "adam"); !isRejectionErr(err) {
		t.Errorf("reset of offline worker err = %v, want rejection", err)
	}
}

func TestReview(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusNeedsReview), worker("bob", protocol.StatusIdle))
	h.git.diff = "diff --git a/x b/x"
	h.git.subject = "Add X"

	view, err := h.r.Review(context.Background(), "adam")
	if err != nil {
		t.Fatalf("Review: %v", err)
	}
	if view.CommitSHA != shaA || view.Subject != "Add X" || view.Diff != h.git.diff {
		t.Errorf("view = %+v", view)
	}

	if _, err := h.r.Review(context.Background(), "bob"); !isRejectionErr(err) {
		t.Errorf("review without commit err = %v, want rejection", err)
	}
}

func TestHandle(t *testing.T) {
	h := newHarness(t, worker("adam", protocol.StatusIdle), worker("bob", protocol.StatusWorking))
	ctx := context.Background()

	resp := h.r.Handle(ctx, protocol.Request{Op: protocol.OpStatus})
	if !resp.Success {
		t.Fatalf("status failed: %s", resp.Error)
	}
	var views []protocol.WorkerView
	if err := json.Unmarshal(resp.Data, &views); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(views) != 2 || views[0].Name != "adam" || views[1].Status != protocol.StatusWorking {
		t.Errorf("views = %+v", views)
	}

	resp = h.r.Handle(ctx, protocol.Request{Op: protocol.OpAccept, Worker: "adam"})
	if resp.Success || !strings.Contains(resp.Error, "needs_review") {
		t.Errorf("accept of idle worker = %+v", resp)
	}

	resp = h.r.Handle(ctx, protocol.Request{Op: protocol.OpStart, Worker: "adam", Text: "write X"})
	if !resp.Success {
		t.Errorf("start failed: %s", resp.Error)
	}
}
