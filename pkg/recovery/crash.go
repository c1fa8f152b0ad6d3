// Package recovery decides what to do when a worker or the registry goes
// wrong: crash classification, stuck assessment, in-place repair, backup
// restore, filesystem rebuild and diagnostic bundles. Functions here are
// pure decisions over records; the reconciler and doctor apply them.
package recovery

import (
	"fmt"
	"strings"
	"time"

	"llmc/pkg/delivery"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// CrashKind classifies why a session ended.
type CrashKind string

// Crash kinds. Only killed and unknown-crash count toward the crash limit.
// A context reset is not an exit at all: the agent cleared its
// conversation and keeps running in the same session.
const (
	CrashContextReset CrashKind = "context_reset"
	CrashNormal       CrashKind = "normal"
	CrashInterrupted CrashKind = "interrupted"
	CrashKilled      CrashKind = "killed"
	CrashUnknown     CrashKind = "unknown_crash"
)

// Counts reports whether the kind increments the crash count.
func (k CrashKind) Counts() bool {
	return k == CrashKilled || k == CrashUnknown
}

// ReasonSessionMissing is the synthetic SessionEnd reason used when the
// tick finds a session gone without having been told.
const ReasonSessionMissing = "session_missing"

// ClassifyExit maps a SessionEnd reason, and the pane's last visible
// state when it could still be read, to a CrashKind. The reason wins;
// the exit status and screen text break ties.
func ClassifyExit(reason string, last *delivery.Visible) CrashKind {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "clear":
		return CrashContextReset
	case "logout", "prompt_input_exit", "exit":
		return CrashNormal
	case "interrupt", "interrupted", "sigint":
		return CrashInterrupted
	case "killed", "sigkill", "sigterm":
		return CrashKilled
	}
	if last == nil {
		return CrashUnknown
	}

	if last.ExitKnown {
		switch last.ExitCode {
		case 0:
			return CrashNormal
		case 130:
			return CrashInterrupted
		case 137, 143:
			return CrashKilled
		}
	}

	text := last.Text
	switch {
	case strings.Contains(text, "panic") || strings.Contains(text, "FATAL"):
		return CrashUnknown
	case strings.Contains(text, "/exit") || strings.Contains(text, "Goodbye"):
		return CrashNormal
	}
	return CrashUnknown
}

// CrashOutcome is what ApplySessionEnd decided.
type CrashOutcome struct {
	Kind      CrashKind
	Escalated bool // moved to Error; no restart
	Restart   bool // the daemon should start a fresh session
	Resume    bool // the task is resent once the new session starts
}

// ApplySessionEnd moves rec to Offline (or Error past the crash limit)
// according to kind and reports what the caller should do next. A context
// reset leaves rec untouched.
func ApplySessionEnd(rec *registry.WorkerRecord, kind CrashKind, maxCrashes int, now time.Time) CrashOutcome {
	out := CrashOutcome{Kind: kind}
	if kind == CrashContextReset {
		return out
	}
	wasActive := rec.Status.ActiveWork()

	rec.AgentSessionID = ""
	rec.NudgeLevel = registry.NudgeNone
	rec.PendingSelfReview = false

	if !kind.Counts() {
		rec.Status = protocol.StatusOffline
		rec.CurrentPrompt = ""
		rec.CommitSHA = ""
		rec.ResumePending = false
		out.Restart = true
		return out
	}

	rec.CrashCount++
	rec.LastCrashUnix = now.Unix()

	if rec.CrashCount >= maxCrashes {
		rec.Status = protocol.StatusError
		rec.ErrorSinceUnix = now.Unix()
		rec.ResumePending = false
		rec.LastError = fmt.Sprintf("%d crashes, last: %s", rec.CrashCount, kind)
		out.Escalated = true
		return out
	}

	rec.Status = protocol.StatusOffline
	rec.CommitSHA = ""
	out.Restart = true
	if wasActive && rec.CurrentPrompt != "" {
		rec.ResumePending = true
		out.Resume = true
	} else {
		rec.CurrentPrompt = ""
	}
	return out
}

// ShouldResetCrashCount reports whether rec has been crash-free for at
// least after.
func ShouldResetCrashCount(rec registry.WorkerRecord, now time.Time, after time.Duration) bool {
	if rec.CrashCount == 0 || rec.LastCrashUnix == 0 {
		return false
	}
	return now.Sub(time.Unix(rec.LastCrashUnix, 0)) >= after
}

// CrashNote is appended to a task that is resent after a crash restart.
const CrashNote = "Note: The session crashed during processing of this task and was restarted. " +
	"Check the worktree for partial progress (git status, git log) before continuing."
