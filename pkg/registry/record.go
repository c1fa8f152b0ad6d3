// Package registry holds the durable record of every worker and the store
// that persists it.
package registry

import "llmc/pkg/protocol"

// WorkerRecord is one agent slot. Name, Branch and WorktreePath are fixed
// at creation; everything else is mutated by the reconciler and recovery.
type WorkerRecord struct {
	Name         string `json:"name"`
	Branch       string `json:"branch"`
	WorktreePath string `json:"worktree_path"`
	SessionID    string `json:"session_id"` // tmux session name
	Runtime      string `json:"runtime"`

	Status            protocol.WorkerStatus `json:"status"`
	CurrentPrompt     string                `json:"current_prompt"`
	CommitSHA         string                `json:"commit_sha"`
	PendingSelfReview bool                  `json:"pending_self_review"`
	SelfReview        bool                  `json:"self_review"`

	CrashCount    int  `json:"crash_count"`
	ResumePending bool `json:"resume_pending"`
	NudgeLevel    int  `json:"nudge_level"`

	AgentSessionID string `json:"agent_session_id,omitempty"`
	LastError      string `json:"last_error,omitempty"`

	LastActivityUnix int64 `json:"last_activity_unix"`
	CreatedAtUnix    int64 `json:"created_at_unix"`
	LastCrashUnix    int64 `json:"last_crash_unix"`
	ErrorSinceUnix   int64 `json:"error_since_unix,omitempty"`
}

// Nudge levels stored in WorkerRecord.NudgeLevel.
const (
	NudgeNone = iota
	NudgeFirst
	NudgeFinal
	NudgeEscalated
)

// View projects the record for status output.
func (r WorkerRecord) View(sending bool) protocol.WorkerView {
	return protocol.WorkerView{
		Name:         r.Name,
		Status:       r.Status,
		Branch:       r.Branch,
		Runtime:      r.Runtime,
		CommitSHA:    r.CommitSHA,
		Prompt:       r.CurrentPrompt,
		CrashCount:   r.CrashCount,
		LastActivity: r.LastActivityUnix,
		LastError:    r.LastError,
		SelfReview:   r.SelfReview,
		Sending:      sending,
	}
}
