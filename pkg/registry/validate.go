package registry

import (
	"regexp"
	"time"

	"llmc/pkg/protocol"
)

// NamePattern constrains worker names. Names become branch, session and
// directory names, so they stay lowercase and shell-safe.
var NamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// Field names used in violations.
const (
	FieldName          = "name"
	FieldBranch        = "branch"
	FieldWorktreePath  = "worktree_path"
	FieldSessionID     = "session_id"
	FieldStatus        = "status"
	FieldCurrentPrompt = "current_prompt"
	FieldCommitSHA     = "commit_sha"
	FieldLastActivity  = "last_activity_unix"
	FieldCreatedAt     = "created_at_unix"
	FieldLastCrash     = "last_crash_unix"
	FieldErrorSince    = "error_since_unix"
)

// CheckSchema validates each record on its own: required fields, a known
// status and no future timestamps. Only future timestamps are repairable.
func CheckSchema(records []WorkerRecord, now time.Time) []protocol.Violation {
	var out []protocol.Violation
	for _, rec := range records {
		out = append(out, checkRecord(rec, now)...)
	}
	return out
}

func checkRecord(rec WorkerRecord, now time.Time) []protocol.Violation {
	var out []protocol.Violation
	bad := func(field, problem string, repairable bool) {
		out = append(out, protocol.Violation{Worker: rec.Name, Field: field, Problem: problem, Repairable: repairable})
	}

	switch {
	case rec.Name == "":
		bad(FieldName, "empty", false)
	case !NamePattern.MatchString(rec.Name):
		bad(FieldName, "does not match "+NamePattern.String(), false)
	}
	if rec.Branch == "" {
		bad(FieldBranch, "empty", false)
	}
	if rec.WorktreePath == "" {
		bad(FieldWorktreePath, "empty", false)
	}
	if rec.SessionID == "" {
		bad(FieldSessionID, "empty", false)
	}
	if !rec.Status.Valid() {
		bad(FieldStatus, "unknown status "+string(rec.Status), false)
	}

	cutoff := now.Unix()
	for _, ts := range []struct {
		field string
		v     int64
	}{
		{FieldLastActivity, rec.LastActivityUnix},
		{FieldCreatedAt, rec.CreatedAtUnix},
		{FieldLastCrash, rec.LastCrashUnix},
		{FieldErrorSince, rec.ErrorSinceUnix},
	} {
		if ts.v > cutoff {
			bad(ts.field, "in the future", true)
		}
	}
	return out
}

// CheckConsistency validates relations across and within records:
// unique names and branches, commits on review-pending workers and
// prompts on active workers. Only a missing commit is repairable, since
// git can supply it; a lost prompt cannot be recovered from anywhere.
func CheckConsistency(records []WorkerRecord) []protocol.Violation {
	var out []protocol.Violation
	names := make(map[string]bool, len(records))
	branches := make(map[string]string, len(records))

	for _, rec := range records {
		if names[rec.Name] {
			out = append(out, protocol.Violation{Worker: rec.Name, Field: FieldName, Problem: "duplicate name"})
		}
		names[rec.Name] = true

		if owner, ok := branches[rec.Branch]; ok && rec.Branch != "" {
			out = append(out, protocol.Violation{Worker: rec.Name, Field: FieldBranch, Problem: "branch also held by " + owner})
		}
		branches[rec.Branch] = rec.Name

		if rec.Status.ReviewPending() && rec.CommitSHA == "" {
			out = append(out, protocol.Violation{
				Worker: rec.Name, Field: FieldCommitSHA,
				Problem: string(rec.Status) + " without a commit", Repairable: true,
			})
		}
		if rec.Status.ActiveWork() && rec.CurrentPrompt == "" {
			out = append(out, protocol.Violation{
				Worker: rec.Name, Field: FieldCurrentPrompt,
				Problem: string(rec.Status) + " without a prompt",
			})
		}
	}
	return out
}

// Validate runs both checks and returns the first failing class as an
// IntegrityError, or nil.
func Validate(path string, records []WorkerRecord, now time.Time) *protocol.IntegrityError {
	if v := CheckSchema(records, now); len(v) > 0 {
		return &protocol.IntegrityError{Kind: protocol.IntegritySchema, Path: path, Violations: v}
	}
	if v := CheckConsistency(records); len(v) > 0 {
		return &protocol.IntegrityError{Kind: protocol.IntegrityConsistency, Path: path, Violations: v}
	}
	return nil
}
