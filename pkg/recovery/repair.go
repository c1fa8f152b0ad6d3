package recovery

import (
	"context"
	"sort"
	"time"

	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// HeadLookup returns the tip commit of a worktree.
type HeadLookup func(ctx context.Context, worktree string) (string, error)

// Repair records one in-place fix.
type Repair struct {
	Worker string `json:"worker"`
	Field  string `json:"field"`
	Action string `json:"action"`
}

// RepairViolations fixes every repairable violation in reg and returns
// what it did along with the violations it left alone. head may be nil,
// in which case review-pending workers without a commit are downgraded.
func RepairViolations(ctx context.Context, reg *registry.Registry, violations []protocol.Violation,
	now time.Time, head HeadLookup,
) ([]Repair, []protocol.Violation) {
	var repairs []Repair
	var remaining []protocol.Violation

	for _, v := range violations {
		if !v.Repairable {
			remaining = append(remaining, v)
			continue
		}
		rec, ok := reg.Get(v.Worker)
		if !ok {
			remaining = append(remaining, v)
			continue
		}
		action, fixed := repairOne(ctx, &rec, v.Field, now, head)
		if !fixed {
			remaining = append(remaining, v)
			continue
		}
		reg.Set(rec)
		repairs = append(repairs, Repair{Worker: v.Worker, Field: v.Field, Action: action})
	}
	return repairs, remaining
}

func repairOne(ctx context.Context, rec *registry.WorkerRecord, field string, now time.Time, head HeadLookup) (string, bool) {
	switch field {
	case registry.FieldLastActivity, registry.FieldCreatedAt, registry.FieldLastCrash, registry.FieldErrorSince:
		clampFuture(rec, now.Unix())
		return "clamped future timestamp to now", true

	case registry.FieldCommitSHA:
		if !rec.Status.ReviewPending() || rec.CommitSHA != "" {
			return "already consistent", true
		}
		if head != nil {
			if sha, err := head(ctx, rec.WorktreePath); err == nil && sha != "" {
				rec.CommitSHA = sha
				return "set commit to worktree HEAD " + shortSHA(sha), true
			}
		}
		rec.Status = protocol.StatusNeedsInput
		rec.LastError = "review state lost its commit"
		return "downgraded to needs_input: no commit found", true

	}
	return "", false
}

func clampFuture(rec *registry.WorkerRecord, now int64) {
	for _, ts := range []*int64{&rec.LastActivityUnix, &rec.CreatedAtUnix, &rec.LastCrashUnix, &rec.ErrorSinceUnix} {
		if *ts > now {
			*ts = now
		}
	}
}

// Quarantine moves a worker with an unrepairable violation to Error so the
// rest of the pool keeps running.
func Quarantine(rec *registry.WorkerRecord, reason string, now time.Time) {
	rec.Status = protocol.StatusError
	rec.LastError = reason
	rec.ErrorSinceUnix = now.Unix()
	rec.ResumePending = false
	rec.PendingSelfReview = false
}

// ViolatedWorkers returns the sorted, distinct worker names in vs.
func ViolatedWorkers(vs []protocol.Violation) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range vs {
		if v.Worker == "" || seen[v.Worker] {
			continue
		}
		seen[v.Worker] = true
		out = append(out, v.Worker)
	}
	sort.Strings(out)
	return out
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
