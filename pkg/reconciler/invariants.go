package reconciler

import (
	"context"

	"llmc/pkg/protocol"
	"llmc/pkg/recovery"
	"llmc/pkg/registry"
)

// Invariant names carried by FatalError.
const (
	InvariantLiveSession   = "live-session"
	InvariantReviewCommit  = "review-has-commit"
	InvariantActivePrompt  = "active-has-prompt"
	InvariantUniqueNames   = "unique-names"
	InvariantNoFutureTimes = "no-future-timestamps"
	InvariantKnownStatus   = "known-status"
)

// checkRecord enforces the per-record invariants on every write.
func checkRecord(rec registry.WorkerRecord) *protocol.FatalError {
	switch {
	case !rec.Status.Valid():
		return &protocol.FatalError{Worker: rec.Name, Invariant: InvariantKnownStatus, Detail: "status " + string(rec.Status)}
	case rec.Status.ReviewPending() && rec.CommitSHA == "":
		return &protocol.FatalError{Worker: rec.Name, Invariant: InvariantReviewCommit, Detail: string(rec.Status) + " without commit_sha"}
	case rec.Status.ActiveWork() && rec.CurrentPrompt == "":
		return &protocol.FatalError{Worker: rec.Name, Invariant: InvariantActivePrompt, Detail: string(rec.Status) + " without current_prompt"}
	}
	return nil
}

// scanIntegrity validates the whole registry in memory, repairs what it
// can and quarantines workers whose violations cannot be repaired.
func (r *Reconciler) scanIntegrity(ctx context.Context) {
	now := r.now()
	records := r.reg.Snapshot()
	violations := append(registry.CheckSchema(records, now), registry.CheckConsistency(records)...)
	if len(violations) == 0 {
		return
	}

	var head recovery.HeadLookup
	if r.deps.Git != nil {
		head = r.deps.Git.HeadSHA
	}
	repairs, remaining := recovery.RepairViolations(ctx, r.reg, violations, now, head)
	if len(repairs) > 0 {
		r.dirty = true
	}
	for _, fix := range repairs {
		r.logEvent(ctx, "repair", fix.Worker, fix)
	}

	for _, name := range recovery.ViolatedWorkers(remaining) {
		rec, ok := r.reg.Get(name)
		if !ok || rec.Status == protocol.StatusError {
			continue
		}
		detail := ""
		for _, v := range remaining {
			if v.Worker == name {
				if detail != "" {
					detail += "; "
				}
				detail += v.String()
			}
		}
		r.quarantine(ctx, rec, &protocol.FatalError{Worker: name, Invariant: invariantFor(remaining, name), Detail: detail})
	}
}

func invariantFor(vs []protocol.Violation, worker string) string {
	for _, v := range vs {
		if v.Worker != worker {
			continue
		}
		switch v.Field {
		case registry.FieldName, registry.FieldBranch:
			return InvariantUniqueNames
		case registry.FieldStatus:
			return InvariantKnownStatus
		case registry.FieldCommitSHA:
			return InvariantReviewCommit
		case registry.FieldCurrentPrompt:
			return InvariantActivePrompt
		case registry.FieldLastActivity, registry.FieldCreatedAt, registry.FieldLastCrash, registry.FieldErrorSince:
			return InvariantNoFutureTimes
		}
	}
	return "schema"
}
