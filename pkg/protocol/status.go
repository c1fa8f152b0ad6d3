package protocol

import "fmt"

// WorkerStatus is a worker's lifecycle state.
type WorkerStatus string

// Worker status constants.
const (
	StatusOffline     WorkerStatus = "offline"
	StatusIdle        WorkerStatus = "idle"
	StatusWorking     WorkerStatus = "working"
	StatusRebasing    WorkerStatus = "rebasing"
	StatusReviewing   WorkerStatus = "reviewing"
	StatusNeedsReview WorkerStatus = "needs_review"
	StatusNeedsInput  WorkerStatus = "needs_input"
	StatusError       WorkerStatus = "error"
)

// AllStatuses lists every known status in display order.
var AllStatuses = []WorkerStatus{ //nolint:gochecknoglobals // read-only table
	StatusOffline,
	StatusIdle,
	StatusWorking,
	StatusRebasing,
	StatusReviewing,
	StatusNeedsReview,
	StatusNeedsInput,
	StatusError,
}

// Valid reports whether s is one of the known lifecycle states.
func (s WorkerStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// ActiveWork reports whether the worker is expected to be busy on a prompt.
// Records in these states must carry a non-empty current prompt.
func (s WorkerStatus) ActiveWork() bool {
	switch s {
	case StatusWorking, StatusRebasing, StatusReviewing:
		return true
	}
	return false
}

// ReviewPending reports whether the worker holds a commit awaiting review.
// Records in these states must carry a non-empty commit sha.
func (s WorkerStatus) ReviewPending() bool {
	switch s {
	case StatusNeedsReview, StatusReviewing:
		return true
	}
	return false
}

// RequiresSession reports whether the worker must have a live runtime
// session. Error is a quarantine state and is exempt.
func (s WorkerStatus) RequiresSession() bool {
	return s != StatusOffline && s != StatusError
}

// ParseStatus converts a string into a WorkerStatus.
func ParseStatus(v string) (WorkerStatus, error) {
	s := WorkerStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown worker status %q", v)
	}
	return s, nil
}
