package protocol

import (
	"fmt"
	"strings"
	"time"
)

// RejectionError is returned when a caller requests an operation that is
// invalid for the worker's current state. No state changes.
type RejectionError struct {
	Op     Op
	Worker string
	Status WorkerStatus // status at the time of the request, if known
	Reason string
}

func (e *RejectionError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s %s rejected: worker is %s: %s", e.Op, e.Worker, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s %s rejected: %s", e.Op, e.Worker, e.Reason)
}

// AttemptRecord captures one rung of a delivery escalation ladder.
type AttemptRecord struct {
	Strategy string        `json:"strategy"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"error,omitempty"`
}

// TransportError means the delivery channel could not confirm receipt
// after every escalation attempt.
type TransportError struct {
	Worker   string
	Attempts []AttemptRecord
	Output   string // visible output at the last attempt
	Prompt   string
	Reason   string
}

func (e *TransportError) Error() string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Strategy)
	}
	return fmt.Sprintf("delivery to %s failed after %d attempts (%s): %s",
		e.Worker, len(e.Attempts), strings.Join(names, ", "), e.Reason)
}

// IntegrityKind classifies which registry load check failed.
type IntegrityKind string

// Integrity failure kinds, in the order Load checks them.
const (
	IntegrityMissing     IntegrityKind = "missing"
	IntegrityDecode      IntegrityKind = "decode"
	IntegritySchema      IntegrityKind = "schema"
	IntegrityConsistency IntegrityKind = "consistency"
)

// Violation is a single failed registry check.
type Violation struct {
	Worker     string `json:"worker,omitempty"`
	Field      string `json:"field"`
	Problem    string `json:"problem"`
	Repairable bool   `json:"repairable"`
}

func (v Violation) String() string {
	if v.Worker == "" {
		return fmt.Sprintf("%s: %s", v.Field, v.Problem)
	}
	return fmt.Sprintf("%s.%s: %s", v.Worker, v.Field, v.Problem)
}

// IntegrityError means the registry failed validation. It always routes
// through recovery before any further operation.
type IntegrityError struct {
	Kind       IntegrityKind
	Path       string
	Violations []Violation
	Err        error
}

func (e *IntegrityError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("registry %s: %s check failed: %v", e.Path, e.Kind, e.Err)
	case len(e.Violations) > 0:
		parts := make([]string, 0, len(e.Violations))
		for _, v := range e.Violations {
			parts = append(parts, v.String())
		}
		return fmt.Sprintf("registry %s: %s check failed: %s", e.Path, e.Kind, strings.Join(parts, "; "))
	default:
		return fmt.Sprintf("registry %s: %s check failed", e.Path, e.Kind)
	}
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// Repairable reports whether every violation can be fixed in place.
func (e *IntegrityError) Repairable() bool {
	if e.Kind != IntegritySchema && e.Kind != IntegrityConsistency {
		return false
	}
	for _, v := range e.Violations {
		if !v.Repairable {
			return false
		}
	}
	return true
}

// TimeoutError is raised when an external command or a stuck-worker check
// runs past its deadline. It is a signal, not a crash.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.After)
}

// FatalError reports a violated daemon-internal invariant. The affected
// worker is quarantined; the daemon keeps serving the rest.
type FatalError struct {
	Worker    string
	Invariant string
	Detail    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("invariant %q violated for worker %s: %s", e.Invariant, e.Worker, e.Detail)
}
