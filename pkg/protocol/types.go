package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind identifies a runtime lifecycle notification.
type EventKind string

// Event kinds emitted by worker runtime hooks.
const (
	EventSessionStart EventKind = "session_start"
	EventSessionEnd   EventKind = "session_end"
	EventStop         EventKind = "stop"
	EventPostToolUse  EventKind = "post_tool_use" // hint only, never drives state
)

// Event is a lifecycle notification from a worker's runtime.
// Which fields are meaningful depends on Kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	Worker    string    `json:"worker"`
	SessionID string    `json:"session_id,omitempty"` // SessionStart, Stop
	Reason    string    `json:"reason,omitempty"`     // SessionEnd
	Command   string    `json:"command,omitempty"`    // PostToolUse
	ExitCode  int       `json:"exit_code,omitempty"`  // PostToolUse
	Timestamp int64     `json:"timestamp,omitempty"`  // unix seconds at the emitter
}

// Validate checks that the event names a known kind and a worker.
func (e *Event) Validate() error {
	switch e.Kind {
	case EventSessionStart, EventSessionEnd, EventStop, EventPostToolUse:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Worker == "" {
		return errors.New("event missing worker")
	}
	return nil
}

// Op identifies a command-surface request.
type Op string

// Request operations accepted by the daemon.
const (
	OpAdd        Op = "add"
	OpRemove     Op = "remove"
	OpStart      Op = "start"
	OpMessage    Op = "message"
	OpSelfReview Op = "self_review"
	OpAccept     Op = "accept"
	OpReject     Op = "reject"
	OpRebase     Op = "rebase"
	OpReset      Op = "reset"
	OpStatus     Op = "status"
	OpReview     Op = "review" // read-only commit and diff query
)

// Request is a command-surface operation sent by the CLI.
type Request struct {
	Op         Op     `json:"op"`
	Worker     string `json:"worker,omitempty"`
	Text       string `json:"text,omitempty"` // prompt, message, or reviewer notes
	Runtime    string `json:"runtime,omitempty"`
	SelfReview bool   `json:"self_review,omitempty"`
}

// Validate checks the request names a known op and, where needed, a worker.
func (r *Request) Validate() error {
	switch r.Op {
	case OpStatus:
		return nil
	case OpAdd, OpRemove, OpStart, OpMessage, OpSelfReview, OpAccept, OpReject, OpRebase, OpReset, OpReview:
	default:
		return fmt.Errorf("unknown op %q", r.Op)
	}
	if r.Worker == "" {
		return fmt.Errorf("%s requires a worker name", r.Op)
	}
	switch r.Op {
	case OpStart, OpMessage:
		if r.Text == "" {
			return fmt.Errorf("%s requires text", r.Op)
		}
	}
	return nil
}

// Envelope is one line on the gateway socket. Exactly one of Event and
// Request is set.
type Envelope struct {
	Version int      `json:"version"`
	ID      string   `json:"id"`
	Event   *Event   `json:"event,omitempty"`
	Request *Request `json:"request,omitempty"`
}

// Validate checks version, id and payload shape.
func (e *Envelope) Validate() error {
	if e.Version != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", e.Version)
	}
	if e.ID == "" {
		return errors.New("message missing id")
	}
	switch {
	case e.Event != nil && e.Request != nil:
		return errors.New("message carries both event and request")
	case e.Event != nil:
		return e.Event.Validate()
	case e.Request != nil:
		return e.Request.Validate()
	default:
		return errors.New("message carries neither event nor request")
	}
}

// Response acknowledges an Envelope.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OK builds a successful response, marshaling data when non-nil.
func OK(data any) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail(fmt.Errorf("encode response: %w", err))
	}
	return Response{Success: true, Data: raw}
}

// Fail builds a failed response carrying err's message.
func Fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

// WorkerView is the read-only projection of a worker used by status output.
type WorkerView struct {
	Name         string       `json:"name"`
	Status       WorkerStatus `json:"status"`
	Branch       string       `json:"branch"`
	Runtime      string       `json:"runtime"`
	CommitSHA    string       `json:"commit_sha,omitempty"`
	Prompt       string       `json:"prompt,omitempty"`
	CrashCount   int          `json:"crash_count"`
	LastActivity int64        `json:"last_activity_unix"`
	LastError    string       `json:"last_error,omitempty"`
	SelfReview   bool         `json:"self_review"`
	Sending      bool         `json:"sending"`
}

// ReviewView is what `llmc review` shows for a worker awaiting review.
type ReviewView struct {
	Worker    string       `json:"worker"`
	Status    WorkerStatus `json:"status"`
	CommitSHA string       `json:"commit_sha"`
	Subject   string       `json:"subject"`
	Prompt    string       `json:"prompt"`
	Diff      string       `json:"diff"`
}
