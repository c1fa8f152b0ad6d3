package reconciler

import (
	"context"
	"errors"

	"llmc/pkg/delivery"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// Send purposes, recorded in the journal and used to pick the reaction to
// a failed delivery.
const (
	PurposeTask       = "task"
	PurposeMessage    = "message"
	PurposeReject     = "reject"
	PurposeSelfReview = "self_review"
	PurposeConflict   = "conflict"
	PurposeNudge      = "nudge"
	PurposeResume     = "resume"
)

// SendRequest asks a Dispatcher to deliver Text to a worker's runtime.
type SendRequest struct {
	ID      uint64
	Worker  string
	Session string
	Dir     string
	Runtime string
	Text    string
	Purpose string
}

// SendResult is a finished SendRequest.
type SendResult struct {
	ID      uint64
	Worker  string
	Purpose string
	Receipt delivery.Receipt
	Err     error
}

// Dispatcher runs sends off the daemon loop. Results must come back
// through Reconciler.CompleteSend on the loop goroutine.
type Dispatcher interface {
	Dispatch(req SendRequest)
}

// Sending reports whether worker has a delivery in flight.
func (r *Reconciler) Sending(worker string) bool {
	_, ok := r.inflight[worker]
	return ok
}

// InFlight returns the number of outstanding sends.
func (r *Reconciler) InFlight() int { return len(r.inflight) }

// startSend hands text to the dispatcher. A worker never has two sends in
// flight; the second is rejected.
func (r *Reconciler) startSend(ctx context.Context, op protocol.Op, rec registry.WorkerRecord, text, purpose string) error {
	if r.Sending(rec.Name) {
		return &protocol.RejectionError{Op: op, Worker: rec.Name, Status: rec.Status, Reason: "a delivery is already in flight"}
	}
	r.nextSend++
	id := r.nextSend
	r.inflight[rec.Name] = id

	r.logEvent(ctx, "send_started", rec.Name, map[string]any{"id": id, "purpose": purpose, "bytes": len(text)})
	r.deps.Dispatcher.Dispatch(SendRequest{
		ID:      id,
		Worker:  rec.Name,
		Session: rec.SessionID,
		Dir:     rec.WorktreePath,
		Runtime: rec.Runtime,
		Text:    text,
		Purpose: purpose,
	})
	return nil
}

// CompleteSend applies a finished delivery. Results for sends that were
// superseded (the worker was removed, reset or quarantined meanwhile) are
// ignored.
func (r *Reconciler) CompleteSend(ctx context.Context, res SendResult) {
	if id, ok := r.inflight[res.Worker]; !ok || id != res.ID {
		r.logEvent(ctx, "send_stale", res.Worker, map[string]any{"id": res.ID, "purpose": res.Purpose})
		return
	}
	delete(r.inflight, res.Worker)

	if res.Err == nil {
		r.logEvent(ctx, "send_delivered", res.Worker, map[string]any{
			"id": res.ID, "purpose": res.Purpose, "strategy": res.Receipt.Strategy, "attempts": len(res.Receipt.Attempts),
		})
		return
	}
	if errors.Is(res.Err, context.Canceled) {
		r.logEvent(ctx, "send_cancelled", res.Worker, map[string]any{"id": res.ID, "purpose": res.Purpose})
		return
	}

	rec, ok := r.reg.Get(res.Worker)
	if !ok {
		return
	}

	var terr *protocol.TransportError
	attempts := res.Receipt.Attempts
	output := ""
	if errors.As(res.Err, &terr) {
		attempts = terr.Attempts
		output = terr.Output
	}
	r.logEvent(ctx, "send_failed", rec.Name, map[string]any{"id": res.ID, "purpose": res.Purpose, "error": res.Err.Error()})

	rec.Status = protocol.StatusError
	rec.LastError = "delivery failed: " + res.Err.Error()
	rec.ErrorSinceUnix = r.now().Unix()
	rec.ResumePending = false
	rec.PendingSelfReview = false
	r.update(ctx, rec, "delivery_failed")

	r.alert(protocol.AlertDeliveryLost, rec.Name, "prompt delivery failed", res.Err.Error())
	r.writeDiagnostics(ctx, rec, "delivery failed ("+res.Purpose+"): "+res.Err.Error(), output, attempts)
}

// forgetSend drops a worker's in-flight send so its result is ignored.
func (r *Reconciler) forgetSend(worker string) {
	delete(r.inflight, worker)
}
