package protocol_test

import (
	"encoding/json"
	"strings"
	"testing"

	"llmc/pkg/protocol"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     protocol.Envelope
		wantErr string
	}{
		{
			name: "stop event",
			env: protocol.Envelope{Version: 1, ID: "a", Event: &protocol.Event{
				Kind: protocol.EventStop, Worker: "adam", SessionID: "s1",
			}},
		},
		{
			name:    "wrong version",
			env:     protocol.Envelope{Version: 2, ID: "a", Event: &protocol.Event{Kind: protocol.EventStop, Worker: "adam"}},
			wantErr: "unsupported protocol version",
		},
		{
			name:    "missing id",
			env:     protocol.Envelope{Version: 1, Event: &protocol.Event{Kind: protocol.EventStop, Worker: "adam"}},
			wantErr: "missing id",
		},
		{
			name:    "empty payload",
			env:     protocol.Envelope{Version: 1, ID: "a"},
			wantErr: "neither event nor request",
		},
		{
			name: "both payloads",
			env: protocol.Envelope{Version: 1, ID: "a",
				Event:   &protocol.Event{Kind: protocol.EventStop, Worker: "adam"},
				Request: &protocol.Request{Op: protocol.OpStatus},
			},
			wantErr: "both event and request",
		},
		{
			name:    "unknown event kind",
			env:     protocol.Envelope{Version: 1, ID: "a", Event: &protocol.Event{Kind: "nap", Worker: "adam"}},
			wantErr: "unknown event kind",
		},
		{
			name:    "event without worker",
			env:     protocol.Envelope{Version: 1, ID: "a", Event: &protocol.Event{Kind: protocol.EventSessionStart}},
			wantErr: "missing worker",
		},
		{
			name:    "start without prompt",
			env:     protocol.Envelope{Version: 1, ID: "a", Request: &protocol.Request{Op: protocol.OpStart, Worker: "adam"}},
			wantErr: "requires text",
		},
		{
			name: "status needs no worker",
			env:  protocol.Envelope{Version: 1, ID: "a", Request: &protocol.Request{Op: protocol.OpStatus}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	line := `{"version":1,"id":"abc","event":{"kind":"session_end","worker":"adam","reason":"logout"}}`
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Event == nil || env.Event.Kind != protocol.EventSessionEnd || env.Event.Reason != "logout" {
		t.Fatalf("unexpected event: %+v", env.Event)
	}
}

func TestResponseHelpers(t *testing.T) {
	ok := protocol.OK(map[string]int{"n": 1})
	if !ok.Success || string(ok.Data) != `{"n":1}` {
		t.Errorf("unexpected OK response: %+v", ok)
	}

	data, err := json.Marshal(protocol.OK(nil))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"success":true}` {
		t.Errorf("expected bare success, got %s", data)
	}
}

func TestWorkerStatusClasses(t *testing.T) {
	for _, s := range protocol.AllStatuses {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if protocol.WorkerStatus("sleeping").Valid() {
		t.Error("unknown status reported valid")
	}
	if !protocol.StatusRebasing.ActiveWork() || protocol.StatusNeedsReview.ActiveWork() {
		t.Error("active-work classification wrong")
	}
	if !protocol.StatusReviewing.ReviewPending() || protocol.StatusWorking.ReviewPending() {
		t.Error("review-pending classification wrong")
	}
	if protocol.StatusOffline.RequiresSession() || protocol.StatusError.RequiresSession() {
		t.Error("offline and error must not require a session")
	}
	if _, err := protocol.ParseStatus("needs_review"); err != nil {
		t.Errorf("ParseStatus: %v", err)
	}
}
