// Package delivery pushes prompts into interactive agent sessions and
// confirms they arrived. It works against the Runtime capability set, so
// any backend that can type, submit and show its screen can be driven.
package delivery

import (
	"context"
	"strings"
)

// State is what a runtime's visible output says it is doing.
type State string

// Visible states.
const (
	StateReady         State = "ready"          // prompt shown, nothing pending
	StateProcessing    State = "processing"     // producing output
	StateAwaitingInput State = "awaiting_input" // question or permission dialog
	StateError         State = "error"          // rate limit, network or API failure on screen
	StateExited        State = "exited"         // process is gone
	StateUnknown       State = "unknown"
)

// Visible is a snapshot of a runtime's screen.
type Visible struct {
	Text      string
	State     State
	InputLine string // text typed after the prompt marker, trimmed
	HasPrompt bool
	Detail    string // error kind, awaited tool, or exit description
	ExitCode  int
	ExitKnown bool
}

// Input is a block of text to type into the runtime.
type Input struct {
	Text   string
	Staged bool // route through a file-staged paste instead of literal keys
}

// Control is a non-text key sent to the runtime.
type Control string

// Control keys.
const (
	ControlClearLine Control = "C-u"
	ControlInterrupt Control = "C-c"
)

// Runtime is the capability set of an interactive agent process.
type Runtime interface {
	SendInput(ctx context.Context, in Input) error
	SendControl(ctx context.Context, c Control) error
	SignalSubmit(ctx context.Context) error
	ReadVisibleState(ctx context.Context) (Visible, error)
	Terminate(ctx context.Context) error
	Restart(ctx context.Context) error
}

// IsPartial reports whether the visible input line holds a strict prefix of
// text, meaning the runtime swallowed only part of a send.
func IsPartial(v Visible, text string) bool {
	typed := strings.TrimSpace(v.InputLine)
	want := strings.TrimSpace(text)
	if typed == "" || len(typed) >= len(want) {
		return false
	}
	return strings.HasPrefix(want, typed)
}
