package tmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"llmc/pkg/delivery"
)

// defaultReadyTimeout bounds the wait for a restarted runtime to show its
// prompt. Agent startup hooks can take tens of seconds.
const defaultReadyTimeout = 60 * time.Second

// pollInterval is the time between capture-pane readiness checks.
const pollInterval = 500 * time.Millisecond

// AgentRuntime is the tmux backend of delivery.Runtime for one worker.
type AgentRuntime struct {
	Session      string
	Dir          string
	Profile      Profile
	Pane         *Pane
	Sessions     SessionControl
	Sleeper      func(time.Duration) // optional; overrides time.Sleep for testing
	ReadyTimeout time.Duration       // 0 means defaultReadyTimeout
}

var _ delivery.Runtime = (*AgentRuntime)(nil)

// SendInput types or pastes the text.
func (r *AgentRuntime) SendInput(ctx context.Context, in delivery.Input) error {
	if in.Staged {
		return r.Pane.PasteStaged(ctx, in.Text)
	}
	return r.Pane.SendLiteral(ctx, in.Text)
}

// SendControl sends a control key.
func (r *AgentRuntime) SendControl(ctx context.Context, c delivery.Control) error {
	return r.Pane.SendKey(ctx, string(c))
}

// SignalSubmit presses Enter.
func (r *AgentRuntime) SignalSubmit(ctx context.Context) error {
	return r.Pane.SendKey(ctx, "Enter")
}

// ReadVisibleState reports Exited for a dead pane or one that fell back to
// a shell, otherwise classifies the captured screen.
func (r *AgentRuntime) ReadVisibleState(ctx context.Context) (delivery.Visible, error) {
	dead, status, known, err := r.Pane.DeadStatus(ctx)
	if err != nil {
		return delivery.Visible{State: delivery.StateUnknown}, err
	}
	text, err := r.Pane.Capture(ctx)
	if err != nil {
		return delivery.Visible{State: delivery.StateUnknown}, err
	}
	if dead {
		v := delivery.Visible{Text: text, State: delivery.StateExited, ExitCode: status, ExitKnown: known}
		if known {
			v.Detail = "exit status " + strconv.Itoa(status)
		}
		return v, nil
	}
	if cmd, err := r.Pane.CurrentCommand(ctx); err == nil && isShell(cmd) {
		return delivery.Visible{Text: text, State: delivery.StateExited, Detail: "returned to " + cmd}, nil
	}
	return Detect(text, r.Profile.PromptMarkers), nil
}

// Terminate kills the worker's session.
func (r *AgentRuntime) Terminate(context.Context) error {
	if err := r.Sessions.Kill(r.Session); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

// Restart respawns the runtime process, waits for its prompt and sends the
// profile's clear command so the resent prompt starts from a clean context.
func (r *AgentRuntime) Restart(ctx context.Context) error {
	if err := r.Pane.Respawn(ctx, r.Dir, r.Profile.Command); err != nil {
		return err
	}
	if err := r.WaitReady(ctx); err != nil {
		return err
	}
	if r.Profile.ClearCommand == "" {
		return nil
	}
	if err := r.Pane.SendLiteral(ctx, r.Profile.ClearCommand); err != nil {
		return fmt.Errorf("send clear command: %w", err)
	}
	if err := r.Pane.SendKey(ctx, "Enter"); err != nil {
		return fmt.Errorf("submit clear command: %w", err)
	}
	return r.WaitReady(ctx)
}

// WaitReady polls until the runtime shows its input prompt.
func (r *AgentRuntime) WaitReady(ctx context.Context) error {
	timeout := r.ReadyTimeout
	if timeout == 0 {
		timeout = defaultReadyTimeout
	}
	return r.Pane.WaitFor(ctx, timeout, pollInterval, r.sleep, func(out string) bool {
		_, ok := promptLine(recent(splitLines(out), 5), r.Profile.PromptMarkers)
		return ok
	})
}

// sleep pauses for the given duration. It uses the Sleeper if set (for testing),
// otherwise falls back to time.Sleep.
func (r *AgentRuntime) sleep(d time.Duration) {
	if r.Sleeper != nil {
		r.Sleeper(d)
		return
	}
	time.Sleep(d)
}
