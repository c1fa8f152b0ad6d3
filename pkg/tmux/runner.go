// Package tmux drives worker sessions: session lifecycle through gotmux,
// keystrokes and screen capture through the tmux CLI, and the screen-state
// detection that turns a captured pane into a delivery.Visible.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"llmc/pkg/protocol"
)

// CmdRunner abstracts command execution for testability.
type CmdRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner implements CmdRunner using os/exec. Every call is bounded by
// Timeout; a call that runs past it returns a *protocol.TimeoutError.
type ExecRunner struct {
	Timeout time.Duration
}

// Run executes a command and returns its trimmed combined output.
func (e *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec // tmux arguments are built internally
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return text, &protocol.TimeoutError{Op: name + " " + firstArg(args), After: e.Timeout}
		}
		if text != "" {
			return text, fmt.Errorf("%s %s: %w: %s", name, firstArg(args), err, text)
		}
		return text, fmt.Errorf("%s %s: %w", name, firstArg(args), err)
	}
	return text, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
