package tmux

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// captureLines is how much scrollback a capture includes.
const captureLines = 50

// Pane sends keys to and reads from one tmux target.
type Pane struct {
	Target       string
	Runner       CmdRunner
	WakeDetached bool   // SIGWINCH the pane process when no client is attached
	TempDir      string // where staged payloads are written; "" means os.TempDir
}

// SendLiteral types text without key-name lookup.
func (p *Pane) SendLiteral(ctx context.Context, text string) error {
	if _, err := p.Runner.Run(ctx, "tmux", "send-keys", "-t", p.Target, "-l", text); err != nil {
		return fmt.Errorf("tmux send-keys -l to %s: %w", p.Target, err)
	}
	p.wakeIfDetached(ctx)
	return nil
}

// PasteStaged writes text to a temp file, loads it into a named buffer and
// pastes it with bracketed paste, deleting the buffer afterwards. This
// avoids the length ceiling of send-keys.
func (p *Pane) PasteStaged(ctx context.Context, text string) error {
	f, err := os.CreateTemp(p.TempDir, "llmc-prompt-*.txt")
	if err != nil {
		return fmt.Errorf("stage payload: %w", err)
	}
	path := f.Name()
	defer func() { _ = os.Remove(path) }()
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("stage payload: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("stage payload: %w", err)
	}

	buffer := "llmc-" + strings.ReplaceAll(p.Target, ":", "-")
	if _, err := p.Runner.Run(ctx, "tmux", "load-buffer", "-b", buffer, path); err != nil {
		return fmt.Errorf("tmux load-buffer for %s: %w", p.Target, err)
	}
	if _, err := p.Runner.Run(ctx, "tmux", "paste-buffer", "-p", "-d", "-b", buffer, "-t", p.Target); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", p.Target, err)
	}
	p.wakeIfDetached(ctx)
	return nil
}

// SendKey sends a named key such as Enter or C-u.
func (p *Pane) SendKey(ctx context.Context, key string) error {
	if _, err := p.Runner.Run(ctx, "tmux", "send-keys", "-t", p.Target, key); err != nil {
		return fmt.Errorf("tmux send-keys %s to %s: %w", key, p.Target, err)
	}
	p.wakeIfDetached(ctx)
	return nil
}

// Capture returns the visible pane content plus recent scrollback.
func (p *Pane) Capture(ctx context.Context) (string, error) {
	out, err := p.Runner.Run(ctx, "tmux", "capture-pane", "-p", "-t", p.Target, "-S", "-"+strconv.Itoa(captureLines))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", p.Target, err)
	}
	return out, nil
}

// DeadStatus reports whether the pane's process has exited and, when
// tmux knows it, the exit status.
func (p *Pane) DeadStatus(ctx context.Context) (dead bool, status int, known bool, err error) {
	out, err := p.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", p.Target, "#{pane_dead} #{pane_dead_status}")
	if err != nil {
		return false, 0, false, fmt.Errorf("tmux display-message %s: %w", p.Target, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "1" {
		return false, 0, false, nil
	}
	if len(fields) > 1 {
		if n, convErr := strconv.Atoi(fields[1]); convErr == nil {
			return true, n, true, nil
		}
	}
	return true, 0, false, nil
}

// CurrentCommand returns the pane's foreground process name.
func (p *Pane) CurrentCommand(ctx context.Context) (string, error) {
	out, err := p.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", p.Target, "#{pane_current_command}")
	if err != nil {
		return "", fmt.Errorf("tmux display-message %s: %w", p.Target, err)
	}
	return strings.TrimSpace(out), nil
}

// Respawn kills the pane's process and starts command in dir.
func (p *Pane) Respawn(ctx context.Context, dir, command string) error {
	args := []string{"respawn-pane", "-k", "-t", p.Target}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	args = append(args, command)
	if _, err := p.Runner.Run(ctx, "tmux", args...); err != nil {
		return fmt.Errorf("tmux respawn-pane %s: %w", p.Target, err)
	}
	return nil
}

// WaitFor polls the pane until match accepts the capture or timeout passes.
func (p *Pane) WaitFor(ctx context.Context, timeout, interval time.Duration, sleep func(time.Duration), match func(string) bool) error {
	deadline := time.Now().Add(timeout)
	var last string
	for {
		out, err := p.Capture(ctx)
		if err == nil {
			last = out
			if match(out) {
				return nil
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pane %s not ready within %v; last pane content:\n%s", p.Target, timeout, last)
		}
		sleep(interval)
	}
}

// isShell returns true if cmd matches a known shell process name
// (the agent exited back to the login shell).
func isShell(cmd string) bool {
	switch cmd {
	case "zsh", "bash", "sh", "fish":
		return true
	}
	return false
}

// wakeIfDetached sends SIGWINCH to the pane's process when no clients are
// attached. Detached TUIs may not redraw, and then never see typed input.
func (p *Pane) wakeIfDetached(ctx context.Context) {
	if !p.WakeDetached {
		return
	}
	out, err := p.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", p.Target, "#{session_attached}")
	if err == nil && strings.TrimSpace(out) != "0" {
		return
	}
	pidStr, err := p.Runner.Run(ctx, "tmux", "display-message", "-p", "-t", p.Target, "#{pane_pid}")
	if err != nil {
		return
	}
	_, _ = p.Runner.Run(ctx, "kill", "-WINCH", strings.TrimSpace(pidStr))
}
