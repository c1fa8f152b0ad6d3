package tmux

import (
	"context"
	"errors"
	"strings"
	"time"

	"llmc/pkg/delivery"
)

// Backend starts, probes and drives worker sessions for every configured
// runtime profile.
type Backend struct {
	Sessions     SessionControl
	Runner       CmdRunner
	Profiles     Profiles
	TempDir      string
	Sleeper      func(time.Duration)
	ReadyTimeout time.Duration
}

// Start launches the runtime's command in a new session rooted at dir.
func (b *Backend) Start(ctx context.Context, session, dir, runtime string) error {
	prof, err := b.Profiles.Lookup(runtime)
	if err != nil {
		return err
	}
	return b.Sessions.Create(ctx, session, dir, prof.Command)
}

// Alive reports whether the session exists and its pane process is still
// running.
func (b *Backend) Alive(ctx context.Context, session string) (bool, error) {
	ok, err := b.Sessions.Exists(session)
	if err != nil || !ok {
		return false, err
	}
	dead, _, _, err := b.pane(session, false).DeadStatus(ctx)
	if err != nil {
		return false, err
	}
	return !dead, nil
}

// Stop kills the session. A missing session is not an error.
func (b *Backend) Stop(_ context.Context, session string) error {
	if err := b.Sessions.Kill(session); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}

// Capture returns the session's recent screen text.
func (b *Backend) Capture(ctx context.Context, session string) (string, error) {
	return b.pane(session, false).Capture(ctx)
}

// List returns the names of running sessions that start with prefix.
func (b *Backend) List(prefix string) ([]string, error) {
	all, err := b.Sessions.List()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range all {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Runtime returns the delivery.Runtime for a worker session.
func (b *Backend) Runtime(session, dir, runtime string) (delivery.Runtime, error) {
	prof, err := b.Profiles.Lookup(runtime)
	if err != nil {
		return nil, err
	}
	return &AgentRuntime{
		Session:      session,
		Dir:          dir,
		Profile:      prof,
		Pane:         b.pane(session, prof.WakeDetached),
		Sessions:     b.Sessions,
		Sleeper:      b.Sleeper,
		ReadyTimeout: b.ReadyTimeout,
	}, nil
}

func (b *Backend) pane(session string, wake bool) *Pane {
	return &Pane{Target: session, Runner: b.Runner, WakeDetached: wake, TempDir: b.TempDir}
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n "), "\n")
}
