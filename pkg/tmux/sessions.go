package tmux

import (
	"context"
	"errors"
	"fmt"

	"github.com/GianlucaP106/gotmux/gotmux"
)

// ErrNoSession is returned when a named session does not exist.
var ErrNoSession = errors.New("tmux session not found")

// SessionControl creates, probes and kills tmux sessions.
type SessionControl interface {
	Create(ctx context.Context, name, dir, command string) error
	Exists(name string) (bool, error)
	List() ([]string, error)
	Kill(name string) error
}

// GotmuxSessions implements SessionControl with gotmux. gotmux cannot set a
// session's initial command, so the first pane is respawned with it
// through the CLI.
type GotmuxSessions struct {
	tmux   *gotmux.Tmux
	runner CmdRunner
}

// NewGotmuxSessions connects to the default tmux server.
func NewGotmuxSessions(runner CmdRunner) (*GotmuxSessions, error) {
	t, err := gotmux.DefaultTmux()
	if err != nil {
		return nil, fmt.Errorf("create tmux client: %w", err)
	}
	return &GotmuxSessions{tmux: t, runner: runner}, nil
}

// Create starts a detached session in dir whose only pane runs command.
// remain-on-exit keeps a dead pane around so its exit status can be read.
func (g *GotmuxSessions) Create(ctx context.Context, name, dir, command string) error {
	session, err := g.tmux.NewSession(&gotmux.SessionOptions{
		Name:           name,
		StartDirectory: dir,
	})
	if err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}

	windows, err := session.ListWindows()
	if err != nil || len(windows) == 0 {
		_ = session.Kill()
		return fmt.Errorf("list windows of %s: %w", name, errOrEmpty(err))
	}
	panes, err := windows[0].ListPanes()
	if err != nil || len(panes) == 0 {
		_ = session.Kill()
		return fmt.Errorf("list panes of %s: %w", name, errOrEmpty(err))
	}

	if _, err := g.runner.Run(ctx, "tmux", "set-option", "-t", name, "remain-on-exit", "on"); err != nil {
		_ = session.Kill()
		return fmt.Errorf("set remain-on-exit on %s: %w", name, err)
	}
	pane := &Pane{Target: panes[0].Id, Runner: g.runner}
	if err := pane.Respawn(ctx, dir, command); err != nil {
		_ = session.Kill()
		return err
	}
	return nil
}

// Exists reports whether the named session is running.
func (g *GotmuxSessions) Exists(name string) (bool, error) {
	s, err := g.find(name)
	if err != nil {
		return false, err
	}
	return s != nil, nil
}

// List returns every session name on the server.
func (g *GotmuxSessions) List() ([]string, error) {
	sessions, err := g.tmux.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		names = append(names, s.Name)
	}
	return names, nil
}

// Kill terminates the named session, returning ErrNoSession when it is
// already gone.
func (g *GotmuxSessions) Kill(name string) error {
	s, err := g.find(name)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNoSession
	}
	if err := s.Kill(); err != nil {
		return fmt.Errorf("kill session %s: %w", name, err)
	}
	return nil
}

func (g *GotmuxSessions) find(name string) (*gotmux.Session, error) {
	sessions, err := g.tmux.ListSessions()
	if err != nil {
		// No server running means no sessions.
		if ok, _ := g.serverRunning(); !ok {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, nil
}

func (g *GotmuxSessions) serverRunning() (bool, error) {
	_, err := g.runner.Run(context.Background(), "tmux", "list-sessions")
	return err == nil, err
}

func errOrEmpty(err error) error {
	if err != nil {
		return err
	}
	return errors.New("none found")
}
