package tmux //nolint:testpackage // uses shared white-box fakes

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"llmc/pkg/delivery"
)

func newTestRuntime(fake *fakeCmd, sessions *fakeSessions) *AgentRuntime {
	return &AgentRuntime{
		Session:      "llmc-adam",
		Dir:          "/repo/.worktrees/adam",
		Profile:      Profile{Name: "claude", Command: "claude", PromptMarkers: claudeMarkers, ClearCommand: "/clear"},
		Pane:         &Pane{Target: "llmc-adam", Runner: fake},
		Sessions:     sessions,
		Sleeper:      noopSleep,
		ReadyTimeout: time.Second,
	}
}

func TestAgentRuntime_SendInput(t *testing.T) {
	t.Run("literal uses send-keys -l", func(t *testing.T) {
		fake := newFakeCmd()
		rt := newTestRuntime(fake, newFakeSessions())
		if err := rt.SendInput(context.Background(), delivery.Input{Text: "write X"}); err != nil {
			t.Fatalf("SendInput: %v", err)
		}
		call := findCall(fake.calls, "send-keys")
		if call == nil || !callHasArgPair(call, "-l", "write X") {
			t.Fatalf("expected send-keys -l, got %v", fake.calls)
		}
	})

	t.Run("staged uses load-buffer and paste-buffer", func(t *testing.T) {
		fake := newFakeCmd()
		rt := newTestRuntime(fake, newFakeSessions())
		rt.Pane.TempDir = t.TempDir()
		if err := rt.SendInput(context.Background(), delivery.Input{Text: "big prompt", Staged: true}); err != nil {
			t.Fatalf("SendInput: %v", err)
		}
		load := findCall(fake.calls, "load-buffer")
		if load == nil || !callHasArgPair(load, "-b", "llmc-llmc-adam") {
			t.Fatalf("expected load-buffer into a named buffer, got %v", fake.calls)
		}
		paste := findCall(fake.calls, "paste-buffer")
		if paste == nil || !callHasArgPair(paste, "-t", "llmc-adam") {
			t.Fatalf("expected paste-buffer to the session, got %v", fake.calls)
		}
		if findCall(fake.calls, "send-keys") != nil {
			t.Error("staged input must not use send-keys")
		}
		staged := load[len(load)-1]
		if _, err := os.Stat(staged); !os.IsNotExist(err) {
			t.Errorf("staged file %s should be removed, stat err = %v", staged, err)
		}
	})
}

func TestAgentRuntime_WakesDetachedPane(t *testing.T) {
	fake := newFakeCmd()
	fake.output[key("tmux", "display-message", "-p", "-t", "llmc-adam", "#{session_attached}")] = "0"
	fake.output[key("tmux", "display-message", "-p", "-t", "llmc-adam", "#{pane_pid}")] = "4242"
	rt := newTestRuntime(fake, newFakeSessions())
	rt.Pane.WakeDetached = true

	if err := rt.SignalSubmit(context.Background()); err != nil {
		t.Fatalf("SignalSubmit: %v", err)
	}
	var woke bool
	for _, c := range fake.calls {
		if c[0] == "kill" && len(c) == 3 && c[1] == "-WINCH" && c[2] == "4242" {
			woke = true
		}
	}
	if !woke {
		t.Errorf("expected kill -WINCH 4242, calls: %v", fake.calls)
	}
}

func TestAgentRuntime_ReadVisibleState(t *testing.T) {
	deadKey := key("tmux", "display-message", "-p", "-t", "llmc-adam", "#{pane_dead} #{pane_dead_status}")
	captureKey := key("tmux", "capture-pane", "-p", "-t", "llmc-adam", "-S", "-50")
	cmdKey := key("tmux", "display-message", "-p", "-t", "llmc-adam", "#{pane_current_command}")

	t.Run("dead pane reports exit status", func(t *testing.T) {
		fake := newFakeCmd()
		fake.output[deadKey] = "1 137"
		fake.output[captureKey] = "Killed"
		v, err := newTestRuntime(fake, newFakeSessions()).ReadVisibleState(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v.State != delivery.StateExited || !v.ExitKnown || v.ExitCode != 137 {
			t.Errorf("unexpected visible state: %+v", v)
		}
	})

	t.Run("shell in pane means the agent exited", func(t *testing.T) {
		fake := newFakeCmd()
		fake.output[deadKey] = "0 "
		fake.output[captureKey] = "Goodbye!\n$ "
		fake.output[cmdKey] = "zsh"
		v, err := newTestRuntime(fake, newFakeSessions()).ReadVisibleState(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v.State != delivery.StateExited || v.ExitKnown {
			t.Errorf("unexpected visible state: %+v", v)
		}
	})

	t.Run("live pane is classified", func(t *testing.T) {
		fake := newFakeCmd()
		fake.output[deadKey] = "0 "
		fake.output[captureKey] = "done\n> "
		fake.output[cmdKey] = "node"
		v, err := newTestRuntime(fake, newFakeSessions()).ReadVisibleState(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if v.State != delivery.StateReady {
			t.Errorf("State = %s, want ready", v.State)
		}
	})

	t.Run("tmux failure is returned", func(t *testing.T) {
		fake := newFakeCmd()
		fake.errs[deadKey] = errors.New("can't find session")
		if _, err := newTestRuntime(fake, newFakeSessions()).ReadVisibleState(context.Background()); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestAgentRuntime_Restart(t *testing.T) {
	fake := newFakeCmd()
	captureKey := key("tmux", "capture-pane", "-p", "-t", "llmc-adam", "-S", "-50")
	fake.seqOut[captureKey] = []string{"starting...", "Welcome\n> ", "cleared\n> "}
	rt := newTestRuntime(fake, newFakeSessions("llmc-adam"))

	if err := rt.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	respawn := findCall(fake.calls, "respawn-pane")
	if respawn == nil {
		t.Fatal("expected respawn-pane")
	}
	if !callHasArgPair(respawn, "-c", "/repo/.worktrees/adam") || respawn[len(respawn)-1] != "claude" {
		t.Errorf("respawn-pane args = %v", respawn)
	}
	var cleared bool
	for _, c := range fake.calls {
		if callHasArgPair(c, "-l", "/clear") {
			cleared = true
		}
	}
	if !cleared {
		t.Errorf("expected /clear to be sent, calls: %v", fake.calls)
	}
}

func TestAgentRuntime_TerminateToleratesMissingSession(t *testing.T) {
	sessions := newFakeSessions()
	rt := newTestRuntime(newFakeCmd(), sessions)
	if err := rt.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate on a missing session: %v", err)
	}
}

func TestBackend(t *testing.T) {
	fake := newFakeCmd()
	sessions := newFakeSessions("llmc-adam", "other")
	b := &Backend{
		Sessions: sessions,
		Runner:   fake,
		Profiles: Profiles{"claude": {Name: "claude", Command: "claude --x", PromptMarkers: claudeMarkers}},
		Sleeper:  noopSleep,
	}
	ctx := context.Background()

	if err := b.Start(ctx, "llmc-beth", "/repo/.worktrees/beth", "claude"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sessions.live["llmc-beth"] != "claude --x" {
		t.Errorf("session command = %q", sessions.live["llmc-beth"])
	}
	if err := b.Start(ctx, "llmc-carl", "/x", "codex"); err == nil {
		t.Error("expected unknown runtime error")
	}

	fake.output[key("tmux", "display-message", "-p", "-t", "llmc-adam", "#{pane_dead} #{pane_dead_status}")] = "1 0"
	alive, err := b.Alive(ctx, "llmc-adam")
	if err != nil || alive {
		t.Errorf("dead pane: Alive = %v, %v", alive, err)
	}
	alive, err = b.Alive(ctx, "llmc-zoe")
	if err != nil || alive {
		t.Errorf("missing session: Alive = %v, %v", alive, err)
	}

	names, err := b.List("llmc-")
	if err != nil || len(names) != 2 {
		t.Errorf("List = %v, %v", names, err)
	}

	if err := b.Stop(ctx, "llmc-zoe"); err != nil {
		t.Errorf("Stop on missing session: %v", err)
	}
	if countCalls(fake.calls, "kill-session") != 0 {
		t.Error("Stop should go through SessionControl")
	}
}
