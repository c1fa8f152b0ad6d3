package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"llmc/pkg/protocol"
)

func TestWatchModel_ShowsFetchedWorkers(t *testing.T) {
	m := newWatchModel(nil, time.Second)

	next, cmd := m.Update(statusMsg{
		snap: statusSnapshot{Live: true, Workers: []protocol.WorkerView{{Name: "adam", Status: protocol.StatusNeedsInput}}},
		at:   time.Now(),
	})
	if cmd == nil {
		t.Error("no refresh scheduled after a fetch")
	}

	view := next.View()
	for _, want := range []string{"daemon running, 1 workers", "adam", "needs_input"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestWatchModel_FetchError(t *testing.T) {
	m := newWatchModel(nil, time.Second)
	next, _ := m.Update(statusMsg{err: errors.New("socket gone"), at: time.Now()})
	if !strings.Contains(next.View(), "status unavailable: socket gone") {
		t.Errorf("view:\n%s", next.View())
	}
}

func TestWatchModel_FetchCmd(t *testing.T) {
	fetch := func(context.Context) (statusSnapshot, error) {
		return statusSnapshot{Workers: []protocol.WorkerView{{Name: "bob"}}}, nil
	}
	m := newWatchModel(fetch, time.Second)

	msg, ok := m.fetchCmd()().(statusMsg)
	if !ok {
		t.Fatal("fetchCmd did not return a statusMsg")
	}
	if len(msg.snap.Workers) != 1 || msg.snap.Workers[0].Name != "bob" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestWatchModel_Quit(t *testing.T) {
	m := newWatchModel(nil, time.Second)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}
