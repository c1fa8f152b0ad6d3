package gitops //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type call struct {
	Dir  string
	Args []string
}

type mockResult struct {
	Stdout string
	Stderr string
	Err    error
}

// mockGitRunner records calls and answers from results keyed by the joined
// args. Unscripted commands succeed with empty output. A key may carry a
// queue of results; the last one repeats once the queue drains.
type mockGitRunner struct {
	mu      sync.Mutex
	calls   []call
	results map[string][]mockResult
}

func newMockGit() *mockGitRunner {
	return &mockGitRunner{results: make(map[string][]mockResult)}
}

func (m *mockGitRunner) on(args string, r ...mockResult) *mockGitRunner {
	m.results[args] = append(m.results[args], r...)
	return m
}

func (m *mockGitRunner) Run(_ context.Context, dir string, args ...string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, call{Dir: dir, Args: args})

	k := strings.Join(args, " ")
	queue := m.results[k]
	if len(queue) == 0 {
		return "", "", nil
	}
	r := queue[0]
	if len(queue) > 1 {
		m.results[k] = queue[1:]
	}
	return r.Stdout, r.Stderr, r.Err
}

func (m *mockGitRunner) getCalls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]call, len(m.calls))
	copy(out, m.calls)
	return out
}

// ran reports whether args were run in dir.
func (m *mockGitRunner) ran(dir, args string) bool {
	for _, c := range m.getCalls() {
		if c.Dir == dir && strings.Join(c.Args, " ") == args {
			return true
		}
	}
	return false
}

// indexOf returns the position of the first matching call, or -1.
func (m *mockGitRunner) indexOf(args string) int {
	for i, c := range m.getCalls() {
		if strings.Join(c.Args, " ") == args {
			return i
		}
	}
	return -1
}

func assertRan(t *testing.T, m *mockGitRunner, dir, args string) {
	t.Helper()
	if !m.ran(dir, args) {
		t.Errorf("expected `git %s` in %s; calls: %+v", args, dir, m.getCalls())
	}
}

func assertNotRan(t *testing.T, m *mockGitRunner, args string) {
	t.Helper()
	if m.indexOf(args) >= 0 {
		t.Errorf("did not expect `git %s`; calls: %+v", args, m.getCalls())
	}
}
