package tmux //nolint:testpackage // shared white-box fakes

import (
	"context"
	"strings"
	"time"
)

// noopSleep is a no-op sleeper for tests to avoid real delays.
func noopSleep(time.Duration) {}

// fakeCmd records exec calls for testing without real tmux.
// It supports both single-value and sequential (multi-value) outputs per key.
type fakeCmd struct {
	calls  [][]string // each call is [name, arg1, arg2, ...]
	output map[string]string
	errs   map[string]error
	seqOut map[string][]string // sequential outputs per key
	seqIdx map[string]int      // current index into seqOut per key
}

func newFakeCmd() *fakeCmd {
	return &fakeCmd{
		output: make(map[string]string),
		errs:   make(map[string]error),
		seqOut: make(map[string][]string),
		seqIdx: make(map[string]int),
	}
}

// key builds a lookup key from a command and its args.
func key(name string, args ...string) string {
	return name + " " + strings.Join(args, " ")
}

func (f *fakeCmd) Run(_ context.Context, name string, args ...string) (string, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	k := key(name, args...)
	if seq, ok := f.seqOut[k]; ok {
		idx := f.seqIdx[k]
		if idx < len(seq) {
			f.seqIdx[k] = idx + 1
			return seq[idx], f.errs[k]
		}
		return seq[len(seq)-1], f.errs[k]
	}
	if err, ok := f.errs[k]; ok {
		return f.output[k], err
	}
	return f.output[k], nil
}

// findCall returns the first call matching the given tmux subcommand, or nil.
func findCall(calls [][]string, subcmd string) []string {
	for _, call := range calls {
		if len(call) >= 2 && call[0] == "tmux" && call[1] == subcmd {
			return call
		}
	}
	return nil
}

// countCalls counts tmux calls with the given subcommand.
func countCalls(calls [][]string, subcmd string) int {
	n := 0
	for _, call := range calls {
		if len(call) >= 2 && call[0] == "tmux" && call[1] == subcmd {
			n++
		}
	}
	return n
}

// callHasArgPair checks whether a call slice contains arg followed by val.
func callHasArgPair(call []string, arg, val string) bool {
	for i, a := range call {
		if a == arg && i+1 < len(call) && call[i+1] == val {
			return true
		}
	}
	return false
}

// fakeSessions is an in-memory SessionControl.
type fakeSessions struct {
	live    map[string]string // name -> command
	created []string
	killed  []string
}

func newFakeSessions(names ...string) *fakeSessions {
	f := &fakeSessions{live: make(map[string]string)}
	for _, n := range names {
		f.live[n] = "claude"
	}
	return f
}

func (f *fakeSessions) Create(_ context.Context, name, _, command string) error {
	f.live[name] = command
	f.created = append(f.created, name)
	return nil
}

func (f *fakeSessions) Exists(name string) (bool, error) {
	_, ok := f.live[name]
	return ok, nil
}

func (f *fakeSessions) List() ([]string, error) {
	out := make([]string, 0, len(f.live))
	for n := range f.live {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeSessions) Kill(name string) error {
	if _, ok := f.live[name]; !ok {
		return ErrNoSession
	}
	delete(f.live, name)
	f.killed = append(f.killed, name)
	return nil
}
