package reconciler //nolint:testpackage // internal test needs access to unexported types

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"llmc/pkg/delivery"
	"llmc/pkg/eventlog"
	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

const (
	testRoot = "/repo"
	shaA     = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB     = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var testNow = time.Unix(1_800_000_000, 0)

// --- sessions ---

type fakeSessions struct {
	alive    map[string]bool
	screens  map[string]delivery.Visible
	started  []string
	stopped  []string
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: map[string]bool{}, screens: map[string]delivery.Visible{}}
}

func (f *fakeSessions) Start(_ context.Context, session, _, _ string) error {
	f.started = append(f.started, session)
	if f.startErr != nil {
		return f.startErr
	}
	f.alive[session] = true
	return nil
}

func (f *fakeSessions) Alive(_ context.Context, session string) (bool, error) {
	return f.alive[session], nil
}

func (f *fakeSessions) Stop(_ context.Context, session string) error {
	f.stopped = append(f.stopped, session)
	delete(f.alive, session)
	return nil
}

func (f *fakeSessions) Runtime(session, _, _ string) (delivery.Runtime, error) {
	return &fakeRuntime{visible: f.screens[session]}, nil
}

type fakeRuntime struct {
	visible delivery.Visible
}

func (f *fakeRuntime) SendInput(context.Context, delivery.Input) error { return nil }
func (f *fakeRuntime) SendControl(context.Context, delivery.Control) error { return nil }
func (f *fakeRuntime) SignalSubmit(context.Context) error { return nil }
func (f *fakeRuntime) ReadVisibleState(context.Context) (delivery.Visible, error) { return f.visible, nil }
func (f *fakeRuntime) Terminate(context.Context) error { return nil }
func (f *fakeRuntime) Restart(context.Context) error { return nil }

// --- git ---

type fakeGit struct {
	trunk      string
	ahead      map[string]int
	head       map[string]string
	contains   map[string]bool
	inProgress map[string]bool
	unmerged   map[string][]string
	diff       string
	subject    string
	synced     []string
	syncErr    error
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		trunk:      "t0",
		ahead:      map[string]int{},
		head:       map[string]string{},
		contains:   map[string]bool{},
		inProgress: map[string]bool{},
		unmerged:   map[string][]string{},
	}
}

func (f *fakeGit) TrunkTip(context.Context) (string, error) { return f.trunk, nil }

func (f *fakeGit) HeadSHA(_ context.Context, dir string) (string, error) {
	sha, ok := f.head[dir]
	if !ok {
		return "", errors.New("no HEAD")
	}
	return sha, nil
}

func (f *fakeGit) CommitsAhead(_ context.Context, dir string) (int, error) { return f.ahead[dir], nil }

func (f *fakeGit) RebaseInProgress(_ context.Context, dir string) (bool, error) {
	return f.inProgress[dir], nil
}

func (f *fakeGit) UnmergedPaths(_ context.Context, dir string) ([]string, error) {
	return f.unmerged[dir], nil
}

func (f *fakeGit) ContainsTrunk(_ context.Context, dir, _ string) (bool, error) {
	return f.contains[dir], nil
}

func (f *fakeGit) Diff(context.Context, string, string) (string, error) { return f.diff, nil }

// SyncToTrunk drops commits ahead and moves HEAD to the trunk tip.
func (f *fakeGit) SyncToTrunk(_ context.Context, dir string) (bool, error) {
	f.synced = append(f.synced, dir)
	if f.syncErr != nil {
		return false, f.syncErr
	}
	reset := f.ahead[dir] > 0
	f.ahead[dir] = 0
	f.head[dir] = f.trunk
	return reset, nil
}

func (f *fakeGit) CommitSubject(context.Context, string, string) (string, error) {
	return f.subject, nil
}

// --- worktrees ---

type fakeWorktrees struct {
	created   []string
	removed   []string
	deleted   []string
	removeErr error
}

func (f *fakeWorktrees) Create(_ context.Context, worker string) (string, string, error) {
	f.created = append(f.created, worker)
	return worktreePath(worker), protocol.BranchName(worker), nil
}

func (f *fakeWorktrees) Remove(_ context.Context, path string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, path)
	return nil
}

func (f *fakeWorktrees) DeleteBranch(_ context.Context, branch string) error {
	f.deleted = append(f.deleted, branch)
	return nil
}

// --- merger ---

type fakeMerger struct {
	acceptRes  *gitops.Result
	acceptErr  error
	rebaseSHA  string
	rebaseErr  error
	accepted   []gitops.AcceptOpts
	rebasedFor []string
}

func (f *fakeMerger) Accept(_ context.Context, opts gitops.AcceptOpts) (*gitops.Result, error) {
	f.accepted = append(f.accepted, opts)
	return f.acceptRes, f.acceptErr
}

func (f *fakeMerger) Rebase(_ context.Context, worker, _ string) (string, error) {
	f.rebasedFor = append(f.rebasedFor, worker)
	return f.rebaseSHA, f.rebaseErr
}

// --- dispatcher ---

type fakeDispatcher struct {
	reqs []SendRequest
}

func (f *fakeDispatcher) Dispatch(req SendRequest) { f.reqs = append(f.reqs, req) }

func (f *fakeDispatcher) last(t *testing.T) SendRequest {
	t.Helper()
	if len(f.reqs) == 0 {
		t.Fatal("no send dispatched")
	}
	return f.reqs[len(f.reqs)-1]
}

// --- journal and alerts ---

type transition struct {
	worker, from, to, trigger string
}

type fakeJournal struct {
	mu          sync.Mutex
	events      []eventlog.Event
	transitions []transition
}

func (f *fakeJournal) Log(_ context.Context, e eventlog.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeJournal) LogTransition(_ context.Context, worker, from, to, trigger string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transition{worker, from, to, trigger})
	return nil
}

func (f *fakeJournal) sawTransition(worker, to string) bool {
	for _, tr := range f.transitions {
		if tr.worker == worker && tr.to == to {
			return true
		}
	}
	return false
}

type alertCall struct {
	kind   protocol.AlertKind
	worker string
}

type fakeAlerts struct {
	calls []alertCall
}

func (f *fakeAlerts) Alert(kind protocol.AlertKind, worker, _, _ string) {
	f.calls = append(f.calls, alertCall{kind, worker})
}

func (f *fakeAlerts) count(kind protocol.AlertKind) int {
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type fakeDiagnostics struct {
	reasons []string
}

func (f *fakeDiagnostics) Write(_ context.Context, _ registry.WorkerRecord, reason, _ string, _ []protocol.AttemptRecord) (string, error) {
	f.reasons = append(f.reasons, reason)
	return "/tmp/bundle.json", nil
}

// --- harness ---

type harness struct {
	r        *Reconciler
	sessions *fakeSessions
	git      *fakeGit
	wt       *fakeWorktrees
	merger   *fakeMerger
	disp     *fakeDispatcher
	journal  *fakeJournal
	alerts   *fakeAlerts
	diag     *fakeDiagnostics
}

func newHarness(t *testing.T, recs ...registry.WorkerRecord) *harness {
	t.Helper()
	h := &harness{
		sessions: newFakeSessions(),
		git:      newFakeGit(),
		wt:       &fakeWorktrees{},
		merger:   &fakeMerger{},
		disp:     &fakeDispatcher{},
		journal:  &fakeJournal{},
		alerts:   &fakeAlerts{},
		diag:     &fakeDiagnostics{},
	}
	for _, rec := range recs {
		h.sessions.alive[rec.SessionID] = rec.Status != protocol.StatusOffline && rec.Status != protocol.StatusError
	}
	h.r = New(registry.New(recs...), Deps{
		Sessions:    h.sessions,
		Git:         h.git,
		Worktrees:   h.wt,
		Merger:      h.merger,
		Dispatcher:  h.disp,
		Journal:     h.journal,
		Alerts:      h.alerts,
		Diagnostics: h.diag,
	}, Options{})
	h.r.nowFunc = func() time.Time { return testNow }
	h.r.countMarkers = func(string, string) int { return 2 }
	return h
}

func (h *harness) get(t *testing.T, name string) registry.WorkerRecord {
	t.Helper()
	rec, ok := h.r.Registry().Get(name)
	if !ok {
		t.Fatalf("worker %s not in registry", name)
	}
	return rec
}

func worktreePath(name string) string {
	return filepath.Join(testRoot, ".worktrees", name)
}

// worker builds a record consistent with status, last active ten minutes
// before testNow.
func worker(name string, status protocol.WorkerStatus) registry.WorkerRecord {
	at := testNow.Add(-10 * time.Minute).Unix()
	rec := registry.WorkerRecord{
		Name:             name,
		Branch:           protocol.BranchName(name),
		WorktreePath:     worktreePath(name),
		SessionID:        protocol.SessionName(name),
		Runtime:          "claude",
		Status:           status,
		AgentSessionID:   "agent-1",
		CreatedAtUnix:    testNow.Add(-2 * time.Hour).Unix(),
		LastActivityUnix: at,
	}
	if status.ActiveWork() || status == protocol.StatusNeedsReview {
		rec.CurrentPrompt = "write X"
	}
	if status.ReviewPending() {
		rec.CommitSHA = shaA
	}
	return rec
}

func event(kind protocol.EventKind, name string) protocol.Event {
	return protocol.Event{Kind: kind, Worker: name, SessionID: "agent-1"}
}

func assertStatus(t *testing.T, h *harness, name string, want protocol.WorkerStatus) {
	t.Helper()
	if got := h.get(t, name).Status; got != want {
		t.Errorf("%s status = %s, want %s", name, got, want)
	}
}

func isRejectionErr(err error) bool {
	var rej *protocol.RejectionError
	return errors.As(err, &rej)
}
