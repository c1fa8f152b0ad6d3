package recovery_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/recovery"
)

type fakeWorktrees struct {
	list []gitops.Worktree
	err  error
}

func (f fakeWorktrees) List(context.Context) ([]gitops.Worktree, error) { return f.list, f.err }

type fakeSessions struct {
	names []string
	err   error
}

func (f fakeSessions) List(string) ([]string, error) { return f.names, f.err }

func TestRebuild(t *testing.T) {
	root := "/repo"
	wt := filepath.Join(root, protocol.WorktreesDir)
	now := time.Unix(1_700_000_000, 0)

	obs, err := recovery.Observe(context.Background(), fakeWorktrees{list: []gitops.Worktree{
		{Path: root, Branch: "main"},
		{Path: filepath.Join(wt, "adam"), Branch: "llmc/adam", Head: "aaa"},
		{Path: filepath.Join(wt, "beth"), Branch: "llmc/beth"},
		{Path: filepath.Join(wt, "Bad_Name"), Branch: "llmc/Bad_Name"},
		{Path: filepath.Join(wt, "carl"), Branch: "feature/x"},
		{Path: "/elsewhere/dave", Branch: "llmc/dave"},
	}}, fakeSessions{names: []string{"llmc-adam", "llmc-zed"}})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}

	report := recovery.Rebuild(root, "claude", obs, now)

	if !reflect.DeepEqual(report.Workers, []string{"adam", "beth"}) {
		t.Errorf("workers = %v", report.Workers)
	}
	if !reflect.DeepEqual(report.Orphans, []string{"llmc-zed"}) {
		t.Errorf("orphans = %v", report.Orphans)
	}
	if len(report.Skipped) != 2 {
		t.Errorf("skipped = %v", report.Skipped)
	}

	adam, _ := report.Registry.Get("adam")
	if adam.Status != protocol.StatusOffline || adam.SessionID != "llmc-adam" || adam.Runtime != "claude" ||
		adam.CreatedAtUnix != now.Unix() || adam.WorktreePath != filepath.Join(wt, "adam") {
		t.Errorf("adam = %+v", adam)
	}
}

func TestObserve_SessionErrorIsTolerated(t *testing.T) {
	obs, err := recovery.Observe(context.Background(), fakeWorktrees{}, fakeSessions{err: errors.New("no server")})
	if err != nil || obs.Sessions != nil {
		t.Errorf("obs = %+v, err = %v", obs, err)
	}
}

func TestObserve_WorktreeErrorFails(t *testing.T) {
	if _, err := recovery.Observe(context.Background(), fakeWorktrees{err: errors.New("not a repo")}, nil); err == nil {
		t.Fatal("expected error")
	}
}
