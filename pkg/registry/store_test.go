package registry //nolint:testpackage // white-box tests need the crash hook

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
	"time"

	"llmc/pkg/protocol"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) //nolint:gochecknoglobals // fixed clock

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "state.json"))
	s.nowFunc = func() time.Time { return testNow }
	return s
}

func sampleRecord(name string, status protocol.WorkerStatus) WorkerRecord {
	rec := WorkerRecord{
		Name:             name,
		Branch:           protocol.BranchName(name),
		WorktreePath:     "/repo/.worktrees/" + name,
		SessionID:        protocol.SessionName(name),
		Runtime:          "claude",
		Status:           status,
		CreatedAtUnix:    testNow.Add(-time.Hour).Unix(),
		LastActivityUnix: testNow.Add(-time.Minute).Unix(),
	}
	if status.ActiveWork() {
		rec.CurrentPrompt = "write X"
	}
	if status.ReviewPending() {
		rec.CommitSHA = "abc123"
	}
	return rec
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	reg := New(
		sampleRecord("adam", protocol.StatusIdle),
		sampleRecord("beth", protocol.StatusNeedsReview),
		sampleRecord("carl", protocol.StatusWorking),
	)
	if err := s.Save(reg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got.Snapshot(), reg.Snapshot()) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got.Snapshot(), reg.Snapshot())
	}
}

func TestSave_BacksUpPriorState(t *testing.T) {
	s := newTestStore(t)
	first := New(sampleRecord("adam", protocol.StatusIdle))
	if err := s.Save(first); err != nil {
		t.Fatalf("first Save: %v", err)
	}
	if _, err := os.Stat(s.BackupPath); !os.IsNotExist(err) {
		t.Fatalf("first save should not create a backup, stat err = %v", err)
	}

	second := New(sampleRecord("adam", protocol.StatusIdle), sampleRecord("beth", protocol.StatusIdle))
	if err := s.Save(second); err != nil {
		t.Fatalf("second Save: %v", err)
	}

	backup, err := s.LoadBackup()
	if err != nil {
		t.Fatalf("LoadBackup: %v", err)
	}
	if !reflect.DeepEqual(backup.Names(), []string{"adam"}) {
		t.Errorf("backup names = %v, want [adam]", backup.Names())
	}
}

func TestSave_CrashBeforeRenameKeepsCanonical(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(New(sampleRecord("adam", protocol.StatusIdle))); err != nil {
		t.Fatalf("Save: %v", err)
	}

	crash := errors.New("power loss")
	s.beforeRename = func(tmp string) error {
		// Simulate a torn write in the temp file, then die before rename.
		if err := os.WriteFile(tmp, []byte(`{"version":1,"workers":[{"na`), 0o600); err != nil {
			t.Fatalf("tear temp file: %v", err)
		}
		return crash
	}

	err := s.Save(New(sampleRecord("beth", protocol.StatusIdle)))
	if !errors.Is(err, crash) {
		t.Fatalf("expected simulated crash, got %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("canonical file should still load: %v", err)
	}
	if !reflect.DeepEqual(got.Names(), []string{"adam"}) {
		t.Errorf("names = %v, want [adam]", got.Names())
	}

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(s.Path), "state.json.tmp.*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestSave_CorruptCanonicalDoesNotClobberBackup(t *testing.T) {
	s := newTestStore(t)
	if err := s.Save(New(sampleRecord("adam", protocol.StatusIdle))); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(New(sampleRecord("adam", protocol.StatusIdle))); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.Save(New(sampleRecord("beth", protocol.StatusIdle))); err != nil {
		t.Fatalf("Save: %v", err)
	}
	backup, err := s.LoadBackup()
	if err != nil {
		t.Fatalf("LoadBackup: %v", err)
	}
	if !reflect.DeepEqual(backup.Names(), []string{"adam"}) {
		t.Errorf("backup names = %v, want [adam]", backup.Names())
	}
}

func TestLoad_ClassifiesFailures(t *testing.T) {
	future := testNow.Add(time.Hour).Unix()

	tests := []struct {
		name       string
		content    string // empty means no file
		wantKind   protocol.IntegrityKind
		repairable bool
		wantReg    bool
	}{
		{name: "missing file", wantKind: protocol.IntegrityMissing},
		{name: "malformed json", content: `{"version":1,"workers":[`, wantKind: protocol.IntegrityDecode},
		{name: "trailing garbage", content: `{"version":1,"workers":[]} xyz`, wantKind: protocol.IntegrityDecode},
		{name: "wrong version", content: `{"version":7,"workers":[]}`, wantKind: protocol.IntegrityDecode},
		{
			name:     "unknown status",
			content:  `{"version":1,"workers":[{"name":"adam","branch":"llmc/adam","worktree_path":"/w","session_id":"llmc-adam","status":"dreaming"}]}`,
			wantKind: protocol.IntegritySchema,
			wantReg:  true,
		},
		{
			name: "future timestamp",
			content: `{"version":1,"workers":[{"name":"adam","branch":"llmc/adam","worktree_path":"/w","session_id":"llmc-adam","status":"idle","last_activity_unix":` +
				strconv.FormatInt(future, 10) + `}]}`,
			wantKind:   protocol.IntegritySchema,
			repairable: true,
			wantReg:    true,
		},
		{
			name:       "needs review without commit",
			content:    `{"version":1,"workers":[{"name":"adam","branch":"llmc/adam","worktree_path":"/w","session_id":"llmc-adam","status":"needs_review"}]}`,
			wantKind:   protocol.IntegrityConsistency,
			repairable: true,
			wantReg:    true,
		},
		{
			name: "duplicate name",
			content: `{"version":1,"workers":[` +
				`{"name":"adam","branch":"llmc/adam","worktree_path":"/w","session_id":"llmc-adam","status":"idle"},` +
				`{"name":"adam","branch":"llmc/adam2","worktree_path":"/w2","session_id":"llmc-adam","status":"idle"}]}`,
			wantKind: protocol.IntegrityConsistency,
			wantReg:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			if tt.content != "" {
				if err := os.WriteFile(s.Path, []byte(tt.content), 0o600); err != nil {
					t.Fatal(err)
				}
			}

			reg, err := s.Load()
			var ierr *protocol.IntegrityError
			if !errors.As(err, &ierr) {
				t.Fatalf("expected IntegrityError, got %v", err)
			}
			if ierr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", ierr.Kind, tt.wantKind)
			}
			if ierr.Repairable() != tt.repairable {
				t.Errorf("Repairable() = %v, want %v (%v)", ierr.Repairable(), tt.repairable, ierr)
			}
			if (reg != nil) != tt.wantReg {
				t.Errorf("registry returned = %v, want %v", reg != nil, tt.wantReg)
			}
		})
	}
}

func TestRestore_ReplacesCorruptCanonical(t *testing.T) {
	s := newTestStore(t)
	snapshot := New(sampleRecord("adam", protocol.StatusIdle), sampleRecord("beth", protocol.StatusNeedsReview))
	if err := s.Save(snapshot); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(snapshot); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path, []byte("}}}"), 0o600); err != nil {
		t.Fatal(err)
	}

	quarantined, err := s.Quarantine()
	if err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	if quarantined == "" {
		t.Fatal("expected a quarantine path")
	}
	if err := s.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load after restore: %v", err)
	}
	if !reflect.DeepEqual(got.Snapshot(), snapshot.Snapshot()) {
		t.Errorf("restored registry differs from snapshot")
	}
}
