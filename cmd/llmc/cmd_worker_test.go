package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmc/pkg/protocol"
)

func TestPromptText(t *testing.T) {
	file := filepath.Join(t.TempDir(), "task.md")
	if err := os.WriteFile(file, []byte("  from file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    []string
		file    string
		stdin   string
		want    string
		wantErr error
	}{
		{name: "args joined", args: []string{"fix", "the", "bug"}, want: "fix the bug"},
		{name: "file", file: file, want: "from file"},
		{name: "stdin", file: "-", stdin: "piped\n", want: "piped"},
		{name: "empty", args: []string{"  "}, wantErr: errEmptyText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := promptText(tt.args, tt.file, strings.NewReader(tt.stdin))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartCmd_SendsRequest(t *testing.T) {
	env := testEnv(t)
	var got protocol.Request
	fakeDaemon(t, env, func(req protocol.Request) protocol.Response {
		got = req
		return protocol.OK(nil)
	})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"start", "adam", "write", "the", "parser"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got.Op != protocol.OpStart || got.Worker != "adam" || got.Text != "write the parser" {
		t.Errorf("request = %+v", got)
	}
	if out.String() != "started adam\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestAcceptCmd_RejectionIsAnError(t *testing.T) {
	env := testEnv(t)
	fakeDaemon(t, env, func(req protocol.Request) protocol.Response {
		return protocol.Fail(&protocol.RejectionError{Op: req.Op, Worker: req.Worker, Status: protocol.StatusWorking, Reason: "worker is working"})
	})

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"accept", "adam"})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "worker is working") {
		t.Errorf("err = %v, want the daemon's rejection", err)
	}
}

func TestAddCmd_PrintsView(t *testing.T) {
	env := testEnv(t)
	fakeDaemon(t, env, func(req protocol.Request) protocol.Response {
		return protocol.OK(protocol.WorkerView{Name: req.Worker, Branch: protocol.BranchName(req.Worker), Runtime: "claude"})
	})

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"add", "adam"})
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := "added adam on branch " + protocol.BranchName("adam") + " (runtime claude)\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestRequest_NoDaemon(t *testing.T) {
	env := testEnv(t)
	_, err := env.request(t.Context(), protocol.Request{Op: protocol.OpStatus})
	if err == nil || !strings.Contains(err.Error(), "llmc up") {
		t.Errorf("err = %v, want a hint to start the daemon", err)
	}
}

func TestPrintReview(t *testing.T) {
	var out bytes.Buffer
	v := protocol.ReviewView{Worker: "adam", Status: protocol.StatusNeedsReview, CommitSHA: "abc123", Subject: "Add parser", Prompt: "write\nthe parser", Diff: "+x"}

	printReview(&out, v, true)

	for _, want := range []string{"adam (needs_review)", "abc123 Add parser", "task:    write the parser", "+x\n"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	printReview(&out, v, false)
	if strings.Contains(out.String(), "+x") {
		t.Error("diff printed with --no-diff")
	}
}

