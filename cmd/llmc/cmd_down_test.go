package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"llmc/pkg/daemon"
)

func TestRunDown_NotRunning(t *testing.T) {
	env := testEnv(t)
	var out bytes.Buffer
	if err := runDown(&out, env.paths, true, time.Second); err != nil {
		t.Fatalf("runDown: %v", err)
	}
	if !strings.Contains(out.String(), "not running") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRunDown_StalePIDFile(t *testing.T) {
	env := testEnv(t)
	// PIDs above the kernel's pid_max never exist.
	if err := daemon.WritePIDFile(env.paths.PIDPath, 1<<30); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runDown(&out, env.paths, true, time.Second); err != nil {
		t.Fatalf("runDown: %v", err)
	}
	if !strings.Contains(out.String(), "stale") {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(env.paths.PIDPath); !os.IsNotExist(err) {
		t.Error("stale PID file left behind")
	}
}
