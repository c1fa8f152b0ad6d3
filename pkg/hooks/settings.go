// Package hooks writes the per-worker hook configuration that makes the
// agent runtime report its lifecycle back to the daemon.
package hooks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"llmc/pkg/protocol"
)

// Hook subcommand names, as passed to `llmc hook <kind>`.
const (
	KindStop         = "stop"
	KindSessionStart = "session-start"
	KindSessionEnd   = "session-end"
)

// timeoutSeconds matches protocol.HookTimeout.
const timeoutSeconds = 5

type command struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

type matcher struct {
	Hooks []command `json:"hooks"`
}

// Spec names what a worker's hooks invoke.
type Spec struct {
	Worker string
	Root   string // exported to the hook as LLMC_ROOT
	Binary string // absolute path of the llmc executable
}

// Command returns the shell command a hook of the given kind runs.
func (s Spec) Command(kind string) string {
	return fmt.Sprintf("%s=%s %s hook %s --worker %s",
		protocol.RootEnv, shellQuote(s.Root), shellQuote(s.Binary), kind, s.Worker)
}

// Path returns the settings file location inside a worktree.
func Path(worktree string) string {
	return filepath.Join(worktree, protocol.HookSettingsDir, protocol.HookSettingsFile)
}

// Write installs Stop, SessionStart and SessionEnd hooks into the
// worktree's settings file. Keys other than "hooks" already in the file
// are preserved.
func Write(worktree string, spec Spec) error {
	if spec.Worker == "" || spec.Root == "" || spec.Binary == "" {
		return errors.New("hook spec needs worker, root and binary")
	}

	path := Path(worktree)
	doc := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse existing %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", path, err)
	}

	entry := func(kind string) []matcher {
		return []matcher{{Hooks: []command{{Type: "command", Command: spec.Command(kind), Timeout: timeoutSeconds}}}}
	}
	hooks, err := json.Marshal(map[string][]matcher{
		"Stop":         entry(KindStop),
		"SessionStart": entry(KindSessionStart),
		"SessionEnd":   entry(KindSessionEnd),
	})
	if err != nil {
		return fmt.Errorf("encode hooks: %w", err)
	}
	doc["hooks"] = hooks

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil { //nolint:gosec // read by the agent runtime
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Installed reports whether the worktree's settings carry llmc hooks for
// worker. doctor uses it to spot worktrees whose hooks were lost.
func Installed(worktree, worker string) bool {
	data, err := os.ReadFile(Path(worktree))
	if err != nil {
		return false
	}
	var doc struct {
		Hooks map[string][]matcher `json:"hooks"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for _, event := range []string{"Stop", "SessionStart", "SessionEnd"} {
		found := false
		for _, m := range doc.Hooks[event] {
			for _, c := range m.Hooks {
				if strings.Contains(c.Command, " hook ") && strings.HasSuffix(c.Command, "--worker "+worker) {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// shellQuote single-quotes s when it contains anything beyond a safe set.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+:,@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
