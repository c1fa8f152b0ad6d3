package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"llmc/pkg/config"
)

// lookPath is swapped in tests.
var lookPath = exec.LookPath //nolint:gochecknoglobals // test seam

// runPreflightChecks verifies the external tools and the repository the
// daemon depends on. Errors carry an actionable message.
func runPreflightChecks(cfg *config.Config, paths *config.Paths) error {
	for _, tool := range []string{"tmux", "git"} {
		if _, err := lookPath(tool); err != nil {
			return fmt.Errorf("required tool '%s' not found in PATH", tool)
		}
	}

	if _, err := os.Stat(filepath.Join(paths.Root, ".git")); err != nil {
		return fmt.Errorf("%s is not a git repository; clone the project there or set LLMC_ROOT", paths.Root)
	}

	name := cfg.Workers.DefaultRuntime
	bin := firstWord(cfg.Runtimes[name].Command)
	if bin == "" {
		return fmt.Errorf("runtime %q has no command configured", name)
	}
	if _, err := lookPath(bin); err != nil {
		return fmt.Errorf("runtime %q command '%s' not found in PATH", name, bin)
	}
	return nil
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' {
			return s[:i]
		}
	}
	return s
}
