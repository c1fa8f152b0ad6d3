package gitops

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ConflictError is returned when a rebase stops on conflicts. The rebase is
// left in progress so the worker's agent can resolve it.
type ConflictError struct {
	Files  []string // files with conflicts, relative to the worktree
	Worker string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rebase conflict for worker %s: conflicting files: %s",
		e.Worker, strings.Join(e.Files, ", "))
}

// conflictPattern matches git's CONFLICT output lines.
// Examples:
//
//	CONFLICT (content): Merge conflict in src/main.go
//	CONFLICT (add/add): Merge conflict in new_file.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

// parseConflictFiles extracts file paths from git rebase output.
func parseConflictFiles(output string) []string {
	matches := conflictPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}

// CountConflictMarkers counts the `<<<<<<<` markers left in a conflicted
// file. Unreadable files count as zero.
func CountConflictMarkers(worktree, file string) int {
	data, err := os.ReadFile(filepath.Join(worktree, file))
	if err != nil {
		return 0
	}
	return strings.Count(string(data), "<<<<<<<")
}

var coAuthoredPattern = regexp.MustCompile(`(?m)\n*^Co-Authored-By: [^\n]*$`)

// attributionLines are footers agents append to their commit messages.
//
//nolint:gochecknoglobals // fixed list
var attributionLines = []string{
	"🤖 Generated with [Claude Code](https://claude.com/claude-code)",
	"🤖 Generated with [Claude Code](https://claude.ai/code)",
	"🤖 Generated with [Claude Code]",
	"Generated with [Claude Code]",
}

// StripAttribution removes agent attribution footers from a commit message.
func StripAttribution(message string) string {
	for _, line := range attributionLines {
		message = strings.ReplaceAll(message, line, "")
	}
	message = coAuthoredPattern.ReplaceAllString(message, "")
	return strings.TrimSpace(message)
}
