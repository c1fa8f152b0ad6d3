package reconciler

import (
	"fmt"
	"path/filepath"
	"strings"

	"llmc/pkg/recovery"
)

// taskPreamble precedes every task prompt.
const taskPreamble = `You are working in a git worktree located at: %s
Repository root: %s

IMPORTANT INSTRUCTIONS:
- Follow all conventions specified in CLAUDE.md and other project documentation
- Run the project's validation commands before you finish
- Create a SINGLE commit with your changes when complete
- DO NOT push to remote - your work will be reviewed and merged by the coordinator
- Use the project's code style and patterns

Please implement the requested changes following these guidelines.

`

// TaskPrompt wraps a task in the worker preamble.
func TaskPrompt(worktree, task string) string {
	root := filepath.Dir(filepath.Dir(worktree))
	return fmt.Sprintf(taskPreamble, worktree, root) + task
}

// ResumePrompt resends a task after a crash restart.
func ResumePrompt(worktree, task string) string {
	return TaskPrompt(worktree, task) + "\n\n" + recovery.CrashNote
}

// RejectPrompt builds the prompt sent back to a worker whose commit was
// rejected: the original task, the reviewer's notes and the diff under
// review.
func RejectPrompt(task, notes, diff string) string {
	var b strings.Builder
	b.WriteString("Your previous submission was reviewed and changes were requested.\n\n")
	if task != "" {
		b.WriteString("Original task:\n")
		b.WriteString(task)
		b.WriteString("\n\n")
	}
	b.WriteString("Reviewer notes:\n")
	if strings.TrimSpace(notes) == "" {
		b.WriteString("(no notes given)")
	} else {
		b.WriteString(notes)
	}
	b.WriteString("\n\n")
	if diff != "" {
		b.WriteString("Your submitted changes:\n```diff\n")
		b.WriteString(strings.TrimRight(diff, "\n"))
		b.WriteString("\n```\n\n")
	}
	b.WriteString("Address the notes, then amend your commit so the branch still holds a SINGLE commit: " +
		"git add -A && git commit --amend --no-edit")
	return b.String()
}

// SelfReviewPrompt asks a worker to review its own commit before a human
// sees it.
const SelfReviewPrompt = `Before your work goes to human review, review your own commit:

1. Run git show HEAD and read the full diff
2. Check it against the original task and the project's conventions
3. Look for bugs, missing tests, debugging leftovers and unrelated changes
4. Run the project's validation commands
5. Fix anything you find and amend: git add -A && git commit --amend --no-edit

If everything is already correct, reply that the review found nothing to change.`

// ConflictFile is one conflicted path with its marker count.
type ConflictFile struct {
	Path    string
	Markers int
}

// ConflictPrompt tells a worker how to finish a rebase that stopped on
// conflicts.
func ConflictPrompt(trunk, task string, files []ConflictFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A rebase onto %s has encountered conflicts.\n\n", trunk)

	if task != "" {
		lines := strings.Split(strings.TrimSpace(task), "\n")
		if len(lines) > 3 {
			lines = lines[:3]
		}
		fmt.Fprintf(&b, "IMPORTANT - Your original task:\n%q\n\n", strings.Join(lines, " "))
		b.WriteString("DO NOT restart your task from scratch. Instead, INCORPORATE your existing changes and intent\n" +
			"into the new repository state. Apply the same logical changes you already made, adapted to\n" +
			"the new state of the files after " + trunk + "'s changes.\n\n")
	}

	b.WriteString("Conflicting files:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "- %s (%d conflict markers)\n", f.Path, f.Markers)
	}

	fmt.Fprintf(&b, `
Resolution steps:
1. Examine conflict markers (<<<<<<<, =======, >>>>>>>)
2. Understand what %[1]s changed (their version) and what you changed (our version)
3. Decide how to INCORPORATE YOUR CHANGES into the new state - do NOT just accept theirs
4. Remove conflict markers and apply your intended changes
5. Stage resolved files: git add <file>
6. Continue rebase: git rebase --continue
7. Run the project's validation commands
8. IMPORTANT: If validation modified any files, amend them: git add -A && git commit --amend --no-edit

Notes:
- View original versions: git show :2:<file> (ours) :3:<file> (theirs)
- Do not abort the rebase; the coordinator is waiting for it to complete
`, trunk)
	return b.String()
}
