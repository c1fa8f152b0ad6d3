package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"llmc/pkg/protocol"
)

// Worktree is one entry of `git worktree list --porcelain`.
type Worktree struct {
	Path   string
	Head   string
	Branch string // short name, "" when detached
}

// WorktreeManager creates and removes worker worktrees under
// <root>/.worktrees.
type WorktreeManager struct {
	repo *Repo
	git  GitRunner
}

// NewWorktreeManager returns a WorktreeManager for repo.
func NewWorktreeManager(repo *Repo) *WorktreeManager {
	return &WorktreeManager{repo: repo, git: repo.git}
}

// Path returns where a worker's worktree lives.
func (m *WorktreeManager) Path(worker string) string {
	return filepath.Join(m.repo.Root, protocol.WorktreesDir, worker)
}

// Create runs `git worktree add -b llmc/<worker> <path> <base>` and returns
// the worktree path and branch name.
func (m *WorktreeManager) Create(ctx context.Context, worker string) (path, branch string, err error) {
	// Worker names become path components; refuse anything that could escape
	// the worktrees directory.
	if worker == "" || filepath.Base(worker) != worker || strings.HasPrefix(worker, ".") {
		return "", "", fmt.Errorf("invalid worker name %q", worker)
	}

	path = m.Path(worker)
	branch = protocol.BranchName(worker)

	_, stderr, err := m.git.Run(ctx, m.repo.Root, "worktree", "add", "-b", branch, path, m.repo.Base())
	if err != nil {
		return "", "", fmt.Errorf("worktree add %s: %w: %s", worker, err, strings.TrimSpace(stderr))
	}
	return path, branch, nil
}

// Remove force-removes a worktree. A worktree whose directory is already
// gone only has git's bookkeeping pruned.
func (m *WorktreeManager) Remove(ctx context.Context, path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		_, _, _ = m.git.Run(ctx, m.repo.Root, "worktree", "prune")
		return nil
	}
	_, stderr, err := m.git.Run(ctx, m.repo.Root, "worktree", "remove", "--force", path)
	if err != nil {
		return fmt.Errorf("worktree remove %s: %w: %s", path, err, strings.TrimSpace(stderr))
	}
	return nil
}

// DeleteBranch force-deletes a branch. A missing branch is not an error.
func (m *WorktreeManager) DeleteBranch(ctx context.Context, branch string) error {
	_, stderr, err := m.git.Run(ctx, m.repo.Root, "branch", "-D", branch)
	if err != nil {
		if strings.Contains(stderr, "not found") {
			return nil
		}
		return fmt.Errorf("branch -D %s: %w: %s", branch, err, strings.TrimSpace(stderr))
	}
	return nil
}

// BranchExists reports whether a local branch exists.
func (m *WorktreeManager) BranchExists(ctx context.Context, branch string) bool {
	_, _, err := m.git.Run(ctx, m.repo.Root, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Prune cleans git's bookkeeping for worktrees whose directories vanished.
func (m *WorktreeManager) Prune(ctx context.Context) {
	_, _, _ = m.git.Run(ctx, m.repo.Root, "worktree", "prune")
}

// List returns every worktree git knows about, the primary checkout included.
func (m *WorktreeManager) List(ctx context.Context) ([]Worktree, error) {
	out, _, err := m.git.Run(ctx, m.repo.Root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree list: %w", err)
	}
	return parseWorktreeList(out), nil
}

func parseWorktreeList(out string) []Worktree {
	var (
		list []Worktree
		cur  *Worktree
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			list = append(list, Worktree{Path: strings.TrimPrefix(line, "worktree ")})
			cur = &list[len(list)-1]
		case cur == nil:
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	return list
}
