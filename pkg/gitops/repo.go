package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Repo answers version-control questions about the llmc clone and its
// worker worktrees.
type Repo struct {
	Root   string // primary checkout; trunk is checked out here
	Trunk  string // trunk branch name, e.g. "main"
	Remote string // optional; when set, fetches go here and Base is <remote>/<trunk>
	git    GitRunner
}

// NewRepo returns a Repo rooted at root.
func NewRepo(git GitRunner, root, trunk, remote string) *Repo {
	return &Repo{Root: root, Trunk: trunk, Remote: remote, git: git}
}

// Base is the ref worker branches are compared with and rebased onto.
func (r *Repo) Base() string {
	if r.Remote != "" {
		return r.Remote + "/" + r.Trunk
	}
	return r.Trunk
}

// Fetch updates the remote-tracking trunk. It is a no-op without a remote.
func (r *Repo) Fetch(ctx context.Context) error {
	if r.Remote == "" {
		return nil
	}
	if _, stderr, err := r.git.Run(ctx, r.Root, "fetch", r.Remote, r.Trunk); err != nil {
		return fmt.Errorf("git fetch %s: %w: %s", r.Remote, err, strings.TrimSpace(stderr))
	}
	return nil
}

// Push publishes the local trunk to the remote and refreshes the
// remote-tracking ref. It is a no-op without a remote.
func (r *Repo) Push(ctx context.Context) error {
	if r.Remote == "" {
		return nil
	}
	if _, stderr, err := r.git.Run(ctx, r.Root, "push", r.Remote, r.Trunk); err != nil {
		return fmt.Errorf("git push %s %s: %w: %s", r.Remote, r.Trunk, err, strings.TrimSpace(stderr))
	}
	return r.Fetch(ctx)
}

// TrunkTip returns the commit Base points at.
func (r *Repo) TrunkTip(ctx context.Context) (string, error) {
	return r.revParse(ctx, r.Root, r.Base())
}

// HeadSHA returns the worktree's HEAD commit.
func (r *Repo) HeadSHA(ctx context.Context, dir string) (string, error) {
	return r.revParse(ctx, dir, "HEAD")
}

// CommitsAhead counts commits on HEAD that Base does not have.
func (r *Repo) CommitsAhead(ctx context.Context, dir string) (int, error) {
	out, _, err := r.git.Run(ctx, dir, "rev-list", "--count", r.Base()+"..HEAD")
	if err != nil {
		return 0, fmt.Errorf("rev-list --count failed: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// SyncToTrunk prepares an idle worktree for a new task. Commits left over
// from an earlier cycle are discarded with a hard reset to Base, then the
// branch is fast-forwarded to Base. It reports whether a reset happened.
func (r *Repo) SyncToTrunk(ctx context.Context, dir string) (bool, error) {
	if err := r.Fetch(ctx); err != nil {
		return false, err
	}
	ahead, err := r.CommitsAhead(ctx, dir)
	if err != nil {
		return false, err
	}
	reset := ahead > 0
	if reset {
		if _, stderr, err := r.git.Run(ctx, dir, "reset", "--hard", r.Base()); err != nil {
			return false, fmt.Errorf("git reset --hard %s: %w: %s", r.Base(), err, strings.TrimSpace(stderr))
		}
	}
	if _, stderr, err := r.git.Run(ctx, dir, "merge", "--ff-only", r.Base()); err != nil {
		return reset, fmt.Errorf("fast-forward to %s: %w: %s", r.Base(), err, strings.TrimSpace(stderr))
	}
	return reset, nil
}

// HasUncommittedChanges reports whether the worktree has staged, unstaged
// or untracked changes.
func (r *Repo) HasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	out, _, err := r.git.Run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status failed: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

// RebaseInProgress reports whether a rebase is stopped in the worktree.
// Worktrees keep rebase state under their own git dir, so the path is asked
// of git rather than assumed.
func (r *Repo) RebaseInProgress(ctx context.Context, dir string) (bool, error) {
	for _, name := range []string{"rebase-merge", "rebase-apply"} {
		out, _, err := r.git.Run(ctx, dir, "rev-parse", "--git-path", name)
		if err != nil {
			return false, fmt.Errorf("rev-parse --git-path %s: %w", name, err)
		}
		p := strings.TrimSpace(out)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if _, statErr := os.Stat(p); statErr == nil {
			return true, nil
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return false, statErr
		}
	}
	return false, nil
}

// UnmergedPaths lists files still carrying unresolved conflicts.
func (r *Repo) UnmergedPaths(ctx context.Context, dir string) ([]string, error) {
	out, _, err := r.git.Run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("git diff --diff-filter=U: %w", err)
	}
	return nonEmptyLines(out), nil
}

// ContainsTrunk reports whether HEAD already includes the current trunk tip.
func (r *Repo) ContainsTrunk(ctx context.Context, dir, trunkTip string) (bool, error) {
	out, _, err := r.git.Run(ctx, dir, "merge-base", "HEAD", trunkTip)
	if err != nil {
		return false, fmt.Errorf("git merge-base: %w", err)
	}
	return strings.TrimSpace(out) == trunkTip, nil
}

// Diff returns the changes sha introduces relative to Base.
func (r *Repo) Diff(ctx context.Context, dir, sha string) (string, error) {
	out, stderr, err := r.git.Run(ctx, dir, "diff", r.Base()+"..."+sha)
	if err != nil {
		return "", fmt.Errorf("git diff %s: %w: %s", sha, err, strings.TrimSpace(stderr))
	}
	return out, nil
}

// CommitSubject returns the first line of a commit's message.
func (r *Repo) CommitSubject(ctx context.Context, dir, ref string) (string, error) {
	out, _, err := r.git.Run(ctx, dir, "log", "-1", "--format=%s", ref)
	if err != nil {
		return "", fmt.Errorf("git log %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

func (r *Repo) commitMessage(ctx context.Context, dir, ref string) (string, error) {
	out, _, err := r.git.Run(ctx, dir, "log", "-1", "--format=%B", ref)
	if err != nil {
		return "", fmt.Errorf("git log %s: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

// amendUncommitted folds any uncommitted changes into HEAD.
func (r *Repo) amendUncommitted(ctx context.Context, dir string) error {
	dirty, err := r.HasUncommittedChanges(ctx, dir)
	if err != nil || !dirty {
		return err
	}
	if _, stderr, err := r.git.Run(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("git add -A: %w: %s", err, strings.TrimSpace(stderr))
	}
	if _, stderr, err := r.git.Run(ctx, dir, "commit", "--amend", "--no-edit"); err != nil {
		return fmt.Errorf("git commit --amend: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (r *Repo) revParse(ctx context.Context, dir, ref string) (string, error) {
	out, _, err := r.git.Run(ctx, dir, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("rev-parse %s failed: %w", ref, err)
	}
	return strings.TrimSpace(out), nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
