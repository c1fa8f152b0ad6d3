package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrNothingToAccept is returned when a branch has no commits ahead of trunk.
var ErrNothingToAccept = errors.New("branch has no commits ahead of trunk")

// AcceptOpts holds parameters for a single accept.
type AcceptOpts struct {
	Worker   string
	Branch   string // e.g. "llmc/adam"
	Worktree string
}

// Result holds the outcome of a successful accept.
type Result struct {
	CommitSHA string
	Message   string
}

// Coordinator serializes accepts and rebases behind a mutex so trunk never
// moves underneath a fast-forward in progress.
type Coordinator struct {
	mu        sync.Mutex
	repo      *Repo
	worktrees *WorktreeManager
	git       GitRunner

	// abortMu protects activeWorktree for concurrent access from Abort().
	abortMu        sync.Mutex
	activeWorktree string
}

// NewCoordinator creates a Coordinator over repo.
func NewCoordinator(repo *Repo, worktrees *WorktreeManager) *Coordinator {
	return &Coordinator{repo: repo, worktrees: worktrees, git: repo.git}
}

// Accept lands a worker's work on trunk:
//  1. amend uncommitted changes into HEAD
//  2. fetch, then rebase onto Base (conflict: *ConflictError, rebase left in progress)
//  3. squash to one commit with agent attribution stripped
//  4. git merge --ff-only <branch> in the primary checkout, then push
//     trunk when a remote is configured
//  5. remove the worktree and delete the branch
//
// The worktree is removed only after trunk has fast-forwarded, so a failed
// merge leaves the worker's work where it was. Failures after the
// fast-forward come back as *CleanupError alongside the Result.
func (c *Coordinator) Accept(ctx context.Context, opts AcceptOpts) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.track(opts.Worktree)()

	if err := c.rebaseLocked(ctx, opts.Worker, opts.Worktree); err != nil {
		return nil, err
	}

	msg, err := c.squash(ctx, opts)
	if err != nil {
		return nil, err
	}

	sha, err := c.repo.HeadSHA(ctx, opts.Worktree)
	if err != nil {
		return nil, err
	}

	if _, stderr, err := c.git.Run(ctx, c.repo.Root, "merge", "--ff-only", opts.Branch); err != nil {
		return nil, fmt.Errorf("ff-only merge of %s failed (trunk may have moved; retry): %w: %s",
			opts.Branch, err, strings.TrimSpace(stderr))
	}
	head, err := c.repo.HeadSHA(ctx, c.repo.Root)
	if err != nil {
		return nil, err
	}
	if head != sha {
		return nil, fmt.Errorf("trunk HEAD %s does not match accepted commit %s", head, sha)
	}
	res := &Result{CommitSHA: sha, Message: msg}

	// Trunk holds the commit from here on; later failures are reported
	// without undoing the accept.
	var pending []string
	var errs []error
	if err := c.repo.Push(ctx); err != nil {
		pending = append(pending, "publish trunk")
		errs = append(errs, err)
	}
	if err := c.worktrees.Remove(ctx, opts.Worktree); err != nil {
		pending = append(pending, "remove worktree")
		errs = append(errs, err)
	}
	if err := c.worktrees.DeleteBranch(ctx, opts.Branch); err != nil {
		pending = append(pending, "delete branch")
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return res, &CleanupError{Result: res, Pending: pending, Err: errors.Join(errs...)}
	}
	return res, nil
}

// CleanupError reports an accept whose commit already landed on trunk but
// whose publish or teardown steps failed. Result is valid.
type CleanupError struct {
	Result  *Result
	Pending []string // steps that did not complete
	Err     error
}

func (e *CleanupError) Error() string {
	return fmt.Sprintf("accepted %s but %s failed: %v", e.Result.CommitSHA, strings.Join(e.Pending, ", "), e.Err)
}

func (e *CleanupError) Unwrap() error { return e.Err }

// Published reports whether pushing trunk succeeded (or was not needed).
func (e *CleanupError) Published() bool {
	for _, step := range e.Pending {
		if step == "publish trunk" {
			return false
		}
	}
	return true
}

// Rebase brings a worker's branch up to date with trunk and returns the new
// HEAD. On conflict it returns *ConflictError and leaves the rebase stopped
// for the agent to resolve.
func (c *Coordinator) Rebase(ctx context.Context, worker, worktree string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.track(worktree)()

	if err := c.rebaseLocked(ctx, worker, worktree); err != nil {
		return "", err
	}
	return c.repo.HeadSHA(ctx, worktree)
}

func (c *Coordinator) rebaseLocked(ctx context.Context, worker, worktree string) error {
	if err := c.repo.amendUncommitted(ctx, worktree); err != nil {
		return err
	}
	if err := c.repo.Fetch(ctx); err != nil {
		return err
	}
	stdout, stderr, err := c.git.Run(ctx, worktree, "rebase", c.repo.Base())
	if err == nil {
		return nil
	}
	// Context cancelled/deadline exceeded takes priority over conflict handling
	if ctx.Err() != nil {
		return fmt.Errorf("rebase cancelled: %w", ctx.Err())
	}
	files, _ := c.repo.UnmergedPaths(ctx, worktree)
	if len(files) == 0 {
		files = parseConflictFiles(stdout + "\n" + stderr)
	}
	if len(files) == 0 {
		_, _, _ = c.git.Run(ctx, worktree, "rebase", "--abort")
		return fmt.Errorf("rebase onto %s failed: %w: %s", c.repo.Base(), err, strings.TrimSpace(stderr))
	}
	return &ConflictError{Files: files, Worker: worker}
}

// squash collapses the branch to a single commit whose message is the
// first commit's message minus attribution footers.
func (c *Coordinator) squash(ctx context.Context, opts AcceptOpts) (string, error) {
	n, err := c.repo.CommitsAhead(ctx, opts.Worktree)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrNothingToAccept
	}

	out, _, err := c.git.Run(ctx, opts.Worktree, "rev-list", "--reverse", c.repo.Base()+"..HEAD")
	if err != nil {
		return "", fmt.Errorf("rev-list --reverse failed: %w", err)
	}
	commits := nonEmptyLines(out)
	if len(commits) == 0 {
		return "", ErrNothingToAccept
	}
	raw, err := c.repo.commitMessage(ctx, opts.Worktree, commits[0])
	if err != nil {
		return "", err
	}
	msg := StripAttribution(raw)
	if msg == "" {
		msg = "Work from worker " + opts.Worker
	}

	if n > 1 {
		if _, stderr, err := c.git.Run(ctx, opts.Worktree, "reset", "--soft", c.repo.Base()); err != nil {
			return "", fmt.Errorf("git reset --soft: %w: %s", err, strings.TrimSpace(stderr))
		}
		if _, stderr, err := c.git.Run(ctx, opts.Worktree, "commit", "-m", msg); err != nil {
			return "", fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(stderr))
		}
		return msg, nil
	}
	if msg != raw {
		if _, stderr, err := c.git.Run(ctx, opts.Worktree, "commit", "--amend", "-m", msg); err != nil {
			return "", fmt.Errorf("git commit --amend: %w: %s", err, strings.TrimSpace(stderr))
		}
	}
	return msg, nil
}

// track records the worktree being operated on for Abort and returns the
// function that clears it.
func (c *Coordinator) track(worktree string) func() {
	c.abortMu.Lock()
	c.activeWorktree = worktree
	c.abortMu.Unlock()
	return func() {
		c.abortMu.Lock()
		defer c.abortMu.Unlock()
		c.activeWorktree = ""
	}
}

// Abort runs best-effort 'git rebase --abort' on the worktree of an
// operation still in flight. Safe to call concurrently with Accept/Rebase;
// it uses a fresh context since the caller's is typically cancelled at
// shutdown.
func (c *Coordinator) Abort() {
	c.abortMu.Lock()
	wt := c.activeWorktree
	c.abortMu.Unlock()

	if wt == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, _ = c.git.Run(ctx, wt, "rebase", "--abort")
}
