// Package gitops is llmc's version-control boundary: repository queries,
// worker worktree lifecycle, and the serialized accept/rebase coordinator.
// Every git call goes through a GitRunner so tests can script results.
package gitops

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"llmc/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout string, stderr string, err error)
}

// ExecGitRunner implements GitRunner using os/exec. A non-zero Timeout
// bounds every call; a call that runs past it returns *protocol.TimeoutError.
type ExecGitRunner struct {
	Timeout time.Duration
}

// Run executes a git command in the given directory and returns stdout and stderr.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		op := "git"
		if len(args) > 0 {
			op += " " + args[0]
		}
		err = &protocol.TimeoutError{Op: op, After: r.Timeout}
	}
	return stdoutBuf.String(), stderrBuf.String(), err
}
