package recovery

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"llmc/pkg/gitops"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// WorktreeLister lists the repository's worktrees.
type WorktreeLister interface {
	List(ctx context.Context) ([]gitops.Worktree, error)
}

// SessionLister lists running session names with a prefix.
type SessionLister interface {
	List(prefix string) ([]string, error)
}

// Observed is what a rebuild can see on disk and in tmux.
type Observed struct {
	Worktrees []gitops.Worktree
	Sessions  []string
}

// Observe collects worktrees and llmc sessions. Sessions are optional: a
// tmux failure leaves them empty rather than blocking a rebuild.
func Observe(ctx context.Context, wt WorktreeLister, sessions SessionLister) (Observed, error) {
	list, err := wt.List(ctx)
	if err != nil {
		return Observed{}, err
	}
	obs := Observed{Worktrees: list}
	if sessions != nil {
		if names, err := sessions.List(protocol.SessionPrefix); err == nil {
			obs.Sessions = names
		}
	}
	return obs, nil
}

// RebuildReport is the result of a filesystem rebuild.
type RebuildReport struct {
	Registry *registry.Registry
	Workers  []string // reconstructed, sorted
	Orphans  []string // llmc sessions with no worktree behind them
	Skipped  []string // worktrees under .worktrees that do not look like workers
}

// Rebuild reconstructs a minimal registry from observed facts. Every
// worktree under <root>/.worktrees on a worker branch becomes an Offline
// record; the daemon re-initializes its session on startup.
func Rebuild(root, runtime string, obs Observed, now time.Time) *RebuildReport {
	wtDir := filepath.Join(root, protocol.WorktreesDir)
	report := &RebuildReport{Registry: registry.New()}
	seen := make(map[string]bool)

	for _, wt := range obs.Worktrees {
		if filepath.Dir(filepath.Clean(wt.Path)) != filepath.Clean(wtDir) {
			continue
		}
		name := filepath.Base(wt.Path)
		if !registry.NamePattern.MatchString(name) || wt.Branch != protocol.BranchName(name) {
			report.Skipped = append(report.Skipped, wt.Path)
			continue
		}
		report.Registry.Set(registry.WorkerRecord{
			Name:             name,
			Branch:           wt.Branch,
			WorktreePath:     wt.Path,
			SessionID:        protocol.SessionName(name),
			Runtime:          runtime,
			Status:           protocol.StatusOffline,
			CreatedAtUnix:    now.Unix(),
			LastActivityUnix: now.Unix(),
		})
		seen[name] = true
	}

	for _, s := range obs.Sessions {
		name := strings.TrimPrefix(s, protocol.SessionPrefix)
		if !seen[name] {
			report.Orphans = append(report.Orphans, s)
		}
	}

	report.Workers = report.Registry.Names()
	sort.Strings(report.Orphans)
	return report
}
