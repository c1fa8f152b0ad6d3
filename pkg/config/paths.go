package config

import (
	"fmt"
	"os"
	"path/filepath"

	"llmc/pkg/protocol"
)

// Paths holds all resolved llmc state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Root           string // ~/llmc or LLMC_ROOT; the repository clone
	StatePath      string // state.json or LLMC_STATE_PATH
	SocketPath     string // llmc.sock or LLMC_SOCKET_PATH
	DBPath         string // events.db or LLMC_DB_PATH
	PIDPath        string // llmc.pid
	LockPath       string // llmc.lock
	DiagnosticsDir string // logs/diagnostics
	AlertsPath     string // logs/alerts.log
}

// ResolvePaths returns all llmc paths, respecting env var overrides.
// Environment variables:
//   - LLMC_ROOT: repository clone and base for all state (default: ~/llmc)
//   - LLMC_STATE_PATH: registry document (default: $LLMC_ROOT/state.json)
//   - LLMC_SOCKET_PATH: gateway socket (default: $LLMC_ROOT/llmc.sock)
//   - LLMC_DB_PATH: event journal (default: $LLMC_ROOT/events.db)
func ResolvePaths() (*Paths, error) {
	root, err := resolveRoot()
	if err != nil {
		return nil, err
	}
	return PathsFor(root), nil
}

// PathsFor derives every path from an explicit root, still honoring the
// per-path env overrides.
func PathsFor(root string) *Paths {
	return &Paths{
		Root:           root,
		StatePath:      resolvePathWithEnv("LLMC_STATE_PATH", root, protocol.StateFile),
		SocketPath:     resolvePathWithEnv("LLMC_SOCKET_PATH", root, protocol.SocketFile),
		DBPath:         resolvePathWithEnv("LLMC_DB_PATH", root, protocol.EventsDB),
		PIDPath:        filepath.Join(root, protocol.PIDFile),
		LockPath:       filepath.Join(root, protocol.LockFile),
		DiagnosticsDir: filepath.Join(root, protocol.DiagnosticsDir),
		AlertsPath:     filepath.Join(root, protocol.AlertsLog),
	}
}

// BackupPath returns the registry backup location.
func (p *Paths) BackupPath() string {
	return p.StatePath + protocol.BackupSuffix
}

// WorktreesDir returns the directory holding every worker worktree.
func (p *Paths) WorktreesDir() string {
	return filepath.Join(p.Root, protocol.WorktreesDir)
}

// WorktreePath returns the worktree directory for a worker.
func (p *Paths) WorktreePath(worker string) string {
	return filepath.Join(p.WorktreesDir(), worker)
}

// resolveRoot returns the llmc root from LLMC_ROOT or ~/llmc.
func resolveRoot() (string, error) {
	if v := os.Getenv(protocol.RootEnv); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, "llmc"), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
