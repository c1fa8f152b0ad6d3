package protocol

import "time"

// Directory, file, and naming constants used throughout llmc.
const (
	// WorktreesDir is the directory under the llmc root where worker
	// worktrees are created.
	WorktreesDir = ".worktrees"

	// BranchPrefix is the git branch prefix for worker branches.
	BranchPrefix = "llmc/"

	// SessionPrefix is the tmux session name prefix for worker sessions.
	SessionPrefix = "llmc-"

	// StateFile is the canonical registry document.
	StateFile = "state.json"

	// BackupSuffix is appended to the registry path for the backup copy.
	BackupSuffix = ".bak"

	// SocketFile is the gateway's unix socket.
	SocketFile = "llmc.sock"

	// PIDFile holds the daemon's process id.
	PIDFile = "llmc.pid"

	// LockFile guards single-daemon ownership of the registry.
	LockFile = "llmc.lock"

	// EventsDB is the SQLite journal.
	EventsDB = "events.db"

	// DiagnosticsDir holds diagnostic bundles, relative to the root.
	DiagnosticsDir = "logs/diagnostics"

	// AlertsLog receives every operator alert, relative to the root.
	AlertsLog = "logs/alerts.log"

	// HookSettingsDir and HookSettingsFile locate the per-worker hook
	// configuration inside a worktree.
	HookSettingsDir  = ".claude"
	HookSettingsFile = "settings.json"

	// RootEnv names the environment variable carrying the llmc root.
	RootEnv = "LLMC_ROOT"
)

// ProtocolVersion is the only IPC envelope version the gateway accepts.
const ProtocolVersion = 1

// HookTimeout bounds every hook round-trip. The runtime kills hooks that
// exceed it, so the gateway must acknowledge within this window.
const HookTimeout = 5 * time.Second

// BranchName returns the branch for a worker.
func BranchName(worker string) string {
	return BranchPrefix + worker
}

// SessionName returns the tmux session name for a worker.
func SessionName(worker string) string {
	return SessionPrefix + worker
}
