package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"llmc/pkg/eventlog"
	"llmc/pkg/protocol"
	"llmc/pkg/registry"
)

// TransitionSource supplies a worker's recent state history.
type TransitionSource interface {
	Transitions(ctx context.Context, worker string, limit int) ([]eventlog.Transition, error)
}

// Bundle is a diagnostic snapshot written when a worker fails in a way an
// operator has to look at.
type Bundle struct {
	ID          string                   `json:"id"`
	Worker      string                   `json:"worker"`
	Reason      string                   `json:"reason"`
	CreatedAt   time.Time                `json:"created_at"`
	Record      registry.WorkerRecord    `json:"record"`
	Output      string                   `json:"recent_output,omitempty"`
	Attempts    []protocol.AttemptRecord `json:"attempts,omitempty"`
	Transitions []eventlog.Transition    `json:"transitions,omitempty"`
	HistoryErr  string                   `json:"history_error,omitempty"`
}

// historyLimit bounds the transitions included in a bundle.
const historyLimit = 50

// outputLines bounds the screen text included in a bundle.
const outputLines = 60

// Diagnostics writes bundles under Dir.
type Diagnostics struct {
	Dir     string
	History TransitionSource // may be nil

	nowFunc func() time.Time
}

// NewDiagnostics returns a writer for dir.
func NewDiagnostics(dir string, history TransitionSource) *Diagnostics {
	return &Diagnostics{Dir: dir, History: history, nowFunc: time.Now}
}

// Write assembles a bundle for rec and stores it as
// <Dir>/<worker>-<uuid>.json, returning the path.
func (d *Diagnostics) Write(ctx context.Context, rec registry.WorkerRecord, reason, output string,
	attempts []protocol.AttemptRecord,
) (string, error) {
	b := Bundle{
		ID:        uuid.NewString(),
		Worker:    rec.Name,
		Reason:    reason,
		CreatedAt: d.now().UTC(),
		Record:    rec,
		Output:    tailLines(output, outputLines),
		Attempts:  attempts,
	}
	if d.History != nil {
		ts, err := d.History.Transitions(ctx, rec.Name, historyLimit)
		if err != nil {
			b.HistoryErr = err.Error()
		}
		b.Transitions = ts
	}

	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode diagnostic bundle: %w", err)
	}
	if err := os.MkdirAll(d.Dir, 0o750); err != nil {
		return "", fmt.Errorf("create diagnostics dir: %w", err)
	}
	path := filepath.Join(d.Dir, fmt.Sprintf("%s-%s.json", rec.Name, b.ID))
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return "", fmt.Errorf("write diagnostic bundle: %w", err)
	}
	return path, nil
}

// ReadBundle loads a bundle written by Write.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the diagnostics dir
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", path, err)
	}
	return &b, nil
}

func (d *Diagnostics) now() time.Time {
	if d.nowFunc == nil {
		return time.Now()
	}
	return d.nowFunc()
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return strings.TrimRight(s, "\n")
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
