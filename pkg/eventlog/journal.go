package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"llmc/pkg/protocol"
)

// Sink is what the daemon writes history through. Call sites ignore its
// errors; the journal is observability, not state.
type Sink interface {
	Log(ctx context.Context, e Event) error
	LogTransition(ctx context.Context, worker, from, to, trigger string) error
}

// Journal is the read-write journal owned by the daemon.
type Journal struct {
	Reader
}

var _ Sink = (*Journal)(nil)

// Open opens (creating if needed) the journal at path with WAL and a
// 5-second busy timeout, and applies the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Journal{Reader{db: db}}, nil
}

// Log appends an event. ID and CreatedAt are assigned by the database.
func (j *Journal) Log(ctx context.Context, e Event) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (type, source, worker, payload) VALUES (?, ?, ?, ?)`,
		e.Type, e.Source, e.Worker, e.Payload)
	if err != nil {
		return fmt.Errorf("log event %s: %w", e.Type, err)
	}
	return nil
}

// LogTransition records a worker state change.
func (j *Journal) LogTransition(ctx context.Context, worker, from, to, trigger string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO transitions (worker, from_status, to_status, trigger) VALUES (?, ?, ?, ?)`,
		worker, from, to, trigger)
	if err != nil {
		return fmt.Errorf("log transition %s: %w", worker, err)
	}
	return nil
}

// Payload marshals v for Event.Payload, falling back to a quoted error
// string so a journal write never fails on encoding.
func Payload(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"encode_error":%q}`, err.Error())
	}
	return string(data)
}

// Discard is a Sink that drops everything. It stands in when the journal
// cannot be opened and in tests that do not inspect history.
type Discard struct{}

// Log drops e.
func (Discard) Log(context.Context, Event) error { return nil }

// LogTransition drops the transition.
func (Discard) LogTransition(context.Context, string, string, string, string) error { return nil }
