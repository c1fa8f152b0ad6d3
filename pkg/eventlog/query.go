// Package eventlog is llmc's SQLite journal: worker events, state
// transitions, recovery actions and alerts. The daemon writes through a
// Journal; status views and diagnostic bundles read back through a Reader.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event is one journal row.
type Event struct {
	ID        int64
	Type      string
	Source    string
	Worker    string
	Payload   string
	CreatedAt time.Time
}

// Transition is one recorded worker state change.
type Transition struct {
	ID        int64     `json:"id"`
	Worker    string    `json:"worker"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// Worker filters events to a specific worker
	Worker string

	// Type filters to a specific event type (e.g. "stop", "alert")
	Type string

	// After filters events created after this time (inclusive)
	After *time.Time

	// Before filters events created before this time (inclusive)
	Before *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// sqliteTime is the layout of SQLite's datetime('now').
const sqliteTime = "2006-01-02 15:04:05"

// Reader provides read access to the journal.
type Reader struct {
	db *sql.DB
}

// NewReader opens the journal in read-only mode with WAL so readers never
// block the daemon. Returns an error if the database doesn't exist.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// QueryEvents retrieves events matching opts, newest first.
// Returns an empty slice if no events match.
func (r *Reader) QueryEvents(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e               Event
			worker, payload sql.NullString
			createdAtStr    string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &worker, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Worker = worker.String
		e.Payload = payload.String
		if e.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// Transitions returns a worker's last limit state changes, oldest first.
func (r *Reader) Transitions(ctx context.Context, worker string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, worker, from_status, to_status, trigger, created_at
		 FROM transitions WHERE worker = ? ORDER BY id DESC LIMIT ?`, worker, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t            Transition
			createdAtStr string
		)
		if err := rows.Scan(&t.ID, &t.Worker, &t.From, &t.To, &t.Trigger, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if t.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(sqliteTime, s)
	if err != nil {
		// Fallback: try with timezone format
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse created_at: %w", err)
		}
	}
	return t, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, worker, payload, created_at FROM events WHERE 1=1"

	if opts.Worker != "" {
		conditions = append(conditions, "worker = ?")
		args = append(args, opts.Worker)
	}

	if opts.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.Type)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(sqliteTime))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(sqliteTime))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	// Order by newest first
	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
