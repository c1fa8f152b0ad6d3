package protocol

// SchemaDDL defines the SQLite schema for the llmc journal.
// Tables: events, transitions.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Daemon/worker events: hook notifications, sends, recovery actions, alerts
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    worker TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS events_worker_idx ON events(worker, id);

-- Worker state transitions, the history attached to diagnostic bundles
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY,
    worker TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    trigger TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS transitions_worker_idx ON transitions(worker, id);
`
