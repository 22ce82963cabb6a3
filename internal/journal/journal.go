// Package journal provides a WAL-mode SQLite history of dispatched events
// and their outcomes. It is an operational record for the status API and
// post-hoc inspection, not a delivery queue: rows are written once and never
// replayed.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Outcome values recorded per dispatched event.
const (
	OutcomeSpawned    = "spawned"
	OutcomeSpawnError = "spawn-error"
	OutcomeIgnored    = "ignored"
	OutcomeHandled    = "handled" // consumed by the re-registration handler
)

// Record is one journal row.
type Record struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"ts"`
	URI       string `json:"uri"`
	Object    string `json:"object"`
	Action    string `json:"action"`
	User      string `json:"user,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Outcome   string `json:"outcome"`
}

// Journal is a WAL-mode SQLite-backed dispatch history. It is safe for
// concurrent use.
type Journal struct {
	db    *sql.DB
	count atomic.Int64
}

// ddl is the schema, applied idempotently on Open.
const ddl = `
CREATE TABLE IF NOT EXISTS dispatch_journal (
    id      INTEGER PRIMARY KEY AUTOINCREMENT,
    ts      TEXT    NOT NULL,
    uri     TEXT    NOT NULL,
    object  TEXT    NOT NULL,
    action  TEXT    NOT NULL,
    user    TEXT    NOT NULL DEFAULT '',
    cmdline TEXT    NOT NULL DEFAULT '',
    pid     INTEGER NOT NULL DEFAULT 0,
    outcome TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_journal_id
    ON dispatch_journal (id DESC);
`

// Open opens (or creates) the journal database at path and applies the
// schema. ":memory:" yields an in-memory journal suitable for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer; a single pooled connection serialises
	// concurrent callers instead of surfacing "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM dispatch_journal`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count rows: %w", err)
	}
	j.count.Store(count)

	return j, nil
}

// Append writes one record. The record's ID field is ignored on input.
func (j *Journal) Append(ctx context.Context, r Record) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO dispatch_journal (ts, uri, object, action, user, cmdline, pid, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.URI, r.Object, r.Action, r.User, r.Cmdline, r.PID, r.Outcome,
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	j.count.Add(1)
	return nil
}

// Recent returns up to n records, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, ts, uri, object, action, user, cmdline, pid, outcome
		 FROM   dispatch_journal
		 ORDER  BY id DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.URI, &r.Object, &r.Action,
			&r.User, &r.Cmdline, &r.PID, &r.Outcome); err != nil {
			return nil, fmt.Errorf("journal: recent scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent rows: %w", err)
	}
	return out, nil
}

// Count returns the total number of journal rows without touching the
// database.
func (j *Journal) Count() int64 {
	return j.count.Load()
}

// Close closes the underlying database. The journal must not be used after
// Close returns.
func (j *Journal) Close() error {
	return j.db.Close()
}
