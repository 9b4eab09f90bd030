// Package auditstore provides durable mirrors of the ueventd audit
// log, implementing audit.Sink. A mirror is best-effort: a failed Mirror
// call is logged by the caller but never causes Append itself to fail.
package auditstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/midyukov-anton/make-initrd/internal/ueventd/audit"
)

// SQLiteSink mirrors audit entries into a WAL-mode SQLite database, useful
// when a dedicated Postgres instance is not available (e.g. a single-host
// initramfs deployment). It is safe for concurrent use.
type SQLiteSink struct {
	db *sql.DB
}

const sqliteDDL = `
CREATE TABLE IF NOT EXISTS audit_entries (
    seq        INTEGER PRIMARY KEY,
    ts         TEXT    NOT NULL,
    queue      TEXT    NOT NULL,
    event      TEXT    NOT NULL DEFAULT '',
    rule       TEXT    NOT NULL,
    phase      TEXT    NOT NULL,
    outcome    TEXT    NOT NULL,
    prev_hash  TEXT    NOT NULL,
    event_hash TEXT    NOT NULL
);
`

// NewSQLiteSink opens (or creates) the SQLite database at path, enables WAL
// journal mode, and applies the schema. path may be ":memory:" for tests.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("auditstore: open %q: %w", path, err)
	}

	// A single audit Logger serialises its own Append calls, so one writer
	// connection is sufficient and avoids SQLite's "database is locked"
	// errors under WAL mode.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditstore: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditstore: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(sqliteDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("auditstore: apply schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

// Mirror inserts e into the audit_entries table. It implements audit.Sink.
func (s *SQLiteSink) Mirror(e audit.Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_entries (seq, ts, queue, event, rule, phase, outcome, prev_hash, event_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp.UTC(), e.Queue, e.Event, e.Rule, e.Phase, string(e.Outcome), e.PrevHash, e.EventHash,
	)
	if err != nil {
		return fmt.Errorf("auditstore: mirror seq %d: %w", e.Seq, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
