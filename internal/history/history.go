// Package history provides a WAL-mode SQLite-backed local record of past
// flash-programming sessions, one row per invocation of the bootyctl CLI.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so a concurrent
// reader (a `--history` listing run while another bootyctl invocation is
// mid-session) does not block the writer.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Outcome is the terminal status of a recorded session.
type Outcome string

const (
	OutcomeOK       Outcome = "ok"
	OutcomeError    Outcome = "error"
	OutcomeMismatch Outcome = "mismatch"
)

// SessionRecord is one row: the result of a single bootyctl invocation.
type SessionRecord struct {
	ID         string
	HexFile    string
	Port       string
	BaudRate   int
	Erase      bool
	Load       bool
	Verify     bool
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    Outcome
	ErrorMsg   string
}

// Store is a SQLite-backed session history log. It is safe for concurrent
// use.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory database
// is used.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors from concurrent Record calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT    PRIMARY KEY,
    hex_file    TEXT    NOT NULL DEFAULT '',
    port        TEXT    NOT NULL,
    baud_rate   INTEGER NOT NULL,
    erase       INTEGER NOT NULL DEFAULT 0,
    load        INTEGER NOT NULL DEFAULT 0,
    verify      INTEGER NOT NULL DEFAULT 0,
    started_at  TEXT    NOT NULL,
    finished_at TEXT    NOT NULL,
    outcome     TEXT    NOT NULL,
    error_msg   TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions (started_at);
`

// Record inserts or replaces a SessionRecord. Callers typically build one
// record per CLI invocation and call Record once at exit.
func (s *Store) Record(ctx context.Context, r SessionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions
		 (id, hex_file, port, baud_rate, erase, load, verify, started_at, finished_at, outcome, error_msg)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.HexFile, r.Port, r.BaudRate,
		boolToInt(r.Erase), boolToInt(r.Load), boolToInt(r.Verify),
		// Fixed-width fractional seconds so the stored text sorts in time
		// order, which Recent's ORDER BY relies on.
		r.StartedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		r.FinishedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
		string(r.Outcome), r.ErrorMsg,
	)
	if err != nil {
		return fmt.Errorf("history: record: %w", err)
	}
	return nil
}

// Recent returns up to n sessions, most-recently-started first.
func (s *Store) Recent(ctx context.Context, n int) ([]SessionRecord, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hex_file, port, baud_rate, erase, load, verify, started_at, finished_at, outcome, error_msg
		 FROM   sessions
		 ORDER  BY started_at DESC
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("history: recent query: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var (
			r                       SessionRecord
			erase, load, verify     int
			startedStr, finishedStr string
			outcome                 string
		)
		if err := rows.Scan(
			&r.ID, &r.HexFile, &r.Port, &r.BaudRate,
			&erase, &load, &verify,
			&startedStr, &finishedStr, &outcome, &r.ErrorMsg,
		); err != nil {
			return nil, fmt.Errorf("history: recent scan: %w", err)
		}
		r.Erase, r.Load, r.Verify = erase != 0, load != 0, verify != 0
		r.Outcome = Outcome(outcome)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent rows: %w", err)
	}
	return records, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
