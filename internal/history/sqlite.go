package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	maxReasonLen = 512
	tsLayout     = "2006-01-02T15:04:05.000"
)

// SQLiteStore implements Recorder using a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS merge_runs (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    run_uuid        TEXT    NOT NULL,
    timestamp       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f','now')),
    main_path       TEXT    NOT NULL,
    supplement_path TEXT    NOT NULL,
    outcome         TEXT    NOT NULL,
    error_kind      TEXT    NOT NULL DEFAULT '',
    reason          TEXT    NOT NULL DEFAULT '',
    added           INTEGER NOT NULL DEFAULT 0,
    skipped         INTEGER NOT NULL DEFAULT 0,
    duration_ms     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS added_entries (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id    INTEGER NOT NULL REFERENCES merge_runs(id),
    position  INTEGER NOT NULL,
    name      TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_ts ON merge_runs(timestamp);
CREATE INDEX IF NOT EXISTS idx_added_run ON added_entries(run_id);
`

// DefaultDBPath returns the default history database path.
// It checks $FLOWER_MERGE_HISTORY_DB, then $XDG_DATA_HOME/flower-merge/history.db,
// then falls back to ~/.local/share/flower-merge/history.db.
func DefaultDBPath() string {
	if p := os.Getenv("FLOWER_MERGE_HISTORY_DB"); p != "" {
		return p
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "flower-merge", "history.db")
}

// Open opens (or creates) a SQLite history database at the given path.
// It runs the schema migration and configures WAL mode with a 5-second busy timeout.
func Open(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database %q: %w", dbPath, err)
	}

	steps := []struct {
		what string
		run  func() error
	}{
		{"set WAL mode", func() error { _, err := db.Exec("PRAGMA journal_mode=WAL"); return err }},
		{"set busy_timeout", func() error { _, err := db.Exec("PRAGMA busy_timeout=5000"); return err }},
		{"create schema", func() error { _, err := db.Exec(schema); return err }},
		{"migrate", func() error { return migrate(db) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("history: %s: %w (also failed to close: %v)", s.what, err, closeErr)
			}
			return nil, fmt.Errorf("history: %s: %w", s.what, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// migrate applies incremental schema migrations using PRAGMA user_version.
//
// Version 1 adds the dry-run flag and the before/after content fingerprints.
func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version == 0 {
		columns := []struct{ name, ddl string }{
			{"dry_run", "ALTER TABLE merge_runs ADD COLUMN dry_run INTEGER NOT NULL DEFAULT 0"},
			{"before_hash", "ALTER TABLE merge_runs ADD COLUMN before_hash TEXT NOT NULL DEFAULT ''"},
			{"after_hash", "ALTER TABLE merge_runs ADD COLUMN after_hash TEXT NOT NULL DEFAULT ''"},
		}
		for _, c := range columns {
			exists, err := columnExists(db, "merge_runs", c.name)
			if err != nil {
				return fmt.Errorf("check %s column: %w", c.name, err)
			}
			if exists {
				continue
			}
			if _, err := db.Exec(c.ddl); err != nil {
				return fmt.Errorf("add %s column: %w", c.name, err)
			}
		}
		if _, err := db.Exec("PRAGMA user_version = 1"); err != nil {
			return fmt.Errorf("set user_version to 1: %w", err)
		}
	}

	return nil
}

// columnExists checks whether a column exists in the given table.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dfltValue *string
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// DB returns the underlying *sql.DB for use with query helpers.
// Returns nil if the receiver is nil.
func (s *SQLiteStore) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// RecordRun inserts a run and its added entry names in a single transaction.
// A missing UUID or timestamp is filled in. Nil receiver is a no-op.
func (s *SQLiteStore) RecordRun(run Run) error {
	if s == nil {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ts := run.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	id := run.UUID
	if id == "" {
		id = uuid.NewString()
	}
	dryRun := 0
	if run.DryRun {
		dryRun = 1
	}

	result, err := tx.Exec(
		`INSERT INTO merge_runs (run_uuid, timestamp, main_path, supplement_path, outcome, error_kind, reason, added, skipped, dry_run, before_hash, after_hash, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		ts.UTC().Format(tsLayout),
		run.MainPath,
		run.SupplementPath,
		run.Outcome,
		run.ErrorKind,
		TruncateReason(run.Reason, maxReasonLen),
		run.Added,
		run.Skipped,
		dryRun,
		run.BeforeHash,
		run.AfterHash,
		run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("history: insert merge_run: %w", err)
	}

	runID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("history: get last insert id: %w", err)
	}

	for i, name := range run.AddedNames {
		if _, err := tx.Exec(
			`INSERT INTO added_entries (run_id, position, name) VALUES (?, ?, ?)`,
			runID, i, name,
		); err != nil {
			return fmt.Errorf("history: insert added entry %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit transaction: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
// Nil receiver is a no-op.
func (s *SQLiteStore) Close() error {
	if s == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close database: %w", err)
	}
	return nil
}
