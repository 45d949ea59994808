package history

import (
	"database/sql"
	"fmt"
	"time"
)

const runColumns = "id, run_uuid, timestamp, main_path, supplement_path, outcome, error_kind, reason, added, skipped, dry_run, before_hash, after_hash, duration_ms"

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var r Run
	var tsStr string
	var dryRun int
	if err := row.Scan(&r.ID, &r.UUID, &tsStr, &r.MainPath, &r.SupplementPath, &r.Outcome, &r.ErrorKind,
		&r.Reason, &r.Added, &r.Skipped, &dryRun, &r.BeforeHash, &r.AfterHash, &r.DurationMs); err != nil {
		return Run{}, err
	}
	ts, err := time.Parse(tsLayout, tsStr)
	if err != nil {
		return Run{}, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
	}
	r.Timestamp = ts
	r.DryRun = dryRun != 0
	return r, nil
}

// ListRuns returns runs with optional filtering by outcome.
// Results are ordered newest first.
func ListRuns(db *sql.DB, limit, offset int, filterOutcome string) ([]Run, error) {
	if db == nil {
		return nil, fmt.Errorf("history: ListRuns called with nil db")
	}

	query := "SELECT " + runColumns + " FROM merge_runs WHERE 1=1"
	var args []any

	if filterOutcome != "" {
		query += " AND outcome = ?"
		args = append(args, filterOutcome)
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	} else if offset > 0 {
		query += " LIMIT -1"
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("history: scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate run rows: %w", err)
	}

	return runs, nil
}

// GetRun returns a single run by ID, including the names it added.
func GetRun(db *sql.DB, id int64) (*Run, error) {
	if db == nil {
		return nil, fmt.Errorf("history: GetRun called with nil db")
	}

	r, err := scanRun(db.QueryRow("SELECT "+runColumns+" FROM merge_runs WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("history: get run %d: %w", id, err)
	}

	rows, err := db.Query("SELECT name FROM added_entries WHERE run_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("history: get added entries for run %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("history: scan added entry: %w", err)
		}
		r.AddedNames = append(r.AddedNames, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate added entries: %w", err)
	}

	return &r, nil
}

// Tail returns the last n runs, newest first.
func Tail(db *sql.DB, n int) ([]Run, error) {
	return ListRuns(db, n, 0, "")
}

// Prune deletes runs (and their added entries) older than the given duration.
// Returns the number of runs deleted.
func Prune(db *sql.DB, olderThan time.Duration) (int64, error) {
	return PruneBefore(db, time.Now().UTC().Add(-olderThan))
}

// PruneBefore deletes runs (and their added entries) recorded before cutoff.
func PruneBefore(db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("history: Prune called with nil db")
	}

	cutoffStr := cutoff.UTC().Format(tsLayout)

	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("history: begin prune transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Delete added entries for old runs first (foreign key reference).
	_, err = tx.Exec(
		"DELETE FROM added_entries WHERE run_id IN (SELECT id FROM merge_runs WHERE timestamp < ?)",
		cutoffStr,
	)
	if err != nil {
		return 0, fmt.Errorf("history: prune added entries: %w", err)
	}

	result, err := tx.Exec("DELETE FROM merge_runs WHERE timestamp < ?", cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("history: prune runs: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("history: commit prune: %w", err)
	}

	return count, nil
}

// GetStats returns aggregate statistics from the history database.
func GetStats(db *sql.DB) (*Stats, error) {
	if db == nil {
		return nil, fmt.Errorf("history: GetStats called with nil db")
	}

	stats := &Stats{
		CountByOutcome: make(map[string]int64),
	}

	err := db.QueryRow("SELECT COUNT(*), COALESCE(SUM(added), 0), COALESCE(AVG(duration_ms), 0) FROM merge_runs").
		Scan(&stats.TotalRuns, &stats.TotalAdded, &stats.AvgDurationMs)
	if err != nil {
		return nil, fmt.Errorf("history: stats totals: %w", err)
	}

	if stats.TotalRuns == 0 {
		return stats, nil
	}

	var oldestStr, newestStr string
	err = db.QueryRow("SELECT MIN(timestamp), MAX(timestamp) FROM merge_runs").
		Scan(&oldestStr, &newestStr)
	if err != nil {
		return nil, fmt.Errorf("history: stats min/max timestamp: %w", err)
	}

	if stats.OldestEntry, err = time.Parse(tsLayout, oldestStr); err != nil {
		return nil, fmt.Errorf("history: parse oldest timestamp %q: %w", oldestStr, err)
	}
	if stats.NewestEntry, err = time.Parse(tsLayout, newestStr); err != nil {
		return nil, fmt.Errorf("history: parse newest timestamp %q: %w", newestStr, err)
	}

	rows, err := db.Query("SELECT outcome, COUNT(*) FROM merge_runs GROUP BY outcome")
	if err != nil {
		return nil, fmt.Errorf("history: stats by outcome: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var outcome string
		var count int64
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, fmt.Errorf("history: scan outcome count: %w", err)
		}
		stats.CountByOutcome[outcome] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate outcome rows: %w", err)
	}

	return stats, nil
}
