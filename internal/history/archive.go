package history

import (
	"archive/zip"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArchiveInfo describes a single history archive file.
type ArchiveInfo struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// Archive exports runs recorded before cutoff to a zip archive in dir and
// then prunes them from the database. It returns the archive path and the
// number of runs pruned. No archive is written when nothing is old enough.
func Archive(db *sql.DB, cutoff time.Time, dir string) (string, int64, error) {
	if db == nil {
		return "", 0, fmt.Errorf("history: Archive called with nil db")
	}

	runs, err := exportRuns(db, cutoff)
	if err != nil {
		return "", 0, fmt.Errorf("history: export runs: %w", err)
	}
	if len(runs) == 0 {
		return "", 0, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("history: create archive dir: %w", err)
	}

	name := fmt.Sprintf("history-%s.zip", time.Now().UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	if err := writeArchive(path, runs); err != nil {
		return "", 0, fmt.Errorf("history: write archive: %w", err)
	}

	pruned, err := PruneBefore(db, cutoff)
	if err != nil {
		return path, 0, fmt.Errorf("history: prune after archiving to %s: %w", path, err)
	}
	return path, pruned, nil
}

// exportRuns loads runs older than cutoff, including their added names.
func exportRuns(db *sql.DB, cutoff time.Time) ([]Run, error) {
	rows, err := db.Query(
		"SELECT id FROM merge_runs WHERE timestamp < ? ORDER BY timestamp ASC, id ASC",
		cutoff.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query old run IDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run IDs: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close run IDs: %w", err)
	}

	runs := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := GetRun(db, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, nil
}

// writeArchive writes runs as a JSON file inside a zip archive.
// Uses atomic write: writes to a temp file, then renames.
func writeArchive(path string, runs []Run) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}

	fail := func(step string, err error) error {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%s: %w", step, err)
	}

	zw := zip.NewWriter(f)
	w, err := zw.Create("history.json")
	if err != nil {
		return fail("create zip entry", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(runs); err != nil {
		return fail("encode runs", err)
	}
	if err := zw.Close(); err != nil {
		return fail("close zip writer", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp archive: %w", err)
	}
	return nil
}

// ListArchives returns archive files in dir, newest first.
func ListArchives(dir string) ([]ArchiveInfo, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("history: read archive dir: %w", err)
	}

	var archives []ArchiveInfo
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".zip") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue // skip files we can't stat
		}
		archives = append(archives, ArchiveInfo{
			Path:    filepath.Join(dir, de.Name()),
			Name:    de.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		return archives[i].ModTime.After(archives[j].ModTime)
	})

	return archives, nil
}

// DefaultArchiveDir returns the archive directory next to the database.
func DefaultArchiveDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "archives")
}
