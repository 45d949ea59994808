package run

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/Fuabioo/flower-merge/internal/flower"
	"github.com/Fuabioo/flower-merge/internal/history"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingStore wraps FileStore and records which paths were loaded and saved.
type countingStore struct {
	flower.FileStore
	loads []string
	saves int
}

func (s *countingStore) Load(path string) (*flower.Document, error) {
	s.loads = append(s.loads, path)
	return s.FileStore.Load(path)
}

func (s *countingStore) Save(path string, doc *flower.Document) error {
	s.saves++
	return s.FileStore.Save(path, doc)
}

// memRecorder keeps recorded runs in memory.
type memRecorder struct {
	runs []history.Run
	err  error
}

func (r *memRecorder) RecordRun(run history.Run) error {
	r.runs = append(r.runs, run)
	return r.err
}

func (r *memRecorder) Close() error { return nil }

func setup(t *testing.T, mainJSON, suppJSON string) Options {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		MainPath:       filepath.Join(dir, "flowers.json"),
		SupplementPath: filepath.Join(dir, "supplementary_flowers.json"),
		LockTimeout:    time.Second,
	}
	if mainJSON != "" {
		if err := os.WriteFile(opts.MainPath, []byte(mainJSON), 0o644); err != nil {
			t.Fatalf("WriteFile main: %v", err)
		}
	}
	if suppJSON != "" {
		if err := os.WriteFile(opts.SupplementPath, []byte(suppJSON), 0o644); err != nil {
			t.Fatalf("WriteFile supplement: %v", err)
		}
	}
	return opts
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(b)
}

func TestRunMergesAndWrites(t *testing.T) {
	opts := setup(t,
		`{"flowers": [{"name": "Rose"}, {"name": "Lily"}]}`,
		`{"flowers": [{"name": "Lily"}, {"name": "Tulip", "meaning": "告白"}]}`)
	store := &countingStore{}
	rec := &memRecorder{}

	rep, err := Run(context.Background(), opts, store, rec, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Added != 1 || !rep.Written || store.saves != 1 {
		t.Fatalf("Added=%d Written=%v saves=%d; want 1, true, 1", rep.Added, rep.Written, store.saves)
	}
	if rep.BeforeHash == rep.AfterHash {
		t.Error("hash should change after a write")
	}

	got := readFile(t, opts.MainPath)
	rose, lily, tulip := strings.Index(got, "Rose"), strings.Index(got, "Lily"), strings.Index(got, "Tulip")
	if rose < 0 || !(rose < lily && lily < tulip) {
		t.Errorf("unexpected order in main file:\n%s", got)
	}
	if !strings.Contains(got, "告白") {
		t.Errorf("non-ASCII text was escaped:\n%s", got)
	}

	if len(rec.runs) != 1 {
		t.Fatalf("recorded %d runs, want 1", len(rec.runs))
	}
	if r := rec.runs[0]; r.Outcome != history.OutcomeMerged || r.Added != 1 || r.AddedNames[0] != "Tulip" {
		t.Errorf("recorded run = %+v", r)
	}
}

func TestRunNoNewEntriesDoesNotWrite(t *testing.T) {
	mainJSON := `{"flowers":[{"name":"Rose"}]}`
	opts := setup(t, mainJSON, `{"flowers": []}`)
	store := &countingStore{}
	rec := &memRecorder{}

	rep, err := Run(context.Background(), opts, store, rec, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Added != 0 || rep.Written || store.saves != 0 {
		t.Errorf("Added=%d Written=%v saves=%d; want 0, false, 0", rep.Added, rep.Written, store.saves)
	}
	if got := readFile(t, opts.MainPath); got != mainJSON {
		t.Errorf("main file changed: %s", got)
	}
	if rec.runs[0].Outcome != history.OutcomeUnchanged {
		t.Errorf("Outcome = %q, want unchanged", rec.runs[0].Outcome)
	}
}

func TestRunMissingFlowersKey(t *testing.T) {
	mainJSON := `{"plants": []}`
	opts := setup(t, mainJSON, `{"flowers": [{"name": "Tulip"}]}`)
	store := &countingStore{}
	rec := &memRecorder{}

	_, err := Run(context.Background(), opts, store, rec, discardLogger())
	if !errors.Is(err, flower.ErrMalformedDocument) {
		t.Fatalf("Run error = %v, want ErrMalformedDocument", err)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
	if got := readFile(t, opts.MainPath); got != mainJSON {
		t.Errorf("main file changed: %s", got)
	}
	if r := rec.runs[0]; r.Outcome != history.OutcomeError || r.ErrorKind != flower.KindMalformedDocument {
		t.Errorf("recorded run = %+v", r)
	}
}

func TestRunReportsMainShapeBeforeSupplementParse(t *testing.T) {
	opts := setup(t, `{"plants": []}`, `{"flowers": [`)

	_, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if got := ErrorKind(err); got != flower.KindMalformedDocument {
		t.Fatalf("ErrorKind = %q (err %v), want malformed_document", got, err)
	}
	if !strings.Contains(err.Error(), "main file") {
		t.Errorf("error %q should name the main file", err)
	}
}

func TestRunMissingSupplementChecksBeforeParsing(t *testing.T) {
	opts := setup(t, `not json at all`, "")
	store := &countingStore{}

	_, err := Run(context.Background(), opts, store, nil, discardLogger())
	if !errors.Is(err, flower.ErrNotFound) {
		t.Fatalf("Run error = %v, want ErrNotFound", err)
	}
	if len(store.loads) != 0 {
		t.Errorf("loaded %v before existence checks finished", store.loads)
	}
	if !strings.Contains(err.Error(), "supplement") {
		t.Errorf("error %q should name the supplement file", err)
	}
}

func TestRunMissingMain(t *testing.T) {
	opts := setup(t, "", `{"flowers": []}`)

	_, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if !errors.Is(err, flower.ErrNotFound) {
		t.Fatalf("Run error = %v, want ErrNotFound", err)
	}
}

func TestRunParseError(t *testing.T) {
	opts := setup(t, `{"flowers": []}`, `{"flowers": [}`)
	store := &countingStore{}

	_, err := Run(context.Background(), opts, store, nil, discardLogger())
	if got := flower.Kind(err); got != flower.KindParseError {
		t.Fatalf("Kind = %q (err %v), want parse_error", got, err)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
}

func TestRunNonObjectEntry(t *testing.T) {
	opts := setup(t, `{"flowers": ["Rose"]}`, `{"flowers": [{"name": "Tulip"}]}`)

	_, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if got := ErrorKind(err); got != flower.KindUnexpected {
		t.Fatalf("ErrorKind = %q (err %v), want unexpected", got, err)
	}
}

func TestRunDryRun(t *testing.T) {
	mainJSON := `{"flowers": [{"name": "Rose"}]}`
	opts := setup(t, mainJSON, `{"flowers": [{"name": "Tulip"}]}`)
	opts.DryRun = true
	store := &countingStore{}
	rec := &memRecorder{}

	rep, err := Run(context.Background(), opts, store, rec, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Added != 1 || rep.Written || store.saves != 0 {
		t.Errorf("Added=%d Written=%v saves=%d; want 1, false, 0", rep.Added, rep.Written, store.saves)
	}
	if !strings.Contains(rep.Diff, `+      "name": "Tulip"`) {
		t.Errorf("diff missing added entry:\n%s", rep.Diff)
	}
	if got := readFile(t, opts.MainPath); got != mainJSON {
		t.Errorf("dry run changed main file: %s", got)
	}
	if rec.runs[0].Outcome != history.OutcomeDryRun {
		t.Errorf("Outcome = %q, want dry_run", rec.runs[0].Outcome)
	}
}

func TestRunIdempotent(t *testing.T) {
	opts := setup(t, `{"flowers": [{"name": "Rose"}]}`, `{"flowers": [{"name": "Tulip"}, {"name": "Peony"}]}`)

	first, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	afterFirst := readFile(t, opts.MainPath)

	second, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if first.Added != 2 || second.Added != 0 {
		t.Errorf("Added = %d then %d, want 2 then 0", first.Added, second.Added)
	}
	if readFile(t, opts.MainPath) != afterFirst {
		t.Error("second run rewrote the main file")
	}
}

func TestRunLocked(t *testing.T) {
	opts := setup(t, `{"flowers": []}`, `{"flowers": [{"name": "Tulip"}]}`)
	opts.LockTimeout = 100 * time.Millisecond

	held := flock.New(opts.MainPath + ".lock")
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	store := &countingStore{}
	_, err = Run(context.Background(), opts, store, nil, discardLogger())
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("Run error = %v, want ErrLocked", err)
	}
	if ErrorKind(err) != KindLocked {
		t.Errorf("ErrorKind = %q, want locked", ErrorKind(err))
	}
	if store.saves != 0 || len(store.loads) != 0 {
		t.Errorf("locked run touched files: loads=%v saves=%d", store.loads, store.saves)
	}
}

func TestRunNegativeLockTimeoutSkipsLock(t *testing.T) {
	opts := setup(t, `{"flowers": []}`, `{"flowers": [{"name": "Tulip"}]}`)
	opts.LockTimeout = -1

	held := flock.New(opts.MainPath + ".lock")
	ok, err := held.TryLock()
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	rep, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Written {
		t.Error("run with locking disabled should write")
	}
}

func TestRunWritesThroughSymlinkedMain(t *testing.T) {
	opts := setup(t, "", `{"flowers": [{"name": "Tulip"}]}`)
	realPath := filepath.Join(filepath.Dir(opts.MainPath), "real.json")
	if err := os.WriteFile(realPath, []byte(`{"flowers":[{"name":"Rose"}]}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink("real.json", opts.MainPath); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	rep, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Added != 1 || !rep.Written {
		t.Fatalf("Added=%d Written=%v; want 1, true", rep.Added, rep.Written)
	}

	info, err := os.Lstat(opts.MainPath)
	if err != nil {
		t.Fatalf("Lstat: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Error("main file is no longer a symlink")
	}
	if got := readFile(t, realPath); !strings.Contains(got, "Tulip") || !strings.Contains(got, "Rose") {
		t.Errorf("link target not updated:\n%s", got)
	}
	entries, err := os.ReadDir(filepath.Dir(realPath))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestRunWritesEscapedSupplementLiterally(t *testing.T) {
	opts := setup(t,
		`{"flowers":[{"name":"玫瑰"}]}`,
		`{"flowers":[{"name":"\u6a31\u82b1","meaning":"\u751f\u547d"}]}`)

	if _, err := Run(context.Background(), opts, flower.FileStore{}, nil, discardLogger()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := readFile(t, opts.MainPath)
	if !strings.Contains(got, `"name": "樱花"`) || !strings.Contains(got, `"meaning": "生命"`) {
		t.Errorf("escaped text not written literally:\n%s", got)
	}
	if strings.Contains(got, `\u`) {
		t.Errorf("output contains escapes:\n%s", got)
	}
}

func TestRunRecorderFailureIsIgnored(t *testing.T) {
	opts := setup(t, `{"flowers": []}`, `{"flowers": [{"name": "Tulip"}]}`)
	rec := &memRecorder{err: errors.New("disk full")}

	rep, err := Run(context.Background(), opts, flower.FileStore{}, rec, discardLogger())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rep.Written {
		t.Error("run should still write when history fails")
	}
}
