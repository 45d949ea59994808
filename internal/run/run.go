// Package run performs one merge of a supplement file into a main file.
package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/Fuabioo/flower-merge/internal/flower"
	"github.com/Fuabioo/flower-merge/internal/history"
	"github.com/Fuabioo/flower-merge/internal/merge"
)

// ErrLocked is returned when another process holds the main file's lock
// for longer than Options.LockTimeout.
var ErrLocked = errors.New("main file is locked by another flower-merge process")

// KindLocked is the error kind reported for ErrLocked.
const KindLocked = "locked"

const lockRetryDelay = 50 * time.Millisecond

// Store is the file access the run needs.
type Store interface {
	Exists(path string) error
	Load(path string) (*flower.Document, error)
	Save(path string, doc *flower.Document) error
}

// Options configures a single run.
type Options struct {
	MainPath       string
	SupplementPath string
	DryRun         bool
	LockTimeout    time.Duration // zero or negative disables locking
}

// Report describes a completed run.
type Report struct {
	merge.Result
	Written    bool
	Diff       string // unified diff of the main file, dry run only
	BeforeHash string
	AfterHash  string
}

// Run merges opts.SupplementPath into opts.MainPath.
//
// Both paths are checked for existence before either is parsed. The main
// file is written only after the merge succeeded and added at least one
// entry, and never in dry-run mode. Every run is handed to rec (which may be
// nil); recording failures are logged and do not fail the run.
func Run(ctx context.Context, opts Options, store Store, rec history.Recorder, logger *slog.Logger) (Report, error) {
	start := time.Now()
	rep, err := execute(ctx, opts, store, logger)
	record(rec, opts, rep, err, start, logger)
	return rep, err
}

func execute(ctx context.Context, opts Options, store Store, logger *slog.Logger) (Report, error) {
	var rep Report

	if err := store.Exists(opts.MainPath); err != nil {
		return rep, fmt.Errorf("main file: %w", err)
	}
	if err := store.Exists(opts.SupplementPath); err != nil {
		return rep, fmt.Errorf("supplement file: %w", err)
	}

	if !opts.DryRun && opts.LockTimeout > 0 {
		unlock, err := lockMain(ctx, opts.MainPath, opts.LockTimeout)
		if err != nil {
			return rep, err
		}
		defer unlock(logger)
	}

	main, err := store.Load(opts.MainPath)
	if err != nil {
		return rep, fmt.Errorf("main file: %w", err)
	}
	supplement, err := store.Load(opts.SupplementPath)
	if err != nil {
		return rep, fmt.Errorf("supplement file: %w", err)
	}

	before, err := flower.Encode(main)
	if err != nil {
		return rep, fmt.Errorf("main file: %w", err)
	}
	rep.BeforeHash = hashString(before)
	rep.AfterHash = rep.BeforeHash

	logger.Debug("loaded documents",
		"main", opts.MainPath, "main_entries", main.Len(),
		"supplement", opts.SupplementPath, "supplement_entries", supplement.Len())

	merged, res, err := merge.Combine(main, supplement)
	if err != nil {
		return rep, err
	}
	rep.Result = res

	if res.Added == 0 {
		logger.Debug("nothing to add", "skipped", res.Skipped)
		return rep, nil
	}

	after, err := flower.Encode(merged)
	if err != nil {
		return rep, fmt.Errorf("main file: %w", err)
	}
	rep.AfterHash = hashString(after)

	if opts.DryRun {
		rep.Diff, err = unifiedDiff(opts.MainPath, string(before), string(after))
		if err != nil {
			return rep, fmt.Errorf("diff: %w", err)
		}
		return rep, nil
	}

	if err := store.Save(opts.MainPath, merged); err != nil {
		return rep, fmt.Errorf("main file: %w", err)
	}
	rep.Written = true
	logger.Debug("main file rewritten", "path", opts.MainPath, "added", res.Added)

	return rep, nil
}

// lockMain takes an exclusive advisory lock on <path>.lock, retrying until
// timeout or ctx is done.
func lockMain(ctx context.Context, path string, timeout time.Duration) (func(*slog.Logger), error) {
	lock := flock.New(path + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	return func(logger *slog.Logger) {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release lock", "path", lock.Path(), "err", err)
		}
	}, nil
}

func unifiedDiff(path, before, after string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: path,
		ToFile:   path + " (merged)",
		Context:  3,
	})
}

func hashString(data []byte) string {
	return fmt.Sprintf("%016x", flower.Fingerprint(data))
}

func record(rec history.Recorder, opts Options, rep Report, runErr error, start time.Time, logger *slog.Logger) {
	if rec == nil {
		return
	}

	entry := history.Run{
		Timestamp:      start.UTC(),
		MainPath:       opts.MainPath,
		SupplementPath: opts.SupplementPath,
		Added:          rep.Added,
		Skipped:        rep.Skipped,
		DryRun:         opts.DryRun,
		BeforeHash:     rep.BeforeHash,
		AfterHash:      rep.AfterHash,
		DurationMs:     time.Since(start).Milliseconds(),
		AddedNames:     rep.AddedNames,
	}
	switch {
	case runErr != nil:
		entry.Outcome = history.OutcomeError
		entry.ErrorKind = ErrorKind(runErr)
		entry.Reason = runErr.Error()
	case opts.DryRun:
		entry.Outcome = history.OutcomeDryRun
	case rep.Written:
		entry.Outcome = history.OutcomeMerged
	default:
		entry.Outcome = history.OutcomeUnchanged
	}

	if err := rec.RecordRun(entry); err != nil {
		logger.Warn("failed to record run history", "err", err)
	}
}

// ErrorKind extends flower.Kind with the run-level lock error.
func ErrorKind(err error) string {
	if errors.Is(err, ErrLocked) {
		return KindLocked
	}
	return flower.Kind(err)
}
