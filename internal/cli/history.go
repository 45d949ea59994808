package cli

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Fuabioo/flower-merge/internal/config"
	"github.com/Fuabioo/flower-merge/internal/history"
	_ "modernc.org/sqlite"
)

// resolveDBPath returns the history database path from the --db flag, the
// config, or the default.
func resolveDBPath(cmd *cobra.Command) string {
	if dbPath, err := cmd.Flags().GetString("db"); err == nil && dbPath != "" {
		return dbPath
	}
	if cfg, err := config.Load(); err == nil && cfg.HistoryDBPath() != "" {
		return cfg.HistoryDBPath()
	}
	return history.DefaultDBPath()
}

// resolveArchiveDir returns the configured archive directory or the default
// next to the database.
func resolveArchiveDir(cmd *cobra.Command) string {
	if cfg, err := config.Load(); err == nil && cfg.History != nil && cfg.History.ArchiveDir != "" {
		return cfg.History.ArchiveDir
	}
	return history.DefaultArchiveDir(resolveDBPath(cmd))
}

// openHistoryDBReadOnly opens an existing history DB for read-only queries.
// Returns a clear error if the DB doesn't exist.
func openHistoryDBReadOnly(cmd *cobra.Command) (*sql.DB, error) {
	dbPath := resolveDBPath(cmd)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("history database not found at %s (has a merge been run?)", dbPath)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db %q: %w", dbPath, err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on history db %q: %w", dbPath, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect history db %q: %w", dbPath, err)
	}
	return db, nil
}

// openHistoryDBWrite opens (or creates) the history DB for write operations.
// It returns the underlying *sql.DB, a cleanup function, and any error.
func openHistoryDBWrite(cmd *cobra.Command) (*sql.DB, func(), error) {
	s, err := history.Open(resolveDBPath(cmd))
	if err != nil {
		return nil, nil, fmt.Errorf("open history db: %w", err)
	}
	return s.DB(), func() { _ = s.Close() }, nil
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the merge history",
	}
	cmd.PersistentFlags().String("db", "", "path to history database (default: auto-detected)")
	cmd.AddCommand(
		newHistoryListCmd(),
		newHistoryShowCmd(),
		newHistoryTailCmd(),
		newHistoryPruneCmd(),
		newHistoryStatsCmd(),
		newHistoryDBPathCmd(),
		newHistoryArchivesCmd(),
	)
	return cmd
}

func newHistoryListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List merge runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryList,
	}
	cmd.Flags().Int("limit", 20, "maximum number of entries")
	cmd.Flags().Int("offset", 0, "skip N entries")
	cmd.Flags().String("outcome", "", "filter by outcome (merged, unchanged, dry_run, error)")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryList(cmd *cobra.Command, _ []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return fmt.Errorf("invalid --limit: %w", err)
	}
	offset, err := cmd.Flags().GetInt("offset")
	if err != nil {
		return fmt.Errorf("invalid --offset: %w", err)
	}
	outcome, err := cmd.Flags().GetString("outcome")
	if err != nil {
		return fmt.Errorf("invalid --outcome: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	runs, err := history.ListRuns(db, limit, offset, outcome)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}

	if asJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	return printRunTable(cmd, runs)
}

func newHistoryShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show details of a merge run",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistoryShow,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", args[0], err)
	}

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	r, err := history.GetRun(db, id)
	if err != nil {
		return fmt.Errorf("get run %d: %w", id, err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, r)
	}

	fmt.Fprintf(out, "Run #%d\n", r.ID)
	fmt.Fprintf(out, "  UUID:        %s\n", r.UUID)
	fmt.Fprintf(out, "  Timestamp:   %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "  Main:        %s\n", r.MainPath)
	fmt.Fprintf(out, "  Supplement:  %s\n", r.SupplementPath)
	fmt.Fprintf(out, "  Outcome:     %s\n", r.Outcome)
	if r.ErrorKind != "" {
		fmt.Fprintf(out, "  Error kind:  %s\n", r.ErrorKind)
	}
	if r.Reason != "" {
		fmt.Fprintf(out, "  Reason:      %s\n", r.Reason)
	}
	fmt.Fprintf(out, "  Added:       %d\n", r.Added)
	fmt.Fprintf(out, "  Skipped:     %d\n", r.Skipped)
	fmt.Fprintf(out, "  Before hash: %s\n", r.BeforeHash)
	fmt.Fprintf(out, "  After hash:  %s\n", r.AfterHash)
	fmt.Fprintf(out, "  Duration:    %dms\n", r.DurationMs)

	if len(r.AddedNames) > 0 {
		fmt.Fprintf(out, "\n  Added flowers:\n")
		for i, name := range r.AddedNames {
			fmt.Fprintf(out, "  %3d  %s\n", i+1, name)
		}
	}
	return nil
}

func newHistoryTailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show last N merge runs",
		Args:  cobra.NoArgs,
		RunE:  runHistoryTail,
	}
	cmd.Flags().Int("n", 10, "number of entries")
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryTail(cmd *cobra.Command, _ []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	n, err := cmd.Flags().GetInt("n")
	if err != nil {
		return fmt.Errorf("invalid --n: %w", err)
	}
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	runs, err := history.Tail(db, n)
	if err != nil {
		return fmt.Errorf("tail: %w", err)
	}

	if asJSON {
		return printJSON(cmd.OutOrStdout(), runs)
	}
	return printRunTable(cmd, runs)
}

func newHistoryPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old history entries",
		Args:  cobra.NoArgs,
		RunE:  runHistoryPrune,
	}
	cmd.Flags().String("older-than", "", "delete entries older than duration (e.g., 7d, 24h, 30d)")
	cmd.Flags().Bool("archive", false, "export pruned entries to a zip archive first")
	if err := cmd.MarkFlagRequired("older-than"); err != nil {
		panic(fmt.Sprintf("mark --older-than required: %v", err))
	}
	return cmd
}

func runHistoryPrune(cmd *cobra.Command, _ []string) error {
	db, cleanup, err := openHistoryDBWrite(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	olderThanStr, err := cmd.Flags().GetString("older-than")
	if err != nil {
		return fmt.Errorf("invalid --older-than: %w", err)
	}
	dur, err := parseDuration(olderThanStr)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", olderThanStr, err)
	}
	archive, err := cmd.Flags().GetBool("archive")
	if err != nil {
		return fmt.Errorf("invalid --archive: %w", err)
	}

	out := cmd.OutOrStdout()
	if archive {
		path, count, err := history.Archive(db, time.Now().UTC().Add(-dur), resolveArchiveDir(cmd))
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if path == "" {
			fmt.Fprintln(out, "No runs old enough to archive.")
			return nil
		}
		fmt.Fprintf(out, "Archived and pruned %d run(s) to %s.\n", count, path)
		return nil
	}

	count, err := history.Prune(db, dur)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(out, "Pruned %d run(s).\n", count)
	return nil
}

func newHistoryStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show history statistics",
		Args:  cobra.NoArgs,
		RunE:  runHistoryStats,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryStats(cmd *cobra.Command, _ []string) error {
	db, err := openHistoryDBReadOnly(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	stats, err := history.GetStats(db)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return printJSON(out, stats)
	}

	fmt.Fprintf(out, "Total runs:     %d\n", stats.TotalRuns)
	fmt.Fprintf(out, "Flowers added:  %d\n", stats.TotalAdded)
	fmt.Fprintf(out, "Avg duration:   %.1fms\n", stats.AvgDurationMs)

	if stats.TotalRuns > 0 {
		fmt.Fprintf(out, "Oldest entry:   %s\n", stats.OldestEntry.Format(time.RFC3339))
		fmt.Fprintf(out, "Newest entry:   %s\n", stats.NewestEntry.Format(time.RFC3339))
	}

	if len(stats.CountByOutcome) > 0 {
		fmt.Fprintf(out, "\nBy outcome:\n")
		for _, outcome := range []string{history.OutcomeMerged, history.OutcomeUnchanged, history.OutcomeDryRun, history.OutcomeError} {
			if count, ok := stats.CountByOutcome[outcome]; ok {
				fmt.Fprintf(out, "  %-10s %d\n", outcome, count)
			}
		}
	}

	return nil
}

func newHistoryDBPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "db-path",
		Short: "Print the history database path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveDBPath(cmd))
		},
	}
}

func newHistoryArchivesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List history archive files",
		Args:  cobra.NoArgs,
		RunE:  runHistoryArchives,
	}
	cmd.Flags().Bool("json", false, "output as JSON")
	return cmd
}

func runHistoryArchives(cmd *cobra.Command, _ []string) error {
	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return fmt.Errorf("invalid --json: %w", err)
	}

	archives, err := history.ListArchives(resolveArchiveDir(cmd))
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(archives) == 0 {
		fmt.Fprintln(out, "No archives found.")
		return nil
	}
	if asJSON {
		return printJSON(out, archives)
	}

	rows := make([][]string, 0, len(archives))
	for _, a := range archives {
		rows = append(rows, []string{a.Name, formatSize(a.Size), a.ModTime.Format(time.RFC3339)})
	}
	return writeTable(out, []string{"NAME", "SIZE", "DATE"}, rows, []columnAlignment{alignLeft, alignRight, alignLeft})
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)
	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1fMB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1fKB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%dB", bytes)
	}
}

// printRunTable outputs runs as a table. If any run failed, a hint is
// printed to stderr showing how to read the full error reasons.
func printRunTable(cmd *cobra.Command, runs []history.Run) error {
	hasErrors := false
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		if r.Outcome == history.OutcomeError {
			hasErrors = true
		}
		rows = append(rows, []string{
			strconv.FormatInt(r.ID, 10),
			r.Timestamp.Format(time.RFC3339),
			truncate(r.MainPath, 40),
			r.Outcome,
			strconv.Itoa(r.Added),
			strconv.Itoa(r.Skipped),
			truncate(r.Reason, 40),
			fmt.Sprintf("%dms", r.DurationMs),
		})
	}

	err := writeTable(cmd.OutOrStdout(),
		[]string{"ID", "TIMESTAMP", "MAIN", "OUTCOME", "ADDED", "SKIPPED", "REASON", "DURATION"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignRight},
	)
	if err != nil {
		return err
	}

	if hasErrors {
		fmt.Fprintf(cmd.ErrOrStderr(),
			"\nTip: to see a failed run's full reason, run:\n  flower-merge history show <id>\n")
	}
	return nil
}

// parseDuration parses a duration string supporting "Nd" (days) and "Nh" (hours) formats,
// in addition to Go's standard time.Duration formats.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid days %q: %w", numStr, err)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	return time.ParseDuration(s)
}
