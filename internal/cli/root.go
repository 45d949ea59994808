package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Fuabioo/flower-merge/internal/config"
	"github.com/Fuabioo/flower-merge/internal/flower"
	"github.com/Fuabioo/flower-merge/internal/history"
	"github.com/Fuabioo/flower-merge/internal/run"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// Process exit codes.
const (
	exitUnexpected        = 1
	exitConfig            = 2
	exitNotFound          = 3
	exitParseError        = 4
	exitMalformedDocument = 5
	exitLocked            = 6
)

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("FLOWER_MERGE_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flower-merge",
		Short:         "Merge supplementary flowers into the main flowers file",
		Long:          "Appends every flower from the supplement file whose name is not yet in the main file,\nthen rewrites the main file if anything was added.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runMerge,
	}

	root.Flags().String("main", "", "main flowers file (default from config, else "+config.DefaultMain+")")
	root.Flags().String("supplement", "", "supplement flowers file (default from config, else "+config.DefaultSupplement+")")
	root.Flags().Bool("dry-run", false, "show the resulting diff without writing")
	root.Flags().Bool("no-history", false, "do not record this run in the history database")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newHistoryCmd())

	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return execute(newRootCmd(), os.Args[1:])
}

func execute(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "flower-merge: %v\n", err)
		return 1
	}
	return 0
}

// runMerge is the default command: resolve paths, merge, report.
func runMerge(cmd *cobra.Command, _ []string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	logger := newLogger(stderr)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "flower-merge: config error: %v\n", err)
		return &exitError{code: exitConfig}
	}
	if err := applyPathFlags(cmd, &cfg); err != nil {
		return err
	}

	dryRun, err := cmd.Flags().GetBool("dry-run")
	if err != nil {
		return fmt.Errorf("invalid --dry-run: %w", err)
	}
	noHistory, err := cmd.Flags().GetBool("no-history")
	if err != nil {
		return fmt.Errorf("invalid --no-history: %w", err)
	}

	// History is fail-open: a broken database never blocks a merge.
	var rec history.Recorder
	if cfg.HistoryEnabled() && !noHistory {
		dbPath := cfg.HistoryDBPath()
		if dbPath == "" {
			dbPath = history.DefaultDBPath()
		}
		s, err := history.Open(dbPath)
		if err != nil {
			logger.Warn("failed to open history db, continuing without history", "err", err)
		} else {
			rec = s
			defer func() {
				if err := s.Close(); err != nil {
					logger.Warn("failed to close history db", "err", err)
				}
			}()
		}
	}

	opts := run.Options{
		MainPath:       cfg.Main,
		SupplementPath: cfg.Supplement,
		DryRun:         dryRun,
		LockTimeout:    cfg.LockTimeout,
	}
	logger.Debug("starting merge", "main", opts.MainPath, "supplement", opts.SupplementPath, "dry_run", dryRun)

	rep, err := run.Run(cmd.Context(), opts, flower.FileStore{}, rec, logger)
	if err != nil {
		return reportError(stderr, err)
	}

	switch {
	case rep.Added == 0:
		fmt.Fprintf(stdout, "No new flowers to add. %s is unchanged.\n", opts.MainPath)
	case dryRun:
		fmt.Fprint(stdout, rep.Diff)
		fmt.Fprintf(stdout, "Dry run: %d new flower(s) would be added to %s.\n", rep.Added, opts.MainPath)
	default:
		fmt.Fprintf(stdout, "Merge complete: added %d new flower(s) to %s.\n", rep.Added, opts.MainPath)
	}
	return nil
}

// applyPathFlags lets --main and --supplement override configured paths.
func applyPathFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("main") {
		v, err := cmd.Flags().GetString("main")
		if err != nil {
			return fmt.Errorf("invalid --main: %w", err)
		}
		cfg.Main = v
	}
	if cmd.Flags().Changed("supplement") {
		v, err := cmd.Flags().GetString("supplement")
		if err != nil {
			return fmt.Errorf("invalid --supplement: %w", err)
		}
		cfg.Supplement = v
	}
	return nil
}

// reportError prints a message for the error's kind and returns the
// matching exit error.
func reportError(w io.Writer, err error) error {
	switch run.ErrorKind(err) {
	case flower.KindNotFound:
		fmt.Fprintf(w, "flower-merge: %v; check the file name and path\n", err)
		return &exitError{code: exitNotFound}
	case flower.KindParseError:
		fmt.Fprintf(w, "flower-merge: %v; check the file contents\n", err)
		return &exitError{code: exitParseError}
	case flower.KindMalformedDocument:
		fmt.Fprintf(w, "flower-merge: %v; expected {\"flowers\": [...]}\n", err)
		return &exitError{code: exitMalformedDocument}
	case run.KindLocked:
		fmt.Fprintf(w, "flower-merge: %v\n", err)
		return &exitError{code: exitLocked}
	default:
		fmt.Fprintf(w, "flower-merge: unexpected error: %v\n", err)
		return &exitError{code: exitUnexpected}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flower-merge %s (%s)\n", Version, Commit)
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check flowers files (default: the configured main and supplement files)",
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()

	paths := args
	if len(paths) == 0 {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(stderr, "flower-merge: config error: %v\n", err)
			return &exitError{code: exitConfig}
		}
		paths = []string{cfg.Main, cfg.Supplement}
	}

	hasIssues := false
	store := flower.FileStore{}
	for _, p := range paths {
		doc, err := store.Load(p)
		if err != nil {
			fmt.Fprintf(stdout, "%s: %s: %v\n", p, run.ErrorKind(err), err)
			hasIssues = true
			continue
		}

		unnamed := 0
		var dups []string
		seen := make(map[string]bool, doc.Len())
		for _, e := range doc.Flowers {
			key, ok := e.IdentityKey()
			if !ok || !e.HasName() {
				unnamed++
				continue
			}
			if seen[key] {
				dups = append(dups, e.DisplayName())
			}
			seen[key] = true
		}

		fmt.Fprintf(stdout, "%s: %d flower(s), %d without a usable name, %d duplicate name(s) [OK]\n",
			p, doc.Len(), unnamed, len(dups))
		for _, d := range dups {
			fmt.Fprintf(stdout, "  duplicate: %s\n", d)
		}
	}

	if hasIssues {
		return &exitError{code: 1}
	}
	return nil
}
