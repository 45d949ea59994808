package history

import (
	"time"
	"unicode/utf8"
)

// Outcome constants for Run.
const (
	OutcomeMerged    = "merged"
	OutcomeUnchanged = "unchanged"
	OutcomeDryRun    = "dry_run"
	OutcomeError     = "error"
)

// Recorder persists merge runs.
type Recorder interface {
	RecordRun(run Run) error
	Close() error
}

// Run is one flower-merge invocation.
type Run struct {
	ID             int64
	UUID           string
	Timestamp      time.Time
	MainPath       string
	SupplementPath string
	Outcome        string // merged|unchanged|dry_run|error
	ErrorKind      string
	Reason         string
	Added          int
	Skipped        int
	DryRun         bool
	BeforeHash     string
	AfterHash      string
	DurationMs     int64
	AddedNames     []string
}

// Stats holds aggregate statistics from the history database.
type Stats struct {
	TotalRuns      int64
	TotalAdded     int64
	CountByOutcome map[string]int64
	AvgDurationMs  float64
	OldestEntry    time.Time
	NewestEntry    time.Time
}

// TruncateReason truncates s to at most max bytes, appending "..." if
// truncated. Multi-byte characters are never split.
func TruncateReason(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:runeBoundary(s, max)]
	}
	return s[:runeBoundary(s, max-3)] + "..."
}

// runeBoundary returns the largest i <= n at which s can be cut without
// splitting a UTF-8 sequence.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
