// Package ledger renders the durable probe report: one record per backend plus
// a summary region recomputed from scratch after every append so it can never
// drift from the records.
package ledger

import (
	"strings"
	"time"
	"unicode/utf8"

	"fleetprobe/internal/classify"
)

// Record is one probe outcome as it appears in the ledger.
type Record struct {
	BackendID string
	Outcome   classify.Outcome
	// ExitCode is nil for records that never invoked a process (skipped).
	ExitCode  *int
	Output    string
	Truncated bool
	ProbedAt  time.Time
}

// RunMeta is stamped into the ledger header on a fresh run. A resumed run
// keeps the original header.
type RunMeta struct {
	RunID     string
	Prompt    string
	StartedAt time.Time
}

// SummaryCounts is derived state, always recomputed in full from the records
// currently in the ledger.
type SummaryCounts struct {
	Working      int
	Timeout      int
	Error        int
	Hallucinated int
	Skipped      int
	Total        int
}

// Ledger is the durable report. Append is append-only with respect to record
// regions; only the summary region is ever rewritten in place.
type Ledger interface {
	// Initialize writes an empty scaffold (header + zero summary). Calling it
	// against an existing ledger is a no-op for the record region.
	Initialize(meta RunMeta) error
	// Append adds one record and recomputes the summary.
	Append(rec Record) error
	// Records parses the records currently in the ledger, in append order.
	Records() ([]Record, error)
	// RecomputeSummary rescans all records and rewrites the summary region.
	RecomputeSummary() error
	// Summary reads back the summary region as currently written.
	Summary() (SummaryCounts, error)
}

// CountOutcomes derives summary counts from a record set.
func CountOutcomes(records []Record) SummaryCounts {
	counts := SummaryCounts{Total: len(records)}
	for _, rec := range records {
		switch rec.Outcome {
		case classify.OutcomeWorking:
			counts.Working++
		case classify.OutcomeTimeout:
			counts.Timeout++
		case classify.OutcomeError:
			counts.Error++
		case classify.OutcomeSkipped:
			counts.Skipped++
		default:
			counts.Hallucinated++
		}
	}
	return counts
}

const truncationMarker = "... (truncated)"

// renderOutput bounds captured output for presentation. maxLines/maxChars <= 0
// disable the respective cap.
func renderOutput(output string, alreadyTruncated bool, maxLines, maxChars int) string {
	text := strings.TrimRight(output, "\n")
	truncated := alreadyTruncated
	if maxChars > 0 && len(text) > maxChars {
		cut := maxChars
		// Back off to a rune boundary so the ledger never holds split UTF-8.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
		truncated = true
	}
	if maxLines > 0 {
		lines := strings.Split(text, "\n")
		if len(lines) > maxLines {
			lines = lines[:maxLines]
			truncated = true
		}
		text = strings.Join(lines, "\n")
	}
	if truncated {
		if text != "" {
			text += "\n"
		}
		text += truncationMarker
	}
	return text
}

func nowRFC3339(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
