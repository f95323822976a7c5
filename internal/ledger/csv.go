package ledger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fleetprobe/internal/classify"
)

const csvColumns = "backend_id,outcome,exit_code,probed_at,output"

// CSVLedger renders the report as one CSV row per backend. The summary lives
// in a single comment line rewritten idempotently after every append; output
// is stored single-line with newlines escaped so every row stays one physical
// line.
type CSVLedger struct {
	path     string
	maxLines int
	maxChars int
}

func NewCSVLedger(path string, maxLines, maxChars int) *CSVLedger {
	return &CSVLedger{path: filepath.Clean(path), maxLines: maxLines, maxChars: maxChars}
}

func (l *CSVLedger) Initialize(meta RunMeta) error {
	if _, err := os.Stat(l.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat ledger: %w", err)
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("# fleetprobe ledger run=%s started=%s\n", meta.RunID, nowRFC3339(meta.StartedAt)))
	b.WriteString(renderSummaryComment(SummaryCounts{}))
	b.WriteString(csvColumns + "\n")
	return l.writeAtomic(b.String())
}

func (l *CSVLedger) Append(rec Record) error {
	header, rows, err := l.readRegions()
	if err != nil {
		return err
	}
	row, err := l.renderRow(rec)
	if err != nil {
		return err
	}
	rows += row
	counts := CountOutcomes(parseRows(rows))
	return l.writeAtomic(header + renderSummaryComment(counts) + csvColumns + "\n" + rows)
}

func (l *CSVLedger) Records() ([]Record, error) {
	_, rows, err := l.readRegions()
	if err != nil {
		return nil, err
	}
	return parseRows(rows), nil
}

func (l *CSVLedger) RecomputeSummary() error {
	header, rows, err := l.readRegions()
	if err != nil {
		return err
	}
	counts := CountOutcomes(parseRows(rows))
	return l.writeAtomic(header + renderSummaryComment(counts) + csvColumns + "\n" + rows)
}

func (l *CSVLedger) Summary() (SummaryCounts, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return SummaryCounts{}, errNotInitialized
		}
		return SummaryCounts{}, fmt.Errorf("read ledger: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "# working=") {
			return parseSummaryComment(line), nil
		}
	}
	return SummaryCounts{}, fmt.Errorf("ledger %s is malformed: missing summary line", l.path)
}

// readRegions splits the file into the run-header comment line and the record
// rows; the summary comment and column header are regenerated on every write.
func (l *CSVLedger) readRegions() (header, rows string, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", errNotInitialized
		}
		return "", "", fmt.Errorf("read ledger: %w", err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	var b strings.Builder
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "# working="):
			continue
		case strings.TrimRight(line, "\n") == csvColumns:
			continue
		case strings.HasPrefix(line, "#"):
			header += line
		case strings.TrimSpace(line) == "":
			continue
		default:
			b.WriteString(line)
		}
	}
	rows = b.String()
	if rows != "" && !strings.HasSuffix(rows, "\n") {
		rows += "\n"
	}
	return header, rows, nil
}

func (l *CSVLedger) writeAtomic(content string) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	tmpPath := l.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func (l *CSVLedger) renderRow(rec Record) (string, error) {
	exitCode := ""
	if rec.ExitCode != nil {
		exitCode = strconv.Itoa(*rec.ExitCode)
	}
	output := escapeNewlines(renderOutput(rec.Output, rec.Truncated, l.maxLines, l.maxChars))
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write([]string{rec.BackendID, string(rec.Outcome), exitCode, nowRFC3339(rec.ProbedAt), output}); err != nil {
		return "", fmt.Errorf("encode ledger row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("encode ledger row: %w", err)
	}
	return b.String(), nil
}

func parseRows(rows string) []Record {
	reader := csv.NewReader(strings.NewReader(rows))
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil
	}
	records := make([]Record, 0, len(all))
	for _, fields := range all {
		if len(fields) < 4 {
			continue
		}
		rec := Record{
			BackendID: fields[0],
			Outcome:   classify.Outcome(fields[1]),
		}
		if n, convErr := strconv.Atoi(strings.TrimSpace(fields[2])); convErr == nil {
			code := n
			rec.ExitCode = &code
		}
		if t, parseErr := time.Parse(time.RFC3339, fields[3]); parseErr == nil {
			rec.ProbedAt = t
		}
		if len(fields) > 4 {
			output := unescapeNewlines(fields[4])
			if strings.HasSuffix(output, truncationMarker) {
				rec.Truncated = true
				output = strings.TrimSuffix(strings.TrimSuffix(output, truncationMarker), "\n")
			}
			rec.Output = output
		}
		records = append(records, rec)
	}
	return records
}

// escapeNewlines keeps every row on one physical line. Backslash is escaped
// first so output that legitimately contains a literal backslash-n round-trips
// unchanged.
func escapeNewlines(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func unescapeNewlines(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func renderSummaryComment(counts SummaryCounts) string {
	return fmt.Sprintf("# working=%d timeout=%d error=%d hallucinated=%d skipped=%d total=%d\n",
		counts.Working, counts.Timeout, counts.Error, counts.Hallucinated, counts.Skipped, counts.Total)
}

func parseSummaryComment(line string) SummaryCounts {
	counts := SummaryCounts{}
	for _, field := range strings.Fields(strings.TrimPrefix(line, "#")) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		switch key {
		case "working":
			counts.Working = n
		case "timeout":
			counts.Timeout = n
		case "error":
			counts.Error = n
		case "hallucinated":
			counts.Hallucinated = n
		case "skipped":
			counts.Skipped = n
		case "total":
			counts.Total = n
		}
	}
	return counts
}
