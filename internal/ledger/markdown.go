package ledger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"fleetprobe/internal/classify"
)

const (
	summaryHeading = "\n## Summary\n"
	resultsHeading = "\n## Results\n"
)

var errNotInitialized = errors.New("ledger not initialized")

// MarkdownLedger renders the report as markdown: a header, a summary region
// rewritten in place, and one section per backend.
type MarkdownLedger struct {
	path     string
	maxLines int
	maxChars int
}

func NewMarkdownLedger(path string, maxLines, maxChars int) *MarkdownLedger {
	return &MarkdownLedger{path: filepath.Clean(path), maxLines: maxLines, maxChars: maxChars}
}

func (l *MarkdownLedger) Initialize(meta RunMeta) error {
	if _, err := os.Stat(l.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat ledger: %w", err)
	}
	var b strings.Builder
	b.WriteString("# Capability Probe Ledger\n")
	b.WriteString(fmt.Sprintf("\n- run: %s\n", meta.RunID))
	if meta.Prompt != "" {
		b.WriteString(fmt.Sprintf("- prompt: %s\n", strings.ReplaceAll(meta.Prompt, "\n", " ")))
	}
	b.WriteString(fmt.Sprintf("- started: %s\n", nowRFC3339(meta.StartedAt)))
	b.WriteString(summaryHeading)
	b.WriteString(renderSummary(SummaryCounts{}))
	b.WriteString(resultsHeading)
	return l.writeAtomic(b.String())
}

func (l *MarkdownLedger) Append(rec Record) error {
	header, _, results, err := l.readRegions()
	if err != nil {
		return err
	}
	results += l.renderRecord(rec)
	counts := CountOutcomes(parseRecords(results))
	return l.writeRegions(header, renderSummary(counts), results)
}

func (l *MarkdownLedger) Records() ([]Record, error) {
	_, _, results, err := l.readRegions()
	if err != nil {
		return nil, err
	}
	return parseRecords(results), nil
}

func (l *MarkdownLedger) RecomputeSummary() error {
	header, _, results, err := l.readRegions()
	if err != nil {
		return err
	}
	counts := CountOutcomes(parseRecords(results))
	return l.writeRegions(header, renderSummary(counts), results)
}

func (l *MarkdownLedger) Summary() (SummaryCounts, error) {
	_, summary, _, err := l.readRegions()
	if err != nil {
		return SummaryCounts{}, err
	}
	return parseSummary(summary), nil
}

func (l *MarkdownLedger) readRegions() (header, summary, results string, err error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", "", errNotInitialized
		}
		return "", "", "", fmt.Errorf("read ledger: %w", err)
	}
	content := string(data)
	summaryAt := strings.Index(content, summaryHeading)
	resultsAt := strings.Index(content, resultsHeading)
	if summaryAt < 0 || resultsAt < 0 || resultsAt < summaryAt {
		return "", "", "", fmt.Errorf("ledger %s is malformed: missing summary or results region", l.path)
	}
	header = content[:summaryAt]
	summary = content[summaryAt+len(summaryHeading) : resultsAt]
	results = content[resultsAt+len(resultsHeading):]
	return header, summary, results, nil
}

func (l *MarkdownLedger) writeRegions(header, summary, results string) error {
	return l.writeAtomic(header + summaryHeading + summary + resultsHeading + results)
}

func (l *MarkdownLedger) writeAtomic(content string) error {
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

func (l *MarkdownLedger) renderRecord(rec Record) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n### %s [%s]\n\n", rec.BackendID, rec.Outcome))
	if rec.ExitCode != nil {
		b.WriteString(fmt.Sprintf("- exit code: %d\n", *rec.ExitCode))
	} else {
		b.WriteString("- exit code: none\n")
	}
	b.WriteString(fmt.Sprintf("- probed at: %s\n", nowRFC3339(rec.ProbedAt)))
	output := renderOutput(rec.Output, rec.Truncated, l.maxLines, l.maxChars)
	if output != "" {
		fence := fenceFor(output)
		b.WriteString("\n" + fence + "text\n")
		b.WriteString(output)
		b.WriteString("\n" + fence + "\n")
	}
	return b.String()
}

// fenceFor picks a fence longer than any backtick run in output, so output
// that itself contains markdown fences (routine for LLM responses) can never
// close the block early and forge record headers.
func fenceFor(output string) string {
	longest := 0
	run := 0
	for _, r := range output {
		if r == '`' {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 0
		}
	}
	size := longest + 1
	if size < 3 {
		size = 3
	}
	return strings.Repeat("`", size)
}

func renderSummary(counts SummaryCounts) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("- working: %d\n", counts.Working))
	b.WriteString(fmt.Sprintf("- timeout: %d\n", counts.Timeout))
	b.WriteString(fmt.Sprintf("- error: %d\n", counts.Error))
	b.WriteString(fmt.Sprintf("- hallucinated: %d\n", counts.Hallucinated))
	b.WriteString(fmt.Sprintf("- skipped: %d\n", counts.Skipped))
	b.WriteString(fmt.Sprintf("- total: %d\n", counts.Total))
	return b.String()
}

func parseSummary(region string) SummaryCounts {
	counts := SummaryCounts{}
	for _, line := range strings.Split(region, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
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

func parseRecords(region string) []Record {
	var records []Record
	var current *Record
	inOutput := false
	closingFence := ""
	var outputLines []string

	flushOutput := func() {
		if current == nil {
			return
		}
		if len(outputLines) > 0 && outputLines[len(outputLines)-1] == truncationMarker {
			current.Truncated = true
			outputLines = outputLines[:len(outputLines)-1]
		}
		current.Output = strings.Join(outputLines, "\n")
		outputLines = nil
	}

	for _, line := range strings.Split(region, "\n") {
		if inOutput {
			// Only the exact fence that opened the block closes it; shorter
			// backtick runs inside the output stay output.
			if line == closingFence {
				inOutput = false
				flushOutput()
				continue
			}
			outputLines = append(outputLines, line)
			continue
		}
		switch {
		case strings.HasPrefix(line, "### "):
			if current != nil {
				records = append(records, *current)
			}
			current = parseRecordHeader(line)
		case current != nil && strings.HasPrefix(line, "- exit code: "):
			value := strings.TrimPrefix(line, "- exit code: ")
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				code := n
				current.ExitCode = &code
			}
		case current != nil && strings.HasPrefix(line, "- probed at: "):
			value := strings.TrimSpace(strings.TrimPrefix(line, "- probed at: "))
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				current.ProbedAt = t
			}
		case current != nil && isFenceOpen(line):
			inOutput = true
			closingFence = strings.TrimSuffix(line, "text")
		}
	}
	if current != nil {
		records = append(records, *current)
	}
	return records
}

func isFenceOpen(line string) bool {
	if !strings.HasSuffix(line, "text") {
		return false
	}
	fence := strings.TrimSuffix(line, "text")
	return len(fence) >= 3 && strings.Count(fence, "`") == len(fence)
}

func parseRecordHeader(line string) *Record {
	rest := strings.TrimPrefix(line, "### ")
	open := strings.LastIndex(rest, " [")
	if open < 0 || !strings.HasSuffix(rest, "]") {
		return &Record{BackendID: strings.TrimSpace(rest), Outcome: classify.OutcomeHallucinated}
	}
	id := strings.TrimSpace(rest[:open])
	outcome := classify.Outcome(rest[open+2 : len(rest)-1])
	return &Record{BackendID: id, Outcome: outcome}
}
