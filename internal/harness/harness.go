// Package harness sequences the probe run: resume, invoke, classify, record,
// advance. One backend at a time, ledger record before progress marker, so an
// interruption anywhere loses at most the in-flight probe.
package harness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleetprobe/internal/classify"
	"fleetprobe/internal/invoke"
	"fleetprobe/internal/ledger"
	"fleetprobe/internal/progress"
	"fleetprobe/internal/registry"
	"fleetprobe/internal/telemetry"
)

// HistorySink receives a copy of every recorded result. Sink failures are
// logged, never fatal; the ledger is the source of truth.
type HistorySink interface {
	Record(ctx context.Context, runID string, rec ledger.Record) error
}

type RunConfig struct {
	RunID   string
	Prompt  string
	Timeout time.Duration
	// Delay is the pause between probes; it exists to stay friendly to
	// rate-limited backends, not for correctness.
	Delay time.Duration
	Skip  map[string]struct{}
}

type Harness struct {
	Registry  *registry.Registry
	Invoker   invoke.Invoker
	Oracle    classify.Oracle
	Progress  progress.Store
	Ledger    ledger.Ledger
	History   HistorySink
	Telemetry *telemetry.Telemetry
}

type RunStats struct {
	ResumeIndex int
	Probed      int
	Interrupted bool
	Counts      ledger.SummaryCounts
}

// Run drives the registry from the resume index to exhaustion. A cancelled
// context is a normal exit path: the marker stays put and the next run
// resumes. The returned error is reserved for infrastructure failure
// (unlaunchable command, unwritable ledger or marker).
func (h *Harness) Run(ctx context.Context, cfg RunConfig) (RunStats, error) {
	stats := RunStats{}

	lastCompleted, err := h.Progress.Load()
	if err != nil {
		return stats, fmt.Errorf("load progress marker: %w", err)
	}
	if lastCompleted != "" && h.Registry.IndexOf(lastCompleted) < 0 {
		slog.Warn("progress marker not in registry; starting fresh",
			"marker", lastCompleted)
	}
	stats.ResumeIndex = h.Registry.ResumeIndex(lastCompleted)
	if stats.ResumeIndex > 0 {
		slog.Info("resuming interrupted run",
			"last_completed", lastCompleted,
			"resume_index", stats.ResumeIndex)
	}

	if err := h.Ledger.Initialize(ledger.RunMeta{
		RunID:     cfg.RunID,
		Prompt:    cfg.Prompt,
		StartedAt: time.Now(),
	}); err != nil {
		return stats, err
	}

	total := h.Registry.Len()
	for i := stats.ResumeIndex; i < total; i++ {
		if ctx.Err() != nil {
			return h.finishInterrupted(ctx, stats)
		}
		backendID := h.Registry.At(i)

		rec, recErr := h.probeOne(ctx, cfg, backendID, i, total)
		if recErr != nil {
			return stats, recErr
		}
		if ctx.Err() != nil {
			// Interrupted mid-invocation: the in-flight probe is lost and
			// re-probed on resume.
			return h.finishInterrupted(ctx, stats)
		}

		if err := h.Ledger.Append(rec); err != nil {
			return stats, err
		}
		if err := h.Progress.Save(backendID); err != nil {
			return stats, fmt.Errorf("save progress marker: %w", err)
		}
		if h.History != nil {
			if err := h.History.Record(ctx, cfg.RunID, rec); err != nil {
				slog.Warn("history mirror write failed", "backend", backendID, "error", err)
			}
		}
		stats.Probed++

		if i < total-1 && cfg.Delay > 0 {
			select {
			case <-ctx.Done():
				return h.finishInterrupted(ctx, stats)
			case <-time.After(cfg.Delay):
			}
		}
	}

	if err := h.Progress.Clear(); err != nil {
		return stats, fmt.Errorf("clear progress marker: %w", err)
	}
	stats.Counts, err = h.Ledger.Summary()
	if err != nil {
		return stats, err
	}
	h.Telemetry.MarkRun(ctx, "completed")
	slog.Info("run completed",
		"probed", stats.Probed,
		"working", stats.Counts.Working,
		"timeout", stats.Counts.Timeout,
		"error", stats.Counts.Error,
		"hallucinated", stats.Counts.Hallucinated,
		"skipped", stats.Counts.Skipped)
	return stats, nil
}

func (h *Harness) probeOne(ctx context.Context, cfg RunConfig, backendID string, index, total int) (ledger.Record, error) {
	if _, skip := cfg.Skip[backendID]; skip {
		slog.Info("skipping backend", "backend", backendID, "index", index)
		return ledger.Record{
			BackendID: backendID,
			Outcome:   classify.OutcomeSkipped,
			ProbedAt:  time.Now(),
		}, nil
	}

	slog.Info("probing backend", "backend", backendID, "index", index, "total", total)
	spanCtx, span := h.Telemetry.StartProbeSpan(ctx, backendID)
	start := time.Now()
	result, err := h.Invoker.Invoke(spanCtx, backendID, cfg.Prompt, cfg.Timeout)
	duration := time.Since(start)
	span.End()
	if err != nil {
		// Unlaunchable command: fatal to the run, distinguishable from a
		// backend that is merely broken.
		return ledger.Record{}, err
	}

	outcome := classify.Classify(result.ExitCode, result.Output, h.Oracle)
	h.Telemetry.MarkProbe(ctx, backendID, string(outcome), duration)
	slog.Info("probe classified",
		"backend", backendID,
		"outcome", outcome,
		"exit_code", result.ExitCode,
		"duration_ms", duration.Milliseconds())

	exitCode := result.ExitCode
	return ledger.Record{
		BackendID: backendID,
		Outcome:   outcome,
		ExitCode:  &exitCode,
		Output:    result.Output,
		Truncated: result.Truncated,
		ProbedAt:  time.Now(),
	}, nil
}

func (h *Harness) finishInterrupted(ctx context.Context, stats RunStats) (RunStats, error) {
	stats.Interrupted = true
	counts, err := h.Ledger.Summary()
	if err == nil {
		stats.Counts = counts
	}
	h.Telemetry.MarkRun(context.WithoutCancel(ctx), "interrupted")
	slog.Info("run interrupted; progress marker retained", "probed", stats.Probed)
	return stats, nil
}
