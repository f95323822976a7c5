package harness

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fleetprobe/internal/classify"
	"fleetprobe/internal/invoke"
	"fleetprobe/internal/ledger"
	"fleetprobe/internal/progress"
	"fleetprobe/internal/registry"
)

type fakeInvoker struct {
	results   map[string]invoke.Result
	launchErr error
	calls     []string
	onInvoke  func(backendID string)
}

func (f *fakeInvoker) Invoke(_ context.Context, backendID, _ string, _ time.Duration) (invoke.Result, error) {
	f.calls = append(f.calls, backendID)
	if f.onInvoke != nil {
		f.onInvoke(backendID)
	}
	if f.launchErr != nil {
		return invoke.Result{}, f.launchErr
	}
	result, ok := f.results[backendID]
	if !ok {
		result = invoke.Result{ExitCode: 0, Output: "hello from " + backendID}
	}
	return result, nil
}

func newTestHarness(t *testing.T, reg *registry.Registry, inv invoke.Invoker) (*Harness, *progress.MemoryStore) {
	t.Helper()
	store := progress.NewMemoryStore()
	return &Harness{
		Registry: reg,
		Invoker:  inv,
		Oracle:   classify.GreetingOracle(),
		Progress: store,
		Ledger:   ledger.NewMarkdownLedger(filepath.Join(t.TempDir(), "ledger.md"), 40, 4096),
	}, store
}

func runConfig() RunConfig {
	return RunConfig{
		RunID:   "01TESTRUN",
		Prompt:  "Respond with a short greeting.",
		Timeout: time.Second,
	}
}

func TestRunHappyPath(t *testing.T) {
	reg := registry.New([]string{"m1", "m2"})
	inv := &fakeInvoker{results: map[string]invoke.Result{
		"m1": {ExitCode: 0, Output: "well hello there"},
		"m2": {ExitCode: 0, Output: "Hello! I am alive."},
	}}
	h, store := newTestHarness(t, reg, inv)

	stats, err := h.Run(context.Background(), runConfig())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Interrupted {
		t.Fatal("unexpected interruption")
	}
	want := ledger.SummaryCounts{Working: 2, Total: 2}
	if stats.Counts != want {
		t.Fatalf("expected %+v, got %+v", want, stats.Counts)
	}
	marker, _ := store.Load()
	if marker != "" {
		t.Fatalf("expected progress marker cleared, got %q", marker)
	}
}

func TestRunEmptyRegistryCompletesWithScaffold(t *testing.T) {
	reg := registry.New(nil)
	h, _ := newTestHarness(t, reg, &fakeInvoker{})

	stats, err := h.Run(context.Background(), runConfig())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.Probed != 0 || stats.Counts.Total != 0 {
		t.Fatalf("expected empty run, got %+v", stats)
	}
	records, err := h.Ledger.Records()
	if err != nil {
		t.Fatalf("Records error: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected scaffold only, got %d records", len(records))
	}
}

func TestRunTimeoutThenResume(t *testing.T) {
	reg := registry.New([]string{"m1", "m2", "m3"})
	ledgerPath := filepath.Join(t.TempDir(), "ledger.md")
	store := progress.NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{
		results: map[string]invoke.Result{
			"m1": {ExitCode: classify.TimeoutExitCode, TimedOut: true, Output: "partial"},
		},
		onInvoke: func(backendID string) {
			// Simulate a kill arriving while m2 is in flight: m1 is already
			// durably recorded, m2 is lost and re-probed on resume.
			if backendID == "m2" {
				cancel()
			}
		},
	}
	h := &Harness{
		Registry: reg,
		Invoker:  inv,
		Oracle:   classify.GreetingOracle(),
		Progress: store,
		Ledger:   ledger.NewMarkdownLedger(ledgerPath, 40, 4096),
	}

	stats, err := h.Run(ctx, runConfig())
	if err != nil {
		t.Fatalf("first Run error: %v", err)
	}
	if !stats.Interrupted {
		t.Fatal("expected interrupted run")
	}
	if stats.Probed != 1 {
		t.Fatalf("expected 1 recorded probe before interrupt, got %d", stats.Probed)
	}
	marker, _ := store.Load()
	if marker != "m1" {
		t.Fatalf("expected marker m1, got %q", marker)
	}

	// Second invocation resumes at m2.
	resumed := &Harness{
		Registry: reg,
		Invoker:  &fakeInvoker{},
		Oracle:   classify.GreetingOracle(),
		Progress: store,
		Ledger:   ledger.NewMarkdownLedger(ledgerPath, 40, 4096),
	}
	stats, err = resumed.Run(context.Background(), runConfig())
	if err != nil {
		t.Fatalf("resumed Run error: %v", err)
	}
	if stats.ResumeIndex != 1 {
		t.Fatalf("expected resume index 1, got %d", stats.ResumeIndex)
	}
	if stats.Probed != 2 {
		t.Fatalf("expected 2 probes on resume, got %d", stats.Probed)
	}

	records, err := resumed.Ledger.Records()
	if err != nil {
		t.Fatalf("Records error: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected exactly 3 records, got %d", len(records))
	}
	wantOrder := []string{"m1", "m2", "m3"}
	for i, id := range wantOrder {
		if records[i].BackendID != id {
			t.Fatalf("record %d: expected %s, got %s", i, id, records[i].BackendID)
		}
	}
	if records[0].Outcome != classify.OutcomeTimeout {
		t.Fatalf("expected m1 timeout, got %s", records[0].Outcome)
	}
	marker, _ = store.Load()
	if marker != "" {
		t.Fatalf("expected marker cleared after completion, got %q", marker)
	}
}

func TestRunResumeAppendsWithoutDuplicates(t *testing.T) {
	reg := registry.New([]string{"A", "B", "C", "D"})
	ledgerPath := filepath.Join(t.TempDir(), "ledger.md")
	store := progress.NewMemoryStore()

	seeded := ledger.NewMarkdownLedger(ledgerPath, 40, 4096)
	if err := seeded.Initialize(ledger.RunMeta{RunID: "01TESTRUN", StartedAt: time.Now()}); err != nil {
		t.Fatalf("Initialize error: %v", err)
	}
	exitCode := 0
	for _, id := range []string{"A", "B"} {
		if err := seeded.Append(ledger.Record{
			BackendID: id,
			Outcome:   classify.OutcomeWorking,
			ExitCode:  &exitCode,
			Output:    "hello",
			ProbedAt:  time.Now(),
		}); err != nil {
			t.Fatalf("seed Append error: %v", err)
		}
	}
	if err := store.Save("B"); err != nil {
		t.Fatalf("seed Save error: %v", err)
	}

	inv := &fakeInvoker{}
	h := &Harness{
		Registry: reg,
		Invoker:  inv,
		Oracle:   classify.GreetingOracle(),
		Progress: store,
		Ledger:   ledger.NewMarkdownLedger(ledgerPath, 40, 4096),
	}
	stats, err := h.Run(context.Background(), runConfig())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.ResumeIndex != 2 {
		t.Fatalf("expected resume index 2, got %d", stats.ResumeIndex)
	}
	if len(inv.calls) != 2 || inv.calls[0] != "C" || inv.calls[1] != "D" {
		t.Fatalf("expected invocations for C and D only, got %v", inv.calls)
	}
	records, err := h.Ledger.Records()
	if err != nil {
		t.Fatalf("Records error: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records with no duplicates, got %d", len(records))
	}
}

func TestRunStaleMarkerStartsFresh(t *testing.T) {
	reg := registry.New([]string{"m1", "m2"})
	inv := &fakeInvoker{}
	h, store := newTestHarness(t, reg, inv)
	if err := store.Save("removed-model"); err != nil {
		t.Fatalf("seed Save error: %v", err)
	}

	stats, err := h.Run(context.Background(), runConfig())
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if stats.ResumeIndex != 0 {
		t.Fatalf("expected fresh run, got resume index %d", stats.ResumeIndex)
	}
	if stats.Counts.Total != 2 {
		t.Fatalf("expected both backends probed, got %+v", stats.Counts)
	}
}

func TestRunSkipListRecordsSkippedWithoutInvoking(t *testing.T) {
	reg := registry.New([]string{"m1", "m2"})
	inv := &fakeInvoker{}
	h, _ := newTestHarness(t, reg, inv)

	cfg := runConfig()
	cfg.Skip = map[string]struct{}{"m2": {}}
	stats, err := h.Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	want := ledger.SummaryCounts{Working: 1, Skipped: 1, Total: 2}
	if stats.Counts != want {
		t.Fatalf("expected %+v, got %+v", want, stats.Counts)
	}
	if len(inv.calls) != 1 || inv.calls[0] != "m1" {
		t.Fatalf("skip-listed backend must not be invoked, calls: %v", inv.calls)
	}
}

func TestRunLaunchFailureIsFatalAndKeepsMarker(t *testing.T) {
	reg := registry.New([]string{"m1", "m2"})
	store := progress.NewMemoryStore()
	ledgerPath := filepath.Join(t.TempDir(), "ledger.md")

	// First backend succeeds, then the binary disappears.
	inv := &fakeInvoker{}
	inv.onInvoke = func(backendID string) {
		if backendID == "m2" {
			inv.launchErr = errors.New("exec: \"claude\": executable file not found in $PATH")
		}
	}
	h := &Harness{
		Registry: reg,
		Invoker:  inv,
		Oracle:   classify.GreetingOracle(),
		Progress: store,
		Ledger:   ledger.NewMarkdownLedger(ledgerPath, 40, 4096),
	}

	_, err := h.Run(context.Background(), runConfig())
	if err == nil {
		t.Fatal("expected fatal launch failure")
	}
	marker, _ := store.Load()
	if marker != "m1" {
		t.Fatalf("expected marker at last good backend m1, got %q", marker)
	}
}

type failingLedger struct {
	ledger.Ledger
}

func (f failingLedger) Append(ledger.Record) error {
	return errors.New("disk full")
}

func TestRunLedgerWriteFailureIsFatal(t *testing.T) {
	reg := registry.New([]string{"m1"})
	store := progress.NewMemoryStore()
	inner := ledger.NewMarkdownLedger(filepath.Join(t.TempDir(), "ledger.md"), 40, 4096)
	h := &Harness{
		Registry: reg,
		Invoker:  &fakeInvoker{},
		Oracle:   classify.GreetingOracle(),
		Progress: store,
		Ledger:   failingLedger{inner},
	}
	if _, err := h.Run(context.Background(), runConfig()); err == nil {
		t.Fatal("expected fatal ledger failure")
	}
	marker, _ := store.Load()
	if marker != "" {
		t.Fatalf("marker must not advance past an unrecorded result, got %q", marker)
	}
}
