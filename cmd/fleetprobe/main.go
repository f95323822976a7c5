package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"fleetprobe/internal/classify"
	"fleetprobe/internal/config"
	"fleetprobe/internal/harness"
	"fleetprobe/internal/history"
	"fleetprobe/internal/invoke"
	"fleetprobe/internal/ledger"
	"fleetprobe/internal/progress"
	"fleetprobe/internal/registry"
	"fleetprobe/internal/telemetry"
)

func main() {
	configPath := flag.String("config", envOr("FLEETPROBE_CONFIG", ""), "Path to yaml/json config file")
	registryPath := flag.String("registry", "", "Path to backend registry file (one ID per line, or yaml list)")
	ledgerPath := flag.String("ledger", "", "Path to the ledger report")
	format := flag.String("format", "", "Ledger format: markdown|csv")
	progressPath := flag.String("progress", "", "Path to the progress marker file")
	command := flag.String("command", "", "Probe command template, {model} and {prompt} expand per backend")
	prompt := flag.String("prompt", "", "Probe prompt text")
	marker := flag.String("marker", "", "Expected output substring; empty uses the greeting liveness oracle")
	timeout := flag.Duration("timeout", 0, "Per-backend wall-clock deadline")
	delay := flag.Duration("delay", -1, "Pause between probes")
	maxOutputBytes := flag.Int("max-output-bytes", 0, "Captured output retention cap per probe")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		exitWith("failed to load config: " + err.Error())
	}
	applyFlags(&cfg, *ledgerPath, *format, *progressPath, *command, *prompt, *marker, *maxOutputBytes)
	runTimeout, runDelay := effectiveTiming(cfg, *timeout, *delay)

	reg, err := loadRegistry(*registryPath, cfg)
	if err != nil {
		exitWith("failed to load registry: " + err.Error())
	}
	if len(cfg.Command) == 0 {
		exitWith("no probe command configured (-command or config command)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.Observer)
	if err != nil {
		slog.Warn("telemetry setup failed; continuing without it", "error", err)
		tel = nil
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	invoker, err := invoke.NewCommandInvoker(cfg.Command, cfg.Ledger.MaxCapturedBytes)
	if err != nil {
		exitWith(err.Error())
	}

	var ledgerWriter ledger.Ledger
	switch cfg.Ledger.Format {
	case "csv":
		ledgerWriter = ledger.NewCSVLedger(cfg.Ledger.Path, cfg.Ledger.MaxOutputLines, cfg.Ledger.MaxCapturedBytes)
	default:
		ledgerWriter = ledger.NewMarkdownLedger(cfg.Ledger.Path, cfg.Ledger.MaxOutputLines, cfg.Ledger.MaxCapturedBytes)
	}

	var sink harness.HistorySink
	if strings.TrimSpace(cfg.History.DSN) != "" {
		store, connErr := history.Connect(ctx, cfg.History)
		if connErr != nil {
			slog.Error("history store unavailable", "error", connErr)
			os.Exit(1)
		}
		defer store.Close()
		sink = store
	}

	oracle := classify.MarkerOracle(cfg.Marker)
	if oracle == nil {
		oracle = classify.GreetingOracle()
	}

	h := &harness.Harness{
		Registry:  reg,
		Invoker:   invoker,
		Oracle:    oracle,
		Progress:  progress.NewFileStore(cfg.Progress.Path),
		Ledger:    ledgerWriter,
		History:   sink,
		Telemetry: tel,
	}

	runID := ulid.Make().String()
	skip := make(map[string]struct{}, len(cfg.Skip))
	for _, id := range cfg.Skip {
		skip[strings.TrimSpace(id)] = struct{}{}
	}

	stats, err := h.Run(ctx, harness.RunConfig{
		RunID:   runID,
		Prompt:  cfg.Prompt,
		Timeout: runTimeout,
		Delay:   runDelay,
		Skip:    skip,
	})
	if err != nil {
		slog.Error("run aborted", "error", err)
		os.Exit(1)
	}

	printStats(cfg.Ledger.Path, stats)
}

func applyFlags(cfg *config.Config, ledgerPath, format, progressPath, command, prompt, marker string, maxOutputBytes int) {
	if strings.TrimSpace(ledgerPath) != "" {
		cfg.Ledger.Path = ledgerPath
	}
	if strings.TrimSpace(format) != "" {
		cfg.Ledger.Format = format
	}
	if strings.TrimSpace(progressPath) != "" {
		cfg.Progress.Path = progressPath
	}
	if strings.TrimSpace(command) != "" {
		cfg.Command = strings.Fields(command)
	}
	if strings.TrimSpace(prompt) != "" {
		cfg.Prompt = prompt
	}
	if strings.TrimSpace(marker) != "" {
		cfg.Marker = marker
	}
	if maxOutputBytes > 0 {
		cfg.Ledger.MaxCapturedBytes = maxOutputBytes
	}
	config.Normalize(cfg)
}

// effectiveTiming resolves the per-backend deadline and inter-probe delay. An
// explicit flag duration is used as given, so sub-second values like
// -timeout 500ms survive instead of being floored into the whole-second
// config field.
func effectiveTiming(cfg config.Config, timeout, delay time.Duration) (time.Duration, time.Duration) {
	effTimeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout > 0 {
		effTimeout = timeout
	}
	effDelay := time.Duration(cfg.DelayMS) * time.Millisecond
	if delay >= 0 {
		effDelay = delay
	}
	return effTimeout, effDelay
}

func loadRegistry(path string, cfg config.Config) (*registry.Registry, error) {
	if strings.TrimSpace(path) != "" {
		return registry.Load(path)
	}
	if len(cfg.Backends) > 0 {
		return registry.New(cfg.Backends), nil
	}
	return nil, fmt.Errorf("no backends configured (-registry or config backends)")
}

func printStats(ledgerPath string, stats harness.RunStats) {
	if stats.Interrupted {
		fmt.Printf("Interrupted after %d probe(s); re-run to resume.\n", stats.Probed)
		return
	}
	fmt.Printf("Ledger: %s\n", ledgerPath)
	fmt.Printf("Totals: working=%d timeout=%d error=%d hallucinated=%d skipped=%d total=%d\n",
		stats.Counts.Working, stats.Counts.Timeout, stats.Counts.Error,
		stats.Counts.Hallucinated, stats.Counts.Skipped, stats.Counts.Total)
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
