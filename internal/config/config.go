// Package config loads harness configuration from yaml or json, with defaults
// normalized after parsing. Flags on the CLI override whatever is loaded here.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Command is the argv template for one probe invocation; {model} and
	// {prompt} expand per backend.
	Command []string `json:"command" yaml:"command"`
	Prompt  string   `json:"prompt" yaml:"prompt"`
	// Marker is the expected-output substring oracle; empty means the loose
	// greeting liveness oracle.
	Marker     string   `json:"marker" yaml:"marker"`
	TimeoutSec int      `json:"timeout_sec" yaml:"timeout_sec"`
	DelayMS    int      `json:"delay_ms" yaml:"delay_ms"`
	Backends   []string `json:"backends" yaml:"backends"`
	Skip       []string `json:"skip" yaml:"skip"`

	Ledger   LedgerConfig        `json:"ledger" yaml:"ledger"`
	Progress ProgressConfig      `json:"progress" yaml:"progress"`
	History  HistoryConfig       `json:"history" yaml:"history"`
	Observer ObservabilityConfig `json:"observability" yaml:"observability"`
}

type LedgerConfig struct {
	Path   string `json:"path" yaml:"path"`
	Format string `json:"format" yaml:"format"`
	// MaxCapturedBytes bounds output retained per probe; 0 keeps the default.
	MaxCapturedBytes int `json:"max_captured_bytes" yaml:"max_captured_bytes"`
	MaxOutputLines   int `json:"max_output_lines" yaml:"max_output_lines"`
}

type ProgressConfig struct {
	Path string `json:"path" yaml:"path"`
}

type HistoryConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	MaxConns int32  `json:"max_conns" yaml:"max_conns"`
}

type ObservabilityConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string  `json:"service_name" yaml:"service_name"`
	SampleRatio  float64 `json:"sample_ratio" yaml:"sample_ratio"`
}

func DefaultConfig() Config {
	return Config{
		Prompt:     "Respond with a short greeting.",
		TimeoutSec: 120,
		DelayMS:    1000,
		Ledger: LedgerConfig{
			Path:             "ledger.md",
			Format:           "markdown",
			MaxCapturedBytes: 65536,
			MaxOutputLines:   40,
		},
		Progress: ProgressConfig{
			Path: ".fleetprobe-progress",
		},
		History: HistoryConfig{
			MaxConns: 4,
		},
		Observer: ObservabilityConfig{
			ServiceName: "fleetprobe",
			SampleRatio: 1,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json config: %w", err)
		}
	default:
		var yamlErr error
		if yamlErr = yaml.Unmarshal(data, &cfg); yamlErr == nil {
			break
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.New("config format not recognized (expected yaml/json)")
		}
	}
	Normalize(&cfg)
	return cfg, nil
}

func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Prompt) == "" {
		cfg.Prompt = "Respond with a short greeting."
	}
	if cfg.TimeoutSec <= 0 {
		cfg.TimeoutSec = 120
	}
	if cfg.DelayMS < 0 {
		cfg.DelayMS = 1000
	}
	if strings.TrimSpace(cfg.Ledger.Path) == "" {
		cfg.Ledger.Path = "ledger.md"
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Ledger.Format)) {
	case "csv":
		cfg.Ledger.Format = "csv"
	default:
		cfg.Ledger.Format = "markdown"
	}
	if cfg.Ledger.MaxCapturedBytes <= 0 {
		cfg.Ledger.MaxCapturedBytes = 65536
	}
	if cfg.Ledger.MaxOutputLines <= 0 {
		cfg.Ledger.MaxOutputLines = 40
	}
	if strings.TrimSpace(cfg.Progress.Path) == "" {
		cfg.Progress.Path = ".fleetprobe-progress"
	}
	if cfg.History.MaxConns <= 0 {
		cfg.History.MaxConns = 4
	}
	if cfg.Observer.SampleRatio <= 0 || cfg.Observer.SampleRatio > 1 {
		cfg.Observer.SampleRatio = 1
	}
	if strings.TrimSpace(cfg.Observer.ServiceName) == "" {
		cfg.Observer.ServiceName = "fleetprobe"
	}
}
