package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ClaimStaleMarginMS is how far claim_stale_after_ms must exceed
// generation_timeout_ms, leaving the original run time to parse and write.
const ClaimStaleMarginMS = 5_000

// Environment variable names.
const (
	EnvPrefix = "RITUAL_"
	EnvFile   = "RITUAL_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if RITUAL_CONFIG is set
//  3. env (prefix RITUAL_)
func Load(_ context.Context) (*Config, error) {
	cfg := New()
	k := koanf.New(".")

	if path := os.Getenv(EnvFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// RITUAL_QUEUE_SIZE -> queue_size; keys are flat so underscores stay.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}
	// The file path itself is not a config key.
	k.Delete("config")

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	if c.AuthSecret == "" {
		return invalid("auth_secret must not be empty")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return invalid("log_format must be text or json, got %q", c.LogFormat)
	}
	switch c.StoreDriver {
	case "memory":
	case "sqlite":
		if c.SQLitePath == "" {
			return invalid("sqlite_path is required for the sqlite store")
		}
	default:
		return invalid("store_driver must be memory or sqlite, got %q", c.StoreDriver)
	}
	switch c.Generator {
	case "simulated":
	case "gemini":
		if c.GeminiAPIKey == "" {
			return invalid("gemini_api_key is required for the gemini generator")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return invalid("openai_api_key is required for the openai generator")
		}
	default:
		return invalid("generator must be simulated, gemini or openai, got %q", c.Generator)
	}
	switch c.PickerRule {
	case "epoch_week", "iso_week":
	default:
		return invalid("picker_rule must be epoch_week or iso_week, got %q", c.PickerRule)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return invalid("timezone %q: %v", c.Timezone, err)
	}

	positives := map[string]int{
		"queue_size":              c.QueueSize,
		"worker_count":            c.WorkerCount,
		"generation_timeout_ms":   c.GenerationTimeoutMS,
		"generation_wait_ms":      c.GenerationWaitMS,
		"read_timeout_ms":         c.ReadTimeoutMS,
		"claim_stale_after_ms":    c.ClaimStaleAfterMS,
		"generation_max_attempts": c.GenerationMaxAttempts,
	}
	for key, v := range positives {
		if v <= 0 {
			return invalid("%s must be positive, got %d", key, v)
		}
	}
	if c.ClaimStaleAfterMS < c.GenerationTimeoutMS+ClaimStaleMarginMS {
		return invalid("claim_stale_after_ms (%d) must be at least generation_timeout_ms (%d) plus %dms",
			c.ClaimStaleAfterMS, c.GenerationTimeoutMS, ClaimStaleMarginMS)
	}
	if c.GenerationRatePerMinute < 0 {
		return invalid("generation_rate_per_minute must not be negative")
	}
	if c.SimLatencyMinMS < 0 || c.SimLatencyMaxMS < c.SimLatencyMinMS {
		return invalid("sim latency range %d..%d is invalid", c.SimLatencyMinMS, c.SimLatencyMaxMS)
	}
	if c.MetricsNamespace == "" {
		return invalid("metrics_namespace must not be empty")
	}
	for i := 1; i < len(c.MetricsLatencyBucketsMS); i++ {
		if c.MetricsLatencyBucketsMS[i] <= c.MetricsLatencyBucketsMS[i-1] {
			return invalid("metrics_latency_buckets_ms must be strictly increasing")
		}
	}
	return nil
}
