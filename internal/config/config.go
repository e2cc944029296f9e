// Package config defines service configuration and its defaults.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
	// LogFormat is "text" or "json".
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`
	// AuthSecret signs and verifies HS256 bearer tokens.
	AuthSecret string `koanf:"auth_secret"`

	// StoreDriver selects "memory" or "sqlite".
	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`

	// Generator selects "simulated", "gemini" or "openai".
	Generator    string `koanf:"generator"`
	GeminiAPIKey string `koanf:"gemini_api_key"`
	GeminiModel  string `koanf:"gemini_model"`
	OpenAIAPIKey string `koanf:"openai_api_key"`
	OpenAIModel  string `koanf:"openai_model"`

	// QueueSize bounds the background generation queue.
	QueueSize int `koanf:"queue_size"`
	// WorkerCount sets the number of generation workers.
	WorkerCount int `koanf:"worker_count"`
	// DedupeSize bounds the in-flight cycle tracker.
	DedupeSize int `koanf:"dedupe_size"`

	GenerationTimeoutMS     int `koanf:"generation_timeout_ms"`
	GenerationWaitMS        int `koanf:"generation_wait_ms"`
	ReadTimeoutMS           int `koanf:"read_timeout_ms"`
	ClaimStaleAfterMS       int `koanf:"claim_stale_after_ms"`
	GenerationMaxAttempts   int `koanf:"generation_max_attempts"`
	GenerationRatePerMinute int `koanf:"generation_rate_per_minute"`

	// PickerRule is "epoch_week" or "iso_week".
	PickerRule string `koanf:"picker_rule"`
	// Timezone is the IANA zone cycle weeks start in.
	Timezone string `koanf:"timezone"`

	// SimLatencyMinMS and SimLatencyMaxMS bound the simulated generator's latency.
	SimLatencyMinMS int `koanf:"sim_latency_min_ms"`
	SimLatencyMaxMS int `koanf:"sim_latency_max_ms"`

	// MetricsNamespace and MetricsSubsystem prefix every exported metric.
	MetricsNamespace string `koanf:"metrics_namespace"`
	MetricsSubsystem string `koanf:"metrics_subsystem"`
	// MetricsLatencyBucketsMS overrides the latency histogram buckets; a
	// comma separated list in the environment.
	MetricsLatencyBucketsMS []float64 `koanf:"metrics_latency_buckets_ms"`
}

// DefaultAuthSecret is only suitable for local development.
const DefaultAuthSecret = "ritual-dev-secret-change-me"

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:                "info",
		LogFormat:               "text",
		Addr:                    ":9080",
		AuthSecret:              DefaultAuthSecret,
		StoreDriver:             "memory",
		SQLitePath:              "data/ritual.db",
		Generator:               "simulated",
		GeminiModel:             "gemini-2.0-flash",
		OpenAIModel:             "gpt-4o-mini",
		QueueSize:               1024,
		WorkerCount:             runtime.NumCPU(),
		DedupeSize:              4096,
		GenerationTimeoutMS:     45_000,
		GenerationWaitMS:        60_000,
		ReadTimeoutMS:           10_000,
		ClaimStaleAfterMS:       90_000,
		GenerationMaxAttempts:   3,
		GenerationRatePerMinute: 30,
		PickerRule:              "epoch_week",
		Timezone:                "UTC",
		SimLatencyMinMS:         200,
		SimLatencyMaxMS:         800,
		MetricsNamespace:        "ritual",
		MetricsSubsystem:        "cycles",
	}
}

// GenerationTimeout bounds a single provider call.
func (c *Config) GenerationTimeout() time.Duration { return ms(c.GenerationTimeoutMS) }

// GenerationWait is how long a synchronous invoke waits before reporting generating.
func (c *Config) GenerationWait() time.Duration { return ms(c.GenerationWaitMS) }

// ReadTimeout bounds simple reads and writes.
func (c *Config) ReadTimeout() time.Duration { return ms(c.ReadTimeoutMS) }

// ClaimStaleAfter is when an abandoned generation claim may be taken over.
func (c *Config) ClaimStaleAfter() time.Duration { return ms(c.ClaimStaleAfterMS) }

// Location resolves Timezone; callers run Validate first.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
