// Package config loads and validates application configuration from
// environment variables and CLI flags. Flags override env; env overrides
// built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all orchestrator configuration.
type Config struct {
	// Run settings.
	Topic           string
	Producers       int
	IterationBudget int // per-worker generation cycles; 0 = unbounded
	OutputDir       string
	RequestSize     int // initial batch_size

	// Routing.
	Routing Routing

	// Worker liveness.
	HeartbeatTimeout time.Duration
	PingTimeout      time.Duration
	DegradedGrace    time.Duration
	MaxRestarts      int // per worker per RestartWindow
	RestartWindow    time.Duration
	DrainDeadline    time.Duration

	// Dedup.
	BloomCapacity          int
	BloomFPRate            float64
	BloomBroadcastInterval time.Duration

	// Optimization.
	OptimizationInterval time.Duration
	ShortWindow          time.Duration
	LongWindow           time.Duration

	// Sink.
	FileSyncInterval  time.Duration
	PendingWriteLimit int
	ArchiveEnabled    bool

	// Feed surface. Empty address disables the HTTP server.
	FeedAddr string

	// Generation defaults.
	Temperature float64
	MaxTokens   int

	// Worker backoff.
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ProviderCooldown time.Duration

	// Operational settings.
	LogLevel      string
	TraceEndpoint string
	ServiceName   string
	ProvidersFile string
	WorkerBinary  string // path to the attropy-worker executable
}

// Load reads configuration from environment variables with the defaults
// specified for each subsystem. CLI flag overrides are applied by the caller
// after Load.
func Load() (Config, error) {
	routing, err := RoutingFromEnv()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Producers:              envInt("ATTROPY_PRODUCERS", 5),
		OutputDir:              envStr("ATTROPY_OUTPUT_DIR", ""),
		RequestSize:            envInt("ATTROPY_REQUEST_SIZE", 50),
		Routing:                routing,
		HeartbeatTimeout:       envDuration("ATTROPY_HEARTBEAT_TIMEOUT", 30*time.Second),
		PingTimeout:            envDuration("ATTROPY_PING_TIMEOUT", 5*time.Second),
		DegradedGrace:          envDuration("ATTROPY_DEGRADED_GRACE", 15*time.Second),
		MaxRestarts:            envInt("ATTROPY_MAX_RESTARTS", 5),
		RestartWindow:          envDuration("ATTROPY_RESTART_WINDOW", 5*time.Minute),
		DrainDeadline:          envDuration("ATTROPY_DRAIN_DEADLINE", 10*time.Second),
		BloomCapacity:          envInt("ATTROPY_BLOOM_CAPACITY", 1_000_000),
		BloomFPRate:            envFloat("ATTROPY_BLOOM_FP_RATE", 0.01),
		BloomBroadcastInterval: envDuration("ATTROPY_BLOOM_BROADCAST_INTERVAL", 2*time.Second),
		OptimizationInterval:   envDuration("ATTROPY_OPTIMIZATION_INTERVAL", 15*time.Second),
		ShortWindow:            envDuration("ATTROPY_SHORT_WINDOW", 60*time.Second),
		LongWindow:             envDuration("ATTROPY_LONG_WINDOW", 30*time.Minute),
		FileSyncInterval:       envDuration("ATTROPY_FILE_SYNC_INTERVAL", 2*time.Second),
		PendingWriteLimit:      envInt("ATTROPY_PENDING_WRITE_LIMIT", 10_000),
		ArchiveEnabled:         envBool("ATTROPY_ARCHIVE", true),
		FeedAddr:               envStr("ATTROPY_FEED_ADDR", ""),
		Temperature:            envFloat("ATTROPY_TEMPERATURE", 0.8),
		MaxTokens:              envInt("ATTROPY_MAX_TOKENS", 800),
		BackoffBase:            envDuration("ATTROPY_BACKOFF_BASE", 1*time.Second),
		BackoffMax:             envDuration("ATTROPY_BACKOFF_MAX", 30*time.Second),
		ProviderCooldown:       envDuration("ATTROPY_PROVIDER_COOLDOWN", 30*time.Second),
		LogLevel:               envStr("ATTROPY_LOG_LEVEL", "info"),
		TraceEndpoint:          envStr("ATTROPY_TRACE_ENDPOINT", ""),
		ServiceName:            envStr("OTEL_SERVICE_NAME", "attropy"),
		ProvidersFile:          envStr("ATTROPY_PROVIDERS_FILE", ""),
		WorkerBinary:           envStr("ATTROPY_WORKER_BINARY", ""),
	}
	return cfg, nil
}

// Validate checks that the configuration describes a runnable orchestrator.
// Called after CLI flag overrides are applied.
func (c Config) Validate() error {
	if c.Producers < 1 {
		return fmt.Errorf("config: producers must be >= 1, got %d", c.Producers)
	}
	if c.IterationBudget < 0 {
		return fmt.Errorf("config: iterations must be >= 0, got %d", c.IterationBudget)
	}
	if c.RequestSize < 1 {
		return fmt.Errorf("config: request size must be >= 1, got %d", c.RequestSize)
	}
	if len(c.Routing.Providers) == 0 {
		return fmt.Errorf("config: no providers configured")
	}
	if c.BloomCapacity < 1 {
		return fmt.Errorf("config: bloom capacity must be positive")
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		return fmt.Errorf("config: bloom false-positive rate must be in (0, 1), got %g", c.BloomFPRate)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
