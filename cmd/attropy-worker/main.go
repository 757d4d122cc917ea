// Command attropy-worker is the generation worker process. It is spawned
// by the orchestrator's supervisor with its id and the orchestrator's
// per-worker TCP address; it is not meant to be run by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/attropy/attropy/internal/config"
	"github.com/attropy/attropy/internal/provider"
	"github.com/attropy/attropy/internal/worker"
)

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("attropy-worker", flag.ContinueOnError)
	id := fs.String("id", "", "worker id assigned by the orchestrator")
	connect := fs.String("connect", "", "orchestrator address to connect to")
	providersFile := fs.String("providers-file", os.Getenv("ATTROPY_PROVIDERS_FILE"), "provider catalog YAML")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}
	if *id == "" || *connect == "" {
		fmt.Fprintln(os.Stderr, "attropy-worker: --id and --connect are required")
		return 1
	}

	logger := newLogger(os.Getenv("ATTROPY_LOG_LEVEL"))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "attropy-worker:", err)
		return 1
	}
	catalog, err := config.LoadCatalog(*providersFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "attropy-worker:", err)
		return 1
	}

	backends := buildBackends(catalog, logger)
	if len(backends) == 0 {
		fmt.Fprintln(os.Stderr, "attropy-worker: no providers available (missing API keys?)")
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("worker starting", "producer_id", *id, "orchestrator", *connect)
	if err := worker.Dial(ctx, *connect, worker.Options{
		ID:               *id,
		Backends:         backends,
		Catalog:          catalog,
		Logger:           logger,
		BackoffBase:      cfg.BackoffBase,
		BackoffMax:       cfg.BackoffMax,
		ProviderCooldown: cfg.ProviderCooldown,
	}); err != nil && ctx.Err() == nil {
		logger.Error("worker failed", "producer_id", *id, "error", err)
		return 2
	}
	return 0
}

// buildBackends constructs one provider client per catalog entry whose
// API key is present. The test backend needs no key.
func buildBackends(catalog config.Catalog, logger *slog.Logger) map[string]provider.Provider {
	backends := make(map[string]provider.Provider)
	for _, spec := range catalog.Providers {
		switch spec.ID {
		case "test":
			backends[spec.ID] = provider.NewTest()
		case "openai":
			if key := os.Getenv(spec.APIKeyEnv); key != "" {
				backends[spec.ID] = provider.NewOpenAI(spec.BaseURL, key, spec.RequestsPerSec)
			}
		case "anthropic":
			if key := os.Getenv(spec.APIKeyEnv); key != "" {
				backends[spec.ID] = provider.NewAnthropic(spec.BaseURL, key, spec.RequestsPerSec)
			}
		case "gemini":
			if key := os.Getenv(spec.APIKeyEnv); key != "" {
				backends[spec.ID] = provider.NewGemini(spec.BaseURL, key, spec.RequestsPerSec)
			}
		default:
			logger.Warn("unknown provider in catalog, skipping", "provider", spec.ID)
		}
	}
	return backends
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "trace", "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
