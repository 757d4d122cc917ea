// Command attropy runs the enumeration orchestrator. In batch mode
// (--topic) it starts a run immediately and exits when the run ends; with
// --feed-addr it also serves the dashboard surface and, without a topic,
// idles waiting for StartTopic commands.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/attropy/attropy/internal/config"
	"github.com/attropy/attropy/internal/feed"
	"github.com/attropy/attropy/internal/optimize"
	"github.com/attropy/attropy/internal/orchestrator"
	"github.com/attropy/attropy/internal/supervisor"
	"github.com/attropy/attropy/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "attropy:", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 2
	}
	return 0
}

// loadConfig merges env configuration with CLI flags; flags win.
func loadConfig(args []string) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}

	fs := flag.NewFlagSet("attropy", flag.ContinueOnError)
	topic := fs.String("topic", "", "topic to enumerate (batch mode)")
	producers := fs.Int("producers", cfg.Producers, "number of worker processes")
	iterations := fs.Int("iterations", cfg.IterationBudget, "per-worker iteration budget (0 = unbounded)")
	routingStrategy := fs.String("routing-strategy", "", "routing strategy: backoff, roundrobin, priority, weighted")
	routingConfig := fs.String("routing-config", "", "providers: provider[:model[:weight]],...")
	output := fs.String("output", cfg.OutputDir, "output directory (default outputs/<sanitized-topic>)")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: trace, debug, info, warn, error")
	requestSize := fs.Int("request-size", cfg.RequestSize, "initial batch size")
	traceEP := fs.String("trace-ep", cfg.TraceEndpoint, "OTLP/HTTP tracing endpoint")
	feedAddr := fs.String("feed-addr", cfg.FeedAddr, "dashboard feed listen address (empty = disabled)")
	noArchive := fs.Bool("no-archive", !cfg.ArchiveEnabled, "disable the SQLite run archive")
	providersFile := fs.String("providers-file", cfg.ProvidersFile, "provider catalog YAML (built-in defaults if empty)")
	workerBin := fs.String("worker-binary", cfg.WorkerBinary, "path to the attropy-worker executable")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg.Topic = *topic
	cfg.Producers = *producers
	cfg.IterationBudget = *iterations
	cfg.OutputDir = *output
	cfg.LogLevel = *logLevel
	cfg.RequestSize = *requestSize
	cfg.TraceEndpoint = *traceEP
	cfg.FeedAddr = *feedAddr
	cfg.ArchiveEnabled = !*noArchive
	cfg.ProvidersFile = *providersFile
	cfg.WorkerBinary = *workerBin

	if *routingStrategy != "" || *routingConfig != "" {
		strategy := *routingStrategy
		if strategy == "" {
			strategy = cfg.Routing.Strategy
		}
		routingCfg := *routingConfig
		if routingCfg == "" {
			routingCfg = os.Getenv("ROUTING_CONFIG")
		}
		if routingCfg == "" {
			routingCfg = "test"
		}
		routing, err := config.ParseRouting(strategy, routingCfg)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Routing = routing
	}

	if cfg.Topic == "" && cfg.FeedAddr == "" {
		return config.Config{}, fmt.Errorf("config: either --topic or --feed-addr is required")
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("attropy starting",
		"version", version, "topic", cfg.Topic,
		"producers", cfg.Producers, "strategy", cfg.Routing.Strategy)

	otelShutdown, err := telemetry.Init(ctx, cfg.TraceEndpoint, cfg.ServiceName, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	catalog, err := config.LoadCatalog(cfg.ProvidersFile)
	if err != nil {
		return err
	}

	workerBin, err := resolveWorkerBinary(cfg.WorkerBinary)
	if err != nil {
		return err
	}

	// Flag-derived settings don't reach spawned workers through the OS
	// environment; forward them explicitly.
	spawner := &supervisor.ExecSpawner{
		Binary: workerBin,
		Env:    []string{"ATTROPY_LOG_LEVEL=" + cfg.LogLevel},
	}
	if cfg.ProvidersFile != "" {
		spawner.Args = append(spawner.Args, "--providers-file", cfg.ProvidersFile)
	}

	var broker *feed.Broker
	var controls chan any
	var feedSrv *feed.Server
	if cfg.FeedAddr != "" {
		broker = feed.NewBroker()
		controls = make(chan any, 16)
		feedSrv = feed.NewServer(cfg.FeedAddr, broker, controls, logger)
	}

	o := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Catalog:  catalog,
		Strategy: optimize.NewAdaptive(),
		Spawner:  spawner,
		Logger:   logger,
		Broker:   broker,
		Controls: controls,
	})

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})

	if feedSrv != nil {
		g.Go(func() error {
			if err := feedSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("feed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-runDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return feedSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer close(runDone)
		return o.Run(gctx)
	})

	return g.Wait()
}

// resolveWorkerBinary finds the attropy-worker executable: an explicit
// path wins, then a sibling of the running binary, then $PATH.
func resolveWorkerBinary(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "attropy-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath("attropy-worker"); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("config: attropy-worker binary not found (set --worker-binary)")
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
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}
