// Kestrel - Payment proof verification pipeline.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/dispatch"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/emit"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/match"
	"github.com/opensource-finance/kestrel/internal/orders"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/ports"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Local development settings, if present.
	godotenv.Load()

	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnv(cfg)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"orders", cfg.Orders.Backend,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize the pending-order view the matcher scores against
	orderStore, err := orders.New(cfg.Orders)
	if err != nil {
		slog.Error("failed to initialize order store", "error", err)
		os.Exit(1)
	}
	defer orderStore.Close()
	slog.Info("order store initialized", "backend", cfg.Orders.Backend)

	// Initialize the guard rule engine and load rules from the database
	guards, err := policy.NewEngine(logger)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if err := loadGuardRules(ctx, repo, guards); err != nil {
		slog.Error("failed to load guard rules", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "rules_count", guards.RuleCount())

	// Initialize the extraction ports. A missing adapter runs the
	// pipeline in degraded single-port mode rather than failing startup.
	var recognizer domain.RecognitionPort = ports.DisabledRecognizer{}
	if cfg.Ports.RecognitionEndpoint != "" {
		recognizer = ports.NewHTTPRecognizer(cfg.Ports, logger)
		slog.Info("recognition port initialized", "endpoint", cfg.Ports.RecognitionEndpoint)
	} else {
		slog.Warn("recognition port not configured, running without OCR")
	}

	var extractor domain.ExtractionPort = ports.DisabledExtractor{}
	if cfg.Ports.VisionAPIKey != "" {
		gemini, err := ports.NewGeminiExtractor(ctx, cfg.Ports, logger)
		if err != nil {
			slog.Error("failed to initialize vision port", "error", err)
			os.Exit(1)
		}
		defer gemini.Close()
		extractor = gemini
		slog.Info("vision port initialized", "model", cfg.Ports.VisionModel)
	} else {
		slog.Warn("vision port not configured, running without structured extraction")
	}

	// Assemble the pipeline stages
	guard := ports.NewGuard(cfg.Ports, logger)
	fuser := fusion.New(cfg.Fusion, logger)
	matcher := match.New(cfg.Matching, orderStore, logger)
	decider := decision.New(cfg.Decision, orderStore, logger)
	emitter := emit.New(busImpl, cfg.Emitter, logger)
	intakeSvc := intake.New(cfg.Intake, cacheImpl, repo, logger)

	pipeline := dispatch.NewPipeline(cfg.Dispatch, dispatch.PipelineDeps{
		Guard:      guard,
		Recognizer: recognizer,
		Extractor:  extractor,
		Fusion:     fuser,
		Matcher:    matcher,
		Policy:     guards,
		Decider:    decider,
		Emitter:    emitter,
		Repository: repo,
		Dedup:      intakeSvc,
		Logger:     logger,
	})

	dispatcher := dispatch.New(cfg.Dispatch, pipeline, logger)
	dispatcher.Start()
	slog.Info("dispatcher started",
		"workers", cfg.Dispatch.Workers,
		"high_priority_workers", cfg.Dispatch.HighPriorityWorkers,
	)

	// Initialize Server
	handler := api.NewHandler(cfg.Server, intakeSvc, dispatcher, decider, guards, repo, cacheImpl, emitter, Version)
	srv := api.NewServer(cfg.Server, handler)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first, then drain the queued jobs.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		slog.Error("dispatcher did not drain in time", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadGuardRules loads guard rules from the database into the engine. A
// fresh database is seeded with the built-in rule set; everything after
// that is managed via the /policy/rules API.
func loadGuardRules(ctx context.Context, repo domain.Repository, guards *policy.Engine) error {
	dbRules, err := repo.ListGuardRules(ctx)
	if err != nil {
		return err
	}

	if len(dbRules) == 0 {
		slog.Info("no guard rules in database, seeding built-in rules")
		for _, rule := range policy.BuiltinRules() {
			if err := repo.SaveGuardRule(ctx, rule); err != nil {
				return err
			}
			dbRules = append(dbRules, rule)
		}
	}

	return guards.LoadRules(dbRules)
}

// applyEnv overrides configuration from environment variables.
func applyEnv(cfg *domain.Config) {
	setStr(&cfg.Server.Host, "KESTREL_HOST")
	setInt(&cfg.Server.Port, "KESTREL_PORT")
	setInt(&cfg.Server.SubmissionsPerMinute, "KESTREL_RATE_LIMIT")

	setStr(&cfg.Repository.SQLitePath, "KESTREL_SQLITE_PATH")
	setStr(&cfg.Repository.PostgresHost, "KESTREL_POSTGRES_HOST")
	setInt(&cfg.Repository.PostgresPort, "KESTREL_POSTGRES_PORT")
	setStr(&cfg.Repository.PostgresUser, "KESTREL_POSTGRES_USER")
	setStr(&cfg.Repository.PostgresPassword, "KESTREL_POSTGRES_PASSWORD")
	setStr(&cfg.Repository.PostgresDB, "KESTREL_POSTGRES_DB")

	setStr(&cfg.Cache.RedisAddr, "KESTREL_REDIS_ADDR")
	setStr(&cfg.Cache.RedisPassword, "KESTREL_REDIS_PASSWORD")
	setStr(&cfg.EventBus.NATSUrl, "KESTREL_NATS_URL")

	setStr(&cfg.Ports.RecognitionEndpoint, "KESTREL_OCR_ENDPOINT")
	setStr(&cfg.Ports.RecognitionAPIKey, "KESTREL_OCR_API_KEY")
	setStr(&cfg.Ports.VisionAPIKey, "GEMINI_API_KEY")
	setStr(&cfg.Ports.VisionModel, "KESTREL_VISION_MODEL")

	setInt(&cfg.Dispatch.Workers, "KESTREL_WORKERS")
}

func setStr(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  Kestrel - payment proof verification")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /submissions                  - Submit a payment proof image")
	fmt.Println("    GET  /jobs/{id}                    - Get a processing job")
	fmt.Println("    GET  /jobs/{id}/extraction         - Get the extraction for a job")
	fmt.Println("    GET  /extractions/{id}             - Get an extraction")
	fmt.Println("    GET  /extractions/{id}/decisions   - Decision audit trail")
	fmt.Println("    POST /extractions/{id}/review      - Record a manual review")
	fmt.Println("    GET  /decisions/{id}               - Get a decision")
	fmt.Println("    GET  /stats                        - Pipeline counters")
	fmt.Println("    GET  /policy/rules                 - List guard rules")
	fmt.Println("    POST /policy/rules                 - Create a guard rule")
	fmt.Println("    POST /policy/rules/reload          - Hot-reload guard rules")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println()
}
