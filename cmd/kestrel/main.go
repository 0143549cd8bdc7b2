// Kestrel - Bank statement integrity analysis.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/retention"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/statement"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := config.Validate(cfg); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"archive", cfg.Archive.Dir != "",
		"retention_days", cfg.Retention.Days,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

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

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	velocitySvc := velocity.NewService(repo, cacheImpl, cfg.Analysis.VelocityWindow)
	slog.Info("velocity service initialized", "window", velocitySvc.Window())

	// Custom checks come from the database; configure via POST /rules
	engine, err := rules.NewEngine(cfg.Analysis.RuleWorkers)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	processor := decision.NewProcessor(cfg.Analysis.ReviewBelow, cfg.Analysis.AlertBelow)
	slog.Info("decision processor initialized",
		"review_below", processor.ReviewBelow,
		"alert_below", processor.AlertBelow,
	)

	intakeSvc := intake.NewService(
		statement.NewAnalyzer(statement.WithChecker(engine)),
		processor,
		repo,
		intake.Config{
			Cache:      cacheImpl,
			Bus:        busImpl,
			Velocity:   velocitySvc,
			Metrics:    m,
			ArchiveDir: cfg.Archive.Dir,
			ResultTTL:  cfg.Cache.ResultTTL,
		},
	)

	// Initialize async Worker (always on for Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || cfg.Analysis.AsyncWorker {
		asyncWorker = worker.NewWorker(busImpl, intakeSvc)

		workerCfg := worker.Config{
			TenantIDs:   cfg.Analysis.Tenants,
			WorkerCount: 5,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
			asyncWorker = nil
		}
	}

	purger, err := retention.New(repo, cfg.Retention, m)
	if err != nil {
		slog.Error("failed to initialize retention", "error", err)
		os.Exit(1)
	}
	purger.Start()
	defer purger.Stop()

	deps := api.Dependencies{
		Intake:  intakeSvc,
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Engine:  engine,
		Metrics: m,
	}
	if asyncWorker != nil {
		deps.Queue = asyncWorker
	}
	srv := api.NewServer(cfg.Server, deps, Version)

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

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting uploads before draining the worker.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadRulesFromDatabase loads global check rules into the engine.
// A listing failure starts the engine empty.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListCheckRules(ctx, domain.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |    Bank Statement Integrity Analysis      |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /analyze                        - Analyze a statement PDF")
	fmt.Println("    POST   /analyze/async                  - Queue a statement for analysis")
	fmt.Println("    GET    /analyses                       - List recent analyses")
	fmt.Println("    GET    /analyses/{id}                  - Get analysis by ID")
	fmt.Println("    GET    /analyses/{id}/transactions.csv - Export transactions")
	fmt.Println("    GET    /rules                          - List check rules")
	fmt.Println("    POST   /rules                          - Create a check rule")
	fmt.Println("    DELETE /rules/{id}                     - Disable a check rule")
	fmt.Println("    POST   /rules/reload                   - Hot-reload rules from database")
	fmt.Println("    GET    /health                         - Health check")
	fmt.Println("    GET    /metrics                        - Prometheus metrics")
	fmt.Println()
}
