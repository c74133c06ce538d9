// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tabular-ai-analyst/internal/config"
	"tabular-ai-analyst/internal/domain/ports/repository"
	"tabular-ai-analyst/internal/infra/api"
	"tabular-ai-analyst/internal/infra/dataset"
	pg "tabular-ai-analyst/internal/infra/db/postgres"
	httpapi "tabular-ai-analyst/internal/infra/http"
	"tabular-ai-analyst/internal/infra/logging"
	"tabular-ai-analyst/internal/infra/metrics"
	red "tabular-ai-analyst/internal/infra/redis"
	"tabular-ai-analyst/internal/infra/sandbox"
	"tabular-ai-analyst/internal/infra/sched"
	"tabular-ai-analyst/internal/infra/stream"
	"tabular-ai-analyst/internal/infra/tokencount"
	"tabular-ai-analyst/internal/infra/web"
	"tabular-ai-analyst/internal/infra/worker"
	"tabular-ai-analyst/internal/usecase"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, insecure cookies)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("developer mode enabled")
	}

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, 10)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	// ---- Usage ledger (optionally cached through Redis) ----
	var usageRepo repository.TokenUsageRepository = pg.NewTokenUsageRepo(pool)
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer redisClient.Close()
		usageRepo = pg.NewTokenUsageRepoCacheDecorator(usageRepo, redisClient, cfg.Redis.TTL)
	}

	// ---- Event bus ----
	bus := stream.NewBus(cfg.Stream.BufferSize, logger)

	// ---- Rate limiter ----
	rateUC := usecase.NewRateLimitUseCase(
		usageRepo, bus,
		cfg.RateLimit.DailyTokenCeiling, cfg.RateLimit.WarnThreshold, cfg.RateLimit.Window,
		logger,
	)

	// ---- Sandbox and dataset engines ----
	store := sandbox.NewStore()
	defer store.Close()
	executor := sandbox.NewExecutor(store, cfg.Query.MaxResultRows, cfg.Query.SoftHeapLimitBytes, logger)
	fetcher := dataset.NewFetcher(cfg.Dataset)
	registry := dataset.NewRegistry()
	loader := dataset.NewLoader(fetcher, store, logger)

	// ---- Worker pool ----
	queue := worker.NewQueue(cfg.Worker.QueueDepth, cfg.Worker.ConversationCap)
	runner := usecase.NewJobRunner(registry, loader, executor)
	mgr := worker.NewManager(worker.Config{
		PoolSize:     cfg.Worker.PoolSize,
		QueryTimeout: cfg.Worker.QueryTimeout,
		LoadTimeout:  cfg.Worker.LoadTimeout,
	}, queue, runner, bus, logger)

	analysisUC := usecase.NewAnalysisUseCase(registry, fetcher, store, mgr, bus, rateUC, logger)
	mgr.OnTerminal = analysisUC.HandleJobTerminal
	mgr.Start()

	// ---- HTTP ----
	auth := web.NewAuthManager(cfg.Server.SessionSecret, !cfg.Runtime.Dev, 24*time.Hour)
	internal := api.NewServer(rateUC, tokencount.NewEstimator(), cfg.Server.InternalAPIKey, logger)
	webSrv := web.NewServer(analysisUC, rateUC, bus, auth, logger)
	httpSrv := httpapi.NewServer(cfg.Server.Port, webSrv.Router(internal), logger)
	go func() {
		if err := httpSrv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Ledger prune worker (hourly) ----
	prune := sched.NewPruneWorker(1*time.Hour, cfg.RateLimit.Window+1*time.Hour, usageRepo, logger)
	go func() { _ = prune.Run(ctx) }()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
	mgr.Shutdown(shutdownCtx)
}
