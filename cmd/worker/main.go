package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"referral-sync/internal/batch"
	"referral-sync/internal/browser"
	"referral-sync/internal/config"
	"referral-sync/internal/diagnostics"
	"referral-sync/internal/logging"
	"referral-sync/internal/orchestrator"
	"referral-sync/internal/platform"
	"referral-sync/internal/proxy"
	"referral-sync/internal/queue"
	"referral-sync/internal/ratelimit"
	"referral-sync/internal/stagemap"
	"referral-sync/internal/store"
	"referral-sync/internal/telemetry"
	"referral-sync/internal/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	stages, err := stagemap.Load(cfg.StageMapFile)
	if err != nil {
		log.Fatalf("stage mappings: %v", err)
	}
	defs, err := platform.LoadDefinitions(cfg.PlatformFiles)
	if err != nil {
		log.Fatalf("platform definitions: %v", err)
	}
	registry := platform.NewRegistry()
	if err := platform.RegisterDefinitions(registry, defs); err != nil {
		log.Fatalf("register platforms: %v", err)
	}

	shots, err := diagnostics.NewStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init screenshot store: %v", err)
	}

	leads := store.NewLeadRepository(st.DB(), logger)
	jobs := store.NewJobStore(st.DB())
	orgs := store.NewOrgStore(st.DB(), cfg.DefaultMinSyncInterval)
	browserOpts := browser.Options{
		Headless:    cfg.BrowserHeadless,
		ExecPath:    cfg.BrowserExecPath,
		UserAgent:   cfg.UserAgent,
		WaitTimeout: cfg.ElementWaitTimeout,
	}

	orch := orchestrator.New(orchestrator.Deps{
		Leads:      leads,
		Orgs:       orgs,
		Stages:     stages,
		Identities: proxy.NewService(orgs, cfg.ProxyEnabled, cfg.ProxyDefaultLifetime, logger),
		Cooldowns:  ratelimit.NewCooldown(rdb),
		Platforms:  registry,
		NewSession: func() browser.Session { return browser.NewManager(browserOpts, shots, logger) },
		Logger:     logger,
	}, orchestrator.Options{
		MaxLoginRetries:   cfg.MaxLoginRetries,
		BackoffBase:       cfg.LoginBackoffBase,
		SessionReuse:      cfg.SessionReuse,
		PlatformRate:      cfg.PlatformRatePerSec,
		PlatformBurst:     cfg.PlatformBurst,
		ProxyCheckURL:     cfg.ProxyCheckURL,
		ProxyCheckTimeout: cfg.ProxyCheckTimeout,
	})

	q := queue.NewRedisQueue(rdb, cfg)
	processor := batch.NewProcessor(leads, jobs, q, func() batch.Applier { return orch.NewScope() }, batch.Options{
		PageSize:      cfg.PageSize,
		ChunkSize:     cfg.ChunkSize,
		MaxConcurrent: cfg.MaxConcurrentBatches,
		WaveTimeout:   cfg.WaveTimeout,
	}, logger)

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}
	runner := worker.NewRunner(q, processor, jobs, cfg.WorkerPollInterval, workerID, logger)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.String("worker_id", workerID),
		zap.Strings("platforms", registry.Names()),
		zap.Int("max_concurrent_batches", cfg.MaxConcurrentBatches),
		zap.Duration("visibility", cfg.VisibilityTimeout),
	)
	if err := runner.Run(ctx); err != nil {
		logger.Info("worker stopped", zap.Error(err))
	}
}
