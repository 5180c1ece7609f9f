package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/xiaot623/trustgame/internal/adapter/oracle"
	"github.com/xiaot623/trustgame/internal/belief"
	"github.com/xiaot623/trustgame/internal/config"
	"github.com/xiaot623/trustgame/internal/gameinit"
	"github.com/xiaot623/trustgame/internal/metrics"
	"github.com/xiaot623/trustgame/internal/queue"
	store "github.com/xiaot623/trustgame/internal/repository"
	"github.com/xiaot623/trustgame/internal/service"
	"github.com/xiaot623/trustgame/internal/session"
	"github.com/xiaot623/trustgame/internal/tracker"
	transporthttp "github.com/xiaot623/trustgame/internal/transport/http"
	"github.com/xiaot623/trustgame/policy"
)

// beliefTTL bounds how long an abandoned participant's belief stays in Redis.
const beliefTTL = 24 * time.Hour

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	logger.Info("starting trust game server",
		"port", cfg.HTTPPort,
		"database", cfg.DatabaseURL,
		"oracle_mode", cfg.OracleMode,
		"horizon", cfg.Horizon,
		"workers_per_kind", cfg.WorkerConcurrency)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize belief cache
	var beliefs belief.Cache = belief.NewSQLiteCache(db)
	if cfg.RedisURL != "" {
		rc, err := belief.NewRedisCache(cfg.RedisURL, beliefTTL)
		if err != nil {
			logger.Error("failed to initialize redis belief cache", "error", err)
			os.Exit(1)
		}
		defer rc.Close()
		if err := rc.Ping(context.Background()); err != nil {
			logger.Error("redis unreachable", "error", err)
			os.Exit(1)
		}
		beliefs = rc
		logger.Info("belief cache on redis")
	}

	// Initialize decision oracle
	orc, err := oracle.New(cfg.OracleMode, cfg.OracleURL, cfg.OracleTimeout, logger)
	if err != nil {
		logger.Error("failed to initialize oracle", "error", err)
		os.Exit(1)
	}

	// Initialize policy engine
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		logger.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}

	generator := gameinit.New(gameinit.Params{
		Horizon:           cfg.Horizon,
		K:                 cfg.K,
		InvestorEndowment: cfg.InvestorEndowment,
		InvesteeEndowment: cfg.InvesteeEndowment,
		UnitToDollarRatio: cfg.UnitToDollarRatio,
		LookAhead:         cfg.LookAhead,
	}, nil)

	collector := metrics.New()
	sessions := session.NewRegistry()
	q := queue.New(db, queue.Options{
		Concurrency:     cfg.WorkerConcurrency,
		LockDuration:    cfg.LockDuration,
		LockRenewTime:   cfg.LockRenewTime,
		StalledInterval: cfg.StalledInterval,
	}, logger.With("component", "queue"))
	tr := tracker.New(q, sessions, collector, logger.With("component", "tracker"))

	// Initialize service
	svc := service.New(db, sessions, tr, beliefs, orc, policyEngine, generator, cfg, logger)
	svc.SetOracleObserver(collector)

	collector.Gauge("jobs_outstanding", "Jobs submitted and not yet settled.", func() float64 {
		return float64(tr.Outstanding())
	})
	collector.Gauge("active_sessions", "Game sessions in play.", func() float64 {
		return float64(svc.ActiveSessions())
	})

	// Start workers, event consumer and state dump
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		q.Run(workerCtx, svc)
	}()
	go func() {
		defer wg.Done()
		tr.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		svc.RunStateDump(workerCtx, cfg.DebugStateInterval)
	}()

	e := transporthttp.NewServer(svc, logger, transporthttp.Options{
		PollRateLimit: cfg.PollRateLimit,
		PollRateBurst: cfg.PollRateBurst,
		Metrics:       collector,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", "error", err)
			stop()
		}
	}()

	logger.Info("api started", "port", cfg.HTTPPort)

	// Wait for interrupt signal
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown server gracefully", "error", err)
	}

	stopWorkers()
	wg.Wait()
	logger.Info("server stopped")
}
