package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/live"
	"qrattend/internal/logger"
	"qrattend/internal/queue"
	"qrattend/internal/scheduler"
	"qrattend/internal/store"
)

// Worker claims due sweeps from the shared queue and completes expired windows.
func main() {
	cfg := config.Load()

	l, err := logger.New(cfg.Production(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = l.Sync() }()

	if cfg.StoreBackend != "postgres" || cfg.QueueBackend != "redis" {
		l.Fatal("worker needs the shared backends",
			zap.String("store_backend", cfg.StoreBackend),
			zap.String("queue_backend", cfg.QueueBackend),
		)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		l.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		l.Warn("redis not reachable yet, claims will retry on each poll", zap.String("addr", cfg.RedisAddr))
	}

	dir := attendance.NewPostgresDirectory(db.Client)
	ledger := attendance.NewPostgresLedger(db.Client)
	// Live-feed events go out on the bus; API instances relay them to sockets.
	hub := live.NewHub(live.NewRedisBus(redisClient.Client, l), nil, l)

	sched := scheduler.New(queue.NewRedisQueue(redisClient.Client, ""), cfg.Sweep, l)
	registry := attendance.NewRegistry(attendance.NewPostgresWindowStore(db.Client), dir, sched, cfg.Window.Duration, l)
	sweeper := attendance.NewSweeper(registry, dir, ledger, cfg.Sweep.Settle, hub, l)

	if err := sched.Run(ctx, registry, sweeper); err != nil {
		l.Error("scheduler stopped", zap.Error(err))
	}
	l.Info("worker stopped")
}
