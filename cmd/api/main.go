package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"qrattend/internal/api"
	"qrattend/internal/attendance"
	"qrattend/internal/cloudinary"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/live"
	"qrattend/internal/logger"
	"qrattend/internal/qr"
	"qrattend/internal/queue"
	"qrattend/internal/scheduler"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	l, err := logger.New(cfg.Production(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, l); err != nil {
		l.Fatal("http server failed", zap.Error(err))
	}
}

type backends struct {
	windows attendance.WindowStore
	ledger  attendance.Ledger
	dir     directory
	health  map[string]api.HealthCheck
}

type directory interface {
	attendance.Resolver
	attendance.Roster
}

func run(ctx context.Context, cfg config.App, l *zap.Logger) error {
	var redisClient *store.Redis
	if cfg.QueueBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = store.NewRedis(cfg.RedisAddr)
		defer redisClient.Close()
	}

	b, closeStore, err := openStore(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer closeStore()
	if redisClient != nil {
		b.health["redis"] = redisClient.Healthy
	}

	var q queue.Queue = queue.NewInMemory()
	var bus live.Bus
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(redisClient.Client, "")
		bus = live.NewRedisBus(redisClient.Client, l)
	}

	var limiter httpmiddleware.Limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, cfg.RateLimitPerMin)
	}

	var uploader qr.Uploader
	if cfg.CloudinaryEnabled() {
		uploader = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		l.Info("cloudinary configured", zap.String("cloud", cfg.CloudinaryCloudName))
	} else {
		l.Info("cloudinary not configured, serving inline QR images")
	}

	hub := live.NewHub(bus, cfg.AllowedOrigins, l)
	sched := scheduler.New(q, cfg.Sweep, l)
	registry := attendance.NewRegistry(b.windows, b.dir, sched, cfg.Window.Duration, l)
	service := attendance.NewService(registry, b.dir, b.ledger, cfg.Sweep.Settle, hub, l)
	sweeper := attendance.NewSweeper(registry, b.dir, b.ledger, cfg.Sweep.Settle, hub, l)

	schedDone := make(chan struct{})
	if cfg.Sweep.Inline {
		go func() {
			defer close(schedDone)
			_ = sched.Run(ctx, registry, sweeper)
		}()
	} else {
		close(schedDone)
		l.Info("sweeps run by the worker process", zap.String("queue_backend", cfg.QueueBackend))
	}

	router := api.NewRouter(api.Deps{
		Registry:       registry,
		Service:        service,
		Renderer:       qr.NewRenderer(cfg.Window.QRSize, uploader, l),
		Hub:            hub,
		Limiter:        limiter,
		Health:         b.health,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		AllowedOrigins: cfg.AllowedOrigins,
		Production:     cfg.Production(),
		Logger:         l,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info("api listening", zap.String("addr", srv.Addr), zap.String("store_backend", cfg.StoreBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	<-schedDone
	return err
}

func openStore(ctx context.Context, cfg config.App, l *zap.Logger) (backends, func(), error) {
	if cfg.StoreBackend == "memory" {
		l.Warn("using in-memory store, data is lost on restart")
		dir := attendance.NewMemoryDirectory()
		seedDemo(dir)
		return backends{
			windows: attendance.NewMemoryWindowStore(),
			ledger:  attendance.NewMemoryLedger(nil),
			dir:     dir,
			health:  map[string]api.HealthCheck{},
		}, func() {}, nil
	}

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return backends{}, nil, err
	}
	return backends{
		windows: attendance.NewPostgresWindowStore(db.Client),
		ledger:  attendance.NewPostgresLedger(db.Client),
		dir:     attendance.NewPostgresDirectory(db.Client),
		health:  map[string]api.HealthCheck{"db": db.Healthy},
	}, func() { _ = db.Close() }, nil
}

// seedDemo fills the in-memory directory so a local run has something to open
// windows against. Override with DEMO_SEED=0.
func seedDemo(dir *attendance.MemoryDirectory) {
	if os.Getenv("DEMO_SEED") == "0" {
		return
	}
	dir.AddCourse(attendance.Course{ID: "course-1", Code: "CS-301", Name: "Operating Systems"})
	dir.AddClass(attendance.Class{ID: "class-1", Code: "BSCS-5A", Name: "BSCS-5", Section: "A", Shift: "Morning"})
	dir.AddTeacher(attendance.Teacher{ID: "teacher-1", Name: "Demo Teacher"})
	dir.Enroll("course-1", "class-1", "student-1", "student-2", "student-3")
}
