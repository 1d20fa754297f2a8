package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"go.uber.org/zap"

	"papertrade/internal/config"
	"papertrade/internal/handler"
	"papertrade/internal/logger"
	"papertrade/internal/service"
	"papertrade/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.Init(cfg.App.Name, cfg.Log.Level); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	l := logger.L().With(zap.String("component", "api"))
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.Build(ctx, cfg, l)
	if err != nil {
		l.Fatal("failed to build services", zap.Error(err))
	}
	defer svc.Close()
	l.Info("connected to PostgreSQL")

	redisOpt := tasks.RedisOpt(cfg.Redis)
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	enqueuer := tasks.NewEnqueuer(client)

	// Orders queued while the market was closed are replayed by the worker.
	if cfg.Sweep.OnStart {
		if _, err := enqueuer.EnqueueSweep(ctx, tasks.SourceStartup); err != nil {
			l.Warn("failed to enqueue startup sweep", zap.Error(err))
		}
	}

	app := handler.NewApp(cfg.App.Name)

	// Asynqmon Web UI
	mon := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitor",
		RedisConnOpt: redisOpt,
	})
	app.Use("/monitor", adaptor.HTTPHandler(mon))

	handler.New(handler.Deps{
		Executor:  svc.Executor,
		Portfolio: svc.Portfolio,
		Prices:    svc.Prices,
		Clock:     svc.Clock,
		Sweeps:    enqueuer,
		Ping:      svc.Ping,
	}).Register(app)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			l.Error("shutdown failed", zap.Error(err))
		}
		_ = mon.Close()
	}()

	l.Info("api started", zap.String("port", cfg.App.Port))
	if err := app.Listen(":" + cfg.App.Port); err != nil {
		l.Fatal("failed to start Fiber app", zap.Error(err))
	}
}
