package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"papertrade/internal/config"
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
	l := logger.L().With(zap.String("component", "job-consumer"))
	defer func() { _ = l.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.Build(ctx, cfg, l)
	if err != nil {
		l.Fatal("failed to build services", zap.Error(err))
	}
	defer svc.Close()

	redisOpt := tasks.RedisOpt(cfg.Redis)
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Queues: map[string]int{
				tasks.QueueDefault:  1,
				tasks.QueueCritical: 2,
			},
			Logger:   l.Sugar(),
			LogLevel: asynq.InfoLevel,
		},
	)

	mux := asynq.NewServeMux()
	mux.Handle(tasks.TypeSweepPending, tasks.NewSweepHandler(svc.Executor))

	var scheduler *asynq.Scheduler
	if cfg.Sweep.Cron != "" {
		scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
			Location: svc.Clock.Location(),
			Logger:   l.Sugar(),
		})
		id, err := tasks.RegisterSweepSchedule(scheduler, cfg.Sweep.Cron)
		if err != nil {
			l.Fatal("could not register sweep schedule", zap.Error(err))
		}
		if err := scheduler.Start(); err != nil {
			l.Fatal("could not start scheduler", zap.Error(err))
		}
		l.Info("sweep scheduled", zap.String("entry_id", id), zap.String("cron", cfg.Sweep.Cron))
	}

	if err := srv.Start(mux); err != nil {
		l.Fatal("could not run server", zap.Error(err))
	}
	l.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency))

	<-ctx.Done()
	l.Info("worker stopping")
	if scheduler != nil {
		scheduler.Shutdown()
	}
	srv.Shutdown()
}
