package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"papertrade/internal/config"
	"papertrade/internal/database"
	"papertrade/internal/logger"
	"papertrade/internal/migration"
	"papertrade/internal/service"
)

const usage = "usage: migrator up|down|version|seed-user <username> <balance>"

func main() {
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logger.Init(cfg.App.Name, cfg.Log.Level); err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	l := logger.L().With(zap.String("component", "migrator"))
	defer func() { _ = l.Sync() }()

	migrate := &migration.Migrate{
		Db:     &database.PostgreSQL{Config: cfg.PG},
		Source: cfg.Migrations.Source,
		Logger: l,
	}

	switch os.Args[1] {
	case "up":
		if err := migrate.MigrateUp(); err != nil {
			l.Fatal("migration up failed", zap.Error(err))
		}
		l.Info("migration up success")
	case "down":
		if err := migrate.MigrateDown(); err != nil {
			l.Fatal("migration down failed", zap.Error(err))
		}
		l.Info("migration down success")
	case "version":
		v, dirty, ok, err := migrate.Version()
		if err != nil {
			l.Fatal("read migration version failed", zap.Error(err))
		}
		if !ok {
			fmt.Println("no migration applied")
			return
		}
		fmt.Printf("version %d (dirty=%t)\n", v, dirty)
	case "seed-user":
		if len(os.Args) != 4 {
			log.Fatal(usage)
		}
		if err := seedUser(cfg, l, os.Args[2], os.Args[3]); err != nil {
			l.Fatal("seed user failed", zap.Error(err))
		}
	default:
		log.Fatalf("unknown command: %s\n%s", os.Args[1], usage)
	}
}

func seedUser(cfg *config.Config, l *zap.Logger, username, rawBalance string) error {
	balance, err := decimal.NewFromString(rawBalance)
	if err != nil {
		return fmt.Errorf("invalid balance %q: %w", rawBalance, err)
	}

	ctx := context.Background()
	svc, err := service.Build(ctx, cfg, l)
	if err != nil {
		return err
	}
	defer svc.Close()

	u, err := svc.Portfolio.CreateUser(ctx, username, balance)
	if err != nil {
		return err
	}
	l.Info("user created", zap.Int64("user_id", u.ID), zap.String("username", u.Username), zap.String("balance", u.Balance.String()))
	return nil
}
