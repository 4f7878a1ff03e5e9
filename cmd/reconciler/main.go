package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/config"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/db"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/reconcile"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.AppEnv == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rds := redisstore.New(client, cfg.RedisPrefix, cfg.MessageLogCap)

	gdb := db.Connect(cfg.DBDSN)
	if err := db.Migrate(gdb); err != nil {
		logger.WithError(err).Fatal("migrate failed")
	}

	sched := reconcile.NewScheduler(rds, reconcile.NewRepo(gdb), cfg.ReconcileInterval, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("interval", cfg.ReconcileInterval.String()).Info("reconciler started")
	sched.Run(ctx)
	logger.Info("reconciler stopped")
}
