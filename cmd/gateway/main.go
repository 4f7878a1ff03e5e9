package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/ai"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/aistream"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/auth"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/config"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/directory"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/gateway"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/httpapi"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/hub"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/msglog"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/room"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/session"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/rabbitmq"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/store/redisstore"
)

func newLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if cfg.AppEnv == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)

	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	rds := redisstore.New(client, cfg.RedisPrefix, cfg.MessageLogCap)

	h := hub.New(rds, logger)

	engine := msglog.New(rds, h, msglog.Options{
		PageSize:    cfg.PageSize,
		LoadTimeout: cfg.PageLoadTimeout,
		RetryBase:   cfg.PageRetryBase,
		RetryCap:    cfg.PageRetryCap,
		RetryCount:  cfg.PageRetryCount,
	}, logger)

	// read receipts are best effort; the gateway runs without the queue
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		logger.WithError(err).Warn("rabbit unavailable, read receipts disabled")
	} else {
		defer pub.Close()
		engine.SetReceiptSink(pub)
	}

	dir := directory.New(rds, logger)
	verify := func(token string) (string, error) {
		return auth.ParseJWT(token, cfg.JWTSecret)
	}
	registry := session.NewRegistry(verify, rds, dir, cfg.DuplicateGrace, logger)

	rooms := room.NewCoordinator(rds, engine, h, dir, logger)

	reg := ai.NewRegistry()
	reg.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.OllamaModel
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
	})
	streams := aistream.New(reg, engine, rds, h, aistream.Options{
		Provider: cfg.AIProvider,
		Model:    cfg.OllamaModel,
	}, logger)
	rooms.SetStreamCleaner(streams)

	gw := gateway.New(h, registry, rooms, engine, streams, logger)
	router := httpapi.NewRouter(cfg, rds, rooms, gw)

	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("addr", cfg.Addr).Info("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}
}
