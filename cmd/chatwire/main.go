// Package main boots one chat transport node: configuration, logging,
// tracing, the SQLite/Redis/NATS stores, the persistence consumer pool,
// and the HTTP + WebSocket edge, then keeps them alive until a signal
// asks for an orderly drain.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/chatwire/go-chat-transport/internal/bus"
	"github.com/chatwire/go-chat-transport/internal/config"
	"github.com/chatwire/go-chat-transport/internal/consumer"
	httpapi "github.com/chatwire/go-chat-transport/internal/http"
	"github.com/chatwire/go-chat-transport/internal/idempotency"
	"github.com/chatwire/go-chat-transport/internal/observability"
	"github.com/chatwire/go-chat-transport/internal/presence"
	"github.com/chatwire/go-chat-transport/internal/replay"
	"github.com/chatwire/go-chat-transport/internal/repo"
	"github.com/chatwire/go-chat-transport/internal/services"
	"github.com/chatwire/go-chat-transport/internal/socket"
	"github.com/chatwire/go-chat-transport/internal/stream"
	"github.com/chatwire/go-chat-transport/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

// @title        Chat Transport API
// @version      1.0
// @description  Gateway-facing chat message transport: asynchronous ingestion, history, receipts, and socket fan-out.
// @BasePath     /api/v1
func main() {
	_ = godotenv.Load()

	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	log.Logger = log.With().Str("instance", cfg.InstanceID).Logger()

	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing, err := observability.Setup(ctx, cfg.OTEL, version, cfg.InstanceID)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLife)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}
	if cfg.OTEL.Enabled {
		if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
			log.Fatal().Err(err).Msg("gorm tracing plugin failed")
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable")
	}

	broker := stream.NewRedis(rdb, cfg.Stream.Partitions, cfg.Stream.Group)
	if err := broker.EnsureGroups(ctx); err != nil {
		log.Fatal().Err(err).Msg("stream group setup failed")
	}

	nc, err := bus.Connect(bus.Options{
		URL:           cfg.NATS.URL,
		Name:          "chat-transport-" + cfg.InstanceID,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		PingInterval:  cfg.NATS.PingInterval,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("bus connect failed")
	}

	idem := idempotency.NewStore(rdb, cfg.IdempotencyTTL)
	replayCache := replay.NewCache(rdb, cfg.Replay.TTL, cfg.Replay.MaxPerConversation)
	registry := presence.NewRegistry(rdb, nc, cfg.Presence.TTL, log.Logger)
	limiter := services.NewSenderLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)

	ingress := &services.IngressService{
		DB:              db,
		Idem:            idem,
		Stream:          broker,
		Limiter:         limiter,
		MaxContentBytes: cfg.MaxContentLength,
		MaxRecipients:   cfg.MaxRecipients,
		Grace:           cfg.IdempotencyGrace,
	}
	messages := &services.MessageService{DB: db}
	receipts := &services.ReceiptService{DB: db, Bus: nc}

	pool := consumer.NewPool(db, broker, nc, replayCache, consumer.Options{
		Instance:     cfg.InstanceID,
		RetryCeiling: int64(cfg.Stream.RetryCeiling),
		Visibility:   cfg.Stream.VisibilityTimeout,
		BatchMax:     cfg.Stream.BatchMax,
		Block:        cfg.Stream.Block,
		TxBudget:     cfg.DBSlowThreshold,
	}, log.Logger)

	// The pipeline runs on its own context so HTTP shutdown can finish
	// first and in-flight batches still drain.
	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(pipeCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("consumer pool stopped")
		}
	}()
	go registry.RunSweeper(pipeCtx, cfg.Presence.SweepInterval)

	hub := socket.NewHub(log.Logger)
	sock := socket.NewHandler(hub, socket.Deps{
		Ingress:    ingress,
		Receipts:   receipts,
		Replay:     replayCache,
		Presence:   registry,
		Auth:       messages,
		Bus:        nc,
		Instance:   cfg.InstanceID,
		SendBuffer: cfg.Socket.SendBuffer,
		Log:        log.Logger,
	})

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Ingress:   ingress,
		Messages:  messages,
		Receipts:  receipts,
		Limiter:   limiter,
		Socket:    sock.Serve,
		DBPing:    dbPinger(db),
		RedisPing: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		BusPing:   busPinger(nc),
	}, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server failed")
	}

	// Drain order: close sockets (clients get going_away and a flush),
	// refuse new HTTP work, stop the consumers, then release the stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	drainCtx, cancelDrain := context.WithTimeout(shutdownCtx, cfg.Socket.DrainTimeout)
	if err := hub.Drain(drainCtx); err != nil {
		log.Warn().Err(err).Msg("socket drain incomplete")
	}
	cancelDrain()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	stopPipeline()
	select {
	case <-poolDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("consumer pool did not stop in time")
	}

	nc.Close()
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = rdb.Close()

	if err := stopTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown incomplete")
	}
	log.Info().Msg("stopped")
}

func dbPinger(db *gorm.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func busPinger(nc *bus.Conn) func(context.Context) error {
	return func(context.Context) error {
		if !nc.IsConnected() {
			return errors.New("nats: connection down")
		}
		return nil
	}
}
