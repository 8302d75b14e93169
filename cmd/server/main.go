// Package main runs the Aave V3 yield cache: an event-driven worker that keeps
// a Redis snapshot of reserve yields fresh, and the HTTP API that serves it.
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

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/broadcast"
	"github.com/yourorg/aave-yield-cache/internal/cache"
	"github.com/yourorg/aave-yield-cache/internal/config"
	"github.com/yourorg/aave-yield-cache/internal/events"
	"github.com/yourorg/aave-yield-cache/internal/fetch"
	"github.com/yourorg/aave-yield-cache/internal/handler"
	"github.com/yourorg/aave-yield-cache/internal/middleware"
	tracing "github.com/yourorg/aave-yield-cache/internal/otel"
	"github.com/yourorg/aave-yield-cache/internal/service"
	"github.com/yourorg/aave-yield-cache/internal/stream"
	"github.com/yourorg/aave-yield-cache/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	setupLogging()

	cfg := config.Load()
	if err := validate(cfg); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracer := tracing.InitTracer(cfg)
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Chain access
	rpcClient, err := fetch.DialRPC(ctx, cfg.RPCURL, cfg.RPCRetryMax)
	if err != nil {
		logrus.Fatalf("RPC unavailable: %v", err)
	}
	defer rpcClient.Close()

	provider, err := fetch.NewContractProvider(common.HexToAddress(cfg.DataProviderAddress), rpcClient)
	if err != nil {
		logrus.Fatalf("Failed to bind data provider: %v", err)
	}
	reader := fetch.NewReader(provider, fetch.Options{
		ReadTimeout:    cfg.ReadTimeout,
		PartialResults: cfg.PartialResults,
	})

	logSource, closeLogSource := eventSource(ctx, cfg, rpcClient)
	defer closeLogSource()
	listener, err := events.NewListener(logSource, common.HexToAddress(cfg.PoolAddress), cfg.LogPollInterval)
	if err != nil {
		logrus.Fatalf("Failed to create event listener: %v", err)
	}

	// Redis-backed cache and broadcast; both degrade to no-ops without REDIS_URL
	rdb := connectRedis(ctx, cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	yieldCache := cache.NewStore(rdb)
	channel := broadcast.New(rdb, broadcast.Options{
		Channel:           cfg.BroadcastChannel,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})

	// Optional history database
	snapshots := openHistory(ctx, cfg, reader)
	defer snapshots.close()

	opts := worker.Options{
		DebounceDelay:    cfg.DebounceDelay,
		FetchTimeout:     cfg.FetchTimeout,
		FailureThreshold: cfg.FailureThreshold,
		RestartDelay:     cfg.RestartDelay,
	}
	if snapshots.job != nil {
		opts.OnUpdate = snapshots.job.Observe
	}
	w := worker.New(reader, yieldCache, channel, listener, opts)

	relay := stream.NewRelay(rdb, cfg.BroadcastChannel, cfg.CORSOrigin)

	deps := handler.Deps{
		Service:     service.New(yieldCache, reader),
		Worker:      w,
		Cache:       yieldCache,
		Broadcast:   channel,
		Chain:       rpcClient,
		Stream:      relay,
		PoolAddress: cfg.PoolAddress,
		CronSecret:  cfg.CronSecret,
		CORSOrigin:  cfg.CORSOrigin,
		Limiter:     middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if snapshots.store != nil {
		deps.History = snapshots.store
		deps.Snapshots = snapshots.job
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"port":      cfg.Port,
			"pool":      cfg.PoolAddress,
			"redis":     rdb != nil,
			"history":   snapshots.store != nil,
			"push_logs": cfg.WSURL != "",
		}).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Fatalf("Failed to start server: %v", err)
		}
	}()

	if cfg.AutoStartWorker {
		go func() {
			if err := w.Start(ctx); err != nil {
				logrus.WithError(err).Error("Worker auto-start failed, use POST /api/worker to retry")
			}
		}()
	}

	<-ctx.Done()
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	relay.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	w.Stop()
	channel.Close()
	snapshots.stopSchedule(shutdownCtx)

	logrus.Info("Server exited properly")
}

// setupLogging configures the logging for the application
func setupLogging() {
	logFormat := strings.ToLower(config.GetEnvOrDefault("LOG_FORMAT", "text"))
	if logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}

	level, err := logrus.ParseLevel(config.GetEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		logrus.Warnf("Invalid log level, using info: %v", err)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)
}
