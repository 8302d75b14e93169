package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/cache"
	"github.com/yourorg/aave-yield-cache/internal/config"
	"github.com/yourorg/aave-yield-cache/internal/events"
	"github.com/yourorg/aave-yield-cache/internal/history"
	"github.com/yourorg/aave-yield-cache/internal/store"
)

// validate rejects configurations the server cannot run with
func validate(cfg config.Config) error {
	if cfg.RPCURL == "" {
		return errors.New("RPC_URL is required")
	}
	if !common.IsHexAddress(cfg.PoolAddress) {
		return fmt.Errorf("invalid pool address %q", cfg.PoolAddress)
	}
	if !common.IsHexAddress(cfg.DataProviderAddress) {
		return fmt.Errorf("invalid data provider address %q", cfg.DataProviderAddress)
	}
	if cfg.CronSecret == "" {
		logrus.Warn("CRON_SECRET is not set, worker control and cron endpoints will reject every request")
	}
	return nil
}

// eventSource returns the client the listener reads logs from. A websocket
// endpoint gives push subscriptions; otherwise the HTTP client is polled.
func eventSource(ctx context.Context, cfg config.Config, fallback *ethclient.Client) (events.LogSource, func()) {
	if cfg.WSURL == "" {
		return fallback, func() {}
	}
	ws, err := ethclient.DialContext(ctx, cfg.WSURL)
	if err != nil {
		logrus.Warnf("Websocket RPC unavailable, polling logs instead: %v", err)
		return fallback, func() {}
	}
	return ws, ws.Close
}

// connectRedis returns nil when REDIS_URL is unset or unreachable; the cache
// and broadcast channel then run unconfigured.
func connectRedis(ctx context.Context, cfg config.Config) *redis.Client {
	if cfg.RedisURL == "" {
		logrus.Warn("REDIS_URL not set, running without cache or broadcast")
		return nil
	}
	rdb, err := cache.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logrus.Errorf("Redis unavailable, running without cache or broadcast: %v", err)
		return nil
	}
	return rdb
}

// historyComponents groups the optional database-backed pieces
type historyComponents struct {
	store *store.Store
	job   *history.Job
	cron  *cron.Cron
}

// openHistory connects and migrates the history database and schedules the
// daily snapshot. Every field stays nil without DATABASE_URL.
func openHistory(ctx context.Context, cfg config.Config, fetcher history.Fetcher) historyComponents {
	var h historyComponents
	if cfg.DatabaseURL == "" {
		return h
	}

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.Errorf("History database unavailable: %v", err)
		return h
	}
	if err := st.Migrate(); err != nil {
		logrus.Errorf("History migrations failed: %v", err)
		st.Close()
		return h
	}

	h.store = st
	h.job = history.NewJob(st, fetcher, history.DefaultMaxAge)

	c, err := history.Schedule(ctx, cfg.SnapshotSchedule, h.job)
	if err != nil {
		logrus.Errorf("Daily snapshot not scheduled: %v", err)
	} else {
		c.Start()
		h.cron = c
		logrus.WithField("schedule", cfg.SnapshotSchedule).Info("Daily snapshot scheduled")
	}
	return h
}

func (h historyComponents) stopSchedule(ctx context.Context) {
	if h.cron == nil {
		return
	}
	select {
	case <-h.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (h historyComponents) close() {
	if h.store != nil {
		h.store.Close()
	}
}
