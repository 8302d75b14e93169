// Package cache keeps the latest yield snapshot in Redis.
//
// The cache is best effort. Every error is logged and counted, then swallowed:
// writes never fail the caller and reads degrade to a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
	"github.com/yourorg/aave-yield-cache/internal/validation"
)

// Cache keys and expiry
const (
	KeyLatest    = "yields:latest"
	KeyTimestamp = "yields:timestamp"
	TTL          = time.Hour
)

// Error is a cache failure. It is only ever logged.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("cache %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Connect parses a redis:// URL, opens a client and pings it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Store reads and writes the snapshot keys. A Store with a nil client is
// unconfigured: writes are no-ops and reads miss.
type Store struct {
	rdb  *redis.Client
	ttl  time.Duration
	opts validation.ValidationOptions
	now  func() time.Time
	log  *logrus.Entry
}

// NewStore wraps rdb, which may be nil.
func NewStore(rdb *redis.Client) *Store {
	return &Store{
		rdb:  rdb,
		ttl:  TTL,
		opts: validation.DefaultValidationOptions(),
		now:  time.Now,
		log:  logrus.WithField("component", "cache"),
	}
}

// IsConfigured reports whether a Redis client is attached.
func (s *Store) IsConfigured() bool {
	return s != nil && s.rdb != nil
}

func (s *Store) fail(op string, err error) {
	metrics.CacheErrors.WithLabelValues(op).Inc()
	s.log.WithError(&Error{Op: op, Err: err}).Warn("Cache operation failed")
}

// Set replaces the snapshot and timestamp keys. Both writes run concurrently
// and carry the same TTL.
func (s *Store) Set(ctx context.Context, assets []model.AssetYieldSnapshot) {
	if !s.IsConfigured() {
		return
	}
	if assets == nil {
		assets = []model.AssetYieldSnapshot{}
	}

	env := model.NewCacheEnvelope(assets, s.now())
	payload, err := json.Marshal(env)
	if err != nil {
		s.fail("encode", err)
		return
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = s.rdb.Set(ctx, KeyLatest, payload, s.ttl).Err()
	}()
	go func() {
		defer wg.Done()
		errs[1] = s.rdb.Set(ctx, KeyTimestamp, env.Timestamp, s.ttl).Err()
	}()
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		s.fail("set", err)
		return
	}
	s.log.WithField("assets", len(assets)).Debug("Cached snapshot")
}

// Get returns the cached envelope, or nil on a miss or any failure.
func (s *Store) Get(ctx context.Context) *model.CacheEnvelope {
	if !s.IsConfigured() {
		return nil
	}

	raw, err := s.rdb.Get(ctx, KeyLatest).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheReads.WithLabelValues("miss").Inc()
		s.log.Debug("Cache miss")
		return nil
	}
	if err != nil {
		s.fail("get", err)
		return nil
	}

	var env model.CacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.fail("decode", err)
		return nil
	}
	if err := validation.ValidateEnvelope(&env, s.opts); err != nil {
		s.fail("validate", err)
		return nil
	}
	if valid := validation.FilterInvalid(env.Assets, s.opts); len(valid) != len(env.Assets) {
		dropped := len(env.Assets) - len(valid)
		metrics.CacheErrors.WithLabelValues("validate").Add(float64(dropped))
		s.log.WithFields(logrus.Fields{
			"dropped": dropped,
			"kept":    len(valid),
		}).Error("Cached snapshot contained invalid assets")
		env.Assets = valid
		env.AssetCount = len(valid)
	}

	metrics.CacheReads.WithLabelValues("hit").Inc()
	return &env
}

// GetTimestamp returns the timestamp of the last write, if any.
func (s *Store) GetTimestamp(ctx context.Context) (string, bool) {
	if !s.IsConfigured() {
		return "", false
	}
	ts, err := s.rdb.Get(ctx, KeyTimestamp).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.fail("get_timestamp", err)
		return "", false
	}
	return ts, true
}

// Clear deletes both keys.
func (s *Store) Clear(ctx context.Context) {
	if !s.IsConfigured() {
		return
	}
	if err := s.rdb.Del(ctx, KeyLatest, KeyTimestamp).Err(); err != nil {
		s.fail("clear", err)
		return
	}
	s.log.Info("Cache cleared")
}

// Ping checks connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	if !s.IsConfigured() {
		return errors.New("cache not configured")
	}
	return s.rdb.Ping(ctx).Err()
}
