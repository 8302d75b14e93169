// Package service answers yield queries from the cache, falling back to a
// direct chain read when the cache has nothing usable.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/aggregate"
	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
	tracing "github.com/yourorg/aave-yield-cache/internal/otel"
)

// Data sources reported in Result
const (
	SourceCache = "cache"
	SourceRPC   = "rpc"
)

// ErrNotFound is returned when a query matches no asset.
var ErrNotFound = errors.New("no matching asset")

// Fetcher reads a full snapshot from the chain.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]model.AssetYieldSnapshot, error)
}

// CacheReader returns the cached envelope or nil.
type CacheReader interface {
	Get(ctx context.Context) *model.CacheEnvelope
}

// Result is a snapshot together with where it came from.
type Result struct {
	Assets     []model.AssetYieldSnapshot
	Timestamp  string
	DataSource string
}

// YieldService serves read queries.
type YieldService struct {
	cache   CacheReader
	fetcher Fetcher
	now     func() time.Time
	log     *logrus.Entry
}

// New creates a service. cache may be nil.
func New(cache CacheReader, fetcher Fetcher) *YieldService {
	return &YieldService{
		cache:   cache,
		fetcher: fetcher,
		now:     time.Now,
		log:     logrus.WithField("component", "service"),
	}
}

// Latest returns the cached snapshot when one with at least one asset is
// present, otherwise it reads the chain directly.
func (s *YieldService) Latest(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "service.Latest")
	defer span.End()

	if s.cache != nil {
		if env := s.cache.Get(ctx); env != nil && len(env.Assets) > 0 {
			metrics.ReadSource.WithLabelValues(SourceCache).Inc()
			s.log.WithField("assets", len(env.Assets)).Debug("Served from cache")
			return Result{Assets: env.Assets, Timestamp: env.Timestamp, DataSource: SourceCache}, nil
		}
	}

	s.log.Debug("Cache miss, fetching from RPC")
	assets, err := s.fetcher.FetchAll(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return Result{}, fmt.Errorf("fetch yields: %w", err)
	}
	metrics.ReadSource.WithLabelValues(SourceRPC).Inc()
	return Result{
		Assets:     assets,
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		DataSource: SourceRPC,
	}, nil
}

// Best returns the best asset in a category for the given side.
func (s *YieldService) Best(ctx context.Context, category string, kind aggregate.Kind) (model.AssetYieldSnapshot, error) {
	res, err := s.Latest(ctx)
	if err != nil {
		return model.AssetYieldSnapshot{}, err
	}
	best, ok := aggregate.Best(res.Assets, category, kind)
	if !ok {
		return model.AssetYieldSnapshot{}, ErrNotFound
	}
	return best, nil
}

// BySymbol looks up one asset, ignoring case. The available symbols are
// returned alongside ErrNotFound.
func (s *YieldService) BySymbol(ctx context.Context, symbol string) (model.AssetYieldSnapshot, []string, error) {
	res, err := s.Latest(ctx)
	if err != nil {
		return model.AssetYieldSnapshot{}, nil, err
	}
	if a, ok := aggregate.FindSymbol(res.Assets, symbol); ok {
		return a, nil, nil
	}
	available := make([]string, 0, len(res.Assets))
	for _, a := range res.Assets {
		available = append(available, a.Symbol)
	}
	return model.AssetYieldSnapshot{}, available, ErrNotFound
}

// Compare ranks the requested symbols against each other.
func (s *YieldService) Compare(ctx context.Context, symbols []string) ([]aggregate.Comparison, aggregate.ComparisonSummary, error) {
	res, err := s.Latest(ctx)
	if err != nil {
		return nil, aggregate.ComparisonSummary{}, err
	}
	out, summary := aggregate.Compare(res.Assets, symbols)
	if len(out) == 0 {
		return nil, summary, ErrNotFound
	}
	return out, summary, nil
}

// Stats summarizes the current snapshot.
func (s *YieldService) Stats(ctx context.Context) (aggregate.Stats, Result, error) {
	res, err := s.Latest(ctx)
	if err != nil {
		return aggregate.Stats{}, Result{}, err
	}
	return aggregate.Summarize(res.Assets), res, nil
}
