package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aave-yield-cache/internal/aggregate"
	"github.com/yourorg/aave-yield-cache/internal/broadcast"
	"github.com/yourorg/aave-yield-cache/internal/cache"
	"github.com/yourorg/aave-yield-cache/internal/model"
	"github.com/yourorg/aave-yield-cache/internal/worker"
)

func fixture() []model.AssetYieldSnapshot {
	return []model.AssetYieldSnapshot{
		{
			Symbol: "crvUSD", Address: "0xf939E0A03FB07F59A73314E73794Be0E57ac1b4E", Category: model.CategoryStablecoin,
			SupplyAPY: 6.5, TotalSupplyRaw: "1000", TotalBorrowRaw: "0",
			IsActive: true, BorrowingEnabled: false,
		},
		{
			Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Category: model.CategoryStablecoin,
			SupplyAPY: 4, BorrowAPY: 5, UtilizationRate: 80, TotalSupplyRaw: "1000", TotalBorrowRaw: "800",
			IsActive: true, BorrowingEnabled: true,
		},
		{
			Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Category: model.CategoryETH,
			SupplyAPY: 2.1, BorrowAPY: 3, UtilizationRate: 45, TotalSupplyRaw: "1000", TotalBorrowRaw: "450",
			IsActive: true, BorrowingEnabled: true,
		},
	}
}

type stubFetcher struct {
	calls  atomic.Int32
	assets []model.AssetYieldSnapshot
	err    error
}

func (f *stubFetcher) FetchAll(context.Context) ([]model.AssetYieldSnapshot, error) {
	f.calls.Add(1)
	return f.assets, f.err
}

type stubCache struct{ env *model.CacheEnvelope }

func (c stubCache) Get(context.Context) *model.CacheEnvelope { return c.env }

func TestLatest(t *testing.T) {
	cached := model.NewCacheEnvelope(fixture(), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))

	tests := []struct {
		name        string
		cache       CacheReader
		wantSource  string
		wantFetches int32
	}{
		{"cache hit", stubCache{env: &cached}, SourceCache, 0},
		{"cache miss", stubCache{}, SourceRPC, 1},
		{"empty envelope falls back", stubCache{env: &model.CacheEnvelope{Timestamp: cached.Timestamp}}, SourceRPC, 1},
		{"no cache", nil, SourceRPC, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &stubFetcher{assets: fixture()}
			res, err := New(tt.cache, f).Latest(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, res.DataSource)
			assert.Len(t, res.Assets, 3)
			assert.NotEmpty(t, res.Timestamp)
			assert.Equal(t, tt.wantFetches, f.calls.Load())
		})
	}
}

func TestLatest_FetchError(t *testing.T) {
	rpcErr := errors.New("connection refused")
	_, err := New(nil, &stubFetcher{err: rpcErr}).Latest(context.Background())
	assert.ErrorIs(t, err, rpcErr)
}

func TestQueries(t *testing.T) {
	svc := New(nil, &stubFetcher{assets: fixture()})
	ctx := context.Background()

	best, err := svc.Best(ctx, aggregate.CategoryAll, aggregate.KindBorrow)
	require.NoError(t, err)
	assert.Equal(t, "WETH", best.Symbol)

	_, err = svc.Best(ctx, "BTC", aggregate.KindSupply)
	assert.ErrorIs(t, err, ErrNotFound)

	a, _, err := svc.BySymbol(ctx, "usdc")
	require.NoError(t, err)
	assert.Equal(t, "USDC", a.Symbol)

	_, available, err := svc.BySymbol(ctx, "DOGE")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []string{"crvUSD", "USDC", "WETH"}, available)

	cmp, summary, err := svc.Compare(ctx, []string{"WETH", "crvUSD"})
	require.NoError(t, err)
	require.Len(t, cmp, 2)
	assert.Equal(t, "crvUSD", summary.BestSupply)

	_, _, err = svc.Compare(ctx, []string{"DOGE"})
	assert.ErrorIs(t, err, ErrNotFound)

	stats, res, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceRPC, res.DataSource)
	assert.Equal(t, 3, stats.Overview.TotalAssets)
}

type nopEvents struct{}

func (nopEvents) Subscribe(context.Context, func(model.ChainEvent)) (func(), error) {
	return func() {}, nil
}

func (nopEvents) SetTracked([]string) {}

// A started worker fills the cache; readers then never touch the chain.
func TestWorkerFillsCacheForReaders(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.NewStore(rdb)
	channel := broadcast.New(rdb, broadcast.Options{})
	t.Cleanup(channel.Close)

	chain := &stubFetcher{assets: fixture()}
	w := worker.New(chain, store, channel, nopEvents{}, worker.Options{})
	t.Cleanup(w.Stop)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	assert.Equal(t, broadcast.StateConnected, channel.State())

	reader := &stubFetcher{err: errors.New("chain must not be read")}
	svc := New(store, reader)

	res, err := svc.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.DataSource)
	assert.Len(t, res.Assets, 3)

	best, err := svc.Best(ctx, aggregate.CategoryAll, aggregate.KindSupply)
	require.NoError(t, err)
	assert.Equal(t, "crvUSD", best.Symbol)
	assert.Equal(t, int32(0), reader.calls.Load())

	ttl := mr.TTL(cache.KeyLatest)
	assert.Equal(t, cache.TTL, ttl)
}
