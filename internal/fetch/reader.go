package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
	tracing "github.com/yourorg/aave-yield-cache/internal/otel"
	"github.com/yourorg/aave-yield-cache/internal/validation"
)

// rayExponent is the decimal exponent of one ray (1e27).
const rayExponent = -27

var hundred = decimal.NewFromInt(100)

// ChainReadError reports a failed or timed out contract read.
type ChainReadError struct {
	Op    string
	Asset string
	Err   error
}

func (e *ChainReadError) Error() string {
	if e.Asset != "" {
		return fmt.Sprintf("chain read %s(%s): %v", e.Op, e.Asset, e.Err)
	}
	return fmt.Sprintf("chain read %s: %v", e.Op, e.Err)
}

func (e *ChainReadError) Unwrap() error { return e.Err }

// ErrNoAssets is returned when a partial fetch has nothing left to return.
var ErrNoAssets = errors.New("no reserve could be read")

// Options tunes the Reader.
type Options struct {
	// ReadTimeout bounds each contract call. Zero disables the per-call timeout.
	ReadTimeout time.Duration

	// PartialResults excludes assets whose reads fail or whose snapshots do
	// not validate, instead of failing the batch.
	PartialResults bool
}

// Reader turns data provider reads into yield snapshots. It holds no state
// between calls.
type Reader struct {
	provider   PoolDataProvider
	opts       Options
	validation validation.ValidationOptions
	log        *logrus.Entry
}

// NewReader creates a Reader over provider.
func NewReader(provider PoolDataProvider, opts Options) *Reader {
	return &Reader{
		provider:   provider,
		opts:       opts,
		validation: validation.DefaultValidationOptions(),
		log:        logrus.WithField("component", "chain-reader"),
	}
}

func (r *Reader) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opts.ReadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.ReadTimeout)
}

func (r *Reader) readErr(op, asset string, err error) error {
	metrics.ChainReadErrors.WithLabelValues(op).Inc()
	return &ChainReadError{Op: op, Asset: asset, Err: err}
}

// DiscoverAssets enumerates every reserve on the pool and classifies it.
func (r *Reader) DiscoverAssets(ctx context.Context) ([]model.TrackedAsset, error) {
	callCtx, cancel := r.callCtx(ctx)
	defer cancel()

	tokens, err := r.provider.ReservesTokens(callCtx)
	if err != nil {
		return nil, r.readErr("getAllReservesTokens", "", err)
	}

	assets := make([]model.TrackedAsset, 0, len(tokens))
	for _, t := range tokens {
		assets = append(assets, NewTrackedAsset(t.Symbol, t.TokenAddress.Hex()))
	}
	return assets, nil
}

// FetchYield reads configuration and rate data for one asset in parallel and
// builds its snapshot.
func (r *Reader) FetchYield(ctx context.Context, asset model.TrackedAsset) (model.AssetYieldSnapshot, error) {
	if !common.IsHexAddress(asset.Address) {
		return model.AssetYieldSnapshot{}, &ChainReadError{Op: "fetchYield", Asset: asset.Symbol, Err: fmt.Errorf("invalid address %q", asset.Address)}
	}
	addr := common.HexToAddress(asset.Address)

	var (
		conf ReserveConfiguration
		data ReserveData
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := r.callCtx(gctx)
		defer cancel()
		var err error
		if conf, err = r.provider.ReserveConfiguration(callCtx, addr); err != nil {
			return r.readErr("getReserveConfigurationData", asset.Symbol, err)
		}
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := r.callCtx(gctx)
		defer cancel()
		var err error
		if data, err = r.provider.ReserveData(callCtx, addr); err != nil {
			return r.readErr("getReserveData", asset.Symbol, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.AssetYieldSnapshot{}, err
	}

	return buildSnapshot(asset, conf, data), nil
}

func buildSnapshot(asset model.TrackedAsset, conf ReserveConfiguration, data ReserveData) model.AssetYieldSnapshot {
	var lastUpdate int64
	if data.LastUpdateTimestamp != nil && data.LastUpdateTimestamp.IsInt64() {
		lastUpdate = data.LastUpdateTimestamp.Int64()
	}

	return model.AssetYieldSnapshot{
		Symbol:            asset.Symbol,
		Address:           asset.Address,
		Category:          asset.Category,
		Icon:              asset.Icon,
		SupplyAPY:         RayToAPY(data.LiquidityRate),
		BorrowAPY:         RayToAPY(data.VariableBorrowRate),
		TotalSupplyRaw:    bigString(data.TotalAToken),
		TotalBorrowRaw:    bigString(data.TotalVariableDebt),
		UtilizationRate:   Utilization(data.TotalVariableDebt, data.TotalAToken),
		LastOnChainUpdate: lastUpdate,
		IsActive:          conf.IsActive,
		BorrowingEnabled:  conf.BorrowingEnabled,
	}
}

// FetchAll discovers all reserves, reads them concurrently, drops inactive ones
// and sorts the rest by supply APY, highest first.
//
// By default any failed read fails the whole batch. With PartialResults the
// failed and invalid assets are logged and left out.
func (r *Reader) FetchAll(ctx context.Context) ([]model.AssetYieldSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "fetch.FetchAll")
	defer span.End()
	start := time.Now()
	defer func() { metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	assets, err := r.DiscoverAssets(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	results := make([]*model.AssetYieldSnapshot, len(assets))
	var failed []error

	if r.opts.PartialResults {
		errs := make([]error, len(assets))
		var g errgroup.Group
		for i, asset := range assets {
			g.Go(func() error {
				snap, err := r.FetchYield(ctx, asset)
				if err != nil {
					errs[i] = err
					return nil
				}
				results[i] = &snap
				return nil
			})
		}
		_ = g.Wait()
		for i, err := range errs {
			if err != nil {
				r.log.WithError(err).WithField("asset", assets[i].Symbol).Warn("Excluding asset from snapshot")
				failed = append(failed, err)
			}
		}
		if len(assets) > 0 && len(failed) == len(assets) {
			err := fmt.Errorf("%w: %w", ErrNoAssets, errors.Join(failed...))
			tracing.RecordError(ctx, err)
			return nil, err
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, asset := range assets {
			g.Go(func() error {
				snap, err := r.FetchYield(gctx, asset)
				if err != nil {
					return err
				}
				results[i] = &snap
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			tracing.RecordError(ctx, err)
			return nil, err
		}
	}

	snapshots := make([]model.AssetYieldSnapshot, 0, len(results))
	for _, s := range results {
		if s != nil && s.IsActive {
			snapshots = append(snapshots, *s)
		}
	}
	if r.opts.PartialResults {
		snapshots = validation.FilterInvalid(snapshots, r.validation)
	}
	SortBySupplyAPY(snapshots)

	r.log.WithFields(logrus.Fields{
		"discovered": len(assets),
		"active":     len(snapshots),
		"failed":     len(failed),
		"duration":   time.Since(start).String(),
	}).Debug("Fetched reserve snapshots")

	return snapshots, nil
}

// SortBySupplyAPY orders snapshots by supply APY, highest first. Ties keep their order.
func SortBySupplyAPY(snapshots []model.AssetYieldSnapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].SupplyAPY > snapshots[j].SupplyAPY
	})
}

// RayToPercent converts a ray-encoded annual rate to an exact percentage.
func RayToPercent(ray *big.Int) decimal.Decimal {
	if ray == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(ray, rayExponent).Mul(hundred)
}

// RayToAPY converts a ray-encoded annual rate to a percentage, e.g. 4e25 to 4.0.
func RayToAPY(ray *big.Int) float64 {
	return RayToPercent(ray).InexactFloat64()
}

// Utilization returns borrow/supply*100, or 0 when supply is zero.
func Utilization(borrow, supply *big.Int) float64 {
	if supply == nil || supply.Sign() <= 0 || borrow == nil {
		return 0
	}
	ratio := decimal.NewFromBigInt(borrow, 0).DivRound(decimal.NewFromBigInt(supply, 0), 18)
	return ratio.Mul(hundred).InexactFloat64()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
