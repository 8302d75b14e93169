// Package validation checks yield snapshots and cache envelopes against their invariants.
package validation

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/model"
)

// ValidationOptions holds configuration for the validation process
type ValidationOptions struct {
	// MaxAge rejects envelopes older than this. Zero disables the check.
	MaxAge time.Duration

	// MaxAPY is the largest plausible APY percentage
	MaxAPY float64

	// UtilizationTolerance is the allowed absolute drift, in percentage points,
	// between utilizationRate and the value implied by the raw totals
	UtilizationTolerance float64
}

// DefaultValidationOptions returns sensible defaults for validation
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxAge:               0,
		MaxAPY:               10_000, // 10000%
		UtilizationTolerance: 1e-6,
	}
}

// ErrInvalidSnapshot is wrapped by every snapshot validation failure.
var ErrInvalidSnapshot = errors.New("invalid yield snapshot")

// ErrInvalidEnvelope is wrapped by every envelope validation failure.
var ErrInvalidEnvelope = errors.New("invalid cache envelope")

// ValidateSnapshot checks a single snapshot.
func ValidateSnapshot(s model.AssetYieldSnapshot, opts ValidationOptions) error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w %s: %s", ErrInvalidSnapshot, s.Symbol, fmt.Sprintf(format, args...))
	}

	if s.Symbol == "" {
		return invalid("empty symbol")
	}
	if !common.IsHexAddress(s.Address) {
		return invalid("bad address %q", s.Address)
	}
	for name, v := range map[string]float64{"supplyAPY": s.SupplyAPY, "borrowAPY": s.BorrowAPY, "utilizationRate": s.UtilizationRate} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return invalid("%s out of range: %v", name, v)
		}
	}
	if opts.MaxAPY > 0 && (s.SupplyAPY > opts.MaxAPY || s.BorrowAPY > opts.MaxAPY) {
		return invalid("APY above %v", opts.MaxAPY)
	}

	supply, err := decimal.NewFromString(s.TotalSupplyRaw)
	if err != nil || !supply.IsInteger() || supply.IsNegative() {
		return invalid("bad totalSupplyRaw %q", s.TotalSupplyRaw)
	}
	borrow, err := decimal.NewFromString(s.TotalBorrowRaw)
	if err != nil || !borrow.IsInteger() || borrow.IsNegative() {
		return invalid("bad totalBorrowRaw %q", s.TotalBorrowRaw)
	}

	if supply.IsZero() {
		if s.UtilizationRate != 0 {
			return invalid("utilization %v with zero supply", s.UtilizationRate)
		}
		return nil
	}
	want := borrow.DivRound(supply, 18).Mul(decimal.NewFromInt(100)).InexactFloat64()
	if math.Abs(want-s.UtilizationRate) > opts.UtilizationTolerance {
		return invalid("utilization %v does not match totals (%v)", s.UtilizationRate, want)
	}
	return nil
}

// ValidateEnvelope checks the envelope's timestamp, age and asset count. The
// snapshots themselves are checked by FilterInvalid.
func ValidateEnvelope(env *model.CacheEnvelope, opts ValidationOptions) error {
	if env == nil {
		return fmt.Errorf("%w: nil", ErrInvalidEnvelope)
	}
	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidEnvelope, env.Timestamp)
	}
	if opts.MaxAge > 0 && time.Since(ts) > opts.MaxAge {
		return fmt.Errorf("%w: stale since %s", ErrInvalidEnvelope, env.Timestamp)
	}
	if env.AssetCount != len(env.Assets) {
		return fmt.Errorf("%w: assetCount %d but %d assets", ErrInvalidEnvelope, env.AssetCount, len(env.Assets))
	}
	return nil
}

// FilterInvalid drops snapshots that fail validation and logs each one.
func FilterInvalid(snapshots []model.AssetYieldSnapshot, opts ValidationOptions) []model.AssetYieldSnapshot {
	valid := make([]model.AssetYieldSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if err := ValidateSnapshot(s, opts); err != nil {
			logrus.WithFields(logrus.Fields{
				"symbol":    s.Symbol,
				"supplyAPY": s.SupplyAPY,
				"borrowAPY": s.BorrowAPY,
			}).WithError(err).Error("Filtered invalid snapshot")
			continue
		}
		valid = append(valid, s)
	}
	return valid
}
