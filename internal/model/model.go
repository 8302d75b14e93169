// Package model defines the core data structures for the aave-yield-cache.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category groups reserves for display and per-category queries.
type Category string

// Asset categories
const (
	CategoryStablecoin Category = "Stablecoin"
	CategoryETH        Category = "ETH & LST"
	CategoryBTC        Category = "BTC"
	CategoryGovernance Category = "Governance"
	CategoryOther      Category = "Other"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryStablecoin,
	CategoryETH,
	CategoryBTC,
	CategoryGovernance,
	CategoryOther,
}

// Decimal places applied to wire payloads
const (
	APYPrecision         = 4
	UtilizationPrecision = 2
)

// TrackedAsset is a reserve discovered on the lending pool.
// It is rebuilt on every discovery call; the on-chain address is its only identity.
type TrackedAsset struct {
	Symbol   string   `json:"symbol"`
	Address  string   `json:"address"`
	Category Category `json:"category"`
	Icon     string   `json:"icon"`
}

// AssetYieldSnapshot holds the yield state of one reserve at fetch time.
// A fetch cycle always produces a complete new collection of snapshots.
type AssetYieldSnapshot struct {
	Symbol   string   `json:"symbol"`
	Address  string   `json:"address"`
	Category Category `json:"category"`
	Icon     string   `json:"icon,omitempty"`

	// SupplyAPY and BorrowAPY are percentages, e.g. 4.25 for 4.25%
	SupplyAPY float64 `json:"supplyAPY"`
	BorrowAPY float64 `json:"borrowAPY"`

	// Raw token totals as base-10 integer strings
	TotalSupplyRaw string `json:"totalSupplyRaw"`
	TotalBorrowRaw string `json:"totalBorrowRaw"`

	// UtilizationRate is borrow/supply*100, 0 when supply is 0
	UtilizationRate float64 `json:"utilizationRate"`

	// LastOnChainUpdate is the reserve's last update as unix seconds
	LastOnChainUpdate int64 `json:"lastOnChainUpdate"`

	IsActive         bool `json:"isActive"`
	BorrowingEnabled bool `json:"borrowingEnabled"`
}

// Rounded returns a copy with APY and utilization rounded for the wire.
func (s AssetYieldSnapshot) Rounded() AssetYieldSnapshot {
	s.SupplyAPY = Round(s.SupplyAPY, APYPrecision)
	s.BorrowAPY = Round(s.BorrowAPY, APYPrecision)
	s.UtilizationRate = Round(s.UtilizationRate, UtilizationPrecision)
	return s
}

// RoundAll applies Rounded to every snapshot.
func RoundAll(assets []AssetYieldSnapshot) []AssetYieldSnapshot {
	out := make([]AssetYieldSnapshot, len(assets))
	for i, a := range assets {
		out[i] = a.Rounded()
	}
	return out
}

// Round rounds half away from zero to the given number of decimal places.
func Round(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// CacheEnvelope is the cached form of the latest full snapshot.
type CacheEnvelope struct {
	Assets     []AssetYieldSnapshot `json:"assets"`
	Timestamp  string               `json:"timestamp"`
	AssetCount int                  `json:"assetCount"`
}

// NewCacheEnvelope wraps assets with an RFC 3339 timestamp.
func NewCacheEnvelope(assets []AssetYieldSnapshot, at time.Time) CacheEnvelope {
	return CacheEnvelope{
		Assets:     assets,
		Timestamp:  at.UTC().Format(time.RFC3339Nano),
		AssetCount: len(assets),
	}
}

// ChainEvent is a normalized rate-affecting pool log.
type ChainEvent struct {
	EventName       string    `json:"eventName"`
	ReserveAddress  string    `json:"reserveAddress"`
	Timestamp       time.Time `json:"timestamp"`
	BlockNumber     uint64    `json:"blockNumber"`
	TransactionHash string    `json:"transactionHash"`
}

// WorkerHealth is the update worker's health snapshot.
type WorkerHealth struct {
	IsRunning           bool       `json:"isRunning"`
	StartedAt           *time.Time `json:"startTime,omitempty"`
	TotalUpdates        int64      `json:"totalUpdates"`
	FailedUpdates       int64      `json:"failedUpdates"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastUpdateTime      *time.Time `json:"lastUpdateTime,omitempty"`
	LastTrigger         string     `json:"lastTrigger,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	IsProcessing        bool       `json:"isProcessing"`
	RestartPending      bool       `json:"restartPending"`
	CircuitState        string     `json:"circuitState"`

	// Uptime is now minus StartedAt, zero when stopped
	Uptime        time.Duration `json:"-"`
	UptimeSeconds float64       `json:"uptimeSeconds"`
}

// YieldPick names the asset holding a rate.
type YieldPick struct {
	Symbol string  `json:"symbol"`
	APY    float64 `json:"apy"`
}

// BestYieldChange records a new leader for a category's supply APY.
// OldBest is nil on the first observation.
type BestYieldChange struct {
	Category Category   `json:"category"`
	OldBest  *YieldPick `json:"oldBest"`
	NewBest  YieldPick  `json:"newBest"`
}

// MarketSnapshot summarizes a full update.
type MarketSnapshot struct {
	TotalAssets  int       `json:"totalAssets"`
	AvgSupplyAPY float64   `json:"avgSupplyAPY"`
	AvgBorrowAPY float64   `json:"avgBorrowAPY"`
	HighestAPY   YieldPick `json:"highestAPY"`
}
