package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/model"
)

// DateLayout is the format of snapshot dates.
const DateLayout = "2006-01-02"

// ErrNotFound is returned when no asset matches a history query.
var ErrNotFound = errors.New("asset not found")

// WriteResult counts the outcome of a daily write.
type WriteResult struct {
	Date        string `json:"date"`
	TotalAssets int    `json:"totalAssets"`
	Inserted    int    `json:"insertedCount"`
	Errors      int    `json:"errorCount"`
}

const upsertSnapshotSQL = `
WITH a AS (
    INSERT INTO assets (symbol, address, category)
    VALUES ($1, $2, $3)
    ON CONFLICT (address) DO UPDATE SET symbol = EXCLUDED.symbol, category = EXCLUDED.category
    RETURNING id
)
INSERT INTO daily_snapshots
    (asset_id, snapshot_date, supply_apy, borrow_apy, utilization_rate, total_supply_raw, total_borrow_raw)
SELECT id, $4::date, $5, $6, $7, $8::numeric, $9::numeric FROM a
ON CONFLICT (asset_id, snapshot_date) DO UPDATE SET
    supply_apy = EXCLUDED.supply_apy,
    borrow_apy = EXCLUDED.borrow_apy,
    utilization_rate = EXCLUDED.utilization_rate,
    total_supply_raw = EXCLUDED.total_supply_raw,
    total_borrow_raw = EXCLUDED.total_borrow_raw,
    updated_at = now()`

// WriteDaily upserts one row per asset for the UTC date of day. A failed row
// is logged and counted; the others are still written. Borrow APY is stored
// as NULL for assets with borrowing disabled.
func (s *Store) WriteDaily(ctx context.Context, assets []model.AssetYieldSnapshot, day time.Time) (WriteResult, error) {
	res := WriteResult{Date: day.UTC().Format(DateLayout), TotalAssets: len(assets)}

	for _, a := range assets {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		var borrow *float64
		if a.BorrowingEnabled {
			v := a.BorrowAPY
			borrow = &v
		}
		_, err := s.pool.Exec(ctx, upsertSnapshotSQL,
			a.Symbol, a.Address, string(a.Category),
			res.Date, a.SupplyAPY, borrow, a.UtilizationRate,
			rawOrZero(a.TotalSupplyRaw), rawOrZero(a.TotalBorrowRaw),
		)
		if err != nil {
			res.Errors++
			s.log.WithError(err).WithField("symbol", a.Symbol).Error("Failed to write snapshot")
			continue
		}
		res.Inserted++
	}

	s.log.WithFields(logrus.Fields{
		"date":     res.Date,
		"inserted": res.Inserted,
		"errors":   res.Errors,
	}).Info("Daily snapshot written")
	return res, nil
}

func rawOrZero(v string) string {
	if v == "" {
		return "0"
	}
	return v
}

// HistoryPoint is one day of an asset's history.
type HistoryPoint struct {
	Date            string   `json:"date"`
	SupplyAPY       float64  `json:"supplyAPY"`
	BorrowAPY       *float64 `json:"borrowAPY"`
	UtilizationRate float64  `json:"utilizationRate"`
}

// Averages over a history window. Fields are nil without data.
type Averages struct {
	SupplyAPY       *float64 `json:"supplyAPY"`
	BorrowAPY       *float64 `json:"borrowAPY"`
	UtilizationRate *float64 `json:"utilizationRate"`
}

// AssetHistory is the daily history of one asset.
type AssetHistory struct {
	Symbol    string         `json:"symbol"`
	Address   string         `json:"address"`
	Category  model.Category `json:"category"`
	Days      int            `json:"days"`
	StartDate string         `json:"startDate"`
	EndDate   string         `json:"endDate"`
	Points    []HistoryPoint `json:"history"`
	Averages  Averages       `json:"averages"`
}

// History returns the snapshots of symbol, matched case-insensitively, for
// the last days days up to and including the UTC date of now.
func (s *Store) History(ctx context.Context, symbol string, days int, now time.Time) (AssetHistory, error) {
	if days < 1 {
		days = 1
	}
	end := now.UTC()
	start := end.AddDate(0, 0, -days)

	h := AssetHistory{
		Days:      days,
		StartDate: start.Format(DateLayout),
		EndDate:   end.Format(DateLayout),
		Points:    []HistoryPoint{},
	}

	var (
		assetID  int64
		category string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, symbol, address, category FROM assets WHERE upper(symbol) = upper($1) ORDER BY id LIMIT 1`,
		symbol,
	).Scan(&assetID, &h.Symbol, &h.Address, &category)
	if errors.Is(err, pgx.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, fmt.Errorf("lookup asset %s: %w", symbol, err)
	}
	h.Category = model.Category(category)

	rows, err := s.pool.Query(ctx, `
		SELECT snapshot_date, supply_apy, borrow_apy, utilization_rate
		FROM daily_snapshots
		WHERE asset_id = $1 AND snapshot_date >= $2::date AND snapshot_date <= $3::date
		ORDER BY snapshot_date`,
		assetID, h.StartDate, h.EndDate,
	)
	if err != nil {
		return h, fmt.Errorf("query history %s: %w", symbol, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p    HistoryPoint
			date time.Time
		)
		if err := rows.Scan(&date, &p.SupplyAPY, &p.BorrowAPY, &p.UtilizationRate); err != nil {
			return h, fmt.Errorf("scan history %s: %w", symbol, err)
		}
		p.Date = date.Format(DateLayout)
		h.Points = append(h.Points, p)
	}
	if err := rows.Err(); err != nil {
		return h, err
	}

	h.Averages = average(h.Points)
	return h, nil
}

func average(points []HistoryPoint) Averages {
	if len(points) == 0 {
		return Averages{}
	}
	var supply, util, borrow float64
	borrowN := 0
	for _, p := range points {
		supply += p.SupplyAPY
		util += p.UtilizationRate
		if p.BorrowAPY != nil {
			borrow += *p.BorrowAPY
			borrowN++
		}
	}
	n := float64(len(points))
	out := Averages{
		SupplyAPY:       ptr(model.Round(supply/n, model.APYPrecision)),
		UtilizationRate: ptr(model.Round(util/n, model.UtilizationPrecision)),
	}
	if borrowN > 0 {
		out.BorrowAPY = ptr(model.Round(borrow/float64(borrowN), model.APYPrecision))
	}
	return out
}

func ptr(v float64) *float64 { return &v }
