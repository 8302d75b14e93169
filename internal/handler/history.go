package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yourorg/aave-yield-cache/internal/store"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 365
)

// HistoryReader reads daily snapshots for one asset.
type HistoryReader interface {
	History(ctx context.Context, symbol string, days int, now time.Time) (store.AssetHistory, error)
}

// SnapshotRunner writes today's snapshot.
type SnapshotRunner interface {
	Run(ctx context.Context) (store.WriteResult, error)
}

// History serves /api/history/{symbol}?days=. A nil reader means no
// database is configured.
func History(reader HistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reader == nil {
			writeError(w, http.StatusServiceUnavailable, "History not available", "DATABASE_URL is not set")
			return
		}

		days := defaultHistoryDays
		if raw := r.URL.Query().Get("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxHistoryDays {
				writeError(w, http.StatusBadRequest, "Invalid days",
					fmt.Sprintf("days must be an integer between 1 and %d", maxHistoryDays))
				return
			}
			days = n
		}

		symbol := chi.URLParam(r, "symbol")
		h, err := reader.History(r.Context(), symbol, days, time.Now())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Asset not found",
				fmt.Sprintf("No history for asset '%s'", symbol))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch history", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success": true,
			"asset": map[string]interface{}{
				"symbol":   h.Symbol,
				"address":  h.Address,
				"category": h.Category,
			},
			"period": map[string]interface{}{
				"days":       h.Days,
				"dataPoints": len(h.Points),
				"startDate":  h.StartDate,
				"endDate":    h.EndDate,
			},
			"averages":  h.Averages,
			"history":   h.Points,
			"timestamp": nowISO(),
		})
	}
}

// DailySnapshot runs the snapshot job on demand. Authorization is applied
// by the router.
func DailySnapshot(runner SnapshotRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			writeError(w, http.StatusServiceUnavailable, "History not available", "DATABASE_URL is not set")
			return
		}
		started := time.Now()
		res, err := runner.Run(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Daily snapshot failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":       true,
			"date":          res.Date,
			"totalAssets":   res.TotalAssets,
			"insertedCount": res.Inserted,
			"errorCount":    res.Errors,
			"latencyMs":     time.Since(started).Milliseconds(),
			"timestamp":     nowISO(),
		})
	}
}
