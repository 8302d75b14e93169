package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yourorg/aave-yield-cache/internal/aggregate"
	"github.com/yourorg/aave-yield-cache/internal/model"
	"github.com/yourorg/aave-yield-cache/internal/service"
)

const maxCompareSymbols = 10

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// Yields returns every tracked asset, cache first.
func Yields(svc *service.YieldService, poolAddress string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		res, err := svc.Latest(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch yield data", err.Error())
			return
		}

		noStore(w, res.DataSource, started)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"timestamp":   res.Timestamp,
			"dataSource":  res.DataSource,
			"protocol":    protocolName,
			"chain":       chainName,
			"chainId":     chainID,
			"poolAddress": poolAddress,
			"assetCount":  len(res.Assets),
			"latencyMs":   time.Since(started).Milliseconds(),
			"assets":      model.RoundAll(res.Assets),
		})
	}
}

// Best returns the best asset for ?category= and ?type=supply|borrow.
func Best(svc *service.YieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		q := r.URL.Query()

		kind, err := aggregate.ParseKind(q.Get("type"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid type", "type must be 'supply' or 'borrow'")
			return
		}
		category := q.Get("category")
		if category == "" {
			category = aggregate.CategoryAll
		}

		best, err := svc.Best(r.Context(), category, kind)
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No assets found", fmt.Sprintf("No assets found for category '%s'", category))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch yield data", err.Error())
			return
		}

		shownCategory := category
		if strings.EqualFold(category, aggregate.CategoryAll) {
			shownCategory = "All"
		}
		rounded := best.Rounded()
		recommendation := fmt.Sprintf("Deposit %s to earn %.2f%% APY", best.Symbol, best.SupplyAPY)
		if kind == aggregate.KindBorrow {
			recommendation = fmt.Sprintf("Borrow %s at %.2f%% APY", best.Symbol, best.BorrowAPY)
		}

		noStore(w, "", started)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":        true,
			"timestamp":      nowISO(),
			"protocol":       protocolName,
			"chain":          chainName,
			"chainId":        chainID,
			"latencyMs":      time.Since(started).Milliseconds(),
			"query":          map[string]string{"category": shownCategory, "type": string(kind)},
			"bestAsset":      rounded,
			"recommendation": recommendation,
		})
	}
}

// Compare ranks ?symbols=A,B,... by supply APY.
func Compare(svc *service.YieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("symbols")
		var symbols []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, strings.ToUpper(s))
			}
		}
		if len(symbols) == 0 {
			writeError(w, http.StatusBadRequest, "Missing required parameter",
				"Please provide symbols parameter (e.g., ?symbols=USDC,USDT)")
			return
		}
		if len(symbols) > maxCompareSymbols {
			writeError(w, http.StatusBadRequest, "Too many symbols",
				fmt.Sprintf("At most %d symbols can be compared", maxCompareSymbols))
			return
		}

		comparison, summary, err := svc.Compare(r.Context(), symbols)
		if errors.Is(err, service.ErrNotFound) {
			writeError(w, http.StatusNotFound, "No assets found",
				"None of the requested symbols were found: "+strings.Join(symbols, ", "))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to compare yields", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"timestamp":  nowISO(),
			"comparison": comparison,
			"summary":    summary,
		})
	}
}

// Asset returns one asset by the {symbol} path parameter.
func Asset(svc *service.YieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		symbol := chi.URLParam(r, "symbol")

		asset, available, err := svc.BySymbol(r.Context(), symbol)
		if errors.Is(err, service.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"success":         false,
				"error":           "Asset not found",
				"message":         fmt.Sprintf("Asset '%s' is not available on Aave V3 Ethereum", symbol),
				"availableAssets": available,
				"timestamp":       nowISO(),
			})
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to fetch yield data", err.Error())
			return
		}

		noStore(w, "", started)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":   true,
			"timestamp": nowISO(),
			"protocol":  protocolName,
			"chain":     chainName,
			"chainId":   chainID,
			"latencyMs": time.Since(started).Milliseconds(),
			"asset": struct {
				model.AssetYieldSnapshot
				LastOnChainUpdateISO string `json:"lastOnChainUpdateISO"`
			}{
				AssetYieldSnapshot:   asset.Rounded(),
				LastOnChainUpdateISO: time.Unix(asset.LastOnChainUpdate, 0).UTC().Format(time.RFC3339),
			},
		})
	}
}

// Stats returns per-category and overall statistics.
func Stats(svc *service.YieldService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, res, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to compute stats", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":    true,
			"timestamp":  nowISO(),
			"dataSource": res.DataSource,
			"stats":      stats,
		})
	}
}
