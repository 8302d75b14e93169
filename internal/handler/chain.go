package handler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const chainStatsTimeout = 5 * time.Second

var errNoChain = errors.New("rpc client not configured")

// ChainInfo is the subset of an Ethereum client used for chain stats.
// *ethclient.Client satisfies it.
type ChainInfo interface {
	BlockNumber(ctx context.Context) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// gwei formats a wei amount in gwei with two decimals.
func gwei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -9).StringFixed(2)
}

// ChainStats returns the current block and gas price. Any failure yields a
// fallback body with status 200.
func ChainStats(chain ChainInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), chainStatsTimeout)
		defer cancel()

		stats, err := readChainStats(ctx, chain)
		if err != nil {
			log.WithError(err).Warn("Chain stats unavailable, serving fallback")
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"success":     true,
				"timestamp":   nowISO(),
				"dataSource":  "fallback",
				"chain":       chainName,
				"chainId":     chainID,
				"blockNumber": nil,
				"gasPrice":    nil,
				"error":       err.Error(),
			})
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=12")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":     true,
			"timestamp":   nowISO(),
			"dataSource":  "rpc",
			"chain":       chainName,
			"chainId":     chainID,
			"blockNumber": stats.block,
			"gasPrice":    map[string]string{"gwei": stats.gasGwei, "wei": stats.gasWei},
			"latencyMs":   time.Since(started).Milliseconds(),
		})
	}
}

type chainSnapshot struct {
	block   uint64
	gasWei  string
	gasGwei string
}

func readChainStats(ctx context.Context, chain ChainInfo) (chainSnapshot, error) {
	if chain == nil {
		return chainSnapshot{}, errNoChain
	}
	block, err := chain.BlockNumber(ctx)
	if err != nil {
		return chainSnapshot{}, fmt.Errorf("block number: %w", err)
	}
	price, err := chain.SuggestGasPrice(ctx)
	if err != nil {
		return chainSnapshot{}, fmt.Errorf("gas price: %w", err)
	}
	return chainSnapshot{block: block, gasWei: price.String(), gasGwei: gwei(price)}, nil
}
