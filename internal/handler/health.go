package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/yourorg/aave-yield-cache/internal/broadcast"
	"github.com/yourorg/aave-yield-cache/internal/model"
)

const (
	statusUp            = "up"
	statusDown          = "down"
	statusNotConfigured = "not_configured"

	probeTimeout = 3 * time.Second
	version      = "1.0.0"
)

// WorkerControl is the worker surface the API drives.
type WorkerControl interface {
	Start(ctx context.Context) error
	Stop()
	ManualRefresh(ctx context.Context) error
	Status() model.WorkerHealth
}

// CacheAdmin is the cache surface used by health and worker control.
type CacheAdmin interface {
	IsConfigured() bool
	GetTimestamp(ctx context.Context) (string, bool)
	Ping(ctx context.Context) error
	Clear(ctx context.Context)
}

// BroadcastStatus reports the publisher's connection state.
type BroadcastStatus interface {
	Status() broadcast.Status
}

type componentHealth struct {
	Status string      `json:"status"`
	Detail interface{} `json:"detail,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// Health reports component health. It is 503 only when the worker is not
// running; other components degrade the status without failing the probe.
func Health(wk WorkerControl, cache CacheAdmin, bc BroadcastStatus, chain ChainInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws := wk.Status()

		worker := componentHealth{Status: statusDown, Detail: ws}
		if ws.IsRunning {
			worker.Status = statusUp
		}

		redisHealth := componentHealth{Status: statusNotConfigured}
		if cache != nil && cache.IsConfigured() {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			err := cache.Ping(ctx)
			cancel()
			redisHealth.Status = statusUp
			if err != nil {
				redisHealth.Status = statusDown
				redisHealth.Error = err.Error()
			} else if ts, ok := cache.GetTimestamp(r.Context()); ok {
				redisHealth.Detail = map[string]string{"lastCacheUpdate": ts}
			}
		}

		bcHealth := componentHealth{Status: statusNotConfigured}
		if bc != nil {
			st := bc.Status()
			bcHealth.Detail = st
			switch {
			case !st.Configured:
			case st.Connected:
				bcHealth.Status = statusUp
			default:
				bcHealth.Status = statusDown
			}
		}

		rpcHealth := componentHealth{Status: statusNotConfigured}
		if chain != nil {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			block, err := chain.BlockNumber(ctx)
			cancel()
			if err != nil {
				rpcHealth.Status = statusDown
				rpcHealth.Error = err.Error()
			} else {
				rpcHealth.Status = statusUp
				rpcHealth.Detail = map[string]uint64{"blockNumber": block}
			}
		}

		status := "healthy"
		code := http.StatusOK
		if !ws.IsRunning {
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		} else if redisHealth.Status == statusDown || bcHealth.Status == statusDown || rpcHealth.Status == statusDown {
			status = "degraded"
		}

		writeJSON(w, code, map[string]interface{}{
			"status":    status,
			"timestamp": nowISO(),
			"version":   version,
			"components": map[string]componentHealth{
				"worker":    worker,
				"redis":     redisHealth,
				"broadcast": bcHealth,
				"rpc":       rpcHealth,
			},
		})
	}
}
