package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yourorg/aave-yield-cache/internal/middleware"
	"github.com/yourorg/aave-yield-cache/internal/service"
)

// Deps are the components behind the API. Cache, Broadcast, Chain,
// History, Snapshots and Stream may be nil.
type Deps struct {
	Service     *service.YieldService
	Worker      WorkerControl
	Cache       CacheAdmin
	Broadcast   BroadcastStatus
	Chain       ChainInfo
	History     HistoryReader
	Snapshots   SnapshotRunner
	Stream      http.Handler
	PoolAddress string
	CronSecret  string
	CORSOrigin  string
	Limiter     *middleware.RateLimiter
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recover())

	// The websocket relay hijacks the connection, so it sits outside the
	// response-wrapping middleware.
	if d.Stream != nil {
		r.Handle("/ws", d.Stream)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger())
		r.Use(middleware.Metrics())
		r.Use(middleware.CORS(d.CORSOrigin))

		r.Handle("/metrics", promhttp.Handler())

		r.Route("/api", func(r chi.Router) {
			if d.Limiter != nil {
				r.Use(d.Limiter.Handler)
			}

			r.Get("/health", Health(d.Worker, d.Cache, d.Broadcast, d.Chain))
			r.Get("/chain-stats", ChainStats(d.Chain))
			r.Get("/stats", Stats(d.Service))

			r.Route("/yields", func(r chi.Router) {
				r.Get("/", Yields(d.Service, d.PoolAddress))
				r.Get("/best", Best(d.Service))
				r.Get("/compare", Compare(d.Service))
				r.Get("/{symbol}", Asset(d.Service))
			})

			r.Get("/history/{symbol}", History(d.History))

			r.Get("/worker", WorkerStatus(d.Worker))
			r.With(middleware.BearerAuth(d.CronSecret)).Post("/worker", WorkerAction(d.Worker, d.Cache))

			r.With(middleware.BearerAuth(d.CronSecret)).Post("/cron/daily-snapshot", DailySnapshot(d.Snapshots))
			r.With(middleware.BearerAuth(d.CronSecret)).Get("/cron/daily-snapshot", DailySnapshot(d.Snapshots))
		})
	})

	return r
}
