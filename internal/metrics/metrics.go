// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aave_yield"

// HTTP

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"method", "path", "status_code"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	ReadSource = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "read_source_total",
		Help:      "Yield reads served per data source (cache or rpc).",
	}, []string{"source"})
)

// Chain reader

var (
	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "fetch_all_duration_seconds",
		Help:      "Duration of a full reserve sweep.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
	})

	ChainReadErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "read_errors_total",
		Help:      "Failed contract reads per operation.",
	}, []string{"op"})

	AssetsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "assets_tracked",
		Help:      "Active reserves in the latest snapshot.",
	})

	ChainEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "events_total",
		Help:      "Pool events delivered to the worker per event name.",
	}, []string{"event"})
)

// Worker

var (
	WorkerUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "updates_total",
		Help:      "Update cycles per outcome (success, failure, skipped).",
	}, []string{"outcome"})

	WorkerRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "running",
		Help:      "1 when the update worker is running.",
	})

	WorkerConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "consecutive_failures",
		Help:      "Current run of failed update cycles.",
	})

	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "auto_restarts_total",
		Help:      "Automatic restarts scheduled after repeated failures.",
	})

	WorkerLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "last_success_timestamp",
		Help:      "Unix timestamp of the last successful update.",
	})
)

// Cache and broadcast

var (
	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Swallowed cache errors per operation.",
	}, []string{"op"})

	CacheReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "reads_total",
		Help:      "Cache reads per result (hit, miss).",
	}, []string{"result"})

	BroadcastPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "published_total",
		Help:      "Broadcast publishes per event and status.",
	}, []string{"event", "status"})

	BroadcastState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "broadcast",
		Name:      "state",
		Help:      "Channel state (0=idle, 1=connected, 2=reconnecting, 3=failed).",
	})

	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})

	SnapshotsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "history",
		Name:      "snapshots_total",
		Help:      "Daily snapshot writes per status.",
	}, []string{"status"})
)
