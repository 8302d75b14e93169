// Package worker keeps the yield cache fresh. It refreshes on startup, on
// debounced pool events and on demand, and restarts itself once after a run
// of consecutive failures.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/aggregate"
	"github.com/yourorg/aave-yield-cache/internal/circuitbreaker"
	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
	tracing "github.com/yourorg/aave-yield-cache/internal/otel"
)

// Triggers recorded for non-event updates
const (
	TriggerStartup = "startup"
	TriggerManual  = "manual"
)

var (
	// ErrUpdateInProgress is returned when an update is skipped because
	// another one is still running.
	ErrUpdateInProgress = errors.New("update already in progress")

	// ErrWorkerNotRunning is returned when the worker was stopped before
	// startup completed.
	ErrWorkerNotRunning = errors.New("worker not running")
)

// Fetcher produces a full snapshot.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]model.AssetYieldSnapshot, error)
}

// Cache stores the latest snapshot. Implementations swallow their own errors.
type Cache interface {
	Set(ctx context.Context, assets []model.AssetYieldSnapshot)
}

// Broadcaster fans updates out to subscribers. Implementations swallow their own errors.
type Broadcaster interface {
	IsConfigured() bool
	Init(ctx context.Context)
	PublishUpdate(ctx context.Context, assets []model.AssetYieldSnapshot, timestamp, trigger string)
	PublishSingleAsset(ctx context.Context, asset model.AssetYieldSnapshot, trigger string)
	PublishBestYieldChanged(ctx context.Context, change model.BestYieldChange)
	PublishMarketSnapshot(ctx context.Context, snap model.MarketSnapshot)
}

// EventSource delivers pool events for tracked reserves.
type EventSource interface {
	Subscribe(ctx context.Context, onEvent func(model.ChainEvent)) (func(), error)
	SetTracked(addresses []string)
}

// UpdateHook runs after every successful update.
type UpdateHook func(ctx context.Context, assets []model.AssetYieldSnapshot, at time.Time)

// Options tunes the worker.
type Options struct {
	// Quiet period that coalesces bursts of events into one update
	DebounceDelay time.Duration

	// Upper bound for one FetchAll call
	FetchTimeout time.Duration

	// Consecutive failures that stop the worker
	FailureThreshold int

	// Wait before the single automatic restart
	RestartDelay time.Duration

	// Optional hook after each successful update
	OnUpdate UpdateHook
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		DebounceDelay:    500 * time.Millisecond,
		FetchTimeout:     30 * time.Second,
		FailureThreshold: 5,
		RestartDelay:     10 * time.Second,
	}
}

// Worker owns the update pipeline state. All methods are safe for concurrent use.
type Worker struct {
	fetcher     Fetcher
	cache       Cache
	broadcaster Broadcaster
	events      EventSource
	opts        Options

	breaker    *circuitbreaker.CircuitBreaker
	processing atomic.Bool

	mu             sync.Mutex
	running        bool
	startedAt      time.Time
	totalUpdates   int64
	failedUpdates  int64
	lastUpdate     time.Time
	lastTrigger    string
	unsubscribe    func()
	debounce       *time.Timer
	debounceSeq    uint64
	pendingTrigger string
	restart        *time.Timer
	lastBest       map[model.Category]model.YieldPick

	// lowercase reserve addresses named by events since the last update
	touched map[string]struct{}

	now func() time.Time
	log *logrus.Entry
}

// New wires a worker. Zero option fields take their defaults.
func New(fetcher Fetcher, cache Cache, broadcaster Broadcaster, events EventSource, opts Options) *Worker {
	def := DefaultOptions()
	if opts.DebounceDelay <= 0 {
		opts.DebounceDelay = def.DebounceDelay
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = def.FetchTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = def.RestartDelay
	}

	w := &Worker{
		fetcher:     fetcher,
		cache:       cache,
		broadcaster: broadcaster,
		events:      events,
		opts:        opts,
		now:         time.Now,
		log:         logrus.WithField("component", "worker"),
	}
	w.breaker = circuitbreaker.New(opts.FailureThreshold).
		WithResetDelay(opts.RestartDelay).
		WithTripCallback(func(failures int, lastErr error) {
			w.log.WithError(lastErr).WithField("failures", failures).Error("Consecutive failure limit reached")
		})
	return w
}

// Start runs a synchronous startup update and then subscribes to pool
// events. It is a no-op if the worker is already running. A failed startup
// update leaves the worker stopped and is returned. Start closes the
// circuit breaker; the automatic restart instead runs it half-open.
func (w *Worker) Start(ctx context.Context) error {
	return w.start(ctx, true)
}

func (w *Worker) start(ctx context.Context, resetBreaker bool) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		w.log.Info("Worker already running")
		return nil
	}
	if w.restart != nil {
		w.restart.Stop()
		w.restart = nil
	}
	w.running = true
	w.startedAt = w.now()
	w.totalUpdates = 0
	w.failedUpdates = 0
	w.touched = nil
	if resetBreaker {
		w.breaker.Reset()
	}
	w.mu.Unlock()

	w.log.Info("Starting worker")
	metrics.WorkerRunning.Set(1)
	metrics.WorkerConsecutiveFailures.Set(float64(w.breaker.ConsecutiveFailures()))

	if w.broadcaster != nil && w.broadcaster.IsConfigured() {
		w.broadcaster.Init(ctx)
	}

	if err := w.ProcessUpdate(ctx, TriggerStartup); err != nil && !errors.Is(err, ErrUpdateInProgress) {
		w.markStopped()
		w.log.WithError(err).Error("Worker failed to start")
		return fmt.Errorf("startup update failed: %w", err)
	}

	unsubscribe, err := w.events.Subscribe(ctx, func(ev model.ChainEvent) {
		w.log.WithFields(logrus.Fields{
			"event":   ev.EventName,
			"reserve": ev.ReserveAddress,
			"block":   ev.BlockNumber,
		}).Debug("Event received")
		w.touch(ev.ReserveAddress)
		w.DebouncedUpdate(ev.EventName)
	})
	if err != nil {
		w.markStopped()
		w.log.WithError(err).Error("Worker failed to subscribe to events")
		return fmt.Errorf("event subscription failed: %w", err)
	}

	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		unsubscribe()
		return ErrWorkerNotRunning
	}
	w.unsubscribe = unsubscribe
	w.mu.Unlock()

	w.log.Info("Worker started")
	return nil
}

func (w *Worker) markStopped() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	metrics.WorkerRunning.Set(0)
}

// Stop unsubscribes from events, drops any pending debounced update and
// cancels a scheduled restart. It is safe to call repeatedly.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.restart != nil {
		w.restart.Stop()
		w.restart = nil
	}
	w.mu.Unlock()
	w.stop()
}

func (w *Worker) stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	if w.debounce != nil {
		w.debounce.Stop()
		w.debounce = nil
	}
	w.debounceSeq++
	w.mu.Unlock()

	// Outside mu: the event loop may be blocked in DebouncedUpdate
	if unsubscribe != nil {
		unsubscribe()
	}
	metrics.WorkerRunning.Set(0)
	w.log.Info("Worker stopped")
}

// DebouncedUpdate schedules an update after the quiet period, replacing any
// pending one. Only the most recent trigger is recorded. Calls are ignored
// while the worker is stopped.
func (w *Worker) DebouncedUpdate(trigger string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounceSeq++
	seq := w.debounceSeq
	w.pendingTrigger = trigger
	w.debounce = time.AfterFunc(w.opts.DebounceDelay, func() { w.fireDebounced(seq) })
}

func (w *Worker) fireDebounced(seq uint64) {
	w.mu.Lock()
	if seq != w.debounceSeq || !w.running {
		w.mu.Unlock()
		return
	}
	trigger := w.pendingTrigger
	w.debounce = nil
	w.mu.Unlock()

	if err := w.ProcessUpdate(context.Background(), trigger); err != nil && !errors.Is(err, ErrUpdateInProgress) {
		w.log.WithError(err).WithField("trigger", trigger).Warn("Debounced update failed")
	}
}

// ManualRefresh runs an update immediately, bypassing the debounce.
func (w *Worker) ManualRefresh(ctx context.Context) error {
	return w.ProcessUpdate(ctx, TriggerManual)
}

// ProcessUpdate fetches a snapshot, writes the cache and publishes it. At
// most one update runs at a time; a concurrent call returns
// ErrUpdateInProgress without doing anything.
func (w *Worker) ProcessUpdate(ctx context.Context, trigger string) error {
	if !w.processing.CompareAndSwap(false, true) {
		w.log.WithField("trigger", trigger).Info("Already processing, skipping update")
		metrics.WorkerUpdates.WithLabelValues("skipped").Inc()
		return ErrUpdateInProgress
	}
	defer w.processing.Store(false)

	if err := w.breaker.Allow(); err != nil {
		w.log.WithField("trigger", trigger).Warn("Circuit open, skipping update")
		metrics.WorkerUpdates.WithLabelValues("skipped").Inc()
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "worker.ProcessUpdate", "trigger", trigger)
	defer span.End()

	w.log.WithField("trigger", trigger).Debug("Processing update")

	fetchCtx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
	assets, err := w.fetcher.FetchAll(fetchCtx)
	cancel()
	if err != nil {
		tracing.RecordError(ctx, err)
		// The caller gave up; the chain did not fail
		if ctx.Err() != nil {
			w.log.WithError(err).WithField("trigger", trigger).Warn("Update cancelled by caller")
			metrics.WorkerUpdates.WithLabelValues("cancelled").Inc()
			return err
		}
		w.recordFailure(trigger, err)
		return err
	}

	at := w.now()
	timestamp := at.UTC().Format(time.RFC3339Nano)

	// Cache first so readers see the data before subscribers are told about it
	w.cache.Set(ctx, assets)
	touched := w.takeTouched()
	if w.broadcaster != nil {
		w.broadcaster.PublishUpdate(ctx, assets, timestamp, trigger)
		for _, a := range assets {
			if _, ok := touched[strings.ToLower(a.Address)]; ok {
				w.broadcaster.PublishSingleAsset(ctx, a, trigger)
			}
		}
		w.publishDerived(ctx, assets)
	}

	addresses := make([]string, 0, len(assets))
	for _, a := range assets {
		addresses = append(addresses, a.Address)
	}
	w.events.SetTracked(addresses)

	if w.opts.OnUpdate != nil {
		w.opts.OnUpdate(ctx, assets, at)
	}

	w.breaker.RecordSuccess()
	w.mu.Lock()
	w.totalUpdates++
	w.lastUpdate = at
	w.lastTrigger = trigger
	w.mu.Unlock()

	metrics.WorkerUpdates.WithLabelValues("success").Inc()
	metrics.WorkerConsecutiveFailures.Set(0)
	metrics.WorkerLastSuccess.Set(float64(at.Unix()))
	w.log.WithFields(logrus.Fields{
		"assets":  len(assets),
		"trigger": trigger,
	}).Info("Update complete")
	return nil
}

func (w *Worker) touch(reserve string) {
	if reserve == "" {
		return
	}
	w.mu.Lock()
	if w.touched == nil {
		w.touched = make(map[string]struct{})
	}
	w.touched[strings.ToLower(reserve)] = struct{}{}
	w.mu.Unlock()
}

// takeTouched returns and resets the reserves touched since the last update.
func (w *Worker) takeTouched() map[string]struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	t := w.touched
	w.touched = nil
	return t
}

func (w *Worker) publishDerived(ctx context.Context, assets []model.AssetYieldSnapshot) {
	best := aggregate.BestByCategory(assets)

	w.mu.Lock()
	prev := w.lastBest
	w.lastBest = best
	w.mu.Unlock()

	for _, change := range aggregate.DetectBestChanges(prev, best) {
		w.broadcaster.PublishBestYieldChanged(ctx, change)
	}
	w.broadcaster.PublishMarketSnapshot(ctx, aggregate.MarketSnapshot(assets))
}

func (w *Worker) recordFailure(trigger string, err error) {
	tripped := w.breaker.RecordFailure(err)
	failures := w.breaker.ConsecutiveFailures()

	w.mu.Lock()
	w.failedUpdates++
	running := w.running
	w.mu.Unlock()

	metrics.WorkerUpdates.WithLabelValues("failure").Inc()
	metrics.WorkerConsecutiveFailures.Set(float64(failures))
	w.log.WithError(err).WithFields(logrus.Fields{
		"trigger":             trigger,
		"consecutiveFailures": failures,
		"threshold":           w.breaker.Threshold(),
	}).Error("Update failed")

	// A failing startup is reported to the caller of Start instead
	if tripped && running && trigger != TriggerStartup {
		w.stopAndScheduleRestart()
	}
}

func (w *Worker) stopAndScheduleRestart() {
	w.stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.restart != nil {
		return
	}
	w.log.WithField("delay", w.opts.RestartDelay).Warn("Scheduling auto-restart")
	w.restart = time.AfterFunc(w.opts.RestartDelay, w.autoRestart)
}

// autoRestart makes one attempt. A failure is logged and not rescheduled.
func (w *Worker) autoRestart() {
	w.mu.Lock()
	if w.restart == nil {
		// Cancelled by Stop or Start
		w.mu.Unlock()
		return
	}
	w.restart = nil
	w.mu.Unlock()

	metrics.WorkerRestarts.Inc()
	w.log.Info("Attempting auto-restart")
	if err := w.start(context.Background(), false); err != nil {
		w.log.WithError(err).Error("Auto-restart failed, not retrying")
		return
	}
	w.log.Info("Auto-restart successful")
}

// IsRunning reports whether the worker is started.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Status returns a health snapshot.
func (w *Worker) Status() model.WorkerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := model.WorkerHealth{
		IsRunning:           w.running,
		TotalUpdates:        w.totalUpdates,
		FailedUpdates:       w.failedUpdates,
		ConsecutiveFailures: w.breaker.ConsecutiveFailures(),
		LastTrigger:         w.lastTrigger,
		IsProcessing:        w.processing.Load(),
		RestartPending:      w.restart != nil,
		CircuitState:        w.breaker.GetState().String(),
	}
	if err := w.breaker.LastError(); err != nil {
		h.LastError = err.Error()
	}
	if !w.startedAt.IsZero() {
		started := w.startedAt
		h.StartedAt = &started
		if w.running {
			h.Uptime = w.now().Sub(started)
			h.UptimeSeconds = h.Uptime.Seconds()
		}
	}
	if !w.lastUpdate.IsZero() {
		last := w.lastUpdate
		h.LastUpdateTime = &last
	}
	return h
}
