// Package broadcast fans yield updates out over a Redis Pub/Sub channel.
//
// Publishing is fire-and-forget: failures are logged and counted, never
// returned. The channel keeps its own subscription to detect a broken
// connection and reconnects with capped exponential backoff.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
)

// State is the channel's connection state.
type State int32

// Connection states
const (
	StateIdle State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event names carried in Message.Event
const (
	EventUpdate           = "update"
	EventAssetUpdate      = "asset_update"
	EventHeartbeat        = "heartbeat"
	EventConnectionStatus = "connection_status"
	EventBestYieldChanged = "best_yield_changed"
	EventMarketSnapshot   = "market_snapshot"
)

const (
	DefaultChannel           = "yields"
	DefaultHeartbeatInterval = 30 * time.Second
	MaxReconnectAttempts     = 5

	subscribeTimeout = 5 * time.Second
	publishTimeout   = 3 * time.Second
	baseDelay        = time.Second
	maxDelay         = 30 * time.Second
)

// BackoffDelay returns the wait before reconnect attempt n: 1s * 2^n, capped at 30s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		return maxDelay
	}
	d := baseDelay << uint(attempt)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Message is the envelope published on the channel.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// UpdatePayload is the body of update and asset_update messages.
type UpdatePayload struct {
	Type       string                    `json:"type"`
	AssetCount int                       `json:"assetCount,omitempty"`
	Timestamp  string                    `json:"timestamp"`
	Trigger    string                    `json:"trigger"`
	Assets     []model.AssetYieldSnapshot `json:"assets,omitempty"`
	Asset      *model.AssetYieldSnapshot  `json:"asset,omitempty"`
}

// Error is a failed publish. It is only ever logged.
type Error struct {
	Event string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("broadcast %s: %v", e.Event, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Channel.
type Options struct {
	Channel           string
	HeartbeatInterval time.Duration
	MaxAttempts       int
}

// Status is the channel state reported by the health endpoint.
type Status struct {
	Configured    bool       `json:"configured"`
	State         string     `json:"state"`
	Connected     bool       `json:"isConnected"`
	Attempts      int        `json:"reconnectAttempts"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
}

type timer interface {
	Stop() bool
}

// Channel publishes to a Redis Pub/Sub channel. The zero value is not usable;
// construct with New. A Channel with a nil client is unconfigured and every
// call is a no-op.
type Channel struct {
	rdb  *redis.Client
	opts Options

	mu             sync.Mutex
	state          State
	attempts       int
	generation     uint64
	pubsub         *redis.PubSub
	stopHeartbeat  context.CancelFunc
	reconnectTimer timer
	lastHeartbeat  time.Time

	// schedule runs f after d. Tests replace it to observe backoff.
	schedule func(d time.Duration, f func()) timer
	now      func() time.Time
	log      *logrus.Entry
}

// New builds a Channel over rdb, which may be nil.
func New(rdb *redis.Client, opts Options) *Channel {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = MaxReconnectAttempts
	}
	return &Channel{
		rdb:  rdb,
		opts: opts,
		schedule: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now: time.Now,
		log: logrus.WithFields(logrus.Fields{"component": "broadcast", "channel": opts.Channel}),
	}
}

// IsConfigured reports whether a Redis client is attached.
func (c *Channel) IsConfigured() bool {
	return c != nil && c.rdb != nil
}

// Init subscribes to the channel and waits for confirmation. Failure is
// handed to the reconnect state machine rather than returned.
func (c *Channel) Init(ctx context.Context) {
	if !c.IsConfigured() {
		c.log.Warn("Broadcast not configured")
		return
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	if c.state != StateReconnecting {
		c.attempts = 0
	}
	gen := c.generation
	c.teardownLocked()
	c.mu.Unlock()

	pubsub := c.rdb.Subscribe(ctx, c.opts.Channel)
	confirmCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		_ = pubsub.Close()
		c.log.WithError(err).Error("Channel subscription failed")
		c.handleError(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		// Closed while subscribing
		c.mu.Unlock()
		_ = pubsub.Close()
		return
	}
	c.pubsub = pubsub
	c.state = StateConnected
	c.attempts = 0
	hbCtx, stop := context.WithCancel(context.Background())
	c.stopHeartbeat = stop
	c.mu.Unlock()

	metrics.BroadcastState.Set(float64(StateConnected))
	c.log.Info("Broadcast channel connected")

	go c.drain(pubsub)
	go c.heartbeat(hbCtx, gen)
	c.publishConnectionStatus(ctx, "connected")
}

// drain discards our own echoes so the subscription buffer never fills.
func (c *Channel) drain(pubsub *redis.PubSub) {
	for range pubsub.Channel() {
	}
}

func (c *Channel) heartbeat(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		at := c.now()
		err := c.send(ctx, EventHeartbeat, map[string]interface{}{
			"timestamp":  at.UTC().Format(time.RFC3339Nano),
			"serverTime": at.UnixMilli(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.WithError(err).Error("Heartbeat failed")
			c.handleError(gen, err)
			return
		}
		c.mu.Lock()
		c.lastHeartbeat = at
		c.mu.Unlock()
		c.log.Debug("Heartbeat sent")
	}
}

// handleError drives the reconnect state machine for a failure observed in
// generation gen. Each failure consumes one attempt; once attempts are
// exhausted the channel fails and stays failed until Init is called again.
func (c *Channel) handleError(gen uint64, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.generation {
		return
	}
	c.teardownLocked()

	if c.attempts >= c.opts.MaxAttempts {
		c.state = StateFailed
		metrics.BroadcastState.Set(float64(StateFailed))
		c.log.WithError(reason).WithField("attempts", c.attempts).Error("Max reconnect attempts reached, giving up")
		return
	}

	c.attempts++
	delay := BackoffDelay(c.attempts)
	c.state = StateReconnecting
	metrics.BroadcastState.Set(float64(StateReconnecting))
	c.log.WithFields(logrus.Fields{
		"attempt": c.attempts,
		"max":     c.opts.MaxAttempts,
		"delay":   delay,
	}).Warn("Scheduling broadcast reconnect")

	c.reconnectTimer = c.schedule(delay, func() { c.reconnect(gen) })
}

func (c *Channel) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	c.mu.Unlock()

	c.log.Info("Attempting broadcast reconnect")
	c.Init(context.Background())
}

// teardownLocked stops the heartbeat and drops the subscription. Callers hold mu.
func (c *Channel) teardownLocked() {
	if c.stopHeartbeat != nil {
		c.stopHeartbeat()
		c.stopHeartbeat = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
		c.pubsub = nil
	}
	if c.state == StateConnected {
		c.state = StateIdle
	}
}

// Close stops the heartbeat, cancels any pending reconnect and unsubscribes.
func (c *Channel) Close() {
	if !c.IsConfigured() {
		return
	}
	c.mu.Lock()
	wasConnected := c.state == StateConnected
	c.mu.Unlock()
	if wasConnected {
		c.publishConnectionStatus(context.Background(), "disconnected")
	}

	c.mu.Lock()
	c.generation++
	c.teardownLocked()
	c.state = StateIdle
	c.attempts = 0
	c.mu.Unlock()

	metrics.BroadcastState.Set(float64(StateIdle))
	c.log.Info("Broadcast channel closed")
}

// Status reports the connection state.
func (c *Channel) Status() Status {
	if !c.IsConfigured() {
		return Status{State: StateIdle.String()}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Configured: true,
		State:      c.state.String(),
		Connected:  c.state == StateConnected,
		Attempts:   c.attempts,
	}
	if !c.lastHeartbeat.IsZero() {
		hb := c.lastHeartbeat
		st.LastHeartbeat = &hb
	}
	return st
}

// State returns the current connection state.
func (c *Channel) State() State {
	if !c.IsConfigured() {
		return StateIdle
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) send(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg, err := json.Marshal(Message{Event: event, Payload: body})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = c.rdb.Publish(ctx, c.opts.Channel, msg).Err()

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.BroadcastPublished.WithLabelValues(event, status).Inc()
	return err
}

// publish sends a message and logs any failure.
func (c *Channel) publish(ctx context.Context, event string, payload interface{}) {
	if !c.IsConfigured() {
		return
	}
	if err := c.send(ctx, event, payload); err != nil {
		c.log.WithError(&Error{Event: event, Err: err}).Error("Failed to publish")
	}
}

func (c *Channel) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// PublishUpdate sends the full rounded snapshot with the trigger that caused it.
func (c *Channel) PublishUpdate(ctx context.Context, assets []model.AssetYieldSnapshot, timestamp, trigger string) {
	if !c.IsConfigured() {
		return
	}
	rounded := model.RoundAll(assets)
	c.publish(ctx, EventUpdate, UpdatePayload{
		Type:       "full_update",
		AssetCount: len(rounded),
		Timestamp:  timestamp,
		Trigger:    trigger,
		Assets:     rounded,
	})
	c.log.WithFields(logrus.Fields{"assets": len(assets), "trigger": trigger}).Debug("Published update")
}

// PublishSingleAsset sends one rounded snapshot.
func (c *Channel) PublishSingleAsset(ctx context.Context, asset model.AssetYieldSnapshot, trigger string) {
	if !c.IsConfigured() {
		return
	}
	rounded := asset.Rounded()
	c.publish(ctx, EventAssetUpdate, UpdatePayload{
		Type:      "single_update",
		Timestamp: c.now().UTC().Format(time.RFC3339Nano),
		Trigger:   trigger,
		Asset:     &rounded,
	})
}

// PublishBestYieldChanged announces a new category leader. It is skipped
// unless the channel is connected.
func (c *Channel) PublishBestYieldChanged(ctx context.Context, change model.BestYieldChange) {
	if !c.IsConfigured() || !c.connected() {
		return
	}
	var pct *float64
	if change.OldBest != nil && change.OldBest.APY != 0 {
		v := (change.NewBest.APY - change.OldBest.APY) / change.OldBest.APY * 100
		pct = &v
	}
	c.publish(ctx, EventBestYieldChanged, map[string]interface{}{
		"timestamp": c.now().UTC().Format(time.RFC3339Nano),
		"category":  change.Category,
		"oldBest":   change.OldBest,
		"newBest":   change.NewBest,
		"change":    pct,
	})
	c.log.WithFields(logrus.Fields{
		"category": change.Category,
		"symbol":   change.NewBest.Symbol,
		"apy":      change.NewBest.APY,
	}).Info("Best yield changed")
}

// PublishMarketSnapshot sends summary statistics. It is skipped unless the
// channel is connected.
func (c *Channel) PublishMarketSnapshot(ctx context.Context, snap model.MarketSnapshot) {
	if !c.IsConfigured() || !c.connected() {
		return
	}
	c.publish(ctx, EventMarketSnapshot, map[string]interface{}{
		"timestamp":    c.now().UTC().Format(time.RFC3339Nano),
		"totalAssets":  snap.TotalAssets,
		"avgSupplyAPY": snap.AvgSupplyAPY,
		"avgBorrowAPY": snap.AvgBorrowAPY,
		"highestAPY":   snap.HighestAPY,
	})
}

func (c *Channel) publishConnectionStatus(ctx context.Context, status string) {
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	c.publish(ctx, EventConnectionStatus, map[string]interface{}{
		"status":            status,
		"timestamp":         c.now().UTC().Format(time.RFC3339Nano),
		"reconnectAttempts": attempts,
	})
}
