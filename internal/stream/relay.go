// Package stream relays the broadcast channel to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/broadcast"
	"github.com/yourorg/aave-yield-cache/internal/metrics"
)

// EventRelayStatus is sent to a client when the upstream subscription drops or recovers.
const EventRelayStatus = "relay_status"

const (
	defaultPingInterval = 30 * time.Second
	readDeadline        = 60 * time.Second
	writeDeadline       = 10 * time.Second
	confirmTimeout      = 5 * time.Second
	sendBuffer          = 64
)

// Relay upgrades HTTP requests to websockets and forwards every message on
// the Redis channel verbatim. Each client gets its own subscription.
type Relay struct {
	rdb          *redis.Client
	channel      string
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	log          *logrus.Entry

	// done ends every open stream on Shutdown
	done     context.Context
	shutdown context.CancelFunc
}

// NewRelay creates a relay for channel. allowedOrigin "*" or "" accepts any origin.
func NewRelay(rdb *redis.Client, channel, allowedOrigin string) *Relay {
	if channel == "" {
		channel = broadcast.DefaultChannel
	}
	done, shutdown := context.WithCancel(context.Background())
	return &Relay{
		rdb:     rdb,
		channel: channel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "" || allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		pingInterval: defaultPingInterval,
		log:          logrus.WithField("component", "stream"),
		done:         done,
		shutdown:     shutdown,
	}
}

// Shutdown closes all open streams. Hijacked connections are not covered by
// http.Server.Shutdown.
func (rl *Relay) Shutdown() { rl.shutdown() }

func statusMessage(payload map[string]interface{}) []byte {
	body, _ := json.Marshal(payload)
	msg, _ := json.Marshal(broadcast.Message{Event: EventRelayStatus, Payload: body})
	return msg
}

// ServeHTTP handles one websocket client until it disconnects.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if rl.rdb == nil {
		http.Error(w, `{"success":false,"error":"Real-time updates not available"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := rl.log.WithField("remote", r.RemoteAddr)
	log.Info("Stream client connected")
	metrics.StreamClients.Inc()
	defer metrics.StreamClients.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(rl.done, cancel)
	defer stop()

	send := make(chan []byte, sendBuffer)
	var wg sync.WaitGroup
	guard := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.WithFields(logrus.Fields{
						"panic": rec,
						"stack": string(debug.Stack()),
					}).Errorf("Panic in %s", name)
					cancel()
				}
			}()
			fn()
		}()
	}

	guard("subscriber", func() { rl.subscribe(ctx, send, log) })
	guard("pinger", func() { rl.ping(ctx, conn, log) })
	guard("writer", func() { rl.write(ctx, cancel, conn, send, log) })

	rl.read(conn, cancel)

	cancel()
	wg.Wait()
	log.Info("Stream client disconnected")
}

// retry counts consecutive subscription failures. A confirmed subscription
// starts the count over.
type retry struct{ attempt int }

func (r *retry) next(confirmed bool) (time.Duration, int) {
	if confirmed {
		r.attempt = 0
	}
	delay := broadcast.BackoffDelay(r.attempt)
	r.attempt++
	return delay, r.attempt
}

// subscribe holds a subscription open, resubscribing with backoff when it drops.
func (rl *Relay) subscribe(ctx context.Context, send chan<- []byte, log *logrus.Entry) {
	var backoff retry
	for {
		confirmed, err := rl.attempt(ctx, send, log)
		if ctx.Err() != nil {
			return
		}

		delay, attempt := backoff.next(confirmed)
		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": delay,
		}).Warn("Stream subscription lost, will retry")

		select {
		case send <- statusMessage(map[string]interface{}{
			"status":  "reconnecting",
			"retryIn": delay.Seconds(),
			"attempt": attempt,
		}):
		case <-ctx.Done():
			return
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// attempt reports whether the subscription was confirmed before it ended.
func (rl *Relay) attempt(ctx context.Context, send chan<- []byte, log *logrus.Entry) (bool, error) {
	pubsub := rl.rdb.Subscribe(ctx, rl.channel)
	defer pubsub.Close()

	confirmCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	_, err := pubsub.Receive(confirmCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("confirm subscription: %w", err)
	}
	log.WithField("channel", rl.channel).Debug("Stream subscribed")

	select {
	case send <- statusMessage(map[string]interface{}{"status": "connected", "channel": rl.channel}):
	case <-ctx.Done():
		return true, ctx.Err()
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, fmt.Errorf("subscription channel closed")
			}
			select {
			case send <- []byte(msg.Payload):
			case <-ctx.Done():
				return true, ctx.Err()
			}
		}
	}
}

func (rl *Relay) ping(ctx context.Context, conn *websocket.Conn, log *logrus.Entry) {
	ticker := time.NewTicker(rl.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				log.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

func (rl *Relay) write(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send <-chan []byte, log *logrus.Entry) {
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.WithError(err).Debug("Write failed")
				cancel()
				return
			}
		}
	}
}

// read discards client frames and returns when the connection closes.
func (rl *Relay) read(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				rl.log.WithError(err).Warn("Stream read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}
