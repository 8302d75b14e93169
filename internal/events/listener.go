// Package events watches the Aave V3 Pool for logs that change reserve rates
// and turns them into model.ChainEvent notifications.
package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
)

const (
	// maxResubscribeBackoff caps the wait between push resubscriptions
	maxResubscribeBackoff = 30 * time.Second

	// maxPollRange bounds a single FilterLogs window in poll mode
	maxPollRange = 500

	logBuffer = 128
)

// LogSource is the slice of ethclient.Client the listener needs.
type LogSource interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
}

// Listener delivers Pool events for tracked reserves.
type Listener struct {
	source       LogSource
	pool         common.Address
	pollInterval time.Duration

	// event topic -> event name
	topics map[common.Hash]string

	// lowercase reserve address -> present. Empty means every reserve passes.
	tracked *xsync.Map[string, struct{}]

	now func() time.Time
	log *logrus.Entry
}

// NewListener builds a listener over source for the given Pool address.
// pollInterval is used only when the transport cannot push logs.
func NewListener(source LogSource, pool common.Address, pollInterval time.Duration) (*Listener, error) {
	parsed, err := abi.JSON(strings.NewReader(poolEventsABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool events ABI: %w", err)
	}
	topics := make(map[common.Hash]string, len(WatchedEvents))
	for _, name := range WatchedEvents {
		ev, ok := parsed.Events[name]
		if !ok {
			return nil, fmt.Errorf("event %s missing from ABI", name)
		}
		topics[ev.ID] = name
	}
	if pollInterval <= 0 {
		pollInterval = 12 * time.Second
	}

	return &Listener{
		source:       source,
		pool:         pool,
		pollInterval: pollInterval,
		topics:       topics,
		tracked:      xsync.NewMap[string, struct{}](),
		now:          time.Now,
		log:          logrus.WithField("component", "events"),
	}, nil
}

// SetTracked replaces the tracked reserve set.
func (l *Listener) SetTracked(addresses []string) {
	next := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		key := strings.ToLower(a)
		next[key] = struct{}{}
		l.tracked.Store(key, struct{}{})
	}
	l.tracked.Range(func(key string, _ struct{}) bool {
		if _, keep := next[key]; !keep {
			l.tracked.Delete(key)
		}
		return true
	})
	metrics.AssetsTracked.Set(float64(len(next)))
}

// IsTracked reports whether address passes the reserve filter.
func (l *Listener) IsTracked(address string) bool {
	if l.tracked.Size() == 0 {
		return true
	}
	_, ok := l.tracked.Load(strings.ToLower(address))
	return ok
}

// TrackedCount returns the size of the tracked set.
func (l *Listener) TrackedCount() int {
	return l.tracked.Size()
}

func (l *Listener) query() ethereum.FilterQuery {
	ids := make([]common.Hash, 0, len(l.topics))
	for id := range l.topics {
		ids = append(ids, id)
	}
	return ethereum.FilterQuery{
		Addresses: []common.Address{l.pool},
		Topics:    [][]common.Hash{ids},
	}
}

// Subscribe starts delivering events to onEvent from a single goroutine.
// Push subscriptions are tried first; transports without notification support
// fall back to polling. The returned function stops delivery and waits for the
// loop to exit, so onEvent must not call it.
func (l *Listener) Subscribe(ctx context.Context, onEvent func(model.ChainEvent)) (func(), error) {
	if onEvent == nil {
		return nil, errors.New("nil event callback")
	}
	q := l.query()
	logs := make(chan types.Log, logBuffer)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sub, err := l.source.SubscribeFilterLogs(ctx, q, logs)
	switch {
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		l.log.WithField("interval", l.pollInterval).Info("Transport cannot push logs, polling instead")
		go func() {
			defer close(done)
			l.poll(loopCtx, q, onEvent)
		}()
	case err != nil:
		cancel()
		return nil, fmt.Errorf("failed to subscribe to pool logs: %w", err)
	default:
		l.log.WithField("pool", l.pool.Hex()).Info("Subscribed to pool events")
		go func() {
			defer close(done)
			l.push(loopCtx, q, sub, logs, onEvent)
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			l.log.Info("Stopped listening")
		})
	}, nil
}

func (l *Listener) push(ctx context.Context, q ethereum.FilterQuery, first ethereum.Subscription, logs chan types.Log, onEvent func(model.ChainEvent)) {
	initial := first
	resub := event.ResubscribeErr(maxResubscribeBackoff, func(ctx context.Context, lastErr error) (event.Subscription, error) {
		if initial != nil {
			s := initial
			initial = nil
			return s, nil
		}
		if lastErr != nil {
			l.log.WithError(lastErr).Warn("Log subscription dropped, resubscribing")
		}
		return l.source.SubscribeFilterLogs(ctx, q, logs)
	})
	defer resub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-resub.Err():
			if ok && err != nil {
				l.log.WithError(err).Error("Log subscription failed")
			}
			return
		case lg := <-logs:
			l.dispatch(lg, onEvent)
		}
	}
}

func (l *Listener) poll(ctx context.Context, q ethereum.FilterQuery, onEvent func(model.ChainEvent)) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	var next uint64
	started := false
	if head, err := l.source.BlockNumber(ctx); err == nil {
		next, started = head+1, true
	} else {
		l.log.WithError(err).Warn("Failed to read block height, will retry")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := l.source.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.log.WithError(err).Warn("Failed to read block height")
			}
			continue
		}
		if !started {
			// Skip history on first contact
			next, started = head+1, true
			continue
		}
		for next <= head && ctx.Err() == nil {
			to := head
			if to-next+1 > maxPollRange {
				to = next + maxPollRange - 1
			}
			window := q
			window.FromBlock = new(big.Int).SetUint64(next)
			window.ToBlock = new(big.Int).SetUint64(to)

			found, err := l.source.FilterLogs(ctx, window)
			if err != nil {
				if ctx.Err() == nil {
					l.log.WithError(err).WithFields(logrus.Fields{"from": next, "to": to}).Warn("Failed to filter logs")
				}
				break
			}
			for _, lg := range found {
				if ctx.Err() != nil {
					return
				}
				l.dispatch(lg, onEvent)
			}
			next = to + 1
		}
	}
}

func (l *Listener) dispatch(lg types.Log, onEvent func(model.ChainEvent)) {
	ev, ok := l.decode(lg)
	if !ok {
		return
	}
	metrics.ChainEvents.WithLabelValues(ev.EventName).Inc()
	l.log.WithFields(logrus.Fields{
		"event":   ev.EventName,
		"reserve": ev.ReserveAddress,
		"block":   ev.BlockNumber,
	}).Debug("Pool event")
	onEvent(ev)
}

// decode normalizes a log. Removed, unknown and reserve-less logs are dropped,
// as are reserves outside the tracked set.
func (l *Listener) decode(lg types.Log) (model.ChainEvent, bool) {
	if lg.Removed {
		return model.ChainEvent{}, false
	}
	if len(lg.Topics) < 2 {
		l.log.WithField("tx", lg.TxHash.Hex()).Debug("Skipping log without reserve topic")
		return model.ChainEvent{}, false
	}
	name, ok := l.topics[lg.Topics[0]]
	if !ok {
		l.log.WithField("topic", lg.Topics[0].Hex()).Debug("Skipping unknown event")
		return model.ChainEvent{}, false
	}
	reserve := common.BytesToAddress(lg.Topics[1].Bytes())
	if !l.IsTracked(reserve.Hex()) {
		return model.ChainEvent{}, false
	}
	return model.ChainEvent{
		EventName:       name,
		ReserveAddress:  reserve.Hex(),
		Timestamp:       l.now(),
		BlockNumber:     lg.BlockNumber,
		TransactionHash: lg.TxHash.Hex(),
	}, true
}
