package events

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aave-yield-cache/internal/model"
)

var (
	poolAddr = common.HexToAddress(DefaultPoolAddress)
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	weth     = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

	topicReserveDataUpdated = crypto.Keccak256Hash([]byte("ReserveDataUpdated(address,uint256,uint256,uint256,uint256,uint256)"))
	topicSupply             = crypto.Keccak256Hash([]byte("Supply(address,address,address,uint256,uint16)"))
	topicWithdraw           = crypto.Keccak256Hash([]byte("Withdraw(address,address,address,uint256)"))
)

func poolLog(topic common.Hash, reserve common.Address, block uint64) types.Log {
	return types.Log{
		Address:     poolAddr,
		Topics:      []common.Hash{topic, common.BytesToHash(reserve.Bytes())},
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
	}
}

type fakeSub struct {
	errc chan error
	once sync.Once
}

func newFakeSub() *fakeSub { return &fakeSub{errc: make(chan error, 1)} }

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeSource struct {
	mu         sync.Mutex
	subscribeE error
	subs       []*fakeSub
	sink       chan<- types.Log
	queries    []ethereum.FilterQuery

	head     atomic.Uint64
	filtered map[uint64][]types.Log
}

func (f *fakeSource) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeE != nil {
		return nil, f.subscribeE
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	f.sink = ch
	return sub, nil
}

func (f *fakeSource) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	var out []types.Log
	for b := q.FromBlock.Uint64(); b <= q.ToBlock.Uint64(); b++ {
		out = append(out, f.filtered[b]...)
	}
	return out, nil
}

func (f *fakeSource) BlockNumber(ctx context.Context) (uint64, error) {
	return f.head.Load(), nil
}

func (f *fakeSource) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSource) send(lg types.Log) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink <- lg
}

type recorder struct {
	mu     sync.Mutex
	events []model.ChainEvent
}

func (r *recorder) on(ev model.ChainEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []model.ChainEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ChainEvent(nil), r.events...)
}

func newTestListener(t *testing.T, src LogSource) *Listener {
	t.Helper()
	l, err := NewListener(src, poolAddr, 10*time.Millisecond)
	require.NoError(t, err)
	return l
}

func TestNewListener_TopicsMatchSignatures(t *testing.T) {
	l := newTestListener(t, &fakeSource{})
	assert.Len(t, l.topics, len(WatchedEvents))
	assert.Equal(t, "ReserveDataUpdated", l.topics[topicReserveDataUpdated])
	assert.Equal(t, "Supply", l.topics[topicSupply])
	assert.Equal(t, "Withdraw", l.topics[topicWithdraw])

	q := l.query()
	assert.Equal(t, []common.Address{poolAddr}, q.Addresses)
	require.Len(t, q.Topics, 1)
	assert.Len(t, q.Topics[0], len(WatchedEvents))
}

func TestTrackedSet(t *testing.T) {
	l := newTestListener(t, &fakeSource{})

	assert.True(t, l.IsTracked(usdc.Hex()), "empty set passes everything")

	l.SetTracked([]string{usdc.Hex()})
	assert.True(t, l.IsTracked("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"))
	assert.False(t, l.IsTracked(weth.Hex()))

	l.SetTracked([]string{weth.Hex()})
	assert.Equal(t, 1, l.TrackedCount())
	assert.False(t, l.IsTracked(usdc.Hex()))
	assert.True(t, l.IsTracked(weth.Hex()))
}

func TestDecode(t *testing.T) {
	l := newTestListener(t, &fakeSource{})
	l.SetTracked([]string{usdc.Hex()})
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	removed := poolLog(topicSupply, usdc, 1)
	removed.Removed = true

	tests := []struct {
		name string
		log  types.Log
		ok   bool
		want string
	}{
		{"tracked reserve", poolLog(topicReserveDataUpdated, usdc, 10), true, "ReserveDataUpdated"},
		{"untracked reserve", poolLog(topicSupply, weth, 10), false, ""},
		{"removed log", removed, false, ""},
		{"unknown topic", poolLog(common.HexToHash("0xdead"), usdc, 10), false, ""},
		{"no reserve topic", types.Log{Topics: []common.Hash{topicSupply}}, false, ""},
		{"no topics", types.Log{}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := l.decode(tt.log)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, ev.EventName)
				assert.Equal(t, usdc.Hex(), ev.ReserveAddress)
				assert.Equal(t, uint64(10), ev.BlockNumber)
				assert.Equal(t, fixed, ev.Timestamp)
				assert.Equal(t, tt.log.TxHash.Hex(), ev.TransactionHash)
			}
		})
	}
}

func TestSubscribe_PushMode(t *testing.T) {
	src := &fakeSource{}
	l := newTestListener(t, src)
	l.SetTracked([]string{usdc.Hex()})
	rec := &recorder{}

	unsubscribe, err := l.Subscribe(context.Background(), rec.on)
	require.NoError(t, err)

	src.send(poolLog(topicSupply, weth, 1))
	src.send(poolLog(topicSupply, usdc, 2))
	src.send(poolLog(topicReserveDataUpdated, usdc, 3))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	got := rec.snapshot()
	assert.Equal(t, "Supply", got[0].EventName)
	assert.Equal(t, "ReserveDataUpdated", got[1].EventName)

	unsubscribe()
	unsubscribe()
}

func TestSubscribe_PushResubscribesAfterError(t *testing.T) {
	src := &fakeSource{}
	l := newTestListener(t, src)
	rec := &recorder{}

	unsubscribe, err := l.Subscribe(context.Background(), rec.on)
	require.NoError(t, err)
	defer unsubscribe()

	require.Eventually(t, func() bool { return src.subCount() == 1 }, time.Second, 5*time.Millisecond)
	src.mu.Lock()
	src.subs[0].errc <- errors.New("websocket closed")
	src.mu.Unlock()

	require.Eventually(t, func() bool { return src.subCount() == 2 }, time.Second, 5*time.Millisecond)
	src.send(poolLog(topicWithdraw, weth, 9))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribe_NoCallbackAfterUnsubscribe(t *testing.T) {
	src := &fakeSource{}
	l := newTestListener(t, src)
	var calls atomic.Int32

	unsubscribe, err := l.Subscribe(context.Background(), func(model.ChainEvent) { calls.Add(1) })
	require.NoError(t, err)

	src.send(poolLog(topicSupply, usdc, 1))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	unsubscribe()
	before := calls.Load()
	src.send(poolLog(topicSupply, usdc, 2))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, before, calls.Load())
}

func TestSubscribe_PollFallback(t *testing.T) {
	src := &fakeSource{
		subscribeE: rpc.ErrNotificationsUnsupported,
		filtered: map[uint64][]types.Log{
			100: {poolLog(topicSupply, usdc, 100)},
			101: {poolLog(topicReserveDataUpdated, usdc, 101)},
			102: {poolLog(topicSupply, weth, 102)},
		},
	}
	src.head.Store(100)

	l := newTestListener(t, src)
	l.SetTracked([]string{usdc.Hex()})
	rec := &recorder{}

	unsubscribe, err := l.Subscribe(context.Background(), rec.on)
	require.NoError(t, err)
	defer unsubscribe()

	// Block 100 is history at subscribe time and must not be replayed
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	src.head.Store(102)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	ev := rec.snapshot()[0]
	assert.Equal(t, "ReserveDataUpdated", ev.EventName)
	assert.Equal(t, uint64(101), ev.BlockNumber)

	src.mu.Lock()
	for _, q := range src.queries {
		assert.LessOrEqual(t, q.FromBlock.Uint64(), q.ToBlock.Uint64())
		assert.GreaterOrEqual(t, q.FromBlock.Uint64(), uint64(101))
	}
	src.mu.Unlock()
}

func TestSubscribe_Errors(t *testing.T) {
	l := newTestListener(t, &fakeSource{subscribeE: errors.New("dial refused")})

	_, err := l.Subscribe(context.Background(), func(model.ChainEvent) {})
	assert.ErrorContains(t, err, "dial refused")

	_, err = l.Subscribe(context.Background(), nil)
	assert.Error(t, err)
}
