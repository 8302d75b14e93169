package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/aave-yield-cache/internal/model"
	"github.com/yourorg/aave-yield-cache/internal/store"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]model.AssetYieldSnapshot
	days   []time.Time
	err    error
}

func (w *recordingWriter) WriteDaily(_ context.Context, assets []model.AssetYieldSnapshot, day time.Time) (store.WriteResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return store.WriteResult{}, w.err
	}
	w.writes = append(w.writes, assets)
	w.days = append(w.days, day)
	return store.WriteResult{Date: day.UTC().Format(store.DateLayout), TotalAssets: len(assets), Inserted: len(assets)}, nil
}

type countingFetcher struct {
	calls  int
	assets []model.AssetYieldSnapshot
	err    error
}

func (f *countingFetcher) FetchAll(context.Context) ([]model.AssetYieldSnapshot, error) {
	f.calls++
	return f.assets, f.err
}

var (
	observed = []model.AssetYieldSnapshot{{Symbol: "USDC", SupplyAPY: 4}}
	fetched  = []model.AssetYieldSnapshot{{Symbol: "USDC", SupplyAPY: 4.1}, {Symbol: "WETH", SupplyAPY: 2}}
)

func newTestJob(w Writer, f Fetcher, now time.Time) *Job {
	j := NewJob(w, f, 10*time.Minute)
	j.now = func() time.Time { return now }
	return j
}

func TestRun_UsesRecentObservation(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 5, 0, time.UTC)
	w := &recordingWriter{}
	f := &countingFetcher{assets: fetched}
	j := newTestJob(w, f, now)

	j.Observe(context.Background(), observed, now.Add(-time.Minute))
	res, err := j.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "2024-05-01", res.Date)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, f.calls)
	require.Len(t, w.writes, 1)
	assert.Equal(t, observed, w.writes[0])
}

func TestRun_StaleObservationFetches(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 5, 0, time.UTC)
	w := &recordingWriter{}
	f := &countingFetcher{assets: fetched}
	j := newTestJob(w, f, now)

	j.Observe(context.Background(), observed, now.Add(-time.Hour))
	res, err := j.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalAssets)
	assert.Equal(t, 1, f.calls)
}

func TestRun_Errors(t *testing.T) {
	now := time.Now()

	_, err := newTestJob(&recordingWriter{}, nil, now).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoData)

	_, err = newTestJob(&recordingWriter{}, &countingFetcher{}, now).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoData)

	rpcErr := errors.New("rpc down")
	_, err = newTestJob(&recordingWriter{}, &countingFetcher{err: rpcErr}, now).Run(context.Background())
	assert.ErrorIs(t, err, rpcErr)

	dbErr := errors.New("db down")
	_, err = newTestJob(&recordingWriter{err: dbErr}, &countingFetcher{assets: fetched}, now).Run(context.Background())
	assert.ErrorIs(t, err, dbErr)
}

func TestSchedule(t *testing.T) {
	j := NewJob(&recordingWriter{}, nil, 0)

	c, err := Schedule(context.Background(), "0 0 * * *", j)
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)

	next := c.Entries()[0].Schedule.Next(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC))
	assert.True(t, next.Equal(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)), "next run %s", next)

	_, err = Schedule(context.Background(), "not a cron spec", j)
	assert.Error(t, err)
}
