// Package history records a daily yield snapshot on a cron schedule.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/aave-yield-cache/internal/metrics"
	"github.com/yourorg/aave-yield-cache/internal/model"
	"github.com/yourorg/aave-yield-cache/internal/store"
)

// DefaultMaxAge bounds how old an observed snapshot may be to be reused.
const DefaultMaxAge = 15 * time.Minute

// runTimeout bounds one scheduled run.
const runTimeout = 2 * time.Minute

// ErrNoData is returned when there is nothing to record.
var ErrNoData = errors.New("no yield data to record")

// Writer persists a day's snapshot.
type Writer interface {
	WriteDaily(ctx context.Context, assets []model.AssetYieldSnapshot, day time.Time) (store.WriteResult, error)
}

// Fetcher reads a fresh snapshot from the chain.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]model.AssetYieldSnapshot, error)
}

// Job writes the daily snapshot. It reuses the last snapshot seen by the
// update worker when that is recent enough and reads the chain otherwise.
type Job struct {
	writer  Writer
	fetcher Fetcher
	maxAge  time.Duration

	mu     sync.Mutex
	last   []model.AssetYieldSnapshot
	lastAt time.Time

	now func() time.Time
	log *logrus.Entry
}

// NewJob creates a job. maxAge <= 0 uses DefaultMaxAge.
func NewJob(writer Writer, fetcher Fetcher, maxAge time.Duration) *Job {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Job{
		writer:  writer,
		fetcher: fetcher,
		maxAge:  maxAge,
		now:     time.Now,
		log:     logrus.WithField("component", "history"),
	}
}

// Observe remembers the latest snapshot. Its signature matches the worker's
// update hook.
func (j *Job) Observe(_ context.Context, assets []model.AssetYieldSnapshot, at time.Time) {
	j.mu.Lock()
	j.last = assets
	j.lastAt = at
	j.mu.Unlock()
}

func (j *Job) snapshot(ctx context.Context) ([]model.AssetYieldSnapshot, error) {
	j.mu.Lock()
	last, lastAt := j.last, j.lastAt
	j.mu.Unlock()

	if len(last) > 0 && j.now().Sub(lastAt) <= j.maxAge {
		return last, nil
	}
	if j.fetcher == nil {
		return nil, ErrNoData
	}
	assets, err := j.fetcher.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch yields: %w", err)
	}
	if len(assets) == 0 {
		return nil, ErrNoData
	}
	return assets, nil
}

// Run writes today's snapshot.
func (j *Job) Run(ctx context.Context) (store.WriteResult, error) {
	assets, err := j.snapshot(ctx)
	if err != nil {
		metrics.SnapshotsWritten.WithLabelValues("failed").Inc()
		return store.WriteResult{}, err
	}

	res, err := j.writer.WriteDaily(ctx, assets, j.now())
	if err != nil {
		metrics.SnapshotsWritten.WithLabelValues("failed").Inc()
		return res, fmt.Errorf("write daily snapshot: %w", err)
	}
	metrics.SnapshotsWritten.WithLabelValues("ok").Add(float64(res.Inserted))
	if res.Errors > 0 {
		metrics.SnapshotsWritten.WithLabelValues("error").Add(float64(res.Errors))
	}
	return res, nil
}

// Schedule runs the job on a standard five-field cron spec, evaluated in UTC.
// The caller starts and stops the returned scheduler.
func Schedule(ctx context.Context, spec string, job *Job) (*cron.Cron, error) {
	logger := cron.PrintfLogger(job.log)
	c := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(logger)))

	_, err := c.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, runTimeout)
		defer cancel()
		if _, err := job.Run(rctx); err != nil {
			job.log.WithError(err).Error("Scheduled snapshot failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", spec, err)
	}
	return c, nil
}
