package engine

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"ibbroker/internal/broker"
)

// Pool bounds the number of gateway operations in flight.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool returns a pool with size worker slots.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size))}
}

// Run executes fn once a slot is free. If ctx ends first, fn is never called
// and ctx.Err() is returned.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// waitTicks blocks until every ticker has its first tick, limit elapses, or
// ctx ends. Running out of time is not an error: callers read whatever has
// arrived.
func waitTicks(ctx context.Context, limit time.Duration, tickers ...*broker.Ticker) error {
	timer := time.NewTimer(limit)
	defer timer.Stop()

	for _, t := range tickers {
		select {
		case <-t.Ready():
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// waitStatus blocks until the trade reports a status, limit elapses, or ctx
// ends, and returns the status seen.
func waitStatus(ctx context.Context, limit time.Duration, trade *broker.Trade) string {
	changed := trade.StatusChanged()
	if s := trade.Status(); s != "" {
		return s
	}

	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-changed:
	case <-timer.C:
	case <-ctx.Done():
	}
	return trade.Status()
}
