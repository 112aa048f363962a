package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"
)

type Fanout struct {
	maxConcurrent  int
	limiter        *rate.Limiter
	retries        uint64
	initialBackoff time.Duration
}

func NewFanout(maxConcurrent int, limiter *rate.Limiter, retries uint64, initialBackoff time.Duration) *Fanout {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if initialBackoff <= 0 {
		initialBackoff = 250 * time.Millisecond
	}
	return &Fanout{
		maxConcurrent:  maxConcurrent,
		limiter:        limiter,
		retries:        retries,
		initialBackoff: initialBackoff,
	}
}

// Run calls fn for indexes [0, n) with at most maxConcurrent calls in flight.
// The returned slice holds the final error of each call.
func (f *Fanout) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	p := pool.New().WithMaxGoroutines(f.maxConcurrent)
	for i := 0; i < n; i++ {
		p.Go(func() {
			errs[i] = f.call(ctx, func() error { return fn(ctx, i) })
		})
	}
	p.Wait()
	return errs
}

func (f *Fanout) call(ctx context.Context, op func() error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.initialBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, f.retries), ctx)

	return backoff.Retry(func() error {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		return op()
	}, policy)
}
