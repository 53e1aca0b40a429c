// Package resilience provides supporting concurrency-control patterns
// for the shared-store client.
package resilience

import (
	"context"
	"errors"
	"time"
)

// Bulkhead bounds the number of concurrent operations. When the bound
// is exhausted, acquisition waits up to the caller's context deadline,
// then fails.
type Bulkhead struct {
	sem    chan struct{}
	maxCon int
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent operations.
func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bulkhead{
		sem:    make(chan struct{}, maxConcurrent),
		maxCon: maxConcurrent,
	}
}

// Execute runs fn once a slot is available, or returns ctx.Err() if the
// context is done first.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
		return fn()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryStrategy configures exponential backoff for Retry.
type RetryStrategy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// Retry implements retry with exponential backoff. It is used only for
// startup/health-check probes (e.g. the store client's initial Ping),
// never on the per-request admission path: a per-request store call
// must fail immediately so its caller can apply its own failure
// posture.
type Retry struct {
	strategy RetryStrategy
}

// NewRetry creates a Retry handler, applying defaults for zero fields.
func NewRetry(strategy RetryStrategy) *Retry {
	if strategy.MaxAttempts <= 0 {
		strategy.MaxAttempts = 3
	}
	if strategy.InitialInterval <= 0 {
		strategy.InitialInterval = time.Second
	}
	if strategy.MaxInterval <= 0 {
		strategy.MaxInterval = 30 * time.Second
	}
	if strategy.Multiplier <= 0 {
		strategy.Multiplier = 2.0
	}
	return &Retry{strategy: strategy}
}

// Execute runs fn, retrying with exponential backoff until it succeeds, the
// context is cancelled, or MaxAttempts is exhausted.
func (r *Retry) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	interval := r.strategy.InitialInterval

	for attempt := 0; attempt < r.strategy.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			interval = time.Duration(float64(interval) * r.strategy.Multiplier)
			if interval > r.strategy.MaxInterval {
				interval = r.strategy.MaxInterval
			}
		}
	}

	return lastErr
}
