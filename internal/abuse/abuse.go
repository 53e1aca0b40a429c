// Package abuse implements the abuse sub-limiter: per-source tracking
// of failed identity resolutions. Unlike the admission engine, it fails
// closed when the store is unavailable; the two postures are distinct
// on purpose and must not be unified behind a shared fallback helper.
package abuse

import (
	"context"
	"strconv"

	"github.com/sentrygate/ratelimiter/internal/errors"
)

// Store is the subset of the shared-store client the sub-limiter
// needs.
type Store interface {
	IsBlocked(ctx context.Context, source string) (bool, error)
	BumpAbuse(ctx context.Context, source string, ttlSeconds int) (int64, error)
	Block(ctx context.Context, source string, durationSeconds int) error
}

// Config carries the sub-limiter's thresholds.
type Config struct {
	MaxAttempts    int
	BlockSeconds   int
	CounterTTLSecs int
}

// Limiter counts invalid attempts per source and blocks repeat
// offenders.
type Limiter struct {
	store Store
	cfg   Config
}

// New constructs a Limiter backed by store.
func New(store Store, cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BlockSeconds <= 0 {
		cfg.BlockSeconds = 15 * 60
	}
	if cfg.CounterTTLSecs <= 0 {
		cfg.CounterTTLSecs = 5 * 60
	}
	return &Limiter{store: store, cfg: cfg}
}

// CheckBlocked reports whether source is already blocked. Called before
// identity resolution is even attempted: a positive result
// short-circuits the request with the blocked response. On store error
// this fails closed and treats the source as blocked, the same posture
// as RecordFailure.
func (l *Limiter) CheckBlocked(ctx context.Context, source string) (bool, error) {
	blocked, err := l.store.IsBlocked(ctx, source)
	if err != nil {
		return true, errors.New(errors.IPBlocked, "abuse store unavailable, failing closed").
			WithSource(errors.SourceAbuse).WithCause(err)
	}
	return blocked, nil
}

// RecordFailure bumps source's invalid-attempt counter and blocks it
// once the configured threshold is exceeded. originalErr is the
// identity error the caller would otherwise have returned; RecordFailure
// returns it unchanged unless the source crosses the block threshold,
// in which case it returns an IPBlocked error instead.
//
// If the store itself is unavailable, the sub-limiter fails closed: it
// returns IPBlocked rather than letting the original identity error
// through, because losing visibility into attempt counts is a reason
// to deny unauthenticated traffic, not to admit it.
func (l *Limiter) RecordFailure(ctx context.Context, source string, originalErr error) error {
	count, err := l.store.BumpAbuse(ctx, source, l.cfg.CounterTTLSecs)
	if err != nil {
		return errors.New(errors.IPBlocked, "abuse store unavailable, failing closed").
			WithSource(errors.SourceAbuse).WithCause(err)
	}

	if count > int64(l.cfg.MaxAttempts) {
		if blockErr := l.store.Block(ctx, source, l.cfg.BlockSeconds); blockErr != nil {
			return errors.New(errors.IPBlocked, "abuse store unavailable, failing closed").
				WithSource(errors.SourceAbuse).WithCause(blockErr)
		}
		return errors.New(errors.IPBlocked, "source blocked for repeated invalid attempts").
			WithSource(errors.SourceAbuse).AddInfo("retry_after", strconv.Itoa(l.cfg.BlockSeconds))
	}

	return originalErr
}
