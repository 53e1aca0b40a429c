// Package health implements the health oracle: a short-TTL,
// race-tolerant local cache in front of the shared store's global
// health state.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sentrygate/ratelimiter/internal/policy"
	"github.com/sentrygate/ratelimiter/internal/store"
)

// States recognised by the oracle. Get passes any other value read from
// the store through unchanged; Metadata.Health maps it to
// policy.HealthUnknown.
const (
	StatusNormal   = "NORMAL"
	StatusDegraded = "DEGRADED"
)

// Metadata is the health value plus its provenance, returned by Get.
type Metadata struct {
	Status    string
	Timestamp int64
	UpdatedBy string
}

// Health converts the string status into the policy package's tagged
// variant.
func (m Metadata) Health() policy.Health {
	switch m.Status {
	case StatusNormal:
		return policy.HealthNormal
	case StatusDegraded:
		return policy.HealthDegraded
	default:
		return policy.HealthUnknown
	}
}

// entry is published as one immutable value via atomic.Pointer so
// racing cache misses may both fetch and the last write wins, without
// a lock or a torn read.
type entry struct {
	value     Metadata
	fetchedAt time.Time
}

// Getter is the minimal interface Oracle needs from the Shared-Store
// Client; kept separate from internal/store.Client's full surface so
// tests can supply a fake without standing up miniredis.
type Getter interface {
	GetHealth(ctx context.Context) (store.HealthMetadata, bool, error)
}

// Oracle is the Health Oracle collaborator.
type Oracle struct {
	store    Getter
	cacheTTL time.Duration
	cached   atomic.Pointer[entry]
}

// New constructs an Oracle backed by store, with the given cache TTL
// (default 2s if ttl <= 0).
func New(store Getter, ttl time.Duration) *Oracle {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &Oracle{store: store, cacheTTL: ttl}
}

// Get returns the current health, consulting the local cache if it is
// still fresh and fetching from the store otherwise. On fetch failure
// it fails open to NORMAL, actor "fallback": a transient inability to
// read health must not degrade good-actor traffic.
func (o *Oracle) Get(ctx context.Context) Metadata {
	if cached := o.cached.Load(); cached != nil && time.Since(cached.fetchedAt) < o.cacheTTL {
		return cached.value
	}

	meta, found, err := o.store.GetHealth(ctx)
	var value Metadata
	switch {
	case err != nil:
		value = Metadata{Status: StatusNormal, UpdatedBy: "fallback", Timestamp: time.Now().Unix()}
	case !found:
		value = Metadata{Status: StatusNormal, UpdatedBy: "system", Timestamp: time.Now().Unix()}
	default:
		value = Metadata{Status: meta.Status, Timestamp: meta.Timestamp, UpdatedBy: meta.UpdatedBy}
	}

	o.cached.Store(&entry{value: value, fetchedAt: time.Now()})
	return value
}

// InvalidateCache forces the next Get to re-fetch from the store,
// regardless of TTL. Used by admin set_health so an operator's change
// is observable on the writing instance immediately rather than after
// waiting out its own cache TTL.
func (o *Oracle) InvalidateCache() {
	o.cached.Store(nil)
}
