// Package admission implements the admission engine: the state-free
// per-request orchestrator tying together the identity directory,
// health oracle, limit policy, and shared-store client.
package admission

import (
	"context"
	"time"

	"github.com/sentrygate/ratelimiter/internal/errors"
	"github.com/sentrygate/ratelimiter/internal/health"
	"github.com/sentrygate/ratelimiter/internal/identity"
	"github.com/sentrygate/ratelimiter/internal/policy"
	"github.com/sentrygate/ratelimiter/internal/store"
	"github.com/sentrygate/ratelimiter/internal/tracing"
)

// Decision is the transient admission decision record for one request.
// Never persisted.
type Decision struct {
	Admitted     bool
	Limit        int
	Remaining    int
	ResetAtEpoch int64
	Identity     string
	Tier         string
	Health       string
}

// Directory is the subset of the identity directory the engine needs.
type Directory interface {
	Resolve(key string) (identity.Binding, error)
}

// HealthReader is the subset of the health oracle the engine needs.
type HealthReader interface {
	Get(ctx context.Context) health.Metadata
}

// Store is the subset of the shared-store client the engine needs.
type Store interface {
	CheckAndIncrement(ctx context.Context, identity string, limit int, window int, now int64) (store.CheckResult, error)
}

// TierLookup resolves a tier name to its descriptor, as loaded from
// configuration.
type TierLookup func(name string) (policy.Descriptor, bool)

// Engine orchestrates one admission decision per request.
type Engine struct {
	directory  Directory
	health     HealthReader
	store      Store
	tierLookup TierLookup
	tracer     *tracing.TracerProvider
	now        func() time.Time
}

// New constructs an Engine.
func New(directory Directory, healthReader HealthReader, storeClient Store, tierLookup TierLookup) *Engine {
	return &Engine{
		directory:  directory,
		health:     healthReader,
		store:      storeClient,
		tierLookup: tierLookup,
		now:        time.Now,
	}
}

// WithTracer attaches a tracer provider. Spans are skipped when unset.
func (e *Engine) WithTracer(tp *tracing.TracerProvider) *Engine {
	e.tracer = tp
	return e
}

// Admit runs the full decision chain for one already-format-validated
// key: resolve identity, read health, select the effective limit, and
// check the shared counter. Identity errors propagate unchanged so the
// caller can route them through the abuse sub-limiter.
func (e *Engine) Admit(ctx context.Context, key string) (Decision, error) {
	if e.tracer != nil {
		spanCtx, span := e.tracer.StartSpan(ctx, tracing.SpanAdmission)
		defer span.End()
		ctx = spanCtx
	}
	span := tracing.SpanFromContext(ctx)

	binding, err := e.directory.Resolve(key)
	if err != nil {
		span.RecordError(err)
		return Decision{}, err
	}
	span.SetAttributes(
		tracing.AttributeIdentity.String(binding.Identity),
		tracing.AttributeTier.String(binding.Tier))

	descriptor, ok := e.tierLookup(binding.Tier)
	tier := policy.TierFromName(binding.Tier)
	if !ok {
		// Unknown tier name from the directory: collapse to the
		// policy table's "unknown tier" column with a conservative
		// single-request descriptor so a typo'd tier can never exceed
		// the base floor.
		descriptor = policy.Descriptor{Base: 1, Burst: 1, Degraded: 1, Window: 60}
		tier = policy.TierUnknown
	}

	healthMeta := e.health.Get(ctx)
	span.SetAttributes(tracing.AttributeHealth.String(healthMeta.Status))
	effectiveLimit := policy.EffectiveLimit(tier, healthMeta.Health(), descriptor)

	now := e.now().Unix()
	result, err := e.store.CheckAndIncrement(ctx, binding.Identity, effectiveLimit, descriptor.Window, now)
	if err != nil {
		if code, isCoded := errors.CodeOf(err); isCoded && (code == errors.CircuitOpen || code == errors.StoreUnavailable) {
			// The counter plane being down must not cause a global
			// outage: admit with one token of headroom.
			span.SetAttributes(tracing.AttributeDecision.Bool(true))
			return Decision{
				Admitted:     true,
				Limit:        effectiveLimit,
				Remaining:    1,
				ResetAtEpoch: now + int64(descriptor.Window),
				Identity:     binding.Identity,
				Tier:         binding.Tier,
				Health:       healthMeta.Status,
			}, nil
		}
		span.RecordError(err)
		return Decision{}, err
	}
	span.SetAttributes(tracing.AttributeDecision.Bool(result.Admitted))

	remaining := 0
	if result.Admitted {
		remaining = effectiveLimit - int(result.Count)
		if remaining < 0 {
			remaining = 0
		}
	}

	return Decision{
		Admitted:     result.Admitted,
		Limit:        effectiveLimit,
		Remaining:    remaining,
		ResetAtEpoch: result.ResetEpoch,
		Identity:     binding.Identity,
		Tier:         binding.Tier,
		Health:       healthMeta.Status,
	}, nil
}
