// Package store implements the shared-store client: a circuit-breaker-
// and bulkhead-wrapped Redis client exposing the atomic counter
// protocol, health read/write, and abuse-counter primitives the rest of
// the engine is built on.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sourcegraph/conc/pool"

	"github.com/sentrygate/ratelimiter/internal/circuit"
	"github.com/sentrygate/ratelimiter/internal/errors"
	"github.com/sentrygate/ratelimiter/internal/resilience"
)

// checkAndIncrementScript keeps read-compare-increment as one unit on
// the store side, since instances share no local state: read current
// count (absent -> 0); if at or over limit, ensure the key's TTL is set
// and return a rejection; otherwise increment and refresh the TTL
// unconditionally so clock jitter between instance and store never
// expires the key early.
const checkAndIncrementScript = `
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local window_start = math.floor(now / window) * window
local current = redis.call('GET', key)
if current == false then
	current = 0
else
	current = tonumber(current)
end

if current >= limit then
	local ttl = redis.call('TTL', key)
	if ttl == -1 then
		redis.call('EXPIRE', key, window)
	end
	return {0, current, window_start + window}
end

local new_count = redis.call('INCR', key)
redis.call('EXPIRE', key, window + 1)
return {1, new_count, window_start + window}
`

// healthScript performs the health write's HSET+optional-EXPIRE+HGETALL
// as one unit so readers never observe a half-written hash.
const healthScript = `
local key = KEYS[1]
local status = ARGV[1]
local timestamp = ARGV[2]
local actor = ARGV[3]
local ttl = tonumber(ARGV[4])

redis.call('HSET', key, 'status', status, 'timestamp', timestamp, 'updated_by', actor)
if ttl > 0 then
	redis.call('EXPIRE', key, ttl)
end
return redis.call('HGETALL', key)
`

const (
	windowKeyPrefix  = "rate_limit:user:"
	healthKey        = "system:health"
	invalidKeyPrefix = "security:invalid_keys:"
	blockedKeyPrefix = "security:blocked_ip:"
)

// CheckResult is the outcome of one atomic counter check.
type CheckResult struct {
	Admitted   bool
	Count      int64
	ResetEpoch int64
}

// StatusResult is a non-mutating snapshot of one window's counter.
type StatusResult struct {
	Count       int64
	WindowStart int64
	WindowEnd   int64
	TTL         int64
}

// HealthMetadata is the health hash's field set.
type HealthMetadata struct {
	Status    string
	Timestamp int64
	UpdatedBy string
}

// OperationRecorder receives a status ("ok", "circuit_open", "error") for
// every Shared-Store Client call, for the Prometheus store_operations_total
// counter. Kept as a narrow interface so the store package does not need
// to import pkg/metrics directly.
type OperationRecorder interface {
	RecordStoreOperation(operation, status string)
}

// Options configures a Client.
type Options struct {
	Addr             string
	Password         string
	DB               int
	MaxConnections   int
	OpTimeout        time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	OnBreakerChange  func(name string, from, to circuit.State)
	Recorder         OperationRecorder
}

// Client is the shared-store client. Every Redis call goes through the
// circuit breaker; the bulkhead bounds concurrent in-flight calls ahead
// of the connection pool.
type Client struct {
	rdb       *redis.Client
	breaker   *circuit.Breaker
	bulkhead  *resilience.Bulkhead
	monitor   *circuit.Monitor
	recorder  OperationRecorder
	opTimeout time.Duration
}

// NewClient constructs a Client and its underlying redis.Client. It does
// not dial; the first real call (or Ping) establishes the connection.
func NewClient(opts Options) *Client {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 5 * time.Millisecond
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 50
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.MaxConnections,
		DialTimeout:  opts.OpTimeout,
		ReadTimeout:  opts.OpTimeout,
		WriteTimeout: opts.OpTimeout,
	})

	monitor := circuit.NewMonitor()
	breaker := circuit.NewBreaker(circuit.Options{
		Name:             "store",
		FailureThreshold: opts.FailureThreshold,
		ResetTimeout:     opts.ResetTimeout,
		OnStateChange: func(name string, from, to circuit.State) {
			monitor.OnStateChange(name, from, to)
			if opts.OnBreakerChange != nil {
				opts.OnBreakerChange(name, from, to)
			}
		},
	})

	return &Client{
		rdb:       rdb,
		breaker:   breaker,
		bulkhead:  resilience.NewBulkhead(opts.MaxConnections),
		monitor:   monitor,
		recorder:  opts.Recorder,
		opTimeout: opts.OpTimeout,
	}
}

// Breaker exposes the underlying circuit breaker for the admin status
// surface.
func (c *Client) Breaker() *circuit.Breaker { return c.breaker }

// BreakerStats reports the monitor's accumulated request/failure
// counters for the store breaker, for the admin circuit-status surface.
func (c *Client) BreakerStats() *circuit.Stats {
	return c.monitor.GetStats(c.breaker.Name())
}

// execute runs fn through the bulkhead and circuit breaker, translating
// the bulkhead's context error and the breaker's open-circuit sentinel
// into errors.StoreUnavailable / errors.CircuitOpen respectively so
// callers can branch on a stable taxonomy. operation names the
// Redis-level call for the operation-status metric.
func (c *Client) execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	// Waiting for a bulkhead slot is bounded by the per-operation timeout.
	acquireCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	err := c.bulkhead.Execute(acquireCtx, func() error {
		err := c.breaker.Execute(func() error {
			return fn(ctx)
		})

		status := "ok"
		if err != nil {
			c.monitor.OnFailure(c.breaker.Name())
			status = "error"
			if err == errors.CircuitOpen {
				status = "circuit_open"
			}
		} else {
			c.monitor.OnSuccess(c.breaker.Name())
		}
		if c.recorder != nil {
			c.recorder.RecordStoreOperation(operation, status)
		}

		if err == errors.CircuitOpen {
			return errors.New(errors.CircuitOpen, "store circuit is open").WithSource(errors.SourceStore)
		}
		if err != nil {
			return errors.New(errors.StoreUnavailable, "store operation failed").
				WithSource(errors.SourceStore).WithCause(err)
		}
		return nil
	})
	if err != nil {
		if _, coded := errors.CodeOf(err); !coded {
			// Bulkhead acquisition timed out before the breaker ever
			// ran; callers still need a coded error to apply their
			// failure posture.
			return errors.New(errors.StoreUnavailable, "store acquisition timed out").
				WithSource(errors.SourceStore).WithCause(err)
		}
		return err
	}
	return nil
}

func windowKey(identity string, windowStart int64) string {
	return fmt.Sprintf("%s%s:%d", windowKeyPrefix, identity, windowStart)
}

// CheckAndIncrement runs the atomic counter protocol for one
// identity/window/limit tuple.
func (c *Client) CheckAndIncrement(ctx context.Context, identity string, limit int, window int, now int64) (CheckResult, error) {
	windowStart := (now / int64(window)) * int64(window)
	key := windowKey(identity, windowStart)

	var result CheckResult
	err := c.execute(ctx, "check_and_increment", func(ctx context.Context) error {
		raw, err := c.rdb.Eval(ctx, checkAndIncrementScript, []string{key}, window, limit, now).Result()
		if err != nil {
			return err
		}
		values, ok := raw.([]interface{})
		if !ok || len(values) != 3 {
			return fmt.Errorf("unexpected script result shape: %#v", raw)
		}
		admitted, _ := toInt64(values[0])
		count, _ := toInt64(values[1])
		resetEpoch, _ := toInt64(values[2])
		result = CheckResult{Admitted: admitted == 1, Count: count, ResetEpoch: resetEpoch}
		return nil
	})
	return result, err
}

// ReadStatus reports the current window's counter state without
// mutating it.
func (c *Client) ReadStatus(ctx context.Context, identity string, window int, now int64) (StatusResult, error) {
	windowStart := (now / int64(window)) * int64(window)
	key := windowKey(identity, windowStart)

	var result StatusResult
	err := c.execute(ctx, "read_status", func(ctx context.Context) error {
		countStr, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			countStr = "0"
		} else if err != nil {
			return err
		}
		var count int64
		fmt.Sscanf(countStr, "%d", &count)

		ttl, err := c.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}

		result = StatusResult{
			Count:       count,
			WindowStart: windowStart,
			WindowEnd:   windowStart + int64(window),
			TTL:         int64(ttl.Seconds()),
		}
		return nil
	})
	return result, err
}

// SetHealth writes status/timestamp/actor directly to the store (never
// any local cache) with an optional TTL.
func (c *Client) SetHealth(ctx context.Context, status string, actor string, ttlSeconds int) (HealthMetadata, error) {
	now := time.Now().Unix()
	var meta HealthMetadata
	err := c.execute(ctx, "set_health", func(ctx context.Context) error {
		raw, err := c.rdb.Eval(ctx, healthScript, []string{healthKey}, status, now, actor, ttlSeconds).Result()
		if err != nil {
			return err
		}
		meta = parseHealthHash(raw)
		return nil
	})
	return meta, err
}

// GetHealth reads the global health hash. If the key is absent the
// caller (the health oracle) applies its expired-to-NORMAL rule; this
// method simply reports what the store holds.
func (c *Client) GetHealth(ctx context.Context) (HealthMetadata, bool, error) {
	var meta HealthMetadata
	var found bool
	err := c.execute(ctx, "get_health", func(ctx context.Context) error {
		raw, err := c.rdb.HGetAll(ctx, healthKey).Result()
		if err != nil {
			return err
		}
		if len(raw) == 0 {
			found = false
			return nil
		}
		found = true
		meta = HealthMetadata{Status: raw["status"], UpdatedBy: raw["updated_by"]}
		fmt.Sscanf(raw["timestamp"], "%d", &meta.Timestamp)
		return nil
	})
	return meta, found, err
}

// BumpAbuse increments the per-source invalid-attempt counter, setting
// the TTL only on the increment that creates the key.
func (c *Client) BumpAbuse(ctx context.Context, source string, ttlSeconds int) (int64, error) {
	key := invalidKeyPrefix + source
	var count int64
	err := c.execute(ctx, "bump_abuse", func(ctx context.Context) error {
		pipe := c.rdb.TxPipeline()
		incr := pipe.Incr(ctx, key)
		_, err := pipe.Exec(ctx)
		if err != nil {
			return err
		}
		count = incr.Val()
		if count == 1 {
			if err := c.rdb.Expire(ctx, key, time.Duration(ttlSeconds)*time.Second).Err(); err != nil {
				return err
			}
		}
		return nil
	})
	return count, err
}

// IsBlocked reports whether source currently has a block sentinel.
func (c *Client) IsBlocked(ctx context.Context, source string) (bool, error) {
	var blocked bool
	err := c.execute(ctx, "is_blocked", func(ctx context.Context) error {
		n, err := c.rdb.Exists(ctx, blockedKeyPrefix+source).Result()
		if err != nil {
			return err
		}
		blocked = n > 0
		return nil
	})
	return blocked, err
}

// Block sets the source-block sentinel with a TTL of durationSeconds.
func (c *Client) Block(ctx context.Context, source string, durationSeconds int) error {
	return c.execute(ctx, "block", func(ctx context.Context) error {
		return c.rdb.Set(ctx, blockedKeyPrefix+source, 1, time.Duration(durationSeconds)*time.Second).Err()
	})
}

// Ping is a liveness probe that also exercises the breaker, so a dead
// store opens the circuit instead of being rediscovered only on the
// next real request.
func (c *Client) Ping(ctx context.Context) error {
	return c.execute(ctx, "ping", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
}

// ResetCounters enumerates and deletes every window key for one
// identity via SCAN. A reset that only cleared the current window would
// leave stale future-window keys behind after a clock step.
func (c *Client) ResetCounters(ctx context.Context, identity string) (int, error) {
	pattern := windowKeyPrefix + identity + ":*"
	deleted := 0
	err := c.execute(ctx, "reset_counters", func(ctx context.Context) error {
		var cursor uint64
		for {
			keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			if len(keys) > 0 {
				n, err := c.rdb.Del(ctx, keys...).Result()
				if err != nil {
					return err
				}
				deleted += int(n)
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
		return nil
	})
	return deleted, err
}

// ResetCountersMany fans ResetCounters out over several identities
// concurrently, bounded to avoid opening more connections than the pool
// has available. Used by the bulk admin reset route so an operator
// clearing many identities at once does not pay for them serially.
func (c *Client) ResetCountersMany(ctx context.Context, identities []string) (map[string]int, error) {
	var mu sync.Mutex
	deleted := make(map[string]int, len(identities))

	p := pool.New().WithContext(ctx).WithMaxGoroutines(8).WithCancelOnError()
	for _, identity := range identities {
		identity := identity
		p.Go(func(ctx context.Context) error {
			n, err := c.ResetCounters(ctx, identity)
			if err != nil {
				return err
			}
			mu.Lock()
			deleted[identity] = n
			mu.Unlock()
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return deleted, err
	}
	return deleted, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func parseHealthHash(raw interface{}) HealthMetadata {
	values, ok := raw.([]interface{})
	if !ok {
		return HealthMetadata{}
	}
	fields := make(map[string]string, len(values)/2)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	meta := HealthMetadata{Status: fields["status"], UpdatedBy: fields["updated_by"]}
	fmt.Sscanf(fields["timestamp"], "%d", &meta.Timestamp)
	return meta
}
