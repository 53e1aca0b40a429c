package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrygate/ratelimiter/internal/errors"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := NewClient(Options{
		Addr:           mr.Addr(),
		MaxConnections: 10,
		OpTimeout:      time.Second,
	})
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestCheckAndIncrement_AdmitsUnderLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	now := time.Now().Unix()
	result, err := c.CheckAndIncrement(ctx, "user-1", 20, 60, now)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Equal(t, int64(1), result.Count)
}

func TestCheckAndIncrement_RejectsOverLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now().Unix()

	for i := 0; i < 20; i++ {
		result, err := c.CheckAndIncrement(ctx, "user-2", 20, 60, now)
		require.NoError(t, err)
		assert.True(t, result.Admitted)
	}

	result, err := c.CheckAndIncrement(ctx, "user-2", 20, 60, now)
	require.NoError(t, err)
	assert.False(t, result.Admitted)
	assert.Equal(t, int64(20), result.Count)
}

func TestCheckAndIncrement_MonotonicCount(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now().Unix()

	var last int64
	for i := 0; i < 5; i++ {
		result, err := c.CheckAndIncrement(ctx, "user-3", 100, 60, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, result.Count, last)
		last = result.Count
	}
}

func TestCheckAndIncrement_WindowRollover(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	windowStart := int64(0)
	for i := 0; i < 20; i++ {
		result, err := c.CheckAndIncrement(ctx, "user-4", 20, 60, windowStart+1)
		require.NoError(t, err)
		assert.True(t, result.Admitted)
	}

	result, err := c.CheckAndIncrement(ctx, "user-4", 20, 60, windowStart+59)
	require.NoError(t, err)
	assert.False(t, result.Admitted)

	nextWindow := windowStart + 61
	result, err = c.CheckAndIncrement(ctx, "user-4", 20, 60, nextWindow)
	require.NoError(t, err)
	assert.True(t, result.Admitted)
	assert.Equal(t, int64(1), result.Count)
}

func TestSetHealthAndGetHealth(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	meta, err := c.SetHealth(ctx, "DEGRADED", "operator", 0)
	require.NoError(t, err)
	assert.Equal(t, "DEGRADED", meta.Status)
	assert.Equal(t, "operator", meta.UpdatedBy)

	got, found, err := c.GetHealth(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "DEGRADED", got.Status)
}

func TestGetHealth_AbsentKey(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, found, err := c.GetHealth(ctx)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBumpAbuse_SetsTTLOnlyOnFirstIncrement(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	count, err := c.BumpAbuse(ctx, "1.2.3.4", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.True(t, mr.TTL("security:invalid_keys:1.2.3.4") > 0)

	count, err = c.BumpAbuse(ctx, "1.2.3.4", 300)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestIsBlockedAndBlock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	blocked, err := c.IsBlocked(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, c.Block(ctx, "5.6.7.8", 900))

	blocked, err = c.IsBlocked(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestResetCounters_DeletesAllWindowKeys(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now().Unix()

	_, err := c.CheckAndIncrement(ctx, "user-5", 100, 60, now)
	require.NoError(t, err)
	_, err = c.CheckAndIncrement(ctx, "user-5", 100, 60, now+3600)
	require.NoError(t, err)

	deleted, err := c.ResetCounters(ctx, "user-5")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	status, err := c.ReadStatus(ctx, "user-5", 60, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.Count)
}

func TestResetCountersMany_FansOutAcrossIdentities(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Now().Unix()

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		_, err := c.CheckAndIncrement(ctx, id, 100, 60, now)
		require.NoError(t, err)
	}

	deleted, err := c.ResetCountersMany(ctx, []string{"user-a", "user-b", "user-c"})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted["user-a"])
	assert.Equal(t, 1, deleted["user-b"])
	assert.Equal(t, 1, deleted["user-c"])

	for _, id := range []string{"user-a", "user-b", "user-c"} {
		status, err := c.ReadStatus(ctx, id, 60, now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.Count)
	}
}

func TestPing(t *testing.T) {
	c, _ := newTestClient(t)
	assert.NoError(t, c.Ping(context.Background()))
}

func TestExecute_CancelledContextYieldsCodedError(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CheckAndIncrement(ctx, "user-6", 10, 60, time.Now().Unix())
	require.Error(t, err)
	code, ok := errors.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, errors.StoreUnavailable, code)
}

func TestExecute_BreakerOpensAfterStoreDeath(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	mr.Close()

	for i := 0; i < 5; i++ {
		_, err := c.CheckAndIncrement(ctx, "user-7", 10, 60, 0)
		require.Error(t, err)
	}

	_, err := c.CheckAndIncrement(ctx, "user-7", 10, 60, 0)
	require.Error(t, err)
	code, ok := errors.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, errors.CircuitOpen, code)
	assert.NotNil(t, c.BreakerStats())
}
