package abuse

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	rlerrors "github.com/sentrygate/ratelimiter/internal/errors"
)

type fakeStore struct {
	blocked    bool
	blockedErr error
	count      int64
	bumpErr    error
	blockCalls int
	blockErr   error
}

func (f *fakeStore) IsBlocked(ctx context.Context, source string) (bool, error) {
	return f.blocked, f.blockedErr
}

func (f *fakeStore) BumpAbuse(ctx context.Context, source string, ttlSeconds int) (int64, error) {
	f.count++
	return f.count, f.bumpErr
}

func (f *fakeStore) Block(ctx context.Context, source string, durationSeconds int) error {
	f.blockCalls++
	return f.blockErr
}

func TestCheckBlocked_NotBlocked(t *testing.T) {
	s := &fakeStore{blocked: false}
	l := New(s, Config{MaxAttempts: 10, BlockSeconds: 900, CounterTTLSecs: 300})

	blocked, err := l.CheckBlocked(context.Background(), "1.2.3.4")
	assert.NoError(t, err)
	assert.False(t, blocked)
}

func TestCheckBlocked_FailsClosedOnStoreError(t *testing.T) {
	s := &fakeStore{blockedErr: errors.New("boom")}
	l := New(s, Config{MaxAttempts: 10, BlockSeconds: 900, CounterTTLSecs: 300})

	blocked, err := l.CheckBlocked(context.Background(), "1.2.3.4")
	assert.True(t, blocked)
	code, ok := rlerrors.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, rlerrors.IPBlocked, code)
}

func TestRecordFailure_UnderThresholdReturnsOriginalError(t *testing.T) {
	s := &fakeStore{}
	l := New(s, Config{MaxAttempts: 10, BlockSeconds: 900, CounterTTLSecs: 300})
	original := rlerrors.New(rlerrors.UnknownKey, "no such key")

	err := l.RecordFailure(context.Background(), "1.2.3.4", original)
	assert.Equal(t, original, err)
	assert.Equal(t, 0, s.blockCalls)
}

func TestRecordFailure_OverThresholdBlocksAndReturnsIPBlocked(t *testing.T) {
	s := &fakeStore{count: 10}
	l := New(s, Config{MaxAttempts: 10, BlockSeconds: 900, CounterTTLSecs: 300})
	original := rlerrors.New(rlerrors.UnknownKey, "no such key")

	err := l.RecordFailure(context.Background(), "1.2.3.4", original)
	code, ok := rlerrors.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, rlerrors.IPBlocked, code)
	assert.Equal(t, 1, s.blockCalls)
}

func TestRecordFailure_FailsClosedOnStoreError(t *testing.T) {
	s := &fakeStore{bumpErr: errors.New("boom")}
	l := New(s, Config{MaxAttempts: 10, BlockSeconds: 900, CounterTTLSecs: 300})
	original := rlerrors.New(rlerrors.UnknownKey, "no such key")

	err := l.RecordFailure(context.Background(), "1.2.3.4", original)
	code, ok := rlerrors.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, rlerrors.IPBlocked, code)
}
