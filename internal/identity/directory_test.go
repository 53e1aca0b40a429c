package identity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentrygate/ratelimiter/internal/errors"
)

func TestResolve_KnownKey(t *testing.T) {
	d := New(
		map[string]string{"abcdefghij0001": "user-1"},
		map[string]string{"user-1": "pro"},
	)

	b, err := d.Resolve("abcdefghij0001")
	assert.NoError(t, err)
	assert.Equal(t, "user-1", b.Identity)
	assert.Equal(t, "pro", b.Tier)
}

func TestResolve_UnknownKey(t *testing.T) {
	d := New(map[string]string{}, map[string]string{})

	_, err := d.Resolve("nosuchkeyyyyyyy")
	code, ok := errors.CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, errors.UnknownKey, code)
}

func TestValidateFormat(t *testing.T) {
	assert.NoError(t, ValidateFormat("abcdefghij0001"))

	code, ok := errors.CodeOf(ValidateFormat(""))
	assert.True(t, ok)
	assert.Equal(t, errors.EmptyKey, code)

	code, ok = errors.CodeOf(ValidateFormat("short"))
	assert.True(t, ok)
	assert.Equal(t, errors.MalformedKey, code)

	code, ok = errors.CodeOf(ValidateFormat("has a space in it!!"))
	assert.True(t, ok)
	assert.Equal(t, errors.MalformedKey, code)
}

func TestReload_AtomicSwap(t *testing.T) {
	d := New(
		map[string]string{"abcdefghij0001": "user-1"},
		map[string]string{"user-1": "free"},
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Reload(
			map[string]string{"abcdefghij0002": "user-2"},
			map[string]string{"user-2": "enterprise"},
		)
	}()
	wg.Wait()

	b, err := d.Resolve("abcdefghij0002")
	assert.NoError(t, err)
	assert.Equal(t, "enterprise", b.Tier)

	_, err = d.Resolve("abcdefghij0001")
	assert.Error(t, err)
}
