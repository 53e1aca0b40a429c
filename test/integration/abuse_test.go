package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrygate/ratelimiter/internal/abuse"
	"github.com/sentrygate/ratelimiter/internal/admission"
	"github.com/sentrygate/ratelimiter/internal/health"
	"github.com/sentrygate/ratelimiter/internal/identity"
	"github.com/sentrygate/ratelimiter/internal/pipeline"
	"github.com/sentrygate/ratelimiter/internal/policy"
	"github.com/sentrygate/ratelimiter/internal/store"
)

// newRouter stands up the full middleware stack against a
// miniredis-backed store, the same wiring cmd/ratelimiterd performs.
// blockSeconds flows to both the sub-limiter and the adapter, as it
// does from the configuration document.
func newRouter(t *testing.T, blockSeconds int) *gin.Engine {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	storeClient := store.NewClient(store.Options{
		Addr:           mr.Addr(),
		MaxConnections: 10,
		OpTimeout:      time.Second,
	})
	t.Cleanup(func() { storeClient.Close() })

	directory := identity.New(
		map[string]string{"validkey000001": "user-1"},
		map[string]string{"user-1": "free"},
	)
	oracle := health.New(storeClient, 2*time.Second)
	tierLookup := func(name string) (policy.Descriptor, bool) {
		if name == "free" {
			return policy.Descriptor{Base: 10, Burst: 20, Degraded: 2, Window: 60}, true
		}
		return policy.Descriptor{}, false
	}
	engine := admission.New(directory, oracle, storeClient, tierLookup)
	abuseLimiter := abuse.New(storeClient, abuse.Config{
		MaxAttempts:    10,
		BlockSeconds:   blockSeconds,
		CounterTTLSecs: 300,
	})

	adapter := pipeline.New(engine, abuseLimiter, pipeline.Config{
		APIKeyHeader: "X-API-Key",
		BlockSeconds: blockSeconds,
	})

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(adapter.Middleware())
	r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func doRequest(r *gin.Engine, key, source string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	req.Header.Set("X-Forwarded-For", source)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		ErrorCode string `json:"error_code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.ErrorCode
}

// S4 - abuse block: repeated invalid-key attempts from one source return
// 401 until the threshold, then the source is blocked and even valid-key
// requests from it are rejected.
func TestScenario_AbuseBlock(t *testing.T) {
	r := newRouter(t, 900)
	const source = "1.2.3.4"

	for i := 0; i < 10; i++ {
		w := doRequest(r, "nosuchkey00001", source)
		require.Equalf(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
		assert.Equal(t, "INVALID_API_KEY", errorCode(t, w))
	}

	w := doRequest(r, "nosuchkey00001", source)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "IP_BLOCKED", errorCode(t, w))
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	// The block applies to the source, not the key: a valid key from the
	// same source is still rejected.
	w = doRequest(r, "validkey000001", source)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "IP_BLOCKED", errorCode(t, w))

	// A different source is unaffected.
	w = doRequest(r, "validkey000001", "5.6.7.8")
	assert.Equal(t, http.StatusOK, w.Code)
}

// An operator-configured block duration other than the default must be
// what both blocked-response paths advertise.
func TestScenario_AbuseBlockCustomDuration(t *testing.T) {
	r := newRouter(t, 600)
	const source = "4.3.2.1"

	for i := 0; i < 10; i++ {
		w := doRequest(r, "nosuchkey00001", source)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	// Threshold crossed: duration comes from the sub-limiter's error.
	w := doRequest(r, "nosuchkey00001", source)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "600", w.Header().Get("Retry-After"))

	// Already blocked: duration comes from the adapter's configuration.
	w = doRequest(r, "validkey000001", source)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "600", w.Header().Get("Retry-After"))
}

// Sources below the threshold keep receiving the original identity
// error, and valid traffic from them is never penalised.
func TestAbuse_UnderThresholdKeepsIdentityError(t *testing.T) {
	r := newRouter(t, 900)
	const source = "9.9.9.9"

	for i := 0; i < 3; i++ {
		w := doRequest(r, "nosuchkey00001", source)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := doRequest(r, "validkey000001", source)
	assert.Equal(t, http.StatusOK, w.Code)
}
