// Package pipeline implements the pipeline adapter: the gin middleware
// that sits at the edge of the admission pipeline, enforcing the fixed
// check order (exclusion -> source-block -> identity-resolution ->
// health -> policy -> counter) and shaping request/response headers.
package pipeline

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ryanuber/go-glob"
	"github.com/sirupsen/logrus"

	"github.com/sentrygate/ratelimiter/internal/abuse"
	"github.com/sentrygate/ratelimiter/internal/admission"
	"github.com/sentrygate/ratelimiter/internal/errors"
	"github.com/sentrygate/ratelimiter/internal/identity"
	"github.com/sentrygate/ratelimiter/internal/tracing"
)

// MetricsRecorder is the subset of pkg/metrics.Collector the adapter
// needs, kept narrow so this package does not import pkg/metrics
// directly.
type MetricsRecorder interface {
	RecordAdmission(tier, health string, admitted bool)
	RecordAbuseBlock(reason string)
}

// Config configures the adapter.
type Config struct {
	APIKeyHeader  string
	ExcludedPaths []string
	// BlockSeconds is the abuse block duration advertised in
	// Retry-After on blocked-source responses. Must match the abuse
	// sub-limiter's configured duration.
	BlockSeconds int
	Logger       *logrus.Logger
	Metrics      MetricsRecorder
	Tracer       *tracing.TracerProvider
}

// Adapter hosts the Admission Engine and Abuse Sub-Limiter behind a gin
// middleware.
type Adapter struct {
	engine       *admission.Engine
	abuseLimiter *abuse.Limiter
	cfg          Config
	logger       *logrus.Logger
}

// New constructs an Adapter.
func New(engine *admission.Engine, abuseLimiter *abuse.Limiter, cfg Config) *Adapter {
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	if cfg.BlockSeconds <= 0 {
		cfg.BlockSeconds = 900
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Adapter{engine: engine, abuseLimiter: abuseLimiter, cfg: cfg, logger: cfg.Logger}
}

func (a *Adapter) recordAdmission(tier, health string, admitted bool) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordAdmission(tier, health, admitted)
	}
}

func (a *Adapter) recordAbuseBlock(reason string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordAbuseBlock(reason)
	}
}

// isExcluded reports whether path matches one of the configured
// exclusion patterns: exact match, or a trailing-`/*` prefix match,
// normalised by trimming trailing slashes on both sides. Arbitrary
// go-glob patterns are accepted as a superset of the trailing-`/*`
// form.
func (a *Adapter) isExcluded(path string) bool {
	trimmedPath := strings.TrimRight(path, "/")
	for _, pattern := range a.cfg.ExcludedPaths {
		trimmedPattern := strings.TrimRight(pattern, "/")
		if trimmedPattern == trimmedPath {
			return true
		}
		if strings.HasSuffix(pattern, "/*") {
			prefix := strings.TrimSuffix(pattern, "/*")
			if trimmedPath == prefix || strings.HasPrefix(trimmedPath, prefix+"/") {
				return true
			}
			continue
		}
		if glob.Glob(pattern, path) {
			return true
		}
	}
	return false
}

// sourceIP extracts the client's source identifier: the first
// X-Forwarded-For entry, then X-Real-IP, then the transport peer
// address.
func sourceIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware returns the gin handler implementing the fixed pipeline
// order.
func (a *Adapter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.isExcluded(c.Request.URL.Path) {
			c.Next()
			return
		}

		requestID := uuid.NewString()
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		source := sourceIP(c.Request)
		ctx := c.Request.Context()
		if a.cfg.Tracer != nil {
			spanCtx, span := a.cfg.Tracer.StartSpan(ctx, tracing.SpanPipeline,
				tracing.AttributeSource.String(source))
			defer span.End()
			ctx = spanCtx
			c.Request = c.Request.WithContext(ctx)
		}

		if blocked, _ := a.abuseLimiter.CheckBlocked(ctx, source); blocked {
			a.respondBlocked(c, requestID)
			return
		}

		key := strings.TrimSpace(c.GetHeader(a.cfg.APIKeyHeader))
		if key == "" {
			a.handleIdentityFailure(c, source, requestID, missingOrEmpty(c.GetHeader(a.cfg.APIKeyHeader)))
			return
		}
		if err := identity.ValidateFormat(key); err != nil {
			a.handleIdentityFailure(c, source, requestID, err)
			return
		}

		decision, err := a.engine.Admit(ctx, key)
		if err != nil {
			if code, ok := errors.CodeOf(err); ok && code == errors.UnknownKey {
				a.handleIdentityFailure(c, source, requestID, err)
				return
			}
			// Not an identity failure: do not charge the source's
			// abuse counter for it.
			a.logger.WithField("request_id", requestID).WithError(err).Error("admission failed")
			status, errCode := mapError(err)
			c.AbortWithStatusJSON(status, gin.H{
				"error":      "request could not be processed",
				"error_code": errCode,
				"request_id": requestID,
			})
			return
		}

		tracing.SpanFromContext(ctx).SetAttributes(
			tracing.AttributeDecision.Bool(decision.Admitted))

		now := time.Now().Unix()
		c.Writer.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Writer.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Writer.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAtEpoch, 10))

		a.recordAdmission(decision.Tier, decision.Health, decision.Admitted)

		if !decision.Admitted {
			retryAfter := decision.ResetAtEpoch - now
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Writer.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"error_code":  "RATE_LIMIT_EXCEEDED",
				"message":     fmt.Sprintf("rate limit of %d exceeded for current window", decision.Limit),
				"retry_after": retryAfter,
				"request_id":  requestID,
			})
			return
		}

		c.Next()
	}
}

// missingOrEmpty distinguishes a header that was never sent from one
// sent with an empty (post-trim) value; clients see the difference only
// in the error_code field.
func missingOrEmpty(raw string) error {
	if raw == "" {
		return errors.New(errors.MissingKey, "api key header missing").WithSource(errors.SourceIdentity)
	}
	return errors.New(errors.EmptyKey, "api key is empty").WithSource(errors.SourceIdentity)
}

func (a *Adapter) handleIdentityFailure(c *gin.Context, source, requestID string, identityErr error) {
	ctx := c.Request.Context()
	finalErr := a.abuseLimiter.RecordFailure(ctx, source, identityErr)

	status, code := mapError(finalErr)
	if status == http.StatusTooManyRequests {
		c.Writer.Header().Set("Retry-After", a.retryAfterOf(finalErr))
		a.recordAbuseBlock("threshold_exceeded")
	}

	c.AbortWithStatusJSON(status, gin.H{
		"error":      errorMessage(finalErr),
		"error_code": code,
		"request_id": requestID,
	})
}

// retryAfterOf prefers the block duration the abuse sub-limiter stamped
// on the error; the configured duration covers errors without one.
func (a *Adapter) retryAfterOf(err error) string {
	if e, ok := err.(*errors.Error); ok && e.Details != nil {
		if v := e.Details.Info["retry_after"]; v != "" {
			return v
		}
	}
	return strconv.Itoa(a.cfg.BlockSeconds)
}

func (a *Adapter) respondBlocked(c *gin.Context, requestID string) {
	c.Writer.Header().Set("Retry-After", strconv.Itoa(a.cfg.BlockSeconds))
	a.recordAbuseBlock("already_blocked")
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":      "source is blocked",
		"error_code": "IP_BLOCKED",
		"request_id": requestID,
	})
}

// mapError is the only place error codes become HTTP statuses.
func mapError(err error) (int, string) {
	code, ok := errors.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	switch code {
	case errors.MissingKey:
		return http.StatusUnauthorized, "MISSING_API_KEY"
	case errors.EmptyKey:
		return http.StatusUnauthorized, "EMPTY_API_KEY"
	case errors.MalformedKey:
		return http.StatusBadRequest, "MALFORMED_API_KEY"
	case errors.UnknownKey:
		return http.StatusUnauthorized, "INVALID_API_KEY"
	case errors.IPBlocked:
		return http.StatusTooManyRequests, "IP_BLOCKED"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func errorMessage(err error) string {
	if e, ok := err.(*errors.Error); ok {
		return e.Message
	}
	return err.Error()
}
