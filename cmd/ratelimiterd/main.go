package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sentrygate/ratelimiter/internal/abuse"
	"github.com/sentrygate/ratelimiter/internal/admission"
	"github.com/sentrygate/ratelimiter/internal/circuit"
	"github.com/sentrygate/ratelimiter/internal/health"
	"github.com/sentrygate/ratelimiter/internal/identity"
	"github.com/sentrygate/ratelimiter/internal/pipeline"
	"github.com/sentrygate/ratelimiter/internal/policy"
	"github.com/sentrygate/ratelimiter/internal/resilience"
	"github.com/sentrygate/ratelimiter/internal/store"
	"github.com/sentrygate/ratelimiter/internal/tierconfig"
	"github.com/sentrygate/ratelimiter/internal/tracing"
	"github.com/sentrygate/ratelimiter/pkg/metrics"
)

func main() {
	logger := initLogger()

	doc, err := tierconfig.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	metrics.RegisterMetrics()
	collector := metrics.NewCollector(context.Background())

	tp, err := tracing.NewTracerProvider(tracing.Config{
		ServiceName:    "ratelimiterd",
		ServiceVersion: "1.0.0",
		Environment:    envOr("RATELIMITER_ENV", "development"),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	storeClient := store.NewClient(store.Options{
		Addr:             doc.Store.Addr(),
		Password:         doc.Store.Password,
		DB:               doc.Store.DB,
		MaxConnections:   doc.Store.MaxConns,
		OpTimeout:        time.Duration(doc.Store.OpTimeoutMS) * time.Millisecond,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		OnBreakerChange: func(name string, from, to circuit.State) {
			logger.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state change")
			collector.RecordCircuitStateChange(name, to.String())
		},
		Recorder: collector,
	})
	defer storeClient.Close()

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	probe := resilience.NewRetry(resilience.RetryStrategy{MaxAttempts: 5, InitialInterval: time.Second})
	if err := probe.Execute(bootCtx, func() error {
		pingCtx, cancel := context.WithTimeout(bootCtx, time.Second)
		defer cancel()
		return storeClient.Ping(pingCtx)
	}); err != nil {
		// Not fatal: admission fails open until the store recovers.
		logger.WithError(err).Warn("store unreachable at startup")
	}
	cancelBoot()

	// Periodic liveness pings keep the breaker's view of the store
	// fresh: an open breaker gets its half-open probe from here even
	// when no request traffic is flowing.
	pingCtx, stopPing := context.WithCancel(context.Background())
	defer stopPing()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				opCtx, cancel := context.WithTimeout(pingCtx, time.Second)
				if err := storeClient.Ping(opCtx); err != nil {
					logger.WithError(err).Debug("store ping failed")
				}
				cancel()
			}
		}
	}()

	keyToIdentity := make(map[string]string, len(doc.Keys))
	for k, v := range doc.Keys {
		keyToIdentity[k] = v
	}
	directory := identity.New(keyToIdentity, doc.Identities)

	healthOracle := health.New(storeClient, time.Duration(doc.Health.CacheTTLMS)*time.Millisecond)

	tierDescriptors := make(map[string]policy.Descriptor, len(doc.Tiers))
	for name, tier := range doc.Tiers {
		tierDescriptors[name] = policy.Descriptor{
			Base:     tier.Base,
			Burst:    tier.Burst,
			Degraded: tier.Degraded,
			Window:   tier.Window,
		}
	}
	tierLookup := func(name string) (policy.Descriptor, bool) {
		d, ok := tierDescriptors[name]
		return d, ok
	}

	engine := admission.New(directory, healthOracle, storeClient, tierLookup).WithTracer(tp)
	abuseLimiter := abuse.New(storeClient, abuse.Config{
		MaxAttempts:    doc.Abuse.MaxAttempts,
		BlockSeconds:   doc.Abuse.BlockSeconds,
		CounterTTLSecs: doc.Abuse.CounterTTLSecs,
	})

	adapter := pipeline.New(engine, abuseLimiter, pipeline.Config{
		APIKeyHeader:  doc.Pipeline.APIKeyHeader,
		ExcludedPaths: doc.Pipeline.ExcludedPaths,
		BlockSeconds:  doc.Abuse.BlockSeconds,
		Logger:        logger,
		Metrics:       collector,
		Tracer:        tp,
	})

	router := setupRouter(adapter, storeClient, healthOracle, directory, doc, logger)

	server := &http.Server{
		Addr:    envOr("RATELIMITER_ADDR", ":8080"),
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	logger.Infof("ratelimiterd listening on %s", server.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("forced shutdown")
	}

	logger.Info("server exited")
}

func initLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(envOr("RATELIMITER_LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	return logger
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupRouter(
	adapter *pipeline.Adapter,
	storeClient *store.Client,
	healthOracle *health.Oracle,
	directory *identity.Directory,
	doc *tierconfig.Document,
	logger *logrus.Logger,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"*"}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	router.Use(cors.New(corsConfig))
	router.Use(metrics.GinMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if err := storeClient.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.Use(adapter.Middleware())

	api := router.Group("/api")
	{
		api.GET("/ping", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"message": "pong", "request_id": c.GetString("request_id")})
		})
		api.GET("/limits", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"tiers": doc.TierNames()})
		})
	}

	admin := router.Group("/admin", adminAuth(doc.Pipeline.AdminToken))
	{
		admin.POST("/health", func(c *gin.Context) {
			var body struct {
				Status string `json:"status" binding:"required"`
				Actor  string `json:"actor" binding:"required"`
				TTL    int    `json:"ttl_seconds"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			meta, err := storeClient.SetHealth(c.Request.Context(), body.Status, body.Actor, body.TTL)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			healthOracle.InvalidateCache()
			c.JSON(http.StatusOK, meta)
		})

		admin.POST("/reload", func(c *gin.Context) {
			fresh, err := tierconfig.Load()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			directory.Reload(fresh.Keys, fresh.Identities)
			c.JSON(http.StatusOK, gin.H{"reloaded": true})
		})

		admin.DELETE("/limits/:identity", func(c *gin.Context) {
			deleted, err := storeClient.ResetCounters(c.Request.Context(), c.Param("identity"))
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted_keys": deleted})
		})

		admin.POST("/limits/reset", func(c *gin.Context) {
			var body struct {
				Identities []string `json:"identities" binding:"required,min=1"`
			}
			if err := c.ShouldBindJSON(&body); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			deleted, err := storeClient.ResetCountersMany(c.Request.Context(), body.Identities)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "deleted_keys": deleted})
				return
			}
			c.JSON(http.StatusOK, gin.H{"deleted_keys": deleted})
		})

		admin.GET("/circuit-status", func(c *gin.Context) {
			stats := storeClient.BreakerStats()
			if stats == nil {
				c.JSON(http.StatusOK, gin.H{"state": storeClient.Breaker().State().String()})
				return
			}
			c.JSON(http.StatusOK, stats)
		})

		admin.GET("/status/:identity", func(c *gin.Context) {
			window := 60
			if w, err := strconv.Atoi(c.Query("window_seconds")); err == nil && w > 0 {
				window = w
			}
			status, err := storeClient.ReadStatus(c.Request.Context(), c.Param("identity"), window, time.Now().Unix())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, status)
		})
	}

	return router
}

func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin token"})
			return
		}
		c.Next()
	}
}
