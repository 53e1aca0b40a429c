package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var metricsRegistered = false

var (
	admissionDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_admission_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"tier", "health", "admitted"},
	)

	admissionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratelimiter_admission_duration_seconds",
			Help:    "Admission pipeline latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // 0.1ms to ~51ms
		},
		[]string{"tier"},
	)

	circuitStateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_circuit_state_changes_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "to"},
	)

	circuitOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_circuit_rejections_total",
			Help: "Total number of calls rejected because a breaker was open",
		},
		[]string{"breaker"},
	)

	abuseBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_abuse_blocks_total",
			Help: "Total number of sources blocked by the abuse sub-limiter",
		},
		[]string{"reason"},
	)

	healthTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_health_transitions_total",
			Help: "Total number of health state transitions observed by the oracle cache",
		},
		[]string{"to"},
	)

	storeOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimiter_store_operations_total",
			Help: "Total number of shared-store client operations",
		},
		[]string{"operation", "status"},
	)
)

// RegisterMetrics registers all rate-limiter metrics with Prometheus.
// It is idempotent and safe to call multiple times.
func RegisterMetrics() {
	if metricsRegistered {
		return
	}

	prometheus.MustRegister(
		admissionDecisions,
		admissionLatency,
		circuitStateChanges,
		circuitOpenTotal,
		abuseBlocksTotal,
		healthTransitions,
		storeOperations,
	)

	metricsRegistered = true
}

// Collector provides methods to record admission-pipeline metrics.
type Collector struct {
	ctx context.Context
}

// NewCollector creates a new metrics collector.
func NewCollector(ctx context.Context) *Collector {
	return &Collector{ctx: ctx}
}

// RecordAdmission records an admission decision.
func (c *Collector) RecordAdmission(tier, health string, admitted bool) {
	admissionDecisions.WithLabelValues(tier, health, boolToString(admitted)).Inc()
}

// ObserveAdmissionLatency records the time spent making an admission decision.
func (c *Collector) ObserveAdmissionLatency(tier string, duration time.Duration) {
	admissionLatency.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordCircuitStateChange records a circuit breaker transition.
func (c *Collector) RecordCircuitStateChange(breaker, to string) {
	circuitStateChanges.WithLabelValues(breaker, to).Inc()
}

// RecordCircuitRejection records a call rejected by an open breaker.
func (c *Collector) RecordCircuitRejection(breaker string) {
	circuitOpenTotal.WithLabelValues(breaker).Inc()
}

// RecordAbuseBlock records a source blocked by the abuse sub-limiter.
func (c *Collector) RecordAbuseBlock(reason string) {
	abuseBlocksTotal.WithLabelValues(reason).Inc()
}

// RecordHealthTransition records a health state change observed by the cache.
func (c *Collector) RecordHealthTransition(to string) {
	healthTransitions.WithLabelValues(to).Inc()
}

// RecordStoreOperation records a shared-store client call outcome. A
// "circuit_open" status additionally bumps the breaker-rejection counter,
// since that is exactly a call short-circuited by an open breaker.
func (c *Collector) RecordStoreOperation(operation, status string) {
	storeOperations.WithLabelValues(operation, status).Inc()
	if status == "circuit_open" {
		c.RecordCircuitRejection("store")
	}
}

func boolToString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Timer measures and records the duration of an admission decision.
type Timer struct {
	start     time.Time
	tier      string
	collector *Collector
}

// NewTimer starts a timer for the given tier.
func (c *Collector) NewTimer(tier string) *Timer {
	return &Timer{start: time.Now(), tier: tier, collector: c}
}

// Stop stops the timer and records the observed latency.
func (t *Timer) Stop() {
	t.collector.ObserveAdmissionLatency(t.tier, time.Since(t.start))
}
