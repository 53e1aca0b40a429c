/*
Package metrics provides Prometheus instrumentation for the rate limiter.

It exposes generic HTTP middleware metrics plus counters/gauges specific
to the admission pipeline: admission decisions, circuit-breaker state,
and abuse blocks.
*/
package metrics
