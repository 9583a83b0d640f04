// Package promexport wires the operation catalog's runtime into Prometheus:
// package-level collectors registered once via prometheus.MustRegister,
// with promhttp.Handler exposed at /metrics. Unlike internal/analytics
// (the in-memory per-tenant time-series engine), these collectors are
// cluster-operator-facing runtime counters, scraped rather than queried
// through the RPC facade.
package promexport

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts every RPC operation call by name and outcome.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memcore_rpc_requests_total",
			Help: "Total number of RPC operation calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RequestDuration observes RPC operation latency.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memcore_rpc_request_duration_seconds",
			Help:    "RPC operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// BreakerState reports each named dependency's circuit breaker state
	// (0=closed, 1=open, 2=half_open, matching resilience.State's iota order).
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memcore_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half_open)",
		},
		[]string{"dependency"},
	)

	// TierCardinality reports per-shard, per-tier record counts.
	TierCardinality = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memcore_tier_records",
			Help: "Record count per shard and storage tier",
		},
		[]string{"shard", "tier"},
	)

	// AlertsFiredTotal counts alerts delivered by the resilience layer.
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memcore_alerts_fired_total",
			Help: "Total number of alerts fired by rule name",
		},
		[]string{"rule"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(TierCardinality)
	prometheus.MustRegister(AlertsFiredTotal)
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation latency observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveSeconds records elapsed seconds since NewTimer against histogram
// with the given label values.
func (t *Timer) ObserveSeconds(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
