// Package telemetry provides the proxy's Prometheus metrics and OpenTelemetry
// tracing, wired into the router and upstream supervisors but owned by
// neither.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric mcpmux exports. Pass to components
// that need to record them. Metrics has no recording methods of its own:
// callers record through the fields directly and skip recording when their
// *Metrics is nil.
type Metrics struct {
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	UpstreamRestartsTotal *prometheus.CounterVec
	RateLimitDenialsTotal prometheus.Counter
	PolicyDecisionsTotal  *prometheus.CounterVec
	// UpstreamsRunning is registered but nothing in the proxy sets it, so
	// it always reads 0.
	UpstreamsRunning prometheus.Gauge
}

// NewMetrics creates and registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Name:      "requests_total",
				Help:      "Total number of client JSON-RPC requests routed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpmux",
				Name:      "request_duration_seconds",
				Help:      "Time to answer a client request, including any upstream round trip",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UpstreamRestartsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Name:      "upstream_restarts_total",
				Help:      "Total restart attempts across all upstreams",
			},
			[]string{"server_id"},
		),
		RateLimitDenialsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Name:      "rate_limit_denials_total",
				Help:      "Total client requests rejected by the rate limiter",
			},
		),
		PolicyDecisionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpmux",
				Name:      "policy_decisions_total",
				Help:      "Total policy gate decisions",
			},
			[]string{"result"}, // result=allow/deny
		),
		UpstreamsRunning: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "mcpmux",
				Name:      "upstreams_running",
				Help:      "Number of upstreams currently in the running state",
			},
		),
	}
}
