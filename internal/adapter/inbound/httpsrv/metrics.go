// Package httpsrv assembles the listeners: data plane, control plane,
// health, and metrics, plus the lifecycle around them.
package httpsrv

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the proxy. Pass to components
// that need to record them.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RateLimitedTotal prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
// Gauges that mirror live component state are registered via callbacks.
func NewMetrics(reg prometheus.Registerer, auditDrops func() float64, trackedIPs func() float64) *Metrics {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fastproxy",
			Name:      "audit_dropped_events",
			Help:      "Total audit events dropped due to backpressure",
		},
		auditDrops,
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fastproxy",
			Name:      "rate_limit_tracked_ips",
			Help:      "Client IPs currently tracked by the rate limiter",
		},
		trackedIPs,
	)

	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fastproxy",
				Name:      "requests_total",
				Help:      "Total proxied requests by method and status code",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fastproxy",
				Name:      "request_duration_seconds",
				Help:      "Proxied request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RateLimitedTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "fastproxy",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the per-IP rate limiter",
			},
		),
	}
}
