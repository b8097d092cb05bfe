package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the HTTP surface. A fresh
// registry is created per server so tests can construct their own
// instances without collisions.
type Metrics struct {
	Registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	AuthFailures  *prometheus.CounterVec
	RateLimited   prometheus.Counter
	ActiveStreams prometheus.Gauge
	ResponseBytes prometheus.Histogram
}

// NewMetrics creates and registers the instrument set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmcp_requests_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmcp_auth_failures_total",
			Help: "Authentication failures by reason.",
		}, []string{"reason"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "taskmcp_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "taskmcp_active_streams",
			Help: "Open SSE/NDJSON streaming connections.",
		}),
		ResponseBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskmcp_response_bytes",
			Help:    "Accumulated response body size per request.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
	}
}
