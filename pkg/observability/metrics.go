// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the chatrelay service.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/chatrelay/pkg/api"
)

// StreamBuckets defines histogram buckets suited for streamed generation,
// ranging from 100ms to 120s.
var StreamBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// FirstIncrementBuckets covers time-to-first-increment, from 50ms to 30s.
var FirstIncrementBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

var (
	// RequestsTotal counts all HTTP requests by method, route, and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Total requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds by method and route.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_request_duration_seconds",
			Help:    "Request duration",
			Buckets: StreamBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamsActive tracks the number of streams currently being relayed.
	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_streams_active",
			Help: "Active relayed streams",
		},
	)

	// StreamsTotal counts finished streams by provider, framing, and final state.
	StreamsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_streams_total",
			Help: "Finished streams",
		},
		[]string{"provider", "framing", "state"},
	)

	// IncrementsTotal counts increments forwarded to clients.
	IncrementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_increments_total",
			Help: "Increments forwarded",
		},
		[]string{"provider"},
	)

	// BytesForwardedTotal counts increment text bytes forwarded to clients,
	// excluding framing overhead.
	BytesForwardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_bytes_forwarded_total",
			Help: "Increment bytes forwarded",
		},
		[]string{"provider"},
	)

	// TimeToFirstIncrement records the delay between commit and the first
	// forwarded increment.
	TimeToFirstIncrement = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_time_to_first_increment_seconds",
			Help:    "Time to first increment",
			Buckets: FirstIncrementBuckets,
		},
		[]string{"provider", "model"},
	)

	// ProviderRequestsTotal counts generation calls sent upstream.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_provider_requests_total",
			Help: "Provider requests",
		},
		[]string{"provider", "model", "status"},
	)

	// ProviderLatency records the full upstream stream duration in seconds.
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_provider_latency_seconds",
			Help:    "Provider latency",
			Buckets: StreamBuckets,
		},
		[]string{"provider", "model"},
	)

	// RateLimitRejectedTotal counts requests rejected by the rate limiter.
	RateLimitRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_ratelimit_rejected_total",
			Help: "Rate limit rejections",
		},
		[]string{"tier"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamsActive,
		StreamsTotal,
		IncrementsTotal,
		BytesForwardedTotal,
		TimeToFirstIncrement,
		ProviderRequestsTotal,
		ProviderLatency,
		RateLimitRejectedTotal,
	)
}

// RecordStream updates the stream metrics from a finished record.
func RecordStream(rec *api.StreamRecord) {
	StreamsTotal.WithLabelValues(rec.Provider, string(rec.Framing), string(rec.State)).Inc()
	IncrementsTotal.WithLabelValues(rec.Provider).Add(float64(rec.Increments))
	BytesForwardedTotal.WithLabelValues(rec.Provider).Add(float64(rec.Bytes))

	if rec.FirstIncrementAt != nil {
		TimeToFirstIncrement.WithLabelValues(rec.Provider, rec.Model).
			Observe(rec.FirstIncrementAt.Sub(rec.StartedAt).Seconds())
	}

	status := "success"
	switch rec.State {
	case api.StateFailed:
		status = "error"
	case api.StateCancelled:
		status = "cancelled"
	}
	ProviderRequestsTotal.WithLabelValues(rec.Provider, rec.Model, status).Inc()
	ProviderLatency.WithLabelValues(rec.Provider, rec.Model).Observe(rec.Duration.Seconds())
}

// Handler returns the Prometheus exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
