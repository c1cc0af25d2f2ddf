package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests tracks the number of HTTP requests by route and status
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersync_http_requests_total",
			Help: "The total number of HTTP requests",
		},
		[]string{"operation", "status"},
	)

	// HTTPRequestDuration tracks the duration of HTTP requests
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usersync_http_request_duration_seconds",
			Help:    "The duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// InFlightRequests tracks requests currently being served
	InFlightRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usersync_http_in_flight_requests",
			Help: "The number of HTTP requests currently being served",
		},
	)

	// WebhookDeliveries counts webhook outcomes. outcome is "ok", "duplicate"
	// or the failure kind.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersync_webhook_deliveries_total",
			Help: "The total number of webhook deliveries by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	// WebhookDuration tracks end-to-end webhook handling time
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usersync_webhook_duration_seconds",
			Help:    "The duration of webhook handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	// SideEffectFailures counts best-effort side effects that failed
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usersync_side_effect_failures_total",
			Help: "The total number of failed best-effort side effects",
		},
		[]string{"side_effect"},
	)
)
