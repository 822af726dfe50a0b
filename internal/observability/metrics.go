// Package observability provides Prometheus metrics, health checks, and
// request logging.
//
// Uses github.com/prometheus/client_golang - the official Prometheus
// client. Chosen for its maturity, wide adoption, and seamless
// integration with the Prometheus ecosystem (Grafana, Alertmanager,
// etc.).
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service. Metrics are
// automatically registered via promauto.
//
// Key metrics for monitoring:
//   - ratelimit_decisions_total: per-policy allow/reject rate and mode
//   - ratelimit_fallback_activations_total: distributed counter outages
//   - deliveries_total: delivery outcomes by terminal state
//   - delivery_duration_seconds: latency distribution per attempt
//   - circuit_breaker_state: endpoint health (0=ok, 2=failing)
type Metrics struct {
	RateLimitDecisions  *prometheus.CounterVec
	FallbackActivations prometheus.Counter

	Deliveries        *prometheus.CounterVec
	DeliveriesDropped prometheus.Counter
	DeliveryDuration  prometheus.Histogram
	DeliveryAttempts  prometheus.Counter

	InboundVerifications *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics. The namespace
// prefixes all metric names (e.g., "koya_deliveries_total").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		RateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Total rate-limit decisions by policy, mode, and outcome",
		}, []string{"policy", "mode", "outcome"}),
		FallbackActivations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fallback_activations_total",
			Help:      "Total checks served by the degraded local fallback",
		}),
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total delivery attempts by resulting status",
		}, []string{"status"}),
		DeliveriesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Total deliveries dropped because the dispatch queue was full",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "Total number of delivery attempts made",
		}),
		InboundVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_verifications_total",
			Help:      "Total inbound webhook verifications by provider and outcome",
		}, []string{"provider", "outcome"}),
		HTTPRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests by method and path",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		}, []string{"webhook_id"}),
		CircuitBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of times a circuit breaker tripped to open state",
		}, []string{"webhook_id"}),
	}
}

// ObserveDecision is the hook shape the rate limiter expects. Outcome is
// "allowed" or "rejected"; mode is "distributed", "degraded", or "local".
func (m *Metrics) ObserveDecision(policy, mode string, allowed bool) {
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.RateLimitDecisions.WithLabelValues(policy, mode, outcome).Inc()
	if mode == "degraded" {
		m.FallbackActivations.Inc()
	}
}
