// Package metrics provides Prometheus metrics collection for the
// payment gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Payment metrics
	Verifications    *prometheus.CounterVec
	PaymentsAccepted *prometheus.CounterVec
	PaymentsRejected *prometheus.CounterVec
	RevenueUnits     *prometheus.CounterVec

	// Rate limit metrics
	RateLimitHits *prometheus.CounterVec

	// Load metrics
	LoadFactor prometheus.Gauge

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New creates a new metrics collector registered on the default
// Prometheus registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector registered on a specific
// registry. Tests use this to avoid duplicate registration.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		// Request metrics
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "requests_total",
				Help:      "Total number of requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "paygate",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "paygate",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),

		// Payment metrics
		Verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "verifications_total",
				Help:      "Total payment verification attempts by outcome",
			},
			[]string{"outcome", "network"},
		),
		PaymentsAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "payments_accepted_total",
				Help:      "Total accepted payments",
			},
			[]string{"route", "network"},
		),
		PaymentsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "payments_rejected_total",
				Help:      "Total rejected payment attempts by reason",
			},
			[]string{"route", "reason"},
		),
		RevenueUnits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "revenue_units_total",
				Help:      "Accepted revenue in millionths of the currency unit",
			},
			[]string{"route", "currency"},
		),

		// Rate limit metrics
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "rate_limit_hits_total",
				Help:      "Total requests rejected by the rate limiter",
			},
			[]string{"route"},
		),

		// Load metrics
		LoadFactor: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "paygate",
				Name:      "load_factor",
				Help:      "Current load factor used by dynamic pricing (0 to 1)",
			},
		),

		// Webhook metrics
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "webhook_deliveries_total",
				Help:      "Total webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),

		// Config metrics
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "config_reloads_total",
				Help:      "Total successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "paygate",
				Name:      "config_reload_errors_total",
				Help:      "Total failed config reloads",
			},
		),
	}
}
