package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for MessagesTotal.
const (
	OutcomeForwarded  = "forwarded"
	OutcomeRejected   = "rejected"
	OutcomeFailed     = "failed"
	OutcomeDeadLetter = "dead_lettered"
)

// Metrics holds all receipt bridge Prometheus metrics.
type Metrics struct {
	MessagesTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	ValidationErrors *prometheus.CounterVec
	DLQTotal         *prometheus.CounterVec
	PublishErrors    *prometheus.CounterVec
	ListenersActive  prometheus.Gauge
}

// NewMetrics creates and registers all bridge metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_bridge_messages_total",
			Help: "Notifications handled, by subscription and outcome.",
		}, []string{"subscription", "outcome"}),

		DispatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "receipt_bridge_dispatch_duration_seconds",
			Help:    "Processing time per dispatch phase.",
			Buckets: prometheus.DefBuckets,
		}, []string{"subscription", "phase"}),

		ValidationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_bridge_validation_errors_total",
			Help: "Rejected notifications by subscription and error kind.",
		}, []string{"subscription", "error_kind"}),

		DLQTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_bridge_dlq_total",
			Help: "Notifications sent to the dead-letter exchange.",
		}, []string{"subscription"}),

		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "receipt_bridge_publish_errors_total",
			Help: "Outbound publish failures by exchange and error kind.",
		}, []string{"exchange", "error_kind"}),

		ListenersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "receipt_bridge_listeners_active",
			Help: "Subscription listeners currently receiving.",
		}),
	}
}
