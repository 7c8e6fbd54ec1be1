package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockrelay_events_ingested_total",
			Help: "Total number of chain events consumed from the event source.",
		},
		[]string{"event_name"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockrelay_deliveries_total",
			Help: "Total number of delivery attempts by status.",
		},
		[]string{"status", "webhook_id"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockrelay_delivery_latency_seconds",
			Help:    "Webhook response time by webhook.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"webhook_id"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockrelay_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network, other
	)

	DLQTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockrelay_dlq_total",
			Help: "Total number of deliveries moved to the dead letter queue.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockrelay_queue_depth",
			Help: "Deliveries pending or scheduled for retry.",
		},
	)

	InflightDeliveries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "blockrelay_inflight_deliveries",
			Help: "Deliveries currently being dispatched.",
		},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsIngestedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DLQTotal,
		QueueDepth,
		InflightDeliveries,
	)
}

// RecordEventIngested increments the ingested-events counter for an event name.
func RecordEventIngested(eventName string) {
	EventsIngestedTotal.WithLabelValues(eventName).Inc()
}

// RecordDelivery records one delivery attempt outcome and its latency.
func RecordDelivery(status, webhookID string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status, webhookID).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(webhookID).Observe(latency.Seconds())
	}
}

// RecordRetry increments the retry counter for a failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDLQ increments the dead-letter counter.
func RecordDLQ() {
	DLQTotal.Inc()
}

// UpdateQueueDepth sets the pending+scheduled gauge.
func UpdateQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}

// UpdateInflight sets the in-flight deliveries gauge.
func UpdateInflight(n float64) {
	InflightDeliveries.Set(n)
}
