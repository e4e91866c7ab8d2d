// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speechrelay"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Connection metrics
	ProducersActive  prometheus.Gauge
	ObserversActive  prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec
	AuthFailures     prometheus.Counter

	// Fan-out metrics
	EventsRelayed  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	ObserverQueues prometheus.Histogram

	// Persistence metrics
	SavesTotal   *prometheus.CounterVec
	SaveErrors   *prometheus.CounterVec
	SaveLatency  prometheus.Histogram
	MergeOutcome *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency prometheus.Histogram
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

// NewMetrics creates and registers all metrics with reg. A nil registerer
// yields unregistered collectors, useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProducersActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "producers_active",
			Help:      "Number of connected producers",
		}),
		ObserversActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers_active",
			Help:      "Number of connected observers",
		}),
		ConnectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted",
		}, []string{"role"}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total handshakes rejected for bad credentials",
		}),

		EventsRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Total events broadcast to observers",
		}, []string{"event"}),
		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total events dropped for a slow or closed observer",
		}, []string{"reason"}),
		ObserverQueues: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "observer_queue_depth",
			Help:      "Observer queue depth sampled at enqueue",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),

		SavesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Total transcript persistence attempts",
		}, []string{"save_type"}),
		SaveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_errors_total",
			Help:      "Total failed transcript persistence attempts",
		}, []string{"save_type"}),
		SaveLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_latency_seconds",
			Help:      "Transcript merge-and-store latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		MergeOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_outcomes_total",
			Help:      "Merge results by kind",
		}, []string{"outcome"}),

		KafkaPublishTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event"}),
		KafkaPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event"}),
		KafkaPublishLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// RecordConnect records a new producer or observer connection.
func (m *Metrics) RecordConnect(role string) {
	m.ConnectionsTotal.WithLabelValues(role).Inc()
	m.gauge(role).Inc()
}

// RecordDisconnect records a connection closing.
func (m *Metrics) RecordDisconnect(role string) {
	m.gauge(role).Dec()
}

func (m *Metrics) gauge(role string) prometheus.Gauge {
	if role == "producer" {
		return m.ProducersActive
	}
	return m.ObserversActive
}

// RecordRelayed records one broadcast event.
func (m *Metrics) RecordRelayed(event string) {
	m.EventsRelayed.WithLabelValues(event).Inc()
}

// RecordDropped records an event not delivered to an observer.
func (m *Metrics) RecordDropped(reason string) {
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordSave records a persistence attempt.
func (m *Metrics) RecordSave(saveType, outcome string, err error, latencySeconds float64) {
	m.SavesTotal.WithLabelValues(saveType).Inc()
	m.SaveLatency.Observe(latencySeconds)
	if err != nil {
		m.SaveErrors.WithLabelValues(saveType).Inc()
		return
	}
	m.MergeOutcome.WithLabelValues(outcome).Inc()
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, event string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, event).Inc()
	m.KafkaPublishLatency.Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, event).Inc()
	}
}
