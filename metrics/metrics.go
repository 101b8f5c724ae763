// Package metrics exports Prometheus metrics for the event bus, the
// ordering buffer, the coordinator and the messaging helpers.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the service exposes. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	// Event bus
	publishes       *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	queueOverflows  prometheus.Counter
	drainedEvents   prometheus.Counter
	drainFailures   prometheus.Counter
	handlerFailures *prometheus.CounterVec

	// Ordering buffer
	bufferedEvents prometheus.Gauge
	bufferDrops    prometheus.Counter
	drainResults   *prometheus.CounterVec

	// Coordinator
	besitosTransactions *prometheus.CounterVec

	// Messaging and gamification helpers
	lucienMessages       *prometheus.CounterVec
	gamificationRequests *prometheus.CounterVec

	// Store pair
	storeUp *prometheus.GaugeVec
}

// Config configures the metrics instance.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry
}

// New creates and registers all collectors under the yabot namespace.
func New(cfg Config) *Metrics {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "bus",
			Name:      "publishes_total",
			Help:      "Events accepted by the bus, by delivery path",
		},
		[]string{"topic", "path"},
	)

	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "yabot",
			Subsystem: "bus",
			Name:      "local_queue_depth",
			Help:      "Events currently held in the local fallback queue",
		},
	)

	m.queueOverflows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "bus",
			Name:      "queue_overflows_total",
			Help:      "Events evicted from the local queue because it was full",
		},
	)

	m.drainedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "bus",
			Name:      "drained_events_total",
			Help:      "Queued events republished to the broker after recovery",
		},
	)

	m.drainFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "bus",
			Name:      "drain_failures_total",
			Help:      "Republish attempts that failed during a drain",
		},
	)

	m.handlerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "bus",
			Name:      "handler_failures_total",
			Help:      "Subscriber handler invocations that returned an error",
		},
		[]string{"topic"},
	)

	m.bufferedEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "yabot",
			Subsystem: "buffer",
			Name:      "events",
			Help:      "Events currently buffered across all users",
		},
	)

	m.bufferDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "buffer",
			Name:      "drops_total",
			Help:      "Events dropped because a user buffer was full",
		},
	)

	m.drainResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "buffer",
			Name:      "drained_total",
			Help:      "Events handed to handlers during buffer drains",
		},
		[]string{"result"},
	)

	m.besitosTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "coordinator",
			Name:      "besitos_transactions_total",
			Help:      "Besitos transactions by type and outcome",
		},
		[]string{"type", "result"},
	)

	m.lucienMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "lucien",
			Name:      "messages_total",
			Help:      "Outbound messages by final status",
		},
		[]string{"status"},
	)

	m.gamificationRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "yabot",
			Subsystem: "gamification",
			Name:      "requests_total",
			Help:      "Gamification API calls by operation and outcome",
		},
		[]string{"operation", "status"},
	)

	m.storeUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "yabot",
			Subsystem: "store",
			Name:      "up",
			Help:      "Store reachability from the last health probe (1 = up)",
		},
		[]string{"store"},
	)

	registry.MustRegister(
		m.publishes,
		m.queueDepth,
		m.queueOverflows,
		m.drainedEvents,
		m.drainFailures,
		m.handlerFailures,
		m.bufferedEvents,
		m.bufferDrops,
		m.drainResults,
		m.besitosTransactions,
		m.lucienMessages,
		m.gamificationRequests,
		m.storeUp,
	)

	return m
}

// RecordPublish records an accepted event, path is "broker" or "queued".
func (m *Metrics) RecordPublish(topic, path string) {
	if m == nil {
		return
	}
	m.publishes.WithLabelValues(topic, path).Inc()
}

// SetQueueDepth sets the current local queue size.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// RecordQueueOverflow records one evicted event.
func (m *Metrics) RecordQueueOverflow() {
	if m == nil {
		return
	}
	m.queueOverflows.Inc()
}

// RecordDrainedEvents records events republished during a drain.
func (m *Metrics) RecordDrainedEvents(n int) {
	if m == nil {
		return
	}
	m.drainedEvents.Add(float64(n))
}

// RecordDrainFailure records one failed republish attempt.
func (m *Metrics) RecordDrainFailure() {
	if m == nil {
		return
	}
	m.drainFailures.Inc()
}

// RecordHandlerFailure records a subscriber handler error on a topic.
func (m *Metrics) RecordHandlerFailure(topic string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(topic).Inc()
}

// SetBufferedEvents sets the total number of buffered events.
func (m *Metrics) SetBufferedEvents(n int) {
	if m == nil {
		return
	}
	m.bufferedEvents.Set(float64(n))
}

// RecordBufferDrop records one event evicted from a full user buffer.
func (m *Metrics) RecordBufferDrop() {
	if m == nil {
		return
	}
	m.bufferDrops.Inc()
}

// RecordBufferDrain records one handled event, result is "ok" or "failed".
func (m *Metrics) RecordBufferDrain(result string) {
	if m == nil {
		return
	}
	m.drainResults.WithLabelValues(result).Inc()
}

// RecordBesitosTransaction records a currency mutation attempt.
func (m *Metrics) RecordBesitosTransaction(txType, result string) {
	if m == nil {
		return
	}
	m.besitosTransactions.WithLabelValues(txType, result).Inc()
}

// RecordLucienMessage records an outbound message outcome.
func (m *Metrics) RecordLucienMessage(status string) {
	if m == nil {
		return
	}
	m.lucienMessages.WithLabelValues(status).Inc()
}

// RecordGamificationRequest records a gamification API call outcome.
func (m *Metrics) RecordGamificationRequest(operation, status string) {
	if m == nil {
		return
	}
	m.gamificationRequests.WithLabelValues(operation, status).Inc()
}

// SetStoreUp sets the health gauge for "document" or "relational".
func (m *Metrics) SetStoreUp(storeName string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	m.storeUp.WithLabelValues(storeName).Set(v)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
