package monitoring

import (
	"time"

	"visiocall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type SignalingMetrics struct {
	// Gauges
	connectionsActive prometheus.Gauge
	usersOnline       prometheus.Gauge

	// Counters
	connectionsTotal   prometheus.Counter
	registrationsTotal *prometheus.CounterVec
	unregistrations    prometheus.Counter
	callAttemptsTotal  *prometheus.CounterVec
	eventsRelayedTotal *prometheus.CounterVec
	deliveriesDropped  *prometheus.CounterVec
	messagesTotal      *prometheus.CounterVec
	rateLimitedTotal   prometheus.Counter

	// Histograms
	messageDuration    *prometheus.HistogramVec
	connectionDuration prometheus.Histogram
}

// NewSignalingMetrics registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewSignalingMetrics(reg prometheus.Registerer) *SignalingMetrics {
	factory := promauto.With(reg)

	return &SignalingMetrics{
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visiocall_connections_active",
			Help: "Number of open signaling connections",
		}),

		usersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "visiocall_users_online",
			Help: "Number of users bound to a live connection",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "visiocall_connections_total",
			Help: "Total number of signaling connections accepted",
		}),

		registrationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visiocall_registrations_total",
			Help: "Total number of user registrations",
		}, []string{"replaced"}),

		unregistrations: factory.NewCounter(prometheus.CounterOpts{
			Name: "visiocall_unregistrations_total",
			Help: "Total number of bindings removed on disconnect",
		}),

		callAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visiocall_call_attempts_total",
			Help: "Call initiations by outcome",
		}, []string{"result"}),

		eventsRelayedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visiocall_events_relayed_total",
			Help: "Events queued for delivery to a connection",
		}, []string{"event"}),

		deliveriesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visiocall_deliveries_dropped_total",
			Help: "Events dropped because the sender or target was unknown or the queue was full",
		}, []string{"event"}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "visiocall_messages_total",
			Help: "Client requests handled, by method and outcome",
		}, []string{"method", "outcome"}),

		rateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "visiocall_messages_rate_limited_total",
			Help: "Client requests refused by the per-connection rate limiter",
		}),

		messageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "visiocall_message_duration_seconds",
			Help:    "Time spent handling a client request",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"method"}),

		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "visiocall_connection_duration_seconds",
			Help:    "Lifetime of signaling connections",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		}),
	}
}

func (m *SignalingMetrics) RecordConnectionOpened() {
	m.connectionsActive.Inc()
	m.connectionsTotal.Inc()
}

func (m *SignalingMetrics) RecordConnectionClosed(lifetime time.Duration) {
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(lifetime.Seconds())
}

func (m *SignalingMetrics) RecordMessage(method, outcome string, duration time.Duration) {
	m.messagesTotal.WithLabelValues(method, outcome).Inc()
	m.messageDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *SignalingMetrics) RecordRateLimited() {
	m.rateLimitedTotal.Inc()
}

func (m *SignalingMetrics) RecordRegistration(replaced bool) {
	label := "false"
	if replaced {
		label = "true"
	}
	m.registrationsTotal.WithLabelValues(label).Inc()
}

func (m *SignalingMetrics) RecordUnregistration() {
	m.unregistrations.Inc()
}

func (m *SignalingMetrics) SetOnlineUsers(n int) {
	m.usersOnline.Set(float64(n))
}

func (m *SignalingMetrics) RecordCallAttempt(result string) {
	m.callAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *SignalingMetrics) RecordRelayed(event domain.EventType) {
	m.eventsRelayedTotal.WithLabelValues(string(event)).Inc()
}

func (m *SignalingMetrics) RecordDropped(event domain.EventType) {
	m.deliveriesDropped.WithLabelValues(string(event)).Inc()
}
