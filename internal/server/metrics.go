package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the session layer. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Connection and session gauges
	activeConnections  prometheus.Gauge
	registeredSessions prometheus.Gauge
	federatedSessions  prometheus.Gauge
	localSessions      prometheus.Gauge

	// Event counters by event name
	eventsReceived *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec

	droppedDeliveries   prometheus.Counter
	rejectedConnections *prometheus.CounterVec // by reason

	broadcastFanout prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_active_connections",
			Help: "Current number of open WebSocket connections",
		}),
		registeredSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_registered_sessions",
			Help: "Registered sessions at the last stats tick",
		}),
		federatedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_federated_sessions",
			Help: "Registered sessions authenticated by an external provider at the last stats tick",
		}),
		localSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatgate_local_sessions",
			Help: "Registered sessions without an external provider at the last stats tick",
		}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_events_received_total",
			Help: "Inbound events by type",
		}, []string{"event"}),
		eventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_events_sent_total",
			Help: "Outbound events queued by type",
		}, []string{"event"}),
		droppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatgate_dropped_deliveries_total",
			Help: "Deliveries dropped because a recipient buffer was full",
		}),
		rejectedConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatgate_rejected_connections_total",
			Help: "Connection attempts refused before upgrade by reason",
		}, []string{"reason"}),
		broadcastFanout: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatgate_broadcast_fanout",
			Help:    "Number of recipients of each broadcast",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// RecordSessions sets the session gauges from a stats snapshot.
func (m *Metrics) RecordSessions(s Stats) {
	if m == nil {
		return
	}
	m.registeredSessions.Set(float64(s.Connected))
	m.federatedSessions.Set(float64(s.Federated))
	m.localSessions.Set(float64(s.Local))
}

func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) EventSent(event string) {
	if m == nil {
		return
	}
	m.eventsSent.WithLabelValues(event).Inc()
}

func (m *Metrics) DeliveryDropped() {
	if m == nil {
		return
	}
	m.droppedDeliveries.Inc()
}

func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedConnections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordFanout(recipients int) {
	if m == nil {
		return
	}
	m.broadcastFanout.Observe(float64(recipients))
}
