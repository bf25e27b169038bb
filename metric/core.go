package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "semflow"

// Metrics contains the runtime-wide metrics shared by flows and nodes
type Metrics struct {
	// Node metrics, labelled by node type
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	NodeErrors       *prometheus.CounterVec

	// Flow metrics, labelled by flow id
	ActiveNodes      *prometheus.GaugeVec
	MailboxDepth     *prometheus.GaugeVec
	MailboxProcessed *prometheus.CounterVec

	// NATS metrics
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the runtime metrics. They are not registered anywhere;
// NewMetricsRegistry does that.
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "messages_received_total",
			Help:      "Messages delivered to node input handlers",
		}, []string{"type"}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "messages_sent_total",
			Help:      "Messages sent by nodes, one per delivery",
		}, []string{"type"}),
		NodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "errors_total",
			Help:      "Errors reported by nodes",
		}, []string{"type"}),
		ActiveNodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "active_nodes",
			Help:      "Live nodes per flow",
		}, []string{"flow"}),
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "mailbox_depth",
			Help:      "Deliveries queued on the flow mailbox",
		}, []string{"flow"}),
		MailboxProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flow",
			Name:      "mailbox_processed_total",
			Help:      "Deliveries handled by the flow mailbox",
		}, []string{"flow"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),
		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesSent,
		m.NodeErrors,
		m.ActiveNodes,
		m.MailboxDepth,
		m.MailboxProcessed,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordReceived counts one delivery to a node of nodeType
func (m *Metrics) RecordReceived(nodeType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(nodeType).Inc()
}

// RecordSent counts deliveries made by a node of nodeType
func (m *Metrics) RecordSent(nodeType string, deliveries int) {
	if m == nil || deliveries == 0 {
		return
	}
	m.MessagesSent.WithLabelValues(nodeType).Add(float64(deliveries))
}

// RecordNodeError counts one error reported by a node of nodeType
func (m *Metrics) RecordNodeError(nodeType string) {
	if m == nil {
		return
	}
	m.NodeErrors.WithLabelValues(nodeType).Inc()
}

// SetActiveNodes records the live node count of a flow
func (m *Metrics) SetActiveNodes(flowID string, n int) {
	if m == nil {
		return
	}
	m.ActiveNodes.WithLabelValues(flowID).Set(float64(n))
}

// ForgetFlow drops the per-flow series of a removed flow
func (m *Metrics) ForgetFlow(flowID string) {
	if m == nil {
		return
	}
	m.ActiveNodes.DeleteLabelValues(flowID)
	m.MailboxDepth.DeleteLabelValues(flowID)
	m.MailboxProcessed.DeleteLabelValues(flowID)
}

// RecordNATSStatus records the connection state
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect counts a reconnection
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}
