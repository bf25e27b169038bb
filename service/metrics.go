package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/metric"
)

// serverMetrics holds Prometheus metrics for the admin API and comms
type serverMetrics struct {
	requests        *prometheus.CounterVec   // by route and code
	requestDuration *prometheus.HistogramVec // by route

	commsClients prometheus.Gauge
	commsDropped prometheus.Counter
}

// newServerMetrics creates and registers the metrics. A nil registry
// disables them; every record method is nil-safe.
func newServerMetrics(registry *metric.MetricsRegistry) (*serverMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total number of admin API requests",
		}, []string{"route", "code"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		}, []string{"route"}),

		commsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: "comms",
			Name:      "clients",
			Help:      "Connected comms websocket clients",
		}),

		commsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "comms",
			Name:      "dropped_total",
			Help:      "Events dropped because a client could not keep up",
		}),
	}

	if err := registry.RegisterCounterVec("admin", "requests", m.requests); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("admin", "request_duration", m.requestDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("comms", "clients", m.commsClients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("comms", "dropped", m.commsDropped); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *serverMetrics) recordRequest(route, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *serverMetrics) setClients(n int) {
	if m == nil {
		return
	}
	m.commsClients.Set(float64(n))
}

func (m *serverMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.commsDropped.Inc()
}
