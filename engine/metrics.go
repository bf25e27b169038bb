package flowengine

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/metric"
)

// engineMetrics holds Prometheus metrics for deploys and flow lifecycle
type engineMetrics struct {
	// Deploys by deploy type and status (success, failure, deferred)
	deploys        *prometheus.CounterVec
	deployDuration *prometheus.HistogramVec // by deploy type

	// Flow lifecycle by status
	starts *prometheus.CounterVec
	stops  *prometheus.CounterVec

	startDuration prometheus.Histogram
	stopDuration  prometheus.Histogram

	validationIssues *prometheus.CounterVec // by severity

	activeFlows  prometheus.Gauge
	pendingTypes prometheus.Gauge // types a parked deploy waits for
}

// newEngineMetrics creates and registers engine metrics. A nil registry
// disables them.
func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		deploys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "deploys_total",
			Help:      "Total number of deploys",
		}, []string{"type", "status"}),

		deployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "deploy_duration_seconds",
			Help:      "Deploy duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0, 10.0},
		}, []string{"type"}),

		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "flow_starts_total",
			Help:      "Total number of flow starts",
		}, []string{"status"}),

		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "flow_stops_total",
			Help:      "Total number of flow stops",
		}, []string{"status"}),

		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "flow_start_duration_seconds",
			Help:      "Flow start duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0},
		}),

		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "flow_stop_duration_seconds",
			Help:      "Flow stop duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1.0, 5.0, 15.0},
		}),

		validationIssues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "validation_issues_total",
			Help:      "Total number of issues found by document validation",
		}, []string{"severity"}),

		activeFlows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "active_flows",
			Help:      "Current number of live flows, the global flow included",
		}),

		pendingTypes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "semflow",
			Subsystem: "engine",
			Name:      "pending_types",
			Help:      "Node types a deferred deploy is waiting for",
		}),
	}

	if err := registry.RegisterCounterVec("engine", "deploys", m.deploys); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogramVec("engine", "deploy_duration", m.deployDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "flow_starts", m.starts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "flow_stops", m.stops); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "flow_start_duration", m.startDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("engine", "flow_stop_duration", m.stopDuration); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("engine", "validation_issues", m.validationIssues); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "active_flows", m.activeFlows); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("engine", "pending_types", m.pendingTypes); err != nil {
		return nil, err
	}

	// export zero series before the first deploy
	for _, t := range []DeployType{DeployFull, DeployNodes, DeployFlows, DeployLoad, DeployReload} {
		for _, st := range []string{"success", "failure", "deferred"} {
			m.deploys.WithLabelValues(string(t), st)
		}
	}
	for _, st := range []string{"success", "failure"} {
		m.starts.WithLabelValues(st)
		m.stops.WithLabelValues(st)
	}

	return m, nil
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case stderrors.Is(err, errors.ErrMissingTypes):
		return "deferred"
	default:
		return "failure"
	}
}

// recordDeploy records one SetFlows call
func (m *engineMetrics) recordDeploy(deployType string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.deploys.WithLabelValues(deployType, status(err)).Inc()
	m.deployDuration.WithLabelValues(deployType).Observe(d.Seconds())
}

// recordStart records a flow start
func (m *engineMetrics) recordStart(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.starts.WithLabelValues(status(err)).Inc()
	m.startDuration.Observe(d.Seconds())
}

// recordStop records a flow stop
func (m *engineMetrics) recordStop(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.stops.WithLabelValues(status(err)).Inc()
	m.stopDuration.Observe(d.Seconds())
}

// recordValidation counts the issues of one Validate call
func (m *engineMetrics) recordValidation(r *ValidationResult) {
	if m == nil {
		return
	}
	m.validationIssues.WithLabelValues("error").Add(float64(len(r.Errors)))
	m.validationIssues.WithLabelValues("warning").Add(float64(len(r.Warnings)))
}

func (m *engineMetrics) setActiveFlows(n int) {
	if m != nil {
		m.activeFlows.Set(float64(n))
	}
}

func (m *engineMetrics) setPendingTypes(n int) {
	if m != nil {
		m.pendingTypes.Set(float64(n))
	}
}
