// Package metric provides the Prometheus registry of the flow runtime.
//
// NewMetricsRegistry creates a registry holding the core runtime metrics
// (per-type node counters, per-flow node and mailbox gauges, NATS connection
// state) plus the Go and process collectors. Components register their own
// collectors through MetricsRegistrar, keyed by an owner name, and duplicates
// are rejected as invalid:
//
//	reg := metric.NewMetricsRegistry()
//	deploys := prometheus.NewCounterVec(opts, []string{"type", "status"})
//	if err := reg.RegisterCounterVec("flowengine", "deploys_total", deploys); err != nil {
//	    return err
//	}
//
// The Record* helpers on Metrics are nil-receiver safe so code paths built
// without a registry do not need to guard every call.
//
// Handler exposes the registry in the Prometheus/OpenMetrics text format; the
// admin service mounts it under its metrics path.
package metric
