// Package health tracks the health of the runtime's parts and aggregates
// them into one status for the admin API.
//
// There are three states: healthy, degraded and unhealthy. The engine keeps
// one entry per live flow ("flow:<id>") and reports itself degraded while a
// deploy waits for node types; the binary reports its NATS connection.
//
//	monitor := health.NewMonitor(health.WithLogger(logger))
//	monitor.UpdateHealthy("engine", "running")
//	monitor.Update("flow:t1", health.FromError("flow:t1", err))
//
//	overall := monitor.Aggregate("semflow")
//
// The monitor remembers when each part last changed state and how many
// unhealthy reports it has had in a row, so a flow that keeps failing to
// start shows up with its failure count and the time it went bad.
//
// Messages built from errors by FromError have credentials redacted: the
// user info of URLs and key=value pairs whose key names a secret. /health is
// served without authentication.
package health
