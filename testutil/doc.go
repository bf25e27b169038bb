// Package testutil provides helpers shared by the runtime's tests.
//
// Node behaviors:
//   - Recorder keeps every message it receives and can forward them
//   - Failing fails every input
//   - Async completes inputs only when the test says so
//   - SlowCloser takes its time to close
//
// Types is an in-memory type resolver that remembers every behavior it
// constructed, so a test can tell whether a node was recreated.
//
// Deploy documents are built with NewNode, Tab and SubflowDef and parsed with
// Document. SampleFlows and the Scenario documents are ready-made fixtures.
//
// MockNATSClient is an in-memory publish/subscribe client for code that only
// needs Publish and Subscribe.
package testutil
