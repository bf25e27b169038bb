// Package events provides the in-process event bus of the flow runtime and a
// bridge that mirrors selected events onto NATS.
//
// Handlers run synchronously in registration order on the emitting goroutine.
// The registry emits TypeRegistered when a node type becomes available, the
// deployment engine emits the flows:* lifecycle events and RuntimeEvent
// (with id "runtime-state" when a deploy is refused), and flows emit
// NodeStatus and NodeError for every status and error their nodes report.
package events
