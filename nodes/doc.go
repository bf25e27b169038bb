// Package nodes provides the node types bundled with the runtime.
//
// Register adds them to a registry under the "core" module:
//
//	reg := registry.New(registry.WithEvents(bus))
//	if err := nodes.Register(reg, nodes.Deps{NATS: client}); err != nil {
//		return err
//	}
//
// The common set holds the types the flow itself relies on: catch, status
// and complete receive what the flow routes to them, link in, link out and
// link call move messages between flows, junction passes messages through
// and debug publishes them to the comms stream.
//
// The function, network and storage sets hold filter, nats in, nats out,
// http request and file. The NATS types need Deps.NATS; without it their
// constructor fails and the node is reported and skipped.
package nodes
