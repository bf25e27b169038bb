// Package semflow is a flow runtime: it takes a document of wired node
// records, builds live flows from it and keeps them running across deploys.
//
// This root package holds no code. The runtime lives in the packages below
// and cmd/semflow assembles them into a binary.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Admin API (service)        │  /flows, /flow/{id}, /nodes,
//	│   HTTP + comms websocket            │  /health, /metrics, /comms
//	└─────────────────────────────────────┘
//	           ↓ deploys through
//	┌─────────────────────────────────────┐
//	│      Deployment engine (engine)     │  full, nodes, flows, reload
//	│  diff, stop, start, persist         │  parked deploys, fragments
//	└─────────────────────────────────────┘
//	           ↓ runs
//	┌─────────────────────────────────────┐
//	│          Flows (flow, node)         │  routing, subflows,
//	│  one writer per flow                │  catch/status/complete
//	└─────────────────────────────────────┘
//	           ↓ builds nodes from
//	┌─────────────────────────────────────┐
//	│      Type registry (registry)       │  modules, node sets,
//	│  constructors + JSON schemas        │  enable/disable/remove
//	└─────────────────────────────────────┘
//
// Around the core:
//
//   - flowconfig parses the document and computes deploy diffs
//   - flowstore persists it in memory, on disk or in a NATS KV bucket
//   - credentials encrypts node secrets at rest
//   - events is the in-process bus, optionally bridged to NATS subjects
//   - nodes registers the bundled node types
//
// # Deploy lifecycle
//
// A deploy is validated before anything stops. Duplicate ids, missing
// modules and undecryptable credentials refuse it with the running flows
// untouched. Missing types park it until the registry reports them.
// Otherwise the engine stops what the diff says changed, swaps the active
// document, starts the new nodes and saves:
//
//	POST /flows  (Node-RED-Deployment-Type: nodes)
//	    → flowconfig.Parse → flowconfig.Compute(old, new)
//	    → stop changed nodes per flow (concurrently, global last)
//	    → start / update flows (global first)
//	    → flowstore.SaveFlows → runtime-state event
//
// # Running
//
//	semflow -config semflow.yaml
//	semflow -validate -config semflow.yaml
//
// With no config file the runtime keeps flows in memory and serves the admin
// API on port 1880. SEMFLOW_* environment variables override file values.
package semflow
