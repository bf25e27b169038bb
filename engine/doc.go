// Package flowengine owns the live flows and applies deploys to them.
//
// An Engine holds one active document: the full list of node records. Every
// tab becomes a flow, and the config nodes with z == "" run in an implicit
// global flow that tabs fall back to when they resolve ids. SetFlows
// replaces the active document:
//
//	eng, err := flowengine.New(flowengine.Options{
//	    Registry:    reg,
//	    Storage:     store,
//	    Credentials: credentials.NewCrypto(secret),
//	})
//	rev, err := eng.SetFlows(ctx, records, flowengine.DeployNodes, nil)
//
// # Deploy types
//
//   - full stops every flow and starts the new document.
//   - flows restarts the tabs that contain a change and leaves the rest alone.
//   - nodes updates the affected tabs in place: only added, changed and
//     rewired-subflow nodes are recreated, wires of other nodes are swapped.
//   - load and reload restart everything and are never persisted. Load is
//     what Engine.Load uses at boot.
//
// Every deploy is checked before anything stops. Duplicate ids, credentials
// that do not decrypt and missing modules refuse the deploy with the running
// flows untouched. Missing node types park the document: the engine emits a
// runtime-state event listing the types and deploys the parked document as
// soon as the registry reports them.
//
// Stops run tab by tab concurrently with the global flow last; starts run
// global first so tabs see the new config nodes.
//
// # Events
//
// The engine emits flows:stopping, flows:stopped, flows:starting and
// flows:started around every deploy, and a retained runtime-state event
// after it. Partial deploys attach a summary of the diff.
//
// # Flow fragments
//
// AddFlow, UpdateFlow, RemoveFlow, DisableFlow and EnableFlow edit one tab
// of the active document and deploy the result as a flows deploy, so other
// tabs keep running. The id "global" addresses the global config nodes.
package flowengine
