// Package flow runs one tab of a deploy document, or the global scope.
//
// A Flow owns the live nodes of its scope and a single mailbox on which every
// delivery to those nodes runs, so a node's handlers never run concurrently.
// The flow is also the nodes' Router: it resolves wire targets, hands errors
// to catch nodes, status updates to status nodes and completions to complete
// nodes, and passes anything it does not handle to its parent.
//
// Lifecycle:
//
//	f := flow.New(flow.Options{ID: "tab1", Config: cfg, Parent: global, Types: reg})
//	if err := f.Start(ctx); err != nil { ... }
//	err = f.Update(ctx, next, flowconfig.Compute(cfg, next))
//	err = f.Stop(ctx, nil, nil)
//
// Start refuses to create anything when a node type or module is missing.
// Update leaves unchanged nodes running. Stop waits for every node to close
// even when some fail and joins the failures.
//
// Subflow instances (type "subflow:<id>") are expanded in place: the instance
// node forwards its input into a copy of the definition whose nodes are named
// "<instance>-<inner id>". Errors and status inside the copy reach the
// subflow's own catch and status nodes first and then surface on the
// instance node.
package flow
