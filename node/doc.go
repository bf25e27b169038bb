// Package node implements the live instance of a node record.
//
// A Node owns its output wiring and counters and delegates type-specific work
// to a Behavior built by the type's Constructor. Messages reach a node through
// its Inbox, which the owning flow drains on a single goroutine, so a behavior
// never sees two inputs at once.
//
// Sending fans a message out along the wires of each output in declaration
// order. The first delivery carries the original message and later ones carry
// clones, so branches never share mutable state. Targets are looked up through
// the Router at send time; ids that resolve to nothing are skipped.
//
// Errors from handlers, whether returned, panicked or passed to an async done
// callback, are reported with Error, which logs them and hands them to the
// Router for catch nodes. Close runs every close handler concurrently and
// waits for all of them.
package node
