// Package worker provides the single-goroutine mailbox that serializes work
// for one live flow.
//
// # Overview
//
// A Mailbox[T] is an unbounded FIFO drained by exactly one goroutine. Every
// message delivery to the nodes of a flow is submitted to that flow's mailbox,
// so node input handlers of one flow never run concurrently with each other.
// Flows run independently of one another.
//
// Submit never blocks and never drops: a node handler that sends to a node in
// its own flow enqueues behind itself instead of deadlocking.
//
//	mb := worker.NewMailbox(func(ctx context.Context, d delivery) {
//	    d.target.Receive(ctx, d.msg)
//	})
//	_ = mb.Start(ctx)
//	_ = mb.Submit(delivery{target: n, msg: msg})
//	_ = mb.Sync(ctx)         // wait until everything above is handled
//	_ = mb.Stop(time.Second) // discard the rest, wait for the running item
//
// # Observability
//
// Stats is always available. WithDepthGauge and WithProcessedCounter attach
// Prometheus collectors, usually per-flow children of a labelled vector.
package worker
