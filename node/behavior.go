package node

import (
	"context"

	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
)

// Behavior is the type-specific part of a node. A behavior opts into the
// runtime's hooks by implementing any of InputHandler, AsyncInputHandler and
// Closer. A behavior implementing none of them is a pure config node.
type Behavior any

// InputHandler handles a message synchronously. A returned error, or a panic,
// is reported as a node error against msg. Returning nil reports completion.
type InputHandler interface {
	OnInput(ctx context.Context, msg message.Message) error
}

// AsyncInputHandler handles a message and reports the outcome through done,
// possibly from another goroutine. Completion is reported only once done is
// called; a handler that never calls done never completes.
type AsyncInputHandler interface {
	OnInputAsync(ctx context.Context, msg message.Message, done func(error))
}

// Closer releases the behavior's resources. removed is true when the node is
// deleted by a deploy and false when it is only being restarted. OnClose may
// block until asynchronous work has finished.
type Closer interface {
	OnClose(ctx context.Context, removed bool) error
}

// Constructor builds the behavior for one node record. n is already usable:
// the constructor may register close handlers, set a status or send.
type Constructor func(n *Node, cfg *flowconfig.NodeConfig) (Behavior, error)

// Router is the owning flow as seen from a node
type Router interface {
	// GetNode resolves a live node by id, nil when unknown
	GetNode(id string) *Node
	// HandleError routes a node error and reports whether a catch node took it
	HandleError(n *Node, text string, msg message.Message) bool
	// HandleStatus routes a status update and reports whether a status node took it
	HandleStatus(n *Node, status Status) bool
	// HandleComplete routes a completed message to complete nodes
	HandleComplete(n *Node, msg message.Message)
}

// Inbox queues a message for a node on its flow's single writer
type Inbox interface {
	Deliver(target *Node, msg message.Message)
}

// EventSink receives the node-status and node-error notifications
type EventSink interface {
	Emit(name string, payload any)
}
