package nodes

import (
	"context"

	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// passThrough sends every message on unchanged. The flow decides what
// reaches catch, status and complete nodes; junctions just relay.
type passThrough struct {
	n *node.Node
}

func newPassThrough(n *node.Node, _ *flowconfig.NodeConfig) (node.Behavior, error) {
	return &passThrough{n: n}, nil
}

func (p *passThrough) OnInput(_ context.Context, msg message.Message) error {
	p.n.Send(msg)
	return nil
}
