package nodes

import (
	"context"
	"fmt"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// NATS node types
const (
	TypeNATSIn  = "nats in"
	TypeNATSOut = "nats out"
)

// PubSub is the part of natsclient.Client the NATS nodes use
type PubSub interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (func() error, error)
}

const natsSchema = `{
  "type": "object",
  "properties": {
    "subject": {"type": "string"}
  }
}`

// errNoNATS is returned by the NATS constructors when the runtime has no
// NATS connection
var errNoNATS = errors.WrapInvalid(errors.ErrNoConnection, "Nodes", "New", "nats client check")

// natsOut publishes msg.payload to its subject, or to msg.topic when no
// subject is configured
type natsOut struct {
	n       *node.Node
	client  PubSub
	subject string
}

func newNATSOut(client PubSub) node.Constructor {
	return func(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
		if client == nil {
			return nil, errNoNATS
		}
		return &natsOut{n: n, client: client, subject: cfg.StringProp("subject")}, nil
	}
}

func (o *natsOut) OnInput(ctx context.Context, msg message.Message) error {
	subject := o.subject
	if subject == "" {
		subject, _ = msg["topic"].(string)
	}
	if subject == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "NATSOut", "OnInput", "no subject configured and msg.topic is empty")
	}
	data, err := toBytes(msg["payload"])
	if err != nil {
		return errors.WrapInvalid(err, "NATSOut", "OnInput", "encode payload")
	}
	if err := o.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSOut", "OnInput", fmt.Sprintf("publish to %s", subject))
	}
	return nil
}

// natsIn turns every message received on its subject into a flow message
// with the subject as topic. The subscription ends when the node closes.
type natsIn struct {
	n           *node.Node
	subject     string
	unsubscribe func() error
}

func newNATSIn(client PubSub) node.Constructor {
	return func(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
		if client == nil {
			return nil, errNoNATS
		}
		subject := cfg.StringProp("subject")
		if subject == "" {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSIn", "New", "subject is required")
		}

		in := &natsIn{n: n, subject: subject}
		unsubscribe, err := client.Subscribe(context.Background(), subject, in.handle)
		if err != nil {
			n.Status(map[string]any{"fill": "red", "shape": "ring", "text": "disconnected"})
			return nil, errors.WrapTransient(err, "NATSIn", "New", fmt.Sprintf("subscribe to %s", subject))
		}
		in.unsubscribe = unsubscribe
		n.Status(map[string]any{"fill": "green", "shape": "dot", "text": "subscribed"})
		return in, nil
	}
}

func (in *natsIn) handle(_ context.Context, data []byte) {
	if in.n.Closed() {
		return
	}
	msg := message.New()
	msg["topic"] = in.subject
	msg["payload"] = fromBytes(data)
	in.n.Send(msg)
}

func (in *natsIn) OnClose(context.Context, bool) error {
	if in.unsubscribe == nil {
		return nil
	}
	if err := in.unsubscribe(); err != nil {
		return errors.WrapTransient(err, "NATSIn", "OnClose", fmt.Sprintf("unsubscribe from %s", in.subject))
	}
	return nil
}
