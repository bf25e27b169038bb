package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/pkg/cache"
)

// Link node types
const (
	TypeLinkIn   = "link in"
	TypeLinkOut  = "link out"
	TypeLinkCall = "link call"
)

// linkSourceKey holds the stack of link call nodes waiting for a return
const linkSourceKey = "_linkSource"

const (
	linkModeLink   = "link"
	linkModeReturn = "return"
)

// DefaultLinkCallTimeout bounds how long a link call waits for its return
const DefaultLinkCallTimeout = 30 * time.Second

// linkOut sends to the link in nodes named in "links", which may live on
// other flows. In "return" mode it hands the message back to the link call
// node that sent it instead.
type linkOut struct {
	n     *node.Node
	mode  string
	links []string
}

func newLinkOut(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
	mode := cfg.StringProp("mode")
	if mode == "" {
		mode = linkModeLink
	}
	if mode != linkModeLink && mode != linkModeReturn {
		return nil, errors.WrapInvalid(fmt.Errorf("unknown link mode %q", mode), "LinkOut", "New", "mode validation")
	}
	return &linkOut{n: n, mode: mode, links: stringList(cfg.Props["links"])}, nil
}

func (l *linkOut) OnInput(_ context.Context, msg message.Message) error {
	if l.mode == linkModeReturn {
		return l.back(msg)
	}
	first := true
	for _, id := range l.links {
		target := l.n.Router().GetNode(id)
		if target == nil || target.Type() != TypeLinkIn {
			l.n.Debug("Link target not found", "target", id)
			continue
		}
		if first {
			target.Deliver(msg)
			first = false
			continue
		}
		target.Deliver(msg.Clone())
	}
	return nil
}

func (l *linkOut) back(msg message.Message) error {
	stack, _ := msg[linkSourceKey].([]any)
	if len(stack) == 0 {
		return fmt.Errorf("link out in return mode received a message that was not sent by a link call node")
	}
	callerID, _ := stack[len(stack)-1].(string)
	if len(stack) == 1 {
		delete(msg, linkSourceKey)
	} else {
		msg[linkSourceKey] = stack[:len(stack)-1]
	}
	caller := l.n.Router().GetNode(callerID)
	if caller == nil {
		return fmt.Errorf("link call node %s not found", callerID)
	}
	if lc, ok := caller.Behavior().(*linkCall); ok {
		lc.returned(msg)
		return nil
	}
	caller.Send(msg)
	return nil
}

// linkCall sends to the first of its links and waits for a link out node in
// return mode to hand the message back, which is then sent on the call
// node's own output. A message not returned within the timeout is reported
// as a node error and a late return is dropped.
type linkCall struct {
	n       *node.Node
	links   []string
	pending *cache.TTL[message.Message]
}

func newLinkCall(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
	links := stringList(cfg.Props["links"])
	if len(links) == 0 {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "LinkCall", "New", "links validation")
	}
	timeout := DefaultLinkCallTimeout
	if secs, ok := toFloat64(cfg.Props["timeout"]); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}

	l := &linkCall{n: n, links: links}
	pending, err := cache.NewTTL(context.Background(), timeout,
		cache.WithExpiryCallback(func(_ string, msg message.Message) {
			n.Error("timeout", msg)
		}))
	if err != nil {
		return nil, err
	}
	l.pending = pending
	return l, nil
}

func (l *linkCall) OnInput(_ context.Context, msg message.Message) error {
	target := l.n.Router().GetNode(l.links[0])
	if target == nil || target.Type() != TypeLinkIn {
		return fmt.Errorf("link target %s not found", l.links[0])
	}
	stack, _ := msg[linkSourceKey].([]any)
	msg[linkSourceKey] = append(stack, l.n.ID())
	if err := l.pending.Set(msg.EnsureID(), msg.Clone()); err != nil {
		return err
	}
	target.Deliver(msg)
	return nil
}

func (l *linkCall) returned(msg message.Message) {
	if _, ok := l.pending.Take(msg.ID()); !ok {
		l.n.Debug("Dropping link return after timeout", "msgid", msg.ID())
		return
	}
	l.n.Send(msg)
}

func (l *linkCall) OnClose(context.Context, bool) error {
	l.pending.Close()
	return nil
}
