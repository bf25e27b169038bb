package node

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/metric"
)

// ErrCloseTimeout is returned by Close when the close handlers outlive the
// configured grace period
var ErrCloseTimeout = stderrors.New("node close timed out")

// Config carries everything a Node needs from its flow
type Config struct {
	Record *flowconfig.NodeConfig

	// Alias is the id of the record inside its subflow definition, empty
	// for nodes that do not belong to a subflow instance
	Alias string

	Router      Router
	Inbox       Inbox
	Events      EventSink
	Credentials map[string]any
	Logger      *slog.Logger
	Metrics     *metric.Metrics

	// CloseTimeout bounds Close. Zero waits for the handlers forever.
	CloseTimeout time.Duration
}

// Node is a live instance of one node record
type Node struct {
	id     string
	typ    string
	name   string
	z      string
	g      string
	alias  string
	record *flowconfig.NodeConfig

	router       Router
	inbox        Inbox
	events       EventSink
	credentials  map[string]any
	logger       *slog.Logger
	metrics      *metric.Metrics
	closeTimeout time.Duration

	behavior Behavior

	mu            sync.RWMutex
	wires         [][]string
	closeHandlers []func(ctx context.Context, removed bool) error
	closed        atomic.Bool

	received atomic.Int64
	sent     atomic.Int64
	failures atomic.Int64
}

// New creates a node for cfg.Record. The behavior is attached afterwards with
// SetBehavior, once its constructor has run.
func New(cfg Config) *Node {
	rec := cfg.Record
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Node{
		id:           rec.ID,
		typ:          rec.Type,
		name:         rec.Name,
		z:            rec.Z,
		g:            rec.G,
		alias:        cfg.Alias,
		record:       rec,
		router:       cfg.Router,
		inbox:        cfg.Inbox,
		events:       cfg.Events,
		credentials:  cfg.Credentials,
		metrics:      cfg.Metrics,
		closeTimeout: cfg.CloseTimeout,
		wires:        copyWires(rec.Wires),
	}
	n.logger = logger.With("node", n.id, "type", n.typ)
	return n
}

// SetBehavior attaches the behavior built by the node's constructor
func (n *Node) SetBehavior(b Behavior) { n.behavior = b }

// Behavior returns the attached behavior
func (n *Node) Behavior() Behavior { return n.behavior }

func (n *Node) ID() string    { return n.id }
func (n *Node) Type() string  { return n.typ }
func (n *Node) Name() string  { return n.name }
func (n *Node) Z() string     { return n.z }
func (n *Node) Group() string { return n.g }

// Alias returns the node's id within its subflow definition, or its own id
func (n *Node) Alias() string {
	if n.alias != "" {
		return n.alias
	}
	return n.id
}

// Config returns the record the node was built from
func (n *Node) Config() *flowconfig.NodeConfig { return n.record }

// Router returns the owning flow
func (n *Node) Router() Router { return n.router }

// Credentials returns the node's decrypted credentials, nil if it has none
func (n *Node) Credentials() map[string]any { return n.credentials }

// Logger returns the node's logger
func (n *Node) Logger() *slog.Logger { return n.logger }

// Wires returns a copy of the current output wiring
func (n *Node) Wires() [][]string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return copyWires(n.wires)
}

// UpdateWires replaces the output wiring of a running node
func (n *Node) UpdateWires(wires [][]string) {
	n.mu.Lock()
	n.wires = copyWires(wires)
	n.mu.Unlock()
}

// Closed reports whether Close has been called
func (n *Node) Closed() bool { return n.closed.Load() }

// Receive handles one inbound message. A nil msg is replaced by an empty
// message. Handler failures are reported through Error and never reach the
// caller.
func (n *Node) Receive(ctx context.Context, msg message.Message) {
	if n.closed.Load() {
		n.logger.Debug("Dropping message for closed node")
		return
	}
	if msg == nil {
		msg = message.Message{}
	}
	msg.EnsureID()
	n.received.Add(1)
	n.metrics.RecordReceived(n.typ)

	switch b := n.behavior.(type) {
	case AsyncInputHandler:
		var once sync.Once
		done := func(err error) {
			once.Do(func() {
				if err != nil {
					n.Error(err, msg)
					return
				}
				n.complete(msg)
			})
		}
		if err := n.guard(func() error { b.OnInputAsync(ctx, msg, done); return nil }); err != nil {
			n.Error(err, msg)
		}
	case InputHandler:
		if err := n.guard(func() error { return b.OnInput(ctx, msg) }); err != nil {
			n.Error(err, msg)
			return
		}
		n.complete(msg)
	}
}

func (n *Node) complete(msg message.Message) {
	if n.router != nil {
		n.router.HandleComplete(n, msg)
	}
}

// guard runs fn and converts a panic into an error
func (n *Node) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Node handler panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// Deliver queues msg for this node on its flow. Without an inbox the message
// is handled synchronously.
func (n *Node) Deliver(msg message.Message) {
	if n.inbox == nil {
		n.Receive(context.Background(), msg)
		return
	}
	n.inbox.Deliver(n, msg)
}

// Send sends msg on the first output
func (n *Node) Send(msg message.Message) {
	n.SendMulti([][]message.Message{{msg}})
}

// SendPorts sends one message per output; a nil entry sends nothing on
// that output
func (n *Node) SendPorts(msgs ...message.Message) {
	ports := make([][]message.Message, len(msgs))
	for i, m := range msgs {
		ports[i] = []message.Message{m}
	}
	n.SendMulti(ports)
}

type delivery struct {
	target string
	msg    message.Message
	clone  bool
}

// SendMulti sends any number of messages per output. For each output the
// messages go to every wired target in declaration order. The first delivery
// of the whole call carries the original message and every later one a
// clone. Targets are resolved through the router when the send happens and
// unknown targets are skipped.
func (n *Node) SendMulti(ports [][]message.Message) {
	n.mu.RLock()
	wires := n.wires
	n.mu.RUnlock()

	var (
		out  []delivery
		sent bool
		id   string
	)
	for i, wired := range wires {
		if i >= len(ports) || len(ports[i]) == 0 {
			continue
		}
		for _, target := range wired {
			for _, m := range ports[i] {
				if m == nil {
					continue
				}
				if m.ID() == "" {
					if id == "" {
						id = message.NewID()
					}
					m[message.IDKey] = id
				}
				out = append(out, delivery{target: target, msg: m, clone: sent})
				sent = true
			}
		}
	}

	delivered := 0
	for _, d := range out {
		target := n.lookup(d.target)
		if target == nil {
			continue
		}
		m := d.msg
		if d.clone {
			m = m.Clone()
		}
		target.Deliver(m)
		delivered++
	}
	if delivered > 0 {
		n.sent.Add(int64(delivered))
		n.metrics.RecordSent(n.typ, delivered)
	}
}

func (n *Node) lookup(id string) *Node {
	if n.router == nil {
		return nil
	}
	return n.router.GetNode(id)
}

// Status reports a status update. Primitives become the status text.
func (n *Node) Status(v any) {
	st := NormalizeStatus(v)
	if n.events != nil {
		n.events.Emit(events.NodeStatus, events.NodeStatusPayload{ID: n.id, Type: n.typ, Flow: n.z, Status: st.Map()})
	}
	if n.router != nil {
		n.router.HandleStatus(n, st)
	}
}

// Emit publishes an event on the runtime bus, if the node has one
func (n *Node) Emit(name string, payload any) {
	if n.events != nil {
		n.events.Emit(name, payload)
	}
}

// Error reports a node error against msg, which may be nil. It logs, routes
// the error to catch nodes and never panics.
func (n *Node) Error(err any, msg message.Message) {
	text := errorText(err)
	n.failures.Add(1)
	n.metrics.RecordNodeError(n.typ)
	n.logger.Error("Node error", "error", text, "msgid", msg.ID())

	caught := false
	if n.router != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Error("Error routing panicked", "panic", r)
				}
			}()
			caught = n.router.HandleError(n, text, msg)
		}()
	}
	if n.events != nil {
		n.events.Emit(events.NodeError, events.NodeErrorPayload{
			ID: n.id, Type: n.typ, Flow: n.z, Message: text, MsgID: msg.ID(), Caught: caught,
		})
	}
}

func errorText(err any) string {
	switch e := err.(type) {
	case nil:
		return ""
	case error:
		return e.Error()
	case string:
		return e
	default:
		return fmt.Sprint(e)
	}
}

// Log, Warn and Debug write through the node's logger
func (n *Node) Log(msg string, args ...any)   { n.logger.Info(msg, args...) }
func (n *Node) Warn(msg string, args ...any)  { n.logger.Warn(msg, args...) }
func (n *Node) Debug(msg string, args ...any) { n.logger.Debug(msg, args...) }

// OnClose registers an extra close handler
func (n *Node) OnClose(fn func(ctx context.Context, removed bool) error) {
	n.mu.Lock()
	n.closeHandlers = append(n.closeHandlers, fn)
	n.mu.Unlock()
}

// Close runs the behavior's OnClose and every registered close handler
// concurrently and waits for all of them. Failures are joined; one failing
// handler does not stop the others. Calling Close again is a no-op.
func (n *Node) Close(ctx context.Context, removed bool) error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}

	n.mu.RLock()
	handlers := make([]func(context.Context, bool) error, 0, len(n.closeHandlers)+1)
	if c, ok := n.behavior.(Closer); ok {
		handlers = append(handlers, c.OnClose)
	}
	handlers = append(handlers, n.closeHandlers...)
	n.mu.RUnlock()

	if len(handlers) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, h := range handlers {
		g.Go(func() error {
			if err := n.guard(func() error { return h(ctx, removed) }); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	var timeout <-chan time.Time
	if n.closeTimeout > 0 {
		t := time.NewTimer(n.closeTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-finished:
	case <-timeout:
		return errors.WrapTransient(ErrCloseTimeout, "Node", "Close", fmt.Sprintf("close %s", n.id))
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "Node", "Close", fmt.Sprintf("close %s", n.id))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(stderrors.Join(errs...), "Node", "Close", fmt.Sprintf("close %s", n.id))
}

// Stats is a snapshot of a node's counters
type Stats struct {
	Received int64 `json:"received"`
	Sent     int64 `json:"sent"`
	Errors   int64 `json:"errors"`
}

// Metrics returns the node's message counters
func (n *Node) Metrics() Stats {
	return Stats{Received: n.received.Load(), Sent: n.sent.Load(), Errors: n.failures.Load()}
}

func copyWires(w [][]string) [][]string {
	if w == nil {
		return nil
	}
	out := make([][]string, len(w))
	for i, port := range w {
		out[i] = append([]string(nil), port...)
	}
	return out
}
