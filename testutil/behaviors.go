package testutil

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// Recorder is a node behavior that records every message it receives and,
// when Forward is set, sends it on unchanged
type Recorder struct {
	Node    *node.Node
	Forward bool

	mu       sync.Mutex
	msgs     []message.Message
	closes   []bool
	received chan struct{}
}

// NewRecorder returns a recorder bound to n
func NewRecorder(n *node.Node) *Recorder {
	return &Recorder{Node: n, received: make(chan struct{}, 1024)}
}

// OnInput implements node.InputHandler
func (r *Recorder) OnInput(_ context.Context, msg message.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	select {
	case r.received <- struct{}{}:
	default:
	}
	if r.Forward {
		r.Node.Send(msg)
	}
	return nil
}

// OnClose implements node.Closer
func (r *Recorder) OnClose(_ context.Context, removed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes = append(r.closes, removed)
	return nil
}

// Messages returns the messages received so far
func (r *Recorder) Messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.msgs...)
}

// Closes returns the removed flag of every OnClose call
func (r *Recorder) Closes() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.closes...)
}

// WaitFor blocks until the recorder holds at least n messages
func (r *Recorder) WaitFor(t testing.TB, n int, timeout time.Duration) []message.Message {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if msgs := r.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-r.received:
		case <-deadline:
			t.Fatalf("node %s: timeout waiting for %d messages (got %d)", r.Node.ID(), n, len(r.Messages()))
			return nil
		}
	}
}

// Failing is a behavior whose every input fails with Err
type Failing struct {
	Err   error
	calls atomic.Int64
}

// OnInput implements node.InputHandler
func (f *Failing) OnInput(context.Context, message.Message) error {
	f.calls.Add(1)
	if f.Err == nil {
		return stderrors.New("failing node")
	}
	return f.Err
}

// Calls returns how many inputs were handled
func (f *Failing) Calls() int64 { return f.calls.Load() }

// Async is a behavior that completes each input later, when the test calls
// Complete
type Async struct {
	mu      sync.Mutex
	pending []func(error)
}

// OnInputAsync implements node.AsyncInputHandler
func (a *Async) OnInputAsync(_ context.Context, _ message.Message, done func(error)) {
	a.mu.Lock()
	a.pending = append(a.pending, done)
	a.mu.Unlock()
}

// Pending returns the number of inputs not yet completed
func (a *Async) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Complete finishes the oldest pending input with err
func (a *Async) Complete(err error) bool {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return false
	}
	done := a.pending[0]
	a.pending = a.pending[1:]
	a.mu.Unlock()
	done(err)
	return true
}

// SlowCloser is a behavior whose close waits for Delay and then returns Err
type SlowCloser struct {
	Delay time.Duration
	Err   error

	closed atomic.Bool
}

// OnClose implements node.Closer
func (s *SlowCloser) OnClose(ctx context.Context, _ bool) error {
	select {
	case <-time.After(s.Delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	s.closed.Store(true)
	return s.Err
}

// Closed reports whether OnClose ran to completion
func (s *SlowCloser) Closed() bool { return s.closed.Load() }

// Types is an in-memory type resolver for flow tests. It records every
// constructed node so tests can reach the behaviors.
type Types struct {
	mu      sync.Mutex
	ctors   map[string]node.Constructor
	built   map[string][]node.Behavior
	nodes   map[string]*node.Node
	missing []string
}

// NewTypes returns an empty resolver
func NewTypes() *Types {
	return &Types{
		ctors: make(map[string]node.Constructor),
		built: make(map[string][]node.Behavior),
		nodes: make(map[string]*node.Node),
	}
}

// Register binds typ to ctor
func (t *Types) Register(typ string, ctor node.Constructor) *Types {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctors[typ] = func(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
		b, err := ctor(n, cfg)
		if err == nil {
			t.mu.Lock()
			t.built[n.ID()] = append(t.built[n.ID()], b)
			t.nodes[n.ID()] = n
			t.mu.Unlock()
		}
		return b, err
	}
	return t
}

// RegisterRecorder binds typ to a Recorder constructor. A "forward" property
// makes the recorder pass messages on.
func (t *Types) RegisterRecorder(typ string) *Types {
	return t.Register(typ, func(n *node.Node, cfg *flowconfig.NodeConfig) (node.Behavior, error) {
		r := NewRecorder(n)
		r.Forward = cfg.BoolProp("forward")
		return r, nil
	})
}

// MissingModules makes CheckNodeDependencies fail naming modules
func (t *Types) MissingModules(modules ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missing = modules
}

// Constructor implements flow.TypeResolver
func (t *Types) Constructor(typ string) (node.Constructor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.ctors[typ]
	return c, ok
}

// CheckNodeDependencies implements flow.TypeResolver
func (t *Types) CheckNodeDependencies(context.Context, []*flowconfig.NodeConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.missing) > 0 {
		return errors.NewMissingModulesError(t.missing)
	}
	return nil
}

// Built returns every behavior constructed for id, oldest first
func (t *Types) Built(id string) []node.Behavior {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]node.Behavior(nil), t.built[id]...)
}

// Latest returns the most recent behavior constructed for id
func (t *Types) Latest(id string) node.Behavior {
	built := t.Built(id)
	if len(built) == 0 {
		return nil
	}
	return built[len(built)-1]
}

// Recorder returns the latest behavior of id as a Recorder
func (t *Types) Recorder(id string) *Recorder {
	r, _ := t.Latest(id).(*Recorder)
	return r
}

// Node returns the latest node constructed for id
func (t *Types) Node(id string) *node.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nodes[id]
}
