package events

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Well-known event names
const (
	TypeRegistered = "type-registered"
	FlowsStarting  = "flows:starting"
	FlowsStarted   = "flows:started"
	FlowsStopping  = "flows:stopping"
	FlowsStopped   = "flows:stopped"
	RuntimeEvent   = "runtime-event"
	NodeStatus     = "node-status"
	NodeError      = "node-error"
	Notification   = "notification"
	Debug          = "debug"
)

// Handler receives an event payload
type Handler func(payload any)

type subscription struct {
	id      uint64
	handler Handler
	once    bool
}

// Bus is a process-wide publish/subscribe hub. Handlers run synchronously on
// the emitting goroutine, in registration order. A panicking handler is
// logged and does not affect the others.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	subs     map[string][]subscription
	wildcard []subscription
}

// NewBus creates a bus. A nil logger uses slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "events"),
		subs:   make(map[string][]subscription),
	}
}

// On registers handler for name and returns a function that removes it
func (b *Bus) On(name string, handler Handler) func() {
	return b.add(name, handler, false)
}

// Once registers handler for the next emission of name only
func (b *Bus) Once(name string, handler Handler) func() {
	return b.add(name, handler, true)
}

// OnAny registers handler for every event. It receives an Event.
func (b *Bus) OnAny(handler func(Event)) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, handler: func(p any) { handler(p.(Event)) }})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = without(b.wildcard, id)
	}
}

func (b *Bus) add(name string, handler Handler, once bool) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, handler: handler, once: once})
	b.mu.Unlock()

	return func() { b.remove(name, id) }
}

func (b *Bus) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = without(b.subs[name], id)
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

func without(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Emit delivers payload to the handlers of name, then to OnAny handlers
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[name]...)
	all := append([]subscription(nil), b.wildcard...)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.once {
			b.remove(name, s.id)
		}
		b.call(name, s.handler, payload)
	}
	for _, s := range all {
		b.call(name, s.handler, Event{Name: name, Payload: payload})
	}
}

// Listeners returns the number of handlers registered for name
func (b *Bus) Listeners(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) call(name string, h Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	h(payload)
}
