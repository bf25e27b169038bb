// Package buffer provides a bounded, thread-safe FIFO that never blocks the
// writer. When full it drops according to its OverflowPolicy.
//
// Readers wait on Ready instead of polling:
//
//	q := buffer.New[[]byte](256, buffer.WithDropCallback[[]byte](onDrop))
//	for {
//	    select {
//	    case <-q.Ready():
//	        for _, item := range q.ReadBatch(32) {
//	            send(item)
//	        }
//	    case <-ctx.Done():
//	        return
//	    }
//	}
package buffer

import (
	"sync"

	"github.com/c360/semflow/errors"
)

// OverflowPolicy defines what a full buffer does with a new item
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room
	DropOldest OverflowPolicy = iota
	// DropNewest discards the new item
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item
type DropCallback[T any] func(item T)

// Option configures a Buffer
type Option[T any] func(*Buffer[T])

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(b *Buffer[T]) { b.policy = policy }
}

// WithDropCallback sets a callback for dropped items
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(b *Buffer[T]) { b.onDrop = callback }
}

// Buffer is a fixed-capacity ring
type Buffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // next write
	tail   int // next read
	size   int
	closed bool

	policy  OverflowPolicy
	onDrop  DropCallback[T]
	dropped int64
	ready   chan struct{}
}

// New creates a buffer holding at most capacity items (minimum 1)
func New[T any](capacity int, opts ...Option[T]) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Buffer[T]{
		items: make([]T, capacity),
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Write adds item. A full buffer drops per its policy and still returns nil;
// only a closed buffer refuses writes.
func (b *Buffer[T]) Write(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "buffer closed")
	}

	var dropped T
	didDrop := false
	if b.size == len(b.items) {
		didDrop = true
		b.dropped++
		if b.policy == DropNewest {
			b.mu.Unlock()
			if b.onDrop != nil {
				b.onDrop(item)
			}
			return nil
		}
		dropped = b.items[b.tail]
		var zero T
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % len(b.items)
		b.size--
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	b.size++
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	if didDrop && b.onDrop != nil {
		b.onDrop(dropped)
	}
	return nil
}

// Read removes and returns the oldest item
func (b *Buffer[T]) Read() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	if b.size == 0 {
		return zero, false
	}
	item := b.items[b.tail]
	b.items[b.tail] = zero
	b.tail = (b.tail + 1) % len(b.items)
	b.size--
	return item, true
}

// ReadBatch removes up to max items, oldest first
func (b *Buffer[T]) ReadBatch(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.size
	if max > 0 && max < n {
		n = max
	}
	out := make([]T, 0, n)
	var zero T
	for i := 0; i < n; i++ {
		out = append(out, b.items[b.tail])
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % len(b.items)
	}
	b.size -= n
	if b.size > 0 {
		select {
		case b.ready <- struct{}{}:
		default:
		}
	}
	return out
}

// Ready is signalled after a write; receivers should drain with ReadBatch
func (b *Buffer[T]) Ready() <-chan struct{} { return b.ready }

// Size returns the number of buffered items
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of items
func (b *Buffer[T]) Capacity() int { return len(b.items) }

// Dropped returns how many items overflow has discarded
func (b *Buffer[T]) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close refuses further writes. Buffered items can still be read.
func (b *Buffer[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
