package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Mailbox is an unbounded FIFO drained by a single goroutine. Items submitted
// to one Mailbox are handled strictly one at a time in submission order, which
// makes the handler the only writer of whatever state it owns.
//
// Submit never blocks, so a handler may safely submit to its own mailbox.
type Mailbox[T any] struct {
	handler func(context.Context, T)

	mu      sync.Mutex
	queue   []entry[T]
	wake    chan struct{}
	started bool
	stopped bool
	done    chan struct{}
	cancel  context.CancelFunc

	submitted int64
	processed int64
	discarded int64

	depthGauge       prometheus.Gauge
	processedCounter prometheus.Counter
}

type entry[T any] struct {
	item    T
	barrier chan struct{}
}

// Option configures a Mailbox
type Option[T any] func(*Mailbox[T])

// WithDepthGauge reports the queue depth to g after every change
func WithDepthGauge[T any](g prometheus.Gauge) Option[T] {
	return func(m *Mailbox[T]) { m.depthGauge = g }
}

// WithProcessedCounter counts handled items on c
func WithProcessedCounter[T any](c prometheus.Counter) Option[T] {
	return func(m *Mailbox[T]) { m.processedCounter = c }
}

// NewMailbox creates a mailbox that passes each submitted item to handler
func NewMailbox[T any](handler func(context.Context, T), opts ...Option[T]) *Mailbox[T] {
	if handler == nil {
		panic(ErrNilHandler)
	}
	m := &Mailbox[T]{
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the drain goroutine. Cancelling ctx stops the mailbox
// without waiting for queued items.
func (m *Mailbox[T]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrMailboxAlreadyStarted
	}
	if m.stopped {
		return ErrMailboxStopped
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.started = true
	go m.run(ctx)
	return nil
}

// Submit appends item to the queue
func (m *Mailbox[T]) Submit(item T) error {
	return m.push(entry[T]{item: item})
}

func (m *Mailbox[T]) push(e entry[T]) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrMailboxNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return ErrMailboxStopped
	}
	m.queue = append(m.queue, e)
	depth := len(m.queue)
	m.mu.Unlock()

	if e.barrier == nil {
		atomic.AddInt64(&m.submitted, 1)
	}
	m.setDepth(depth)

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Sync waits until every item submitted before the call has been handled.
// Calling Sync from inside the handler deadlocks.
func (m *Mailbox[T]) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if err := m.push(entry[T]{barrier: barrier}); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-m.done:
		return ErrMailboxStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop refuses further items, discards the queued ones and waits up to
// timeout for the item being handled to return. A zero timeout waits forever.
func (m *Mailbox[T]) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.stopped = true
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for _, e := range m.queue {
		if e.barrier != nil {
			close(e.barrier)
			continue
		}
		atomic.AddInt64(&m.discarded, 1)
	}
	m.queue = nil
	m.mu.Unlock()
	m.setDepth(0)

	select {
	case m.wake <- struct{}{}:
	default:
	}

	if timeout <= 0 {
		<-m.done
		m.cancel()
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
		m.cancel()
		return nil
	case <-timer.C:
		m.cancel()
		return ErrStopTimeout
	}
}

// Len returns the number of queued items
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Stats returns a snapshot of the mailbox counters
func (m *Mailbox[T]) Stats() Stats {
	return Stats{
		Depth:     m.Len(),
		Submitted: atomic.LoadInt64(&m.submitted),
		Processed: atomic.LoadInt64(&m.processed),
		Discarded: atomic.LoadInt64(&m.discarded),
	}
}

// Stats represents mailbox statistics
type Stats struct {
	Depth     int   `json:"depth"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Discarded int64 `json:"discarded"`
}

func (m *Mailbox[T]) run(ctx context.Context) {
	defer close(m.done)

	for {
		e, ok := m.pop()
		if !ok {
			m.mu.Lock()
			stopped := m.stopped
			m.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			}
			continue
		}

		if e.barrier != nil {
			close(e.barrier)
			continue
		}
		m.handler(ctx, e.item)
		atomic.AddInt64(&m.processed, 1)
		if m.processedCounter != nil {
			m.processedCounter.Inc()
		}
	}
}

func (m *Mailbox[T]) pop() (entry[T], bool) {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return entry[T]{}, false
	}
	e := m.queue[0]
	m.queue[0] = entry[T]{}
	m.queue = m.queue[1:]
	depth := len(m.queue)
	m.mu.Unlock()

	m.setDepth(depth)
	return e, true
}

func (m *Mailbox[T]) setDepth(n int) {
	if m.depthGauge != nil {
		m.depthGauge.Set(float64(n))
	}
}
