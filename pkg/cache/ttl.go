// Package cache provides a generic expiring map for tracking in-flight work.
//
// Entries expire after their TTL and are handed to the expiry callback from
// a background sweeper. Take removes an entry without firing the callback,
// so exactly one of "completed" and "expired" happens for each key:
//
//	pending, _ := cache.NewTTL[message.Message](ctx, 30*time.Second,
//	    cache.WithExpiryCallback(func(id string, msg message.Message) {
//	        reportTimeout(msg)
//	    }))
//	_ = pending.Set(msg.ID(), msg)
//	...
//	if msg, ok := pending.Take(id); ok {
//	    // completed in time
//	}
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semflow/errors"
)

// Sweep interval bounds
const (
	MinSweepInterval = 10 * time.Millisecond
	MaxSweepInterval = time.Second
)

// ExpiryCallback receives an entry that reached its TTL
type ExpiryCallback[V any] func(key string, value V)

// Option configures a TTL cache
type Option[V any] func(*TTL[V])

// WithExpiryCallback sets the function called for expired entries. It runs
// on the sweeper goroutine outside the cache lock.
func WithExpiryCallback[V any](fn ExpiryCallback[V]) Option[V] {
	return func(c *TTL[V]) { c.onExpire = fn }
}

// WithSweepInterval overrides how often expired entries are collected.
// The default is a tenth of the TTL within the sweep bounds.
func WithSweepInterval[V any](d time.Duration) Option[V] {
	return func(c *TTL[V]) {
		if d > 0 {
			c.sweep = d
		}
	}
}

// Stats counts cache activity
type Stats struct {
	Sets    int64
	Taken   int64
	Expired int64
	Size    int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a thread-safe map whose entries expire
type TTL[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	sweep    time.Duration
	items    map[string]entry[V]
	onExpire ExpiryCallback[V]

	sets    atomic.Int64
	taken   atomic.Int64
	expired atomic.Int64

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewTTL starts a cache whose entries live for ttl. The sweeper stops when
// ctx is done or Close is called.
func NewTTL[V any](ctx context.Context, ttl time.Duration, opts ...Option[V]) (*TTL[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	c := &TTL[V]{
		ttl:   ttl,
		sweep: min(max(ttl/10, MinSweepInterval), MaxSweepInterval),
		items: make(map[string]entry[V]),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.run(ctx)
	return c, nil
}

// Set stores value under key, replacing and re-arming an existing entry
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Set", "key cannot be empty")
	}
	c.mu.Lock()
	c.items[key] = entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	c.sets.Add(1)
	return nil
}

// Get returns the value under key if it has not expired
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take removes and returns the value under key. An entry past its TTL that
// the sweeper has not collected yet is still returned.
func (c *TTL[V]) Take(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok {
		delete(c.items, key)
	}
	c.mu.Unlock()
	if ok {
		c.taken.Add(1)
	}
	return e.value, ok
}

// Size returns the number of entries, expired ones included until swept
func (c *TTL[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of the counters
func (c *TTL[V]) Stats() Stats {
	return Stats{
		Sets:    c.sets.Load(),
		Taken:   c.taken.Load(),
		Expired: c.expired.Load(),
		Size:    c.Size(),
	}
}

// Close stops the sweeper and drops the remaining entries without calling
// the expiry callback
func (c *TTL[V]) Close() {
	c.once.Do(func() { close(c.stop) })
	<-c.done
	c.mu.Lock()
	c.items = make(map[string]entry[V])
	c.mu.Unlock()
}

func (c *TTL[V]) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.expire(now)
		}
	}
}

func (c *TTL[V]) expire(now time.Time) {
	type expired struct {
		key   string
		value V
	}
	var out []expired

	c.mu.Lock()
	for k, e := range c.items {
		if now.After(e.expiresAt) {
			out = append(out, expired{k, e.value})
			delete(c.items, k)
		}
	}
	c.mu.Unlock()

	c.expired.Add(int64(len(out)))
	if c.onExpire == nil {
		return
	}
	for _, e := range out {
		c.onExpire(e.key, e.value)
	}
}
