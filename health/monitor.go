package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Monitor holds the latest status of each named part. It is safe for
// concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	logger   *slog.Logger
}

// MonitorOption configures a Monitor
type MonitorOption func(*Monitor)

// WithLogger logs state transitions at info, and at warn when a part turns
// unhealthy
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// NewMonitor returns an empty monitor
func NewMonitor(opts ...MonitorOption) *Monitor {
	m := &Monitor{statuses: make(map[string]Status)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Update records status for name. Since is carried over while the state
// stays the same and Failures counts consecutive unhealthy reports.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	status.Since = status.Timestamp

	m.mu.Lock()
	prev, existed := m.statuses[name]
	if existed && prev.Status == status.Status {
		status.Since = prev.Since
	}
	if status.IsUnhealthy() {
		status.Failures = 1
		if existed && prev.IsUnhealthy() {
			status.Failures = prev.Failures + 1
		}
	}
	m.statuses[name] = status
	m.mu.Unlock()

	if m.logger != nil && (!existed || prev.Status != status.Status) {
		level := slog.LevelInfo
		if status.IsUnhealthy() {
			level = slog.LevelWarn
		}
		m.logger.Log(context.Background(), level, "Health changed", "component", name, "status", status.Status, "message", status.Message)
	}
}

func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get returns the status recorded for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.statuses[name]
	return st, ok
}

// Remove forgets name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Snapshot returns every recorded status sorted by component
func (m *Monitor) Snapshot() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// Aggregate combines every recorded status under component
func (m *Monitor) Aggregate(component string) Status {
	return Aggregate(component, m.Snapshot())
}
