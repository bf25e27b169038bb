package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockNATSClient is an in-memory stand-in for the publish/subscribe part of
// natsclient.Client. Handlers are called synchronously on Publish.
type MockNATSClient struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	subscriptions map[string]map[int]func(context.Context, []byte)
	nextID        int
	closed        bool
}

// NewMockNATSClient creates a mock client
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		messages:      make(map[string][][]byte),
		subscriptions: make(map[string]map[int]func(context.Context, []byte)),
	}
}

// Publish records data on subject and runs the subject's handlers
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.messages[subject] = append(c.messages[subject], append([]byte(nil), data...))

	handlers := make([]func(context.Context, []byte), 0, len(c.subscriptions[subject]))
	for _, h := range c.subscriptions[subject] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

// Subscribe registers handler for subject and returns its unsubscribe func
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("client is closed")
	}
	if c.subscriptions[subject] == nil {
		c.subscriptions[subject] = make(map[int]func(context.Context, []byte))
	}
	id := c.nextID
	c.nextID++
	c.subscriptions[subject][id] = handler

	return func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscriptions[subject], id)
		return nil
	}, nil
}

// GetMessages returns a copy of everything published on subject
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// GetMessageCount returns the number of messages published on subject
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// Subjects returns every subject something was published on
func (c *MockNATSClient) Subjects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.messages))
	for s := range c.messages {
		out = append(out, s)
	}
	return out
}

// Close makes further publishes fail
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// WaitForMessageCount polls until count messages arrived on subject
func WaitForMessageCount(t testing.TB, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if client.GetMessageCount(subject) >= count {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, client.GetMessageCount(subject))
			return
		case <-ticker.C:
		}
	}
}

// Eventually polls cond until it holds or timeout passes
func Eventually(t testing.TB, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
