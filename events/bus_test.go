package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_OrderAndUnsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var got []string

	bus.On("x", func(p any) { got = append(got, "a:"+p.(string)) })
	off := bus.On("x", func(p any) { got = append(got, "b:"+p.(string)) })

	bus.Emit("x", "1")
	off()
	bus.Emit("x", "2")
	bus.Emit("other", "3")

	assert.Equal(t, []string{"a:1", "b:1", "a:2"}, got)
	assert.Equal(t, 1, bus.Listeners("x"))
}

func TestBus_Once(t *testing.T) {
	bus := NewBus(nil)
	calls := 0
	bus.Once(TypeRegistered, func(any) { calls++ })

	bus.Emit(TypeRegistered, nil)
	bus.Emit(TypeRegistered, nil)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Listeners(TypeRegistered))
}

func TestBus_PanickingHandlerIsolated(t *testing.T) {
	bus := NewBus(nil)
	reached := false
	bus.On("x", func(any) { panic("boom") })
	bus.On("x", func(any) { reached = true })

	assert.NotPanics(t, func() { bus.Emit("x", nil) })
	assert.True(t, reached)
}

func TestBus_EmitFromHandler(t *testing.T) {
	bus := NewBus(nil)
	var got []string
	bus.On("first", func(any) {
		got = append(got, "first")
		bus.Emit("second", nil)
	})
	bus.On("second", func(any) { got = append(got, "second") })

	bus.Emit("first", nil)
	assert.Equal(t, []string{"first", "second"}, got)
}

func TestBus_OnAny(t *testing.T) {
	bus := NewBus(nil)
	var seen []Event
	off := bus.OnAny(func(e Event) { seen = append(seen, e) })

	bus.Emit(FlowsStarted, FlowsPayload{Type: "full"})
	off()
	bus.Emit(FlowsStopped, nil)

	require.Len(t, seen, 1)
	assert.Equal(t, FlowsStarted, seen[0].Name)
	assert.Equal(t, "full", seen[0].Payload.(FlowsPayload).Type)
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	data     [][]byte
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.data = append(p.data, data)
	return p.err
}

func TestNATSBridge_Forwards(t *testing.T) {
	bus := NewBus(nil)
	pub := &recordingPublisher{}
	bridge, err := NewNATSBridge(bus, pub, NATSBridgeConfig{Prefix: "test"}, nil)
	require.NoError(t, err)
	bridge.Start()

	bus.Emit(FlowsStarted, FlowsPayload{Type: "nodes"})
	bus.Emit("not-forwarded", nil)
	bus.Emit(RuntimeEvent, Runtime{ID: RuntimeStateID, Payload: RuntimeState{State: StateStop, Error: ErrorMissingTypes, Types: []string{"x"}}})

	require.Equal(t, []string{"test.flows.started", "test.runtime-event"}, pub.subjects)

	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(pub.data[1], &env))
	assert.Equal(t, RuntimeEvent, env.Event)
	assert.Equal(t, "missing-types", env.Payload["payload"].(map[string]any)["error"])

	bridge.Stop()
	bus.Emit(FlowsStarted, nil)
	assert.Len(t, pub.subjects, 2)
}

func TestNATSBridge_PublishErrorIgnored(t *testing.T) {
	bus := NewBus(nil)
	bridge, err := NewNATSBridge(bus, &recordingPublisher{err: errors.New("down")}, NATSBridgeConfig{}, nil)
	require.NoError(t, err)
	bridge.Start()
	defer bridge.Stop()

	assert.NotPanics(t, func() { bus.Emit(NodeError, NodeErrorPayload{ID: "n"}) })
	assert.Equal(t, "semflow.events.node-error", bridge.Subject(NodeError))
}

func TestNewNATSBridge_RequiresPublisher(t *testing.T) {
	_, err := NewNATSBridge(NewBus(nil), nil, NATSBridgeConfig{}, nil)
	assert.Error(t, err)
}
