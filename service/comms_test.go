package service

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semflow/events"
	"github.com/c360/semflow/testutil"
)

func dialComms(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/admin/comms"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	testutil.Eventually(t, time.Second, func() bool { return ts.srv.Comms().Clients() > 0 }, "client registered")
	return conn
}

func subscribe(t *testing.T, conn *websocket.Conn, filter string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(commsControl{Subscribe: filter}))
}

// waitSubscribed waits until some client receives topic
func waitSubscribed(t *testing.T, c *Comms, topic string, want bool) {
	t.Helper()
	testutil.Eventually(t, time.Second, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		for cl := range c.clients {
			if cl.subscribed(topic) == want {
				return true
			}
		}
		return false
	}, "subscription of "+topic)
}

// readUntil reads batches until one carries topic
func readUntil(t *testing.T, conn *websocket.Conn, topic string) CommsMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", topic)
		var batch []CommsMessage
		require.NoError(t, json.Unmarshal(data, &batch))
		for _, msg := range batch {
			if msg.Topic == topic {
				return msg
			}
		}
	}
}

func TestComms_StreamsNodeStatus(t *testing.T) {
	ts := newTestServer(t)
	conn := dialComms(t, ts)
	subscribe(t, conn, "status/#")
	waitSubscribed(t, ts.srv.Comms(), "status/n1", true)

	ts.bus.Emit(events.NodeStatus, events.NodeStatusPayload{ID: "n1", Type: "rec", Status: map[string]any{"text": "ok"}})

	msg := readUntil(t, conn, "status/n1")
	assert.Equal(t, map[string]any{"text": "ok"}, msg.Data)
}

func TestComms_RetainedOnSubscribe(t *testing.T) {
	ts := newTestServer(t)

	ts.bus.Emit(events.RuntimeEvent, events.Runtime{
		ID:      events.RuntimeStateID,
		Payload: events.RuntimeState{State: events.StateStart},
		Retain:  true,
	})

	conn := dialComms(t, ts)
	subscribe(t, conn, "notification/#")

	msg := readUntil(t, conn, "notification/runtime-state")
	assert.Equal(t, events.StateStart, msg.Data.(map[string]any)["state"])
}

func TestComms_DeployEmitsRuntimeState(t *testing.T) {
	ts := newTestServer(t)
	conn := dialComms(t, ts)
	subscribe(t, conn, "notification/+")
	waitSubscribed(t, ts.srv.Comms(), "notification/runtime-state", true)

	_, _ = ts.do("POST", "/admin/flows", sampleFlows())
	msg := readUntil(t, conn, "notification/runtime-state")
	assert.Equal(t, events.StateStart, msg.Data.(map[string]any)["state"])
}

func TestComms_Unsubscribe(t *testing.T) {
	ts := newTestServer(t)
	c := ts.srv.Comms()
	conn := dialComms(t, ts)

	subscribe(t, conn, "debug")
	require.NoError(t, conn.WriteJSON(commsControl{Unsubscribe: "debug"}))
	subscribe(t, conn, "error/+")
	waitSubscribed(t, c, "error/n1", true)
	waitSubscribed(t, c, "debug", false)

	c.Publish("debug", "hidden", false)
	c.Publish("error/n1", "shown", false)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var batch []CommsMessage
	require.NoError(t, json.Unmarshal(data, &batch))
	require.Len(t, batch, 1)
	assert.Equal(t, CommsMessage{Topic: "error/n1", Data: "shown"}, batch[0])
}

func TestComms_StopDisconnects(t *testing.T) {
	ts := newTestServer(t)
	conn := dialComms(t, ts)

	ts.srv.Comms().Stop()
	assert.Equal(t, 0, ts.srv.Comms().Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"debug", "debug", true},
		{"debug", "debug/x", false},
		{"status/#", "status/n1", true},
		{"status/#", "status", true},
		{"#", "notification/runtime-state", true},
		{"notification/+", "notification/runtime-state", true},
		{"notification/+", "notification/node/enabled", false},
		{"notification/+/enabled", "notification/node/enabled", true},
		{"status/#/x", "status/a/x", false},
		{"error/+", "status/n1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, topicMatches(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}
