package service

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/semflow/events"
	"github.com/c360/semflow/pkg/buffer"
)

const (
	commsQueueSize  = 256
	commsBatchSize  = 50
	commsWriteWait  = 10 * time.Second
	commsPongWait   = 60 * time.Second
	commsPingPeriod = 30 * time.Second
)

// CommsMessage is one event as sent to editors. Messages are written in
// batches as a JSON array.
type CommsMessage struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

// commsControl is what clients send: {"subscribe":"status/#"}
type commsControl struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// Comms streams runtime events to websocket clients. Each client subscribes
// to MQTT-style topic filters ("status/#", "notification/+", "debug") and
// receives the retained message of every matching topic on subscribe.
//
// Topics: status/<node id> (retained), notification/<id> (retained when the
// runtime asks), debug, error/<node id>.
type Comms struct {
	bus     *events.Bus
	logger  *slog.Logger
	metrics *serverMetrics

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	clients  map[*commsClient]struct{}
	retained map[string]CommsMessage
	unsubs   []func()
	running  bool
	wg       sync.WaitGroup
}

type commsClient struct {
	conn   *websocket.Conn
	queue  *buffer.Buffer[CommsMessage]
	done   chan struct{}
	closed atomic.Bool

	mu      sync.RWMutex
	filters map[string]struct{}
}

// NewComms creates a hub fed by bus. It forwards nothing until Start.
func NewComms(bus *events.Bus, logger *slog.Logger, metrics *serverMetrics) *Comms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Comms{
		bus:     bus,
		logger:  logger.With("component", "comms"),
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// the admin API carries no cookies; origin checks add nothing
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:  make(map[*commsClient]struct{}),
		retained: make(map[string]CommsMessage),
	}
}

// Start subscribes to the event bus
func (c *Comms) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.unsubs = []func(){
		c.bus.On(events.NodeStatus, func(p any) {
			if st, ok := p.(events.NodeStatusPayload); ok {
				c.Publish("status/"+st.ID, st.Status, true)
			}
		}),
		c.bus.On(events.RuntimeEvent, func(p any) {
			if rt, ok := p.(events.Runtime); ok {
				c.Publish("notification/"+rt.ID, rt.Payload, rt.Retain)
			}
		}),
		c.bus.On(events.Notification, func(p any) {
			if n, ok := p.(events.NotificationPayload); ok {
				c.Publish("notification/"+n.ID, n.Data, false)
			}
		}),
		c.bus.On(events.Debug, func(p any) { c.Publish("debug", p, false) }),
		c.bus.On(events.NodeError, func(p any) {
			if ne, ok := p.(events.NodeErrorPayload); ok {
				c.Publish("error/"+ne.ID, ne, false)
			}
		}),
	}
}

// Stop unsubscribes and disconnects every client
func (c *Comms) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	clients := make([]*commsClient, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.Unlock()

	for _, cl := range clients {
		c.remove(cl)
	}
	c.wg.Wait()
}

// Publish queues a message for every client subscribed to topic. Retained
// messages replace the previous one for the topic; a nil retained payload
// clears it.
func (c *Comms) Publish(topic string, data any, retain bool) {
	msg := CommsMessage{Topic: topic, Data: data}

	c.mu.Lock()
	if retain {
		if data == nil {
			delete(c.retained, topic)
		} else {
			c.retained[topic] = msg
		}
	}
	clients := make([]*commsClient, 0, len(c.clients))
	for cl := range c.clients {
		clients = append(clients, cl)
	}
	c.mu.Unlock()

	for _, cl := range clients {
		if cl.subscribed(topic) {
			_ = cl.queue.Write(msg)
		}
	}
}

// Clients returns the number of connected clients
func (c *Comms) Clients() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clients)
}

// ServeHTTP upgrades the request and serves the client until it disconnects
func (c *Comms) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if !running {
		http.Error(w, "comms not running", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	cl := &commsClient{
		conn:    conn,
		done:    make(chan struct{}),
		filters: make(map[string]struct{}),
	}
	cl.queue = buffer.New[CommsMessage](commsQueueSize,
		buffer.WithDropCallback[CommsMessage](func(CommsMessage) { c.metrics.recordDrop() }))

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.clients[cl] = struct{}{}
	n := len(c.clients)
	c.wg.Add(2)
	c.mu.Unlock()
	c.metrics.setClients(n)
	c.logger.Debug("Comms client connected", "remote", r.RemoteAddr, "clients", n)

	go c.writeLoop(cl)
	go c.readLoop(cl)
}

func (c *Comms) readLoop(cl *commsClient) {
	defer c.wg.Done()
	defer c.remove(cl)

	_ = cl.conn.SetReadDeadline(time.Now().Add(commsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(commsPongWait))
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl commsControl
		if err := json.Unmarshal(data, &ctl); err != nil {
			continue
		}
		if ctl.Subscribe != "" {
			cl.subscribe(ctl.Subscribe)
			for _, msg := range c.retainedFor(ctl.Subscribe) {
				_ = cl.queue.Write(msg)
			}
		}
		if ctl.Unsubscribe != "" {
			cl.unsubscribe(ctl.Unsubscribe)
		}
	}
}

func (c *Comms) writeLoop(cl *commsClient) {
	defer c.wg.Done()
	defer c.remove(cl)

	ticker := time.NewTicker(commsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-cl.done:
			return
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(commsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.queue.Ready():
			for batch := cl.queue.ReadBatch(commsBatchSize); len(batch) > 0; batch = cl.queue.ReadBatch(commsBatchSize) {
				data, err := json.Marshal(batch)
				if err != nil {
					c.logger.Warn("Dropping unencodable comms batch", "error", err)
					continue
				}
				_ = cl.conn.SetWriteDeadline(time.Now().Add(commsWriteWait))
				if err := cl.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	}
}

func (c *Comms) remove(cl *commsClient) {
	if !cl.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	delete(c.clients, cl)
	n := len(c.clients)
	c.mu.Unlock()

	close(cl.done)
	_ = cl.queue.Close()
	_ = cl.conn.Close()
	c.metrics.setClients(n)
}

func (c *Comms) retainedFor(filter string) []CommsMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []CommsMessage
	for topic, msg := range c.retained {
		if topicMatches(filter, topic) {
			out = append(out, msg)
		}
	}
	return out
}

func (cl *commsClient) subscribe(filter string) {
	cl.mu.Lock()
	cl.filters[filter] = struct{}{}
	cl.mu.Unlock()
}

func (cl *commsClient) unsubscribe(filter string) {
	cl.mu.Lock()
	delete(cl.filters, filter)
	cl.mu.Unlock()
}

func (cl *commsClient) subscribed(topic string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	for f := range cl.filters {
		if topicMatches(f, topic) {
			return true
		}
	}
	return false
}

// topicMatches applies an MQTT-style filter: "+" matches one level, a
// trailing "#" matches the rest
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
