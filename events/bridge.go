package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/c360/semflow/errors"
)

// Publisher is the part of natsclient.Client the bridge needs
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// DefaultBridgeEvents are forwarded when NATSBridgeConfig.Events is empty
var DefaultBridgeEvents = []string{
	FlowsStarted, FlowsStopped, RuntimeEvent, NodeStatus, NodeError, TypeRegistered,
}

// NATSBridgeConfig configures which events are forwarded and where
type NATSBridgeConfig struct {
	Prefix  string // subject prefix, default "semflow.events"
	Events  []string
	Timeout time.Duration // per publish, default 2s
}

// NATSBridge forwards bus events as JSON envelopes to NATS subjects
// "<prefix>.<event>", with ':' in event names replaced by '.'.
type NATSBridge struct {
	bus    *Bus
	pub    Publisher
	cfg    NATSBridgeConfig
	logger *slog.Logger
	unsubs []func()
}

type envelope struct {
	Event   string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// NewNATSBridge creates a bridge; nothing is forwarded until Start
func NewNATSBridge(bus *Bus, pub Publisher, cfg NATSBridgeConfig, logger *slog.Logger) (*NATSBridge, error) {
	if bus == nil || pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NATSBridge", "New", "bus and publisher are required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "semflow.events"
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultBridgeEvents
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSBridge{bus: bus, pub: pub, cfg: cfg, logger: logger.With("component", "nats-bridge")}, nil
}

// Subject returns the subject an event is published on
func (b *NATSBridge) Subject(event string) string {
	return b.cfg.Prefix + "." + strings.ReplaceAll(event, ":", ".")
}

// Start subscribes to the configured events
func (b *NATSBridge) Start() {
	for _, name := range b.cfg.Events {
		name := name
		b.unsubs = append(b.unsubs, b.bus.On(name, func(payload any) {
			b.forward(name, payload)
		}))
	}
	b.logger.Info("forwarding events to NATS", "prefix", b.cfg.Prefix, "events", b.cfg.Events)
}

// Stop unsubscribes from the bus
func (b *NATSBridge) Stop() {
	for _, u := range b.unsubs {
		u()
	}
	b.unsubs = nil
}

func (b *NATSBridge) forward(name string, payload any) {
	data, err := json.Marshal(envelope{Event: name, Time: time.Now().UTC(), Payload: payload})
	if err != nil {
		b.logger.Warn("cannot encode event", "event", name, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()
	if err := b.pub.Publish(ctx, b.Subject(name), data); err != nil {
		b.logger.Debug("event publish failed", "event", name, "error", err)
	}
}
