package nodes

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// TypeDebug is the debug node type
const TypeDebug = "debug"

// Debug output defaults
const (
	DefaultDebugRate  = 10.0
	DefaultDebugBurst = 10
)

type debugConfig struct {
	// Active turns the node off without removing it. Defaults to true.
	Active *bool `json:"active"`
	// Complete names the property shown: "payload" by default, "true" for
	// the whole message
	Complete string `json:"complete"`
	// Console also writes the value to the runtime log
	Console bool `json:"console"`
	// ToSidebar publishes the value on the comms stream. Defaults to true.
	ToSidebar *bool `json:"tosidebar"`

	Rate  float64 `json:"rate"`
	Burst int     `json:"burst"`
}

// debug publishes messages as debug events and optionally logs them. Output
// is rate limited; messages over the limit are counted and dropped.
type debug struct {
	n        *node.Node
	cfg      debugConfig
	limiter  *rate.Limiter
	dropped  atomic.Int64
	property string
}

func newDebug(n *node.Node, rec *flowconfig.NodeConfig) (node.Behavior, error) {
	var cfg debugConfig
	if err := decodeProps(rec, &cfg); err != nil {
		return nil, err
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultDebugRate
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultDebugBurst
	}
	property := cfg.Complete
	if property == "" || property == "false" {
		property = "payload"
	}
	return &debug{
		n:        n,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		property: property,
	}, nil
}

func (d *debug) OnInput(_ context.Context, msg message.Message) error {
	if d.cfg.Active != nil && !*d.cfg.Active {
		return nil
	}
	if !d.limiter.Allow() {
		if d.dropped.Add(1) == 1 {
			d.n.Warn("Debug output rate limited, dropping messages", "rate", d.cfg.Rate)
		}
		return nil
	}

	var value any
	if d.property == "true" {
		value = msg
	} else {
		value, _ = getPath(msg, d.property)
	}

	if d.cfg.Console {
		d.n.Logger().Info("Debug", slog.String("property", d.property), slog.Any("value", value), slog.String("msgid", msg.ID()))
	}
	if d.cfg.ToSidebar == nil || *d.cfg.ToSidebar {
		topic, _ := msg["topic"].(string)
		d.n.Emit(events.Debug, events.DebugPayload{
			ID:       d.n.ID(),
			Flow:     d.n.Z(),
			Name:     d.n.Name(),
			Topic:    topic,
			Property: d.property,
			Value:    value,
		})
	}
	return nil
}

// Dropped returns how many messages were dropped by the rate limit
func (d *debug) Dropped() int64 { return d.dropped.Load() }
