package testutil

import (
	"testing"

	"github.com/c360/semflow/flowconfig"
)

// NodeBuilder builds a node record with a fluent API
type NodeBuilder struct {
	rec *flowconfig.NodeConfig
}

// NewNode starts a record of type typ
func NewNode(id, typ string) *NodeBuilder {
	return &NodeBuilder{rec: &flowconfig.NodeConfig{ID: id, Type: typ, Wires: [][]string{}}}
}

// In places the record on flow z
func (b *NodeBuilder) In(z string) *NodeBuilder {
	b.rec.Z = z
	return b
}

// Named sets the record name
func (b *NodeBuilder) Named(name string) *NodeBuilder {
	b.rec.Name = name
	return b
}

// Group places the record in group g
func (b *NodeBuilder) Group(g string) *NodeBuilder {
	b.rec.G = g
	return b
}

// Wires sets one target list per output
func (b *NodeBuilder) Wires(ports ...[]string) *NodeBuilder {
	b.rec.Wires = ports
	return b
}

// To wires the first output to targets
func (b *NodeBuilder) To(targets ...string) *NodeBuilder {
	b.rec.Wires = [][]string{targets}
	return b
}

// Prop sets a type-specific property
func (b *NodeBuilder) Prop(key string, value any) *NodeBuilder {
	if b.rec.Props == nil {
		b.rec.Props = make(map[string]any)
	}
	b.rec.Props[key] = value
	return b
}

// Disabled marks the record disabled
func (b *NodeBuilder) Disabled() *NodeBuilder {
	b.rec.Disabled = true
	return b
}

// Credentials attaches write-only credentials
func (b *NodeBuilder) Credentials(creds map[string]any) *NodeBuilder {
	b.rec.Credentials = creds
	return b
}

// Build returns the record
func (b *NodeBuilder) Build() *flowconfig.NodeConfig {
	return b.rec
}

// Tab returns a tab record
func Tab(id string) *flowconfig.NodeConfig {
	return &flowconfig.NodeConfig{ID: id, Type: flowconfig.TypeTab}
}

// DisabledTab returns a disabled tab record
func DisabledTab(id string) *flowconfig.NodeConfig {
	return &flowconfig.NodeConfig{ID: id, Type: flowconfig.TypeTab, Disabled: true}
}

// PortRef names an output port of a node inside a subflow definition
type PortRef struct {
	ID   string
	Port int
}

// SubflowDef returns a subflow definition whose single input feeds inputs
// and whose outputs are fed by the given ports
func SubflowDef(id string, inputs []string, outputs ...[]PortRef) *flowconfig.NodeConfig {
	in := []any{}
	if inputs != nil {
		wires := make([]any, 0, len(inputs))
		for _, target := range inputs {
			wires = append(wires, map[string]any{"id": target})
		}
		in = append(in, map[string]any{"wires": wires})
	}
	out := make([]any, 0, len(outputs))
	for _, refs := range outputs {
		wires := make([]any, 0, len(refs))
		for _, r := range refs {
			wires = append(wires, map[string]any{"id": r.ID, "port": r.Port})
		}
		out = append(out, map[string]any{"wires": wires})
	}
	return &flowconfig.NodeConfig{
		ID:    id,
		Type:  flowconfig.TypeSubflow,
		Props: map[string]any{"in": in, "out": out},
	}
}

// Document parses records into a deploy document, failing the test on error
func Document(t testing.TB, records ...*flowconfig.NodeConfig) *flowconfig.Config {
	t.Helper()
	cfg, err := flowconfig.Parse(records)
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	return cfg
}

// DocumentJSON parses a JSON deploy document, failing the test on error
func DocumentJSON(t testing.TB, data string) *flowconfig.Config {
	t.Helper()
	cfg, err := flowconfig.ParseJSON([]byte(data))
	if err != nil {
		t.Fatalf("parse document: %v", err)
	}
	return cfg
}

// Clone deep-copies records so a test can reuse them across deploys
func Clone(records []*flowconfig.NodeConfig) []*flowconfig.NodeConfig {
	out := make([]*flowconfig.NodeConfig, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
