package flowconfig

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
)

// Structural record types. They describe scopes and are never instantiated
// as nodes.
const (
	TypeTab     = "tab"
	TypeSubflow = "subflow"
	TypeGroup   = "group"

	// SubflowInstancePrefix prefixes the type of a subflow instance node
	SubflowInstancePrefix = "subflow:"
)

var knownKeys = map[string]struct{}{
	"id": {}, "type": {}, "z": {}, "name": {}, "wires": {}, "d": {},
	"disabled": {}, "g": {}, "credentials": {},
}

// NodeConfig is one record of a deploy document. Type-specific properties
// live in Props and are flattened next to the common fields on the wire.
type NodeConfig struct {
	ID       string
	Type     string
	Z        string
	Name     string
	G        string
	Wires    [][]string
	Disabled bool

	// Credentials is write-only: it arrives with a deploy and is moved to
	// the credential store before the document is persisted.
	Credentials map[string]any

	Props map[string]any

	// keys seen on decode, so optional fields round-trip exactly
	present map[string]bool
}

// UnmarshalJSON decodes a flat record
func (n *NodeConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*n = NodeConfig{present: make(map[string]bool), Props: make(map[string]any)}

	for k, v := range raw {
		if _, ok := knownKeys[k]; !ok {
			n.Props[k] = v
			continue
		}
		n.present[k] = true
		var err error
		switch k {
		case "id":
			n.ID, err = asString(k, v)
		case "type":
			n.Type, err = asString(k, v)
		case "z":
			n.Z, err = asString(k, v)
		case "name":
			n.Name, err = asString(k, v)
		case "g":
			n.G, err = asString(k, v)
		case "d", "disabled":
			b, _ := v.(bool)
			n.Disabled = n.Disabled || b
		case "wires":
			n.Wires, err = asWires(v)
		case "credentials":
			if m, ok := v.(map[string]any); ok {
				n.Credentials = m
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the record back to its flat form
func (n NodeConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.flatten(true))
}

func (n NodeConfig) flatten(withCredentials bool) map[string]any {
	out := make(map[string]any, len(n.Props)+6)
	maps.Copy(out, n.Props)
	out["id"] = n.ID
	out["type"] = n.Type
	n.putString(out, "z", n.Z)
	n.putString(out, "name", n.Name)
	n.putString(out, "g", n.G)
	if n.Wires != nil {
		out["wires"] = n.Wires
	}
	if n.isStructural() {
		if n.Disabled || n.present["disabled"] {
			out["disabled"] = n.Disabled
		}
	} else if n.Disabled || n.present["d"] {
		out["d"] = n.Disabled
	}
	if withCredentials && n.Credentials != nil {
		out["credentials"] = n.Credentials
	}
	return out
}

func (n NodeConfig) putString(out map[string]any, key, val string) {
	if val != "" || n.present[key] {
		out[key] = val
	}
}

func (n NodeConfig) isStructural() bool {
	return n.Type == TypeTab || n.Type == TypeSubflow
}

// IsScope reports whether the record is a tab or subflow definition
func (n *NodeConfig) IsScope() bool {
	return n.isStructural()
}

// IsGroup reports whether the record is a group
func (n *NodeConfig) IsGroup() bool {
	return n.Type == TypeGroup
}

// SubflowID returns the definition id for a subflow instance node
func (n *NodeConfig) SubflowID() (string, bool) {
	return strings.CutPrefix(n.Type, SubflowInstancePrefix)
}

// Prop returns a type-specific property
func (n *NodeConfig) Prop(key string) (any, bool) {
	v, ok := n.Props[key]
	return v, ok
}

// StringProp returns a string property or "" when absent or not a string
func (n *NodeConfig) StringProp(key string) string {
	s, _ := n.Props[key].(string)
	return s
}

// BoolProp returns a boolean property, false when absent
func (n *NodeConfig) BoolProp(key string) bool {
	b, _ := n.Props[key].(bool)
	return b
}

// Hash returns a content hash over every field except credentials
func (n *NodeConfig) Hash() string {
	return hashOf(n.flatten(false))
}

// HashWithoutWires is Hash ignoring the wires, used to detect nodes that were
// only rewired
func (n *NodeConfig) HashWithoutWires() string {
	flat := n.flatten(false)
	delete(flat, "wires")
	return hashOf(flat)
}

func hashOf(v map[string]any) string {
	// map keys are sorted by encoding/json, which makes this canonical
	data, err := json.Marshal(v)
	if err != nil {
		data = fmt.Appendf(nil, "%v", v)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the record
func (n *NodeConfig) Clone() *NodeConfig {
	data, err := json.Marshal(n)
	if err != nil {
		c := *n
		return &c
	}
	var c NodeConfig
	if err := json.Unmarshal(data, &c); err != nil {
		c = *n
	}
	return &c
}

func asString(key string, v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	case float64:
		return fmt.Sprintf("%v", t), nil
	}
	return "", fmt.Errorf("field %q: expected string, got %T", key, v)
}

func asWires(v any) ([][]string, error) {
	ports, ok := v.([]any)
	if !ok {
		if v == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("field \"wires\": expected array, got %T", v)
	}
	wires := make([][]string, len(ports))
	for i, p := range ports {
		targets, _ := p.([]any)
		wires[i] = make([]string, 0, len(targets))
		for _, t := range targets {
			if s, ok := t.(string); ok {
				wires[i] = append(wires[i], s)
			}
		}
	}
	return wires, nil
}
