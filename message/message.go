// Package message defines the record that travels along wires.
package message

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"
)

// IDKey is the reserved property holding the message id
const IDKey = "_msgid"

// Message is an associative record passed between nodes. The sender owns it
// until it is handed to Send; after fan-out every receiver owns its copy.
type Message map[string]any

var (
	opaqueMu   sync.RWMutex
	opaqueKeys = map[string]struct{}{"req": {}, "res": {}}
)

// RegisterOpaqueKey marks key as carried by reference when a message is
// cloned. "req" and "res" are always opaque.
func RegisterOpaqueKey(key string) {
	opaqueMu.Lock()
	defer opaqueMu.Unlock()
	opaqueKeys[key] = struct{}{}
}

// IsOpaque reports whether key is carried by reference on Clone
func IsOpaque(key string) bool {
	opaqueMu.RLock()
	defer opaqueMu.RUnlock()
	_, ok := opaqueKeys[key]
	return ok
}

// New returns an empty message with a fresh id
func New() Message {
	m := Message{}
	m.EnsureID()
	return m
}

// NewID returns a new message id
func NewID() string {
	return uuid.NewString()
}

// ID returns the message id or "" if none has been assigned
func (m Message) ID() string {
	id, _ := m[IDKey].(string)
	return id
}

// EnsureID assigns an id if the message has none and returns it
func (m Message) EnsureID() string {
	if id := m.ID(); id != "" {
		return id
	}
	id := NewID()
	m[IDKey] = id
	return id
}

// Payload returns msg.payload
func (m Message) Payload() any {
	return m["payload"]
}

// Clone returns a deep copy. Top-level opaque keys keep pointing at the same
// values, and so do byte buffers at any depth. Values the copier cannot
// handle (channels, functions) are shared as well.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		if v == nil || IsOpaque(k) {
			out[k] = v
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// cloneMap copies a nested map. Opaque keys only apply to the top level.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case nil, string, bool, int, int64, float64, []byte:
		return v
	case Message:
		return Message(cloneMap(t))
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}

	dst := reflect.New(reflect.TypeOf(v))
	if err := deepcopy.Copy(dst.Interface(), v); err != nil {
		return v
	}
	return dst.Elem().Interface()
}
