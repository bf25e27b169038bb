package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
)

// decodeProps decodes a record's properties into out
func decodeProps(cfg *flowconfig.NodeConfig, out any) error {
	data, err := json.Marshal(cfg.Props)
	if err != nil {
		return errors.WrapInvalid(err, "Nodes", "decodeProps", "encode properties")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.WrapInvalid(err, "Nodes", "decodeProps", fmt.Sprintf("decode %s properties", cfg.Type))
	}
	return nil
}

// getPath reads a dotted property path such as "payload.position.lat".
// Numeric segments index into arrays.
func getPath(msg message.Message, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = map[string]any(msg)
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case message.Message:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// toBytes renders a payload for the wire. Strings and byte slices are sent
// as they are, anything else as JSON.
func toBytes(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// fromBytes decodes JSON documents and turns anything else into a string
func fromBytes(data []byte) any {
	if json.Valid(data) {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

func toFloat64(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return l
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if l == "" {
			return nil
		}
		return []string{l}
	}
	return nil
}
