package node

import (
	"fmt"
	"strconv"
)

// Status is the normalized form of a node status update. The zero value
// clears the status.
type Status struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

// IsZero reports whether s clears the status
func (s Status) IsZero() bool {
	return s == Status{}
}

// Map returns the status as a message-friendly record
func (s Status) Map() map[string]any {
	out := make(map[string]any, 3)
	if s.Fill != "" {
		out["fill"] = s.Fill
	}
	if s.Shape != "" {
		out["shape"] = s.Shape
	}
	if s.Text != "" {
		out["text"] = s.Text
	}
	return out
}

// NormalizeStatus turns any status value into a Status. Strings, numbers and
// booleans become the text; maps contribute their fill, shape and text keys.
func NormalizeStatus(v any) Status {
	switch s := v.(type) {
	case nil:
		return Status{}
	case Status:
		return s
	case *Status:
		if s == nil {
			return Status{}
		}
		return *s
	case string:
		return Status{Text: s}
	case bool:
		return Status{Text: strconv.FormatBool(s)}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return Status{Text: fmt.Sprint(s)}
	case float32:
		return Status{Text: strconv.FormatFloat(float64(s), 'f', -1, 32)}
	case float64:
		return Status{Text: strconv.FormatFloat(s, 'f', -1, 64)}
	case map[string]any:
		return Status{
			Fill:  stringOf(s["fill"]),
			Shape: stringOf(s["shape"]),
			Text:  stringOf(s["text"]),
		}
	case fmt.Stringer:
		return Status{Text: s.String()}
	default:
		return Status{Text: fmt.Sprint(s)}
	}
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
