package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// TypeFilter is the filter node type
const TypeFilter = "filter"

// FilterRule is one condition on a message property
type FilterRule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

type filterConfig struct {
	Rules []FilterRule `json:"rules"`
	// Any passes messages matching at least one rule instead of all of them
	Any bool `json:"any"`
	// Otherwise sends non-matching messages to a second output
	Otherwise bool `json:"otherwise"`
}

var filterOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"contains": true, "exists": true,
}

const filterSchema = `{
  "type": "object",
  "properties": {
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["field", "operator"],
        "properties": {
          "field": {"type": "string", "minLength": 1},
          "operator": {"enum": ["eq", "ne", "gt", "gte", "lt", "lte", "contains", "exists"]}
        }
      }
    },
    "any": {"type": "boolean"},
    "otherwise": {"type": "boolean"}
  }
}`

// filter passes messages whose properties satisfy its rules. Field paths
// are relative to the message, so "payload.temp" reads msg.payload.temp.
type filter struct {
	n   *node.Node
	cfg filterConfig
}

func newFilter(n *node.Node, rec *flowconfig.NodeConfig) (node.Behavior, error) {
	var cfg filterConfig
	if err := decodeProps(rec, &cfg); err != nil {
		return nil, err
	}
	for i, r := range cfg.Rules {
		if r.Field == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("rule %d has no field", i), "Filter", "New", "rule validation")
		}
		if !filterOperators[r.Operator] {
			return nil, errors.WrapInvalid(fmt.Errorf("rule %d: unknown operator %q", i, r.Operator), "Filter", "New", "rule validation")
		}
	}
	return &filter{n: n, cfg: cfg}, nil
}

func (f *filter) OnInput(_ context.Context, msg message.Message) error {
	if f.matches(msg) {
		f.n.Send(msg)
		return nil
	}
	if f.cfg.Otherwise {
		f.n.SendPorts(nil, msg)
	}
	return nil
}

// matches applies the rules. No rules pass everything.
func (f *filter) matches(msg message.Message) bool {
	if len(f.cfg.Rules) == 0 {
		return true
	}
	for _, rule := range f.cfg.Rules {
		ok := matchesRule(msg, rule)
		if f.cfg.Any && ok {
			return true
		}
		if !f.cfg.Any && !ok {
			return false
		}
	}
	return !f.cfg.Any
}

func matchesRule(msg message.Message, rule FilterRule) bool {
	value, found := getPath(msg, rule.Field)
	if rule.Operator == "exists" {
		return found
	}
	if !found || value == nil {
		return false
	}

	switch rule.Operator {
	case "eq":
		return fmt.Sprint(value) == fmt.Sprint(rule.Value)
	case "ne":
		return fmt.Sprint(value) != fmt.Sprint(rule.Value)
	case "contains":
		return strings.Contains(fmt.Sprint(value), fmt.Sprint(rule.Value))
	}

	a, okA := toFloat64(value)
	b, okB := toFloat64(rule.Value)
	if !okA || !okB {
		return false
	}
	switch rule.Operator {
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}
