package testutil

import (
	"encoding/json"
	"testing"

	"github.com/c360/semflow/flowconfig"
)

// SampleFlows is a deploy document with one tab, a config node in the global
// scope and a subflow definition with one instance
const SampleFlows = `[
  {"id": "t1", "type": "tab", "label": "Flow 1"},
  {"id": "cfg1", "type": "broker", "host": "localhost", "port": 1883},
  {"id": "in1", "type": "inject", "z": "t1", "name": "tick", "broker": "cfg1", "wires": [["sf1i"]]},
  {"id": "sf1", "type": "subflow", "name": "double", "in": [{"wires": [{"id": "sf1-n1"}]}], "out": [{"wires": [{"id": "sf1-n1", "port": 0}]}]},
  {"id": "sf1-n1", "type": "function", "z": "sf1", "wires": [[]]},
  {"id": "sf1i", "type": "subflow:sf1", "z": "t1", "wires": [["dbg1"]]},
  {"id": "dbg1", "type": "debug", "z": "t1", "wires": []}
]`

// ScenarioInitial and ScenarioSuperset are the two documents of the partial
// deploy scenario: the second adds a node to t1 and a new tab t2
const (
	ScenarioInitial = `[
  {"id": "t1-1", "z": "t1", "type": "test", "wires": []},
  {"id": "t1", "type": "tab"}
]`
	ScenarioSuperset = `[
  {"id": "t1-1", "z": "t1", "type": "test", "wires": []},
  {"id": "t1-2", "z": "t1", "type": "test", "wires": []},
  {"id": "t1", "type": "tab"},
  {"id": "t2", "type": "tab"},
  {"id": "t2-1", "z": "t2", "type": "test", "wires": []}
]`
)

// Records decodes a JSON document into node records
func Records(t testing.TB, doc string) []*flowconfig.NodeConfig {
	t.Helper()
	var out []*flowconfig.NodeConfig
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	return out
}
