package flowconfig

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/c360/semflow/errors"
)

// GlobalID is the scope id of the implicit global flow
const GlobalID = "global"

// Scope is one tab, subflow definition or the global scope together with the
// records that belong to it.
type Scope struct {
	ID       string
	Type     string // tab, subflow or global
	Disabled bool
	Config   *NodeConfig // nil for the global scope

	Nodes   map[string]*NodeConfig
	NodeIDs []string // document order
	Groups  map[string]*NodeConfig
}

func newScope(id, typ string, cfg *NodeConfig) *Scope {
	s := &Scope{
		ID:     id,
		Type:   typ,
		Config: cfg,
		Nodes:  make(map[string]*NodeConfig),
		Groups: make(map[string]*NodeConfig),
	}
	if cfg != nil {
		s.Disabled = cfg.Disabled
	}
	return s
}

func (s *Scope) add(n *NodeConfig) {
	if n.IsGroup() {
		s.Groups[n.ID] = n
		return
	}
	s.Nodes[n.ID] = n
	s.NodeIDs = append(s.NodeIDs, n.ID)
}

// Ordered returns the scope's nodes in document order
func (s *Scope) Ordered() []*NodeConfig {
	out := make([]*NodeConfig, 0, len(s.NodeIDs))
	for _, id := range s.NodeIDs {
		out = append(out, s.Nodes[id])
	}
	return out
}

// Config is a parsed deploy document
type Config struct {
	Nodes    []*NodeConfig // every record in document order
	All      map[string]*NodeConfig
	Flows    map[string]*Scope // tabs
	FlowIDs  []string          // tab order
	Subflows map[string]*Scope
	Global   *Scope
	Groups   map[string]*NodeConfig

	// Orphans are records whose z names no tab or subflow. They stay in the
	// document but are not instantiated.
	Orphans []string
}

// Parse builds a Config from records. Ids must be non-empty and unique across
// the whole document.
func Parse(nodes []*NodeConfig) (*Config, error) {
	cfg := &Config{
		Nodes:    nodes,
		All:      make(map[string]*NodeConfig, len(nodes)),
		Flows:    make(map[string]*Scope),
		Subflows: make(map[string]*Scope),
		Global:   newScope(GlobalID, "global", nil),
		Groups:   make(map[string]*NodeConfig),
	}

	for i, n := range nodes {
		if n == nil {
			return nil, errors.WrapInvalid(fmt.Errorf("record %d is null", i), "flowconfig", "Parse", "validate records")
		}
		if n.ID == "" {
			return nil, errors.WrapInvalid(fmt.Errorf("record %d (type %q) has no id", i, n.Type), "flowconfig", "Parse", "validate records")
		}
		if _, dup := cfg.All[n.ID]; dup {
			return nil, &errors.DuplicateIDError{ID: n.ID}
		}
		cfg.All[n.ID] = n

		switch n.Type {
		case TypeTab:
			cfg.Flows[n.ID] = newScope(n.ID, TypeTab, n)
			cfg.FlowIDs = append(cfg.FlowIDs, n.ID)
		case TypeSubflow:
			cfg.Subflows[n.ID] = newScope(n.ID, TypeSubflow, n)
		case TypeGroup:
			cfg.Groups[n.ID] = n
		}
	}

	for _, n := range nodes {
		if n.IsScope() {
			continue
		}
		switch {
		case n.Z == "":
			cfg.Global.add(n)
		case cfg.Flows[n.Z] != nil:
			cfg.Flows[n.Z].add(n)
		case cfg.Subflows[n.Z] != nil:
			cfg.Subflows[n.Z].add(n)
		default:
			cfg.Orphans = append(cfg.Orphans, n.ID)
		}
	}
	return cfg, nil
}

// ParseJSON decodes and parses a JSON array of records
func ParseJSON(data []byte) (*Config, error) {
	var nodes []*NodeConfig
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, errors.WrapInvalid(err, "flowconfig", "ParseJSON", "decode deploy document")
	}
	return Parse(nodes)
}

// Empty returns a parsed empty document
func Empty() *Config {
	cfg, _ := Parse(nil)
	return cfg
}

// Scope returns the tab or subflow with id, or the global scope for GlobalID
func (c *Config) Scope(id string) (*Scope, bool) {
	if id == GlobalID {
		return c.Global, true
	}
	if s, ok := c.Flows[id]; ok {
		return s, true
	}
	s, ok := c.Subflows[id]
	return s, ok
}

// Types returns the sorted set of node types the document needs a
// constructor for. Instances of subflows defined in the document are
// satisfied by the definition and are not listed.
func (c *Config) Types() []string {
	seen := make(map[string]struct{})
	for _, n := range c.Nodes {
		if n.IsScope() || n.IsGroup() {
			continue
		}
		if sfID, ok := n.SubflowID(); ok {
			if _, defined := c.Subflows[sfID]; defined {
				continue
			}
		}
		seen[n.Type] = struct{}{}
	}
	return sortedKeys(seen)
}

// MissingTypes returns the types for which has reports false
func (c *Config) MissingTypes(has func(string) bool) []string {
	var missing []string
	for _, t := range c.Types() {
		if !has(t) {
			missing = append(missing, t)
		}
	}
	return missing
}

// NodesOfType returns the ids of all records of type t
func (c *Config) NodesOfType(t string) []string {
	var ids []string
	for _, n := range c.Nodes {
		if n.Type == t {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

// Clone returns a deep copy of the document
func (c *Config) Clone() *Config {
	nodes := make([]*NodeConfig, len(c.Nodes))
	for i, n := range c.Nodes {
		nodes[i] = n.Clone()
	}
	out, err := Parse(nodes)
	if err != nil {
		// c was parsed already, so its clone parses too
		panic(err)
	}
	return out
}

// MarshalJSON encodes the document as its ordered record list
func (c *Config) MarshalJSON() ([]byte, error) {
	if c.Nodes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Nodes)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
