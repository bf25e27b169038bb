package registry

import (
	"slices"
)

// Module describes an installed module and the node sets it provides
type Module struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Enabled bool   `json:"enabled"`

	// Local modules are bundled with the runtime and cannot be removed
	Local bool `json:"local,omitempty"`

	Sets map[string]*NodeSet `json:"sets"`
}

// NodeSet is a group of node types registered together by one module
type NodeSet struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Module  string   `json:"module"`
	Version string   `json:"version,omitempty"`
	Enabled bool     `json:"enabled"`
	Types   []string `json:"types"`
}

// TypeInfo describes a registered node type
type TypeInfo struct {
	Type      string `json:"type"`
	Module    string `json:"module"`
	Set       string `json:"set"`
	Enabled   bool   `json:"enabled"`
	HasSchema bool   `json:"hasSchema,omitempty"`
}

func setID(module, name string) string {
	return module + "/" + name
}

func (m *Module) clone() *Module {
	out := *m
	out.Sets = make(map[string]*NodeSet, len(m.Sets))
	for k, s := range m.Sets {
		cp := *s
		cp.Types = slices.Clone(s.Types)
		out.Sets[k] = &cp
	}
	return &out
}

func (m *Module) types() []string {
	var out []string
	for _, s := range m.Sets {
		out = append(out, s.Types...)
	}
	slices.Sort(out)
	return out
}

func (m *Module) set(name string) *NodeSet {
	if m.Sets == nil {
		m.Sets = make(map[string]*NodeSet)
	}
	s, ok := m.Sets[name]
	if !ok {
		s = &NodeSet{
			ID:      setID(m.Name, name),
			Name:    name,
			Module:  m.Name,
			Version: m.Version,
			Enabled: true,
		}
		m.Sets[name] = s
	}
	return s
}

// moduleState is the persisted enable state of a module
type moduleState struct {
	Version string          `json:"version,omitempty"`
	Enabled bool            `json:"enabled"`
	Sets    map[string]bool `json:"sets,omitempty"`
}
