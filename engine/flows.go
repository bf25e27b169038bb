package flowengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

// FlowFragment is one tab with its nodes, or the global scope with its
// config nodes and subflow definitions
type FlowFragment struct {
	ID       string                   `json:"id"`
	Label    string                   `json:"label,omitempty"`
	Disabled bool                     `json:"disabled"`
	Info     string                   `json:"info,omitempty"`
	Env      []any                    `json:"env,omitempty"`
	Nodes    []*flowconfig.NodeConfig `json:"nodes,omitempty"`
	Configs  []*flowconfig.NodeConfig `json:"configs,omitempty"`
	Subflows []*flowconfig.NodeConfig `json:"subflows,omitempty"`
}

// newID returns a 16 hex character record id
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// GetFlow returns the tab with id, or the global scope for
// flowconfig.GlobalID
func (e *Engine) GetFlow(id string) (*FlowFragment, error) {
	cfg := e.activeConfig()
	if id == flowconfig.GlobalID {
		frag := &FlowFragment{ID: id}
		for _, n := range cfg.Nodes {
			switch {
			case n.Type == flowconfig.TypeSubflow:
				frag.Subflows = append(frag.Subflows, stripped(n))
			case n.IsScope():
			case n.Z == "":
				frag.Configs = append(frag.Configs, stripped(n))
			case cfg.Subflows[n.Z] != nil:
				frag.Subflows = append(frag.Subflows, stripped(n))
			}
		}
		return frag, nil
	}

	scope, ok := cfg.Flows[id]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrFlowNotFound, id), "Engine", "GetFlow", "flow lookup")
	}
	frag := &FlowFragment{
		ID:       id,
		Label:    scope.Config.StringProp("label"),
		Info:     scope.Config.StringProp("info"),
		Disabled: scope.Disabled,
	}
	if env, ok := scope.Config.Prop("env"); ok {
		frag.Env, _ = env.([]any)
	}
	for _, n := range cfg.Nodes {
		if n.Z == id {
			frag.Nodes = append(frag.Nodes, stripped(n))
		}
	}
	return frag, nil
}

func stripped(n *flowconfig.NodeConfig) *flowconfig.NodeConfig {
	c := n.Clone()
	c.Credentials = nil
	return c
}

// AddFlow deploys a new tab and returns its id. Missing ids are generated.
// Any id already deployed is rejected.
func (e *Engine) AddFlow(ctx context.Context, frag FlowFragment) (string, error) {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	cfg := e.activeConfig()
	id := frag.ID
	if id == "" {
		id = newID()
	}
	if id == flowconfig.GlobalID {
		return "", errors.WrapInvalid(fmt.Errorf("%q is reserved", id), "Engine", "AddFlow", "flow id validation")
	}
	if _, dup := cfg.All[id]; dup {
		return "", &errors.DuplicateIDError{ID: id}
	}

	records := cloneRecords(cfg.Nodes)
	records = append(records, tabRecord(&flowconfig.NodeConfig{ID: id, Type: flowconfig.TypeTab}, frag))
	members, err := scopeMembers(frag, id, func(nid string) bool {
		_, taken := cfg.All[nid]
		return taken
	})
	if err != nil {
		return "", err
	}
	records = append(records, members...)

	if _, err := e.setFlowsLocked(ctx, records, DeployFlows, nil); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateFlow replaces the contents of the tab with id, or the global config
// nodes (and subflows, when given) for flowconfig.GlobalID
func (e *Engine) UpdateFlow(ctx context.Context, id string, frag FlowFragment) error {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	if frag.ID != "" && frag.ID != id {
		return errors.WrapInvalid(fmt.Errorf("fragment id %s does not match %s", frag.ID, id), "Engine", "UpdateFlow", "flow id validation")
	}
	cfg := e.activeConfig()

	if id == flowconfig.GlobalID {
		return e.updateGlobalLocked(ctx, cfg, frag)
	}

	scope, ok := cfg.Flows[id]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrFlowNotFound, id), "Engine", "UpdateFlow", "flow lookup")
	}

	var records []*flowconfig.NodeConfig
	for _, n := range cfg.Nodes {
		switch {
		case n.ID == id:
			records = append(records, tabRecord(n.Clone(), frag))
		case n.Z == id:
		default:
			records = append(records, n.Clone())
		}
	}
	members, err := scopeMembers(frag, id, func(nid string) bool {
		n, taken := cfg.All[nid]
		return taken && n.Z != id && n.ID != scope.ID
	})
	if err != nil {
		return err
	}
	records = append(records, members...)

	_, err = e.setFlowsLocked(ctx, records, DeployFlows, nil)
	return err
}

func (e *Engine) updateGlobalLocked(ctx context.Context, cfg *flowconfig.Config, frag FlowFragment) error {
	replaceSubflows := frag.Subflows != nil
	inSubflow := func(n *flowconfig.NodeConfig) bool {
		return n.Type == flowconfig.TypeSubflow || (n.Z != "" && cfg.Subflows[n.Z] != nil)
	}

	var records []*flowconfig.NodeConfig
	for _, n := range cfg.Nodes {
		switch {
		case replaceSubflows && inSubflow(n):
		case n.Z == "" && !n.IsScope():
		default:
			records = append(records, n.Clone())
		}
	}
	taken := make(map[string]bool, len(records))
	for _, n := range records {
		taken[n.ID] = true
	}
	for _, list := range [][]*flowconfig.NodeConfig{frag.Configs, frag.Subflows} {
		for _, n := range list {
			c := n.Clone()
			if c.ID == "" {
				c.ID = newID()
			}
			if taken[c.ID] {
				return &errors.DuplicateIDError{ID: c.ID}
			}
			taken[c.ID] = true
			if !inSubflow(c) && c.Type != flowconfig.TypeSubflow {
				c.Z = ""
			}
			records = append(records, c)
		}
	}
	_, err := e.setFlowsLocked(ctx, records, DeployFlows, nil)
	return err
}

// RemoveFlow deletes the tab with id and its nodes
func (e *Engine) RemoveFlow(ctx context.Context, id string) error {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	if id == flowconfig.GlobalID {
		return errors.WrapInvalid(fmt.Errorf("the global flow cannot be removed"), "Engine", "RemoveFlow", "flow id validation")
	}
	cfg := e.activeConfig()
	if _, ok := cfg.Flows[id]; !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrFlowNotFound, id), "Engine", "RemoveFlow", "flow lookup")
	}
	records := make([]*flowconfig.NodeConfig, 0, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if n.ID != id && n.Z != id {
			records = append(records, n.Clone())
		}
	}
	_, err := e.setFlowsLocked(ctx, records, DeployFlows, nil)
	return err
}

// DisableFlow stops the tab with id and marks it disabled
func (e *Engine) DisableFlow(ctx context.Context, id string) error {
	return e.setFlowDisabled(ctx, id, true)
}

// EnableFlow clears the disabled flag of the tab with id and starts it
func (e *Engine) EnableFlow(ctx context.Context, id string) error {
	return e.setFlowDisabled(ctx, id, false)
}

func (e *Engine) setFlowDisabled(ctx context.Context, id string, disabled bool) error {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	cfg := e.activeConfig()
	scope, ok := cfg.Flows[id]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrFlowNotFound, id), "Engine", "setFlowDisabled", "flow lookup")
	}
	if scope.Disabled == disabled {
		return nil
	}
	records := cloneRecords(cfg.Nodes)
	for _, n := range records {
		if n.ID == id {
			n.Disabled = disabled
		}
	}
	_, err := e.setFlowsLocked(ctx, records, DeployFlows, nil)
	return err
}

// tabRecord applies the fragment's tab properties to rec
func tabRecord(rec *flowconfig.NodeConfig, frag FlowFragment) *flowconfig.NodeConfig {
	if rec.Props == nil {
		rec.Props = make(map[string]any)
	}
	rec.Props["label"] = frag.Label
	if frag.Info != "" {
		rec.Props["info"] = frag.Info
	} else {
		delete(rec.Props, "info")
	}
	if frag.Env != nil {
		rec.Props["env"] = frag.Env
	}
	rec.Disabled = frag.Disabled
	return rec
}

// scopeMembers returns copies of the fragment's nodes and configs placed in
// tab id, generating missing ids and rejecting taken ones
func scopeMembers(frag FlowFragment, id string, taken func(string) bool) ([]*flowconfig.NodeConfig, error) {
	seen := make(map[string]bool)
	var out []*flowconfig.NodeConfig
	for _, list := range [][]*flowconfig.NodeConfig{frag.Configs, frag.Nodes} {
		for _, n := range list {
			if n == nil {
				continue
			}
			c := n.Clone()
			if c.ID == "" {
				c.ID = newID()
			}
			if c.ID == id || seen[c.ID] || taken(c.ID) {
				return nil, &errors.DuplicateIDError{ID: c.ID}
			}
			seen[c.ID] = true
			c.Z = id
			out = append(out, c)
		}
	}
	return out, nil
}
