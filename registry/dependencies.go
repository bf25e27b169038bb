package registry

import (
	"context"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
)

// moduleRefKeys are the node properties that name external modules a node
// needs at runtime, as lists of {"module": name} records or plain names
var moduleRefKeys = []string{"modules", "libs"}

// CheckFlowDependencies verifies that every module the document depends on
// is installed and enabled. Types nobody registered are not reported here;
// they are missing types, not missing modules.
func (r *Registry) CheckFlowDependencies(ctx context.Context, cfg *flowconfig.Config) error {
	if cfg == nil {
		return nil
	}
	return r.CheckNodeDependencies(ctx, cfg.Nodes)
}

// CheckNodeDependencies is CheckFlowDependencies for a subset of records
func (r *Registry) CheckNodeDependencies(ctx context.Context, nodes []*flowconfig.NodeConfig) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapTransient(err, "Registry", "CheckFlowDependencies", "context check")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, n := range nodes {
		if n == nil || n.IsScope() || n.IsGroup() {
			continue
		}
		if reg, ok := r.types[n.Type]; ok {
			if m, ok := r.modules[reg.module]; !ok || !m.Enabled {
				missing = append(missing, reg.module)
			}
		}
		for _, name := range moduleRefs(n) {
			if m, ok := r.modules[name]; !ok || !m.Enabled {
				missing = append(missing, name)
			}
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingModulesError(missing)
	}
	return nil
}

func moduleRefs(n *flowconfig.NodeConfig) []string {
	var out []string
	for _, key := range moduleRefKeys {
		v, ok := n.Prop(key)
		if !ok {
			continue
		}
		list, ok := v.([]any)
		if !ok {
			continue
		}
		for _, item := range list {
			switch ref := item.(type) {
			case string:
				if ref != "" {
					out = append(out, ref)
				}
			case map[string]any:
				if name, ok := ref["module"].(string); ok && name != "" {
					out = append(out, name)
				}
			}
		}
	}
	return out
}
