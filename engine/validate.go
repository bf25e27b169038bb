package flowengine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/registry"
)

// Validation statuses
const (
	StatusValid    = "valid"
	StatusWarnings = "warnings"
	StatusErrors   = "errors"
)

// ValidationResult is what Validate found in a document. Errors would make
// SetFlows refuse it; warnings are deployed as they are.
type ValidationResult struct {
	Status   string            `json:"validation_status"`
	Errors   []ValidationIssue `json:"errors"`
	Warnings []ValidationIssue `json:"warnings"`
}

// ValidationIssue is one finding
type ValidationIssue struct {
	Severity string `json:"severity"` // error or warning
	Code     string `json:"code"`
	NodeID   string `json:"node_id,omitempty"`
	Type     string `json:"type,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
}

func (r *ValidationResult) addError(issue ValidationIssue) {
	issue.Severity = "error"
	r.Errors = append(r.Errors, issue)
}

func (r *ValidationResult) addWarning(issue ValidationIssue) {
	issue.Severity = "warning"
	r.Warnings = append(r.Warnings, issue)
}

func (r *ValidationResult) finish() {
	switch {
	case len(r.Errors) > 0:
		r.Status = StatusErrors
	case len(r.Warnings) > 0:
		r.Status = StatusWarnings
	default:
		r.Status = StatusValid
	}
}

// Validate checks nodes without deploying them:
//   - ids: present and unique (error)
//   - types: registered (error)
//   - modules: installed and enabled (error)
//   - properties: match the type's schema (warning; the node fails to start)
//   - wires: name an existing node (warning; unknown targets are skipped)
//   - scopes: z names a tab or subflow (warning; the node is not created)
func (e *Engine) Validate(ctx context.Context, nodes []*flowconfig.NodeConfig) *ValidationResult {
	result := &ValidationResult{Errors: []ValidationIssue{}, Warnings: []ValidationIssue{}}
	defer func() {
		result.finish()
		e.metrics.recordValidation(result)
	}()

	cfg, err := flowconfig.Parse(cloneRecords(nodes))
	if err != nil {
		issue := ValidationIssue{Code: errors.CodeOf(err), Message: err.Error()}
		var dup *errors.DuplicateIDError
		if stderrors.As(err, &dup) {
			issue.NodeID = dup.ID
		}
		result.addError(issue)
		return result
	}

	missing := make(map[string]bool)
	for _, t := range cfg.MissingTypes(e.opts.Registry.HasType) {
		missing[t] = true
	}

	for _, n := range cfg.Nodes {
		if n.IsScope() || n.IsGroup() {
			continue
		}
		if missing[n.Type] {
			result.addError(ValidationIssue{
				Code:    "missing_types",
				NodeID:  n.ID,
				Type:    n.Type,
				Message: fmt.Sprintf("node type %q is not registered", n.Type),
			})
			continue
		}
		e.validateProps(n, result)
		validateWires(cfg, n, result)
	}

	for _, id := range cfg.Orphans {
		n := cfg.All[id]
		result.addWarning(ValidationIssue{
			Code:    "unknown_scope",
			NodeID:  id,
			Type:    n.Type,
			Field:   "z",
			Message: fmt.Sprintf("flow %s does not exist; the node will not run", n.Z),
		})
	}

	if len(missing) == 0 {
		if err := e.opts.Registry.CheckFlowDependencies(ctx, cfg); err != nil {
			result.addError(ValidationIssue{Code: errors.CodeOf(err), Message: err.Error()})
		}
	}
	return result
}

func (e *Engine) validateProps(n *flowconfig.NodeConfig, result *ValidationResult) {
	if _, ok := n.SubflowID(); ok {
		return
	}
	err := e.opts.Registry.ValidateConfig(n.Type, n.Props)
	var schemaErr *registry.SchemaError
	if !stderrors.As(err, &schemaErr) {
		return
	}
	for _, v := range schemaErr.Errors {
		result.addWarning(ValidationIssue{
			Code:    "invalid_properties",
			NodeID:  n.ID,
			Type:    n.Type,
			Field:   v.Field,
			Message: v.Message,
		})
	}
}

func validateWires(cfg *flowconfig.Config, n *flowconfig.NodeConfig, result *ValidationResult) {
	var unknown []string
	for _, port := range n.Wires {
		for _, target := range port {
			if _, ok := cfg.All[target]; !ok {
				unknown = append(unknown, target)
			}
		}
	}
	sort.Strings(unknown)
	for _, target := range unknown {
		result.addWarning(ValidationIssue{
			Code:    "unknown_wire_target",
			NodeID:  n.ID,
			Type:    n.Type,
			Field:   "wires",
			Message: fmt.Sprintf("wired to unknown node %s; messages to it are dropped", target),
		})
	}
}
