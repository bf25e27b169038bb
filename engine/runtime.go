package flowengine

import (
	"context"
	stderrors "errors"
	"slices"
	"time"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/flowstore"
	"github.com/c360/semflow/node"
)

// RuntimeState summarizes the engine for the admin API
type RuntimeState struct {
	// State is "start" while flows run and "stop" otherwise
	State string   `json:"state"`
	Rev   string   `json:"rev"`
	Flows []string `json:"flows"`

	// MissingTypes lists what a parked deploy is waiting for
	MissingTypes  []string   `json:"missingTypes,omitempty"`
	PendingDeploy DeployType `json:"pendingDeploy,omitempty"`
}

// State returns the current runtime state
func (e *Engine) State() RuntimeState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := RuntimeState{
		State: events.StateStop,
		Rev:   e.rev,
		Flows: sortedFlowIDs(e.flows),
	}
	if len(e.flows) > 0 && !e.stopped {
		st.State = events.StateStart
	}
	if e.pending != nil {
		st.MissingTypes = slices.Clone(e.pending.missing)
		st.PendingDeploy = e.pending.deployType
	}
	return st
}

// GetFlows returns the active document without credentials
func (e *Engine) GetFlows() flowstore.Document {
	e.mu.RLock()
	defer e.mu.RUnlock()
	flows := cloneRecords(e.active.Nodes)
	for _, n := range flows {
		n.Credentials = nil
	}
	return flowstore.Document{Flows: flows, Rev: e.rev}
}

// Load deploys the stored document. Credentials that cannot be decrypted
// stop the boot before any flow starts. A document with missing types is
// parked and started once they are registered, which is not an error here.
func (e *Engine) Load(ctx context.Context) error {
	doc, err := e.opts.Storage.GetFlows(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Engine", "Load", "read stored flows")
	}
	if err := e.opts.Credentials.Load(ctx, doc.Credentials); err != nil {
		e.logger.Error("Stored credentials could not be decrypted", "error", err)
		e.emitRuntimeState(events.RuntimeState{
			State: events.StateStop,
			Error: events.ErrorCredentials,
			Type:  "error",
			Text:  "notification.errors.credentials_load_failed",
		})
		if !stderrors.Is(err, errors.ErrCredentialDecrypt) {
			err = stderrors.Join(errors.ErrCredentialDecrypt, err)
		}
		return errors.WrapFatal(err, "Engine", "Load", "load credentials")
	}

	e.logger.Info("Loading flows", "records", len(doc.Flows), "rev", doc.Rev)
	_, err = e.SetFlows(ctx, doc.Flows, DeployLoad, nil)
	if stderrors.Is(err, errors.ErrMissingTypes) {
		return nil
	}
	return err
}

// StopFlows stops every flow and keeps the active document. Deploys made
// while stopped are saved but not started until StartFlows.
func (e *Engine) StopFlows(ctx context.Context) error {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	running := e.runners()
	if len(running) == 0 {
		return nil
	}
	payload := events.FlowsPayload{Type: "stop"}
	e.opts.Bus.Emit(events.FlowsStopping, payload)
	e.stopRunners(ctx, sortedFlowIDs(running), nil)
	e.opts.Bus.Emit(events.FlowsStopped, payload)
	e.emitRuntimeState(events.RuntimeState{State: events.StateStop})
	e.logger.Info("Flows stopped", "flows", len(running))
	return nil
}

// StartFlows starts the active document after StopFlows. It is a no-op
// while flows are running.
func (e *Engine) StartFlows(ctx context.Context) error {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	e.mu.RLock()
	stopped, running := e.stopped, len(e.flows)
	e.mu.RUnlock()
	if !stopped && running > 0 {
		return nil
	}

	cfg := e.activeConfig()
	if err := e.checkAvailability(ctx, cfg, DeployReload); err != nil {
		return err
	}
	e.clearPending()

	e.mu.Lock()
	e.stopped = false
	rev := e.rev
	e.mu.Unlock()

	payload := events.FlowsPayload{Type: "start", Rev: rev}
	e.opts.Bus.Emit(events.FlowsStarting, payload)
	e.startRunners(ctx, append([]string{flowconfig.GlobalID}, cfg.FlowIDs...), cfg)
	e.opts.Bus.Emit(events.FlowsStarted, payload)
	e.emitRuntimeState(events.RuntimeState{State: events.StateStart})
	return nil
}

// GetNode finds a live node in any flow
func (e *Engine) GetNode(id string) *node.Node {
	for _, r := range e.runners() {
		if n := r.LocalNode(id); n != nil {
			return n
		}
	}
	return nil
}

// CheckTypeInUse fails with a TypeInUseError when the active document has
// nodes of typ. The registry calls it before removing or disabling types.
func (e *Engine) CheckTypeInUse(typ string) error {
	if ids := e.activeConfig().NodesOfType(typ); len(ids) > 0 {
		return &errors.TypeInUseError{Type: typ, Nodes: ids}
	}
	return nil
}

func (e *Engine) park(cfg *flowconfig.Config, deployType DeployType, missing []string) {
	if deployType == DeployReload {
		deployType = DeployLoad
	}
	e.mu.Lock()
	e.pending = &pendingDeploy{nodes: cloneRecords(cfg.Nodes), deployType: deployType, missing: missing}
	e.mu.Unlock()
	e.metrics.setPendingTypes(len(missing))
	if e.opts.Health != nil {
		e.opts.Health.UpdateDegraded("engine", "waiting for node types")
	}
}

func (e *Engine) clearPending() {
	e.mu.Lock()
	had := e.pending != nil
	e.pending = nil
	e.mu.Unlock()
	e.metrics.setPendingTypes(0)
	if had && e.opts.Health != nil {
		e.opts.Health.UpdateHealthy("engine", "running")
	}
}

func (e *Engine) onTypeRegistered(any) {
	if e.closed.Load() {
		return
	}
	e.mu.RLock()
	waiting := e.pending != nil
	e.mu.RUnlock()
	if !waiting {
		return
	}
	// the event arrives on the registering goroutine, which may hold locks
	e.retries.Add(1)
	go func() {
		defer e.retries.Done()
		e.retryPending(context.Background())
	}()
}

// retryPending redeploys the parked document once all of its types exist
func (e *Engine) retryPending(ctx context.Context) {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()

	e.mu.Lock()
	p := e.pending
	if p == nil {
		e.mu.Unlock()
		return
	}
	var still []string
	for _, t := range p.missing {
		if !e.opts.Registry.HasType(t) {
			still = append(still, t)
		}
	}
	if len(still) > 0 {
		p.missing = still
		e.mu.Unlock()
		e.metrics.setPendingTypes(len(still))
		e.logger.Debug("Deploy still waiting for types", "types", still)
		return
	}
	e.mu.Unlock()

	start := time.Now()
	rev, err := e.setFlowsLocked(ctx, p.nodes, p.deployType, nil)
	if err != nil {
		if !stderrors.Is(err, errors.ErrMissingTypes) {
			e.clearPending()
		}
		e.logger.Warn("Deferred deploy failed", "type", p.deployType, "error", err)
		return
	}
	e.logger.Info("Deferred deploy completed", "type", p.deployType, "rev", rev, "duration", time.Since(start))
}
