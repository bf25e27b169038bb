package flowengine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semflow/credentials"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/flowstore"
	"github.com/c360/semflow/health"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/registry"
)

// DeployType selects how a new document is applied to the running flows
type DeployType string

// Deploy types
const (
	// DeployFull stops every flow and starts the new document from scratch
	DeployFull DeployType = "full"
	// DeployNodes updates changed flows in place, recreating only changed nodes
	DeployNodes DeployType = "nodes"
	// DeployFlows restarts flows that contain any change
	DeployFlows DeployType = "flows"
	// DeployLoad is the boot deploy from storage. It is not persisted.
	DeployLoad DeployType = "load"
	// DeployReload restarts everything from the active document without
	// persisting it
	DeployReload DeployType = "reload"
)

// ParseDeployType maps a header value to a DeployType. Empty means full.
func ParseDeployType(s string) (DeployType, error) {
	if s == "" {
		return DeployFull, nil
	}
	t := DeployType(s)
	if !t.valid() {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidDeployType, s), "Engine", "ParseDeployType", "deploy type validation")
	}
	return t, nil
}

func (t DeployType) valid() bool {
	switch t {
	case DeployFull, DeployNodes, DeployFlows, DeployLoad, DeployReload:
		return true
	}
	return false
}

func (t DeployType) persists() bool {
	return t != DeployLoad && t != DeployReload
}

// FlowRunner is a live flow as driven by the engine. *flow.Flow implements it.
type FlowRunner interface {
	ID() string
	Start(ctx context.Context) error
	Update(ctx context.Context, cfg *flowconfig.Config, diff *flowconfig.Diff) error
	Stop(ctx context.Context, stopList, removedList []string) error
	LocalNode(id string) *node.Node
	ActiveNodes() int
}

// FlowFactory creates the runner for one flow
type FlowFactory func(opts flow.Options) FlowRunner

// DefaultFlowFactory builds a *flow.Flow
func DefaultFlowFactory(opts flow.Options) FlowRunner {
	return flow.New(opts)
}

// Options configures an Engine. Registry is required; everything else has a
// working default.
type Options struct {
	Registry *registry.Registry
	// Storage defaults to an empty in-memory store
	Storage flowstore.Storage
	// Credentials defaults to a store without a secret
	Credentials credentials.Store
	Bus         *events.Bus
	Logger      *slog.Logger
	Metrics     *metric.MetricsRegistry
	Health      *health.Monitor
	FlowFactory FlowFactory

	// CloseTimeout bounds each node's close during stops. Zero waits forever.
	CloseTimeout time.Duration
}

type pendingDeploy struct {
	nodes      []*flowconfig.NodeConfig
	deployType DeployType
	missing    []string
}

// Engine owns the set of live flows and applies deploys to it. Deploys are
// serialized; everything else is safe for concurrent use.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	metrics *engineMetrics
	core    *metric.Metrics

	// deployMu serializes every operation that changes the flow set
	deployMu sync.Mutex

	mu      sync.RWMutex
	active  *flowconfig.Config
	rev     string
	flows   map[string]FlowRunner
	stopped bool
	pending *pendingDeploy

	unsubscribe func()
	retries     sync.WaitGroup
	closed      atomic.Bool
}

// New creates an engine with an empty active document
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.WrapFatal(stderrors.New("registry cannot be nil"), "Engine", "New", "options validation")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Storage == nil {
		opts.Storage = flowstore.NewMemoryStore(flowstore.Document{})
	}
	if opts.Credentials == nil {
		opts.Credentials = credentials.NewCrypto("")
	}
	if opts.Bus == nil {
		opts.Bus = events.NewBus(opts.Logger)
	}
	if opts.FlowFactory == nil {
		opts.FlowFactory = DefaultFlowFactory
	}

	logger := opts.Logger.With("component", "engine")
	metrics, err := newEngineMetrics(opts.Metrics)
	if err != nil {
		logger.Error("Failed to initialize engine metrics", "error", err)
		metrics = nil
	}

	e := &Engine{
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		active:  flowconfig.Empty(),
		flows:   make(map[string]FlowRunner),
	}
	if opts.Metrics != nil {
		e.core = opts.Metrics.CoreMetrics()
	}
	e.rev, _ = flowstore.Revision(nil)

	opts.Registry.SetInUseChecker(e.CheckTypeInUse)
	e.unsubscribe = opts.Bus.On(events.TypeRegistered, e.onTypeRegistered)
	return e, nil
}

// Close stops every flow and detaches the engine from the registry and bus
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.unsubscribe()
	e.opts.Registry.SetInUseChecker(nil)
	e.retries.Wait()
	return e.StopFlows(ctx)
}

// Bus returns the event bus the engine emits on
func (e *Engine) Bus() *events.Bus { return e.opts.Bus }

// SetFlows deploys nodes. credentialsMap holds encrypted credentials keyed
// by node id; every entry must decrypt or nothing is deployed. It returns the
// revision of the deployed document.
//
// Validation failures leave the running flows untouched. A storage failure
// is returned after the new flows are already running.
func (e *Engine) SetFlows(ctx context.Context, nodes []*flowconfig.NodeConfig, deployType DeployType, credentialsMap map[string]string) (string, error) {
	e.deployMu.Lock()
	defer e.deployMu.Unlock()
	return e.setFlowsLocked(ctx, nodes, deployType, credentialsMap)
}

func (e *Engine) setFlowsLocked(ctx context.Context, nodes []*flowconfig.NodeConfig, deployType DeployType, credentialsMap map[string]string) (rev string, err error) {
	start := time.Now()
	defer func() { e.metrics.recordDeploy(string(deployType), err, time.Since(start)) }()

	if !deployType.valid() {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrInvalidDeployType, deployType), "Engine", "SetFlows", "deploy type validation")
	}
	if e.closed.Load() {
		return "", errors.WrapFatal(errors.ErrShuttingDown, "Engine", "SetFlows", "engine state check")
	}

	old := e.activeConfig()
	source := nodes
	if deployType == DeployReload {
		source = old.Nodes
	}
	cfg, err := flowconfig.Parse(cloneRecords(source))
	if err != nil {
		return "", err
	}

	if err := e.attachCredentials(cfg, credentialsMap); err != nil {
		return "", err
	}
	if err := e.checkAvailability(ctx, cfg, deployType); err != nil {
		return "", err
	}
	e.clearPending()

	// before Clean strips the secrets: a record carrying credentials restarts
	diff := flowconfig.Compute(old, cfg)
	if deployType != DeployReload {
		if err := e.opts.Credentials.Clean(ctx, cfg.Nodes); err != nil {
			return "", errors.WrapInvalid(err, "Engine", "SetFlows", "extract credentials")
		}
	}
	rev, err = flowstore.Revision(cfg.Nodes)
	if err != nil {
		return "", err
	}

	e.apply(ctx, old, cfg, diff, deployType, rev)

	e.mu.Lock()
	e.rev = rev
	e.mu.Unlock()

	if !deployType.persists() {
		return rev, nil
	}
	saved, err := e.persist(ctx, cfg)
	if err != nil {
		e.logger.Error("Deployed flows could not be saved", "type", deployType, "error", err)
		return rev, errors.WrapTransient(err, "Engine", "SetFlows", "persist deployed flows")
	}
	e.logger.Info("Flows deployed", "type", deployType, "rev", saved, "duration", time.Since(start))
	return saved, nil
}

// apply stops, updates and starts flows to move from old to cfg, then makes
// cfg the active document
func (e *Engine) apply(ctx context.Context, old, cfg *flowconfig.Config, diff *flowconfig.Diff, deployType DeployType, rev string) {
	running := e.runners()
	p := planDeploy(old, cfg, diff, deployType, running)

	e.mu.RLock()
	stopped := e.stopped
	e.mu.RUnlock()
	if stopped {
		// flows were stopped on request: adopt the document, start nothing
		p.start, p.update = nil, nil
	}

	payload := events.FlowsPayload{Type: string(deployType), Rev: rev}
	if deployType == DeployNodes || deployType == DeployFlows {
		payload.Diff = summarize(diff)
	}

	e.opts.Bus.Emit(events.FlowsStopping, payload)
	e.stopRunners(ctx, p.stop, diff.Removed.Sorted())
	e.opts.Bus.Emit(events.FlowsStopped, payload)

	e.mu.Lock()
	e.active = cfg
	e.mu.Unlock()

	if stopped {
		e.logger.Info("Flows are stopped, deployed document not started", "type", deployType)
		return
	}

	e.opts.Bus.Emit(events.FlowsStarting, payload)
	for _, id := range p.update {
		if r, ok := running[id]; ok {
			e.updateRunner(ctx, r, cfg, diff)
		}
	}
	e.startRunners(ctx, p.start, cfg)
	e.opts.Bus.Emit(events.FlowsStarted, payload)

	e.emitRuntimeState(events.RuntimeState{State: events.StateStart, Deploy: deployType != DeployLoad})
}

type deployPlan struct {
	stop   []string // stopped and discarded
	update []string // updated in place
	start  []string // created and started, global first
}

func planDeploy(old, cfg *flowconfig.Config, diff *flowconfig.Diff, deployType DeployType, running map[string]FlowRunner) deployPlan {
	var p deployPlan
	wanted := append([]string{flowconfig.GlobalID}, cfg.FlowIDs...)

	if deployType == DeployFull || deployType == DeployLoad || deployType == DeployReload {
		for id := range running {
			p.stop = append(p.stop, id)
		}
		p.start = wanted
		return p
	}

	affected := diff.AffectedScopes(old, cfg)
	for _, id := range wanted {
		r, ok := running[id]
		switch {
		case !ok:
			p.start = append(p.start, id)
		case id == flowconfig.GlobalID:
			p.update = append(p.update, id)
		case !affected.Has(r.ID()):
		case deployType == DeployFlows:
			p.stop = append(p.stop, id)
			p.start = append(p.start, id)
		default:
			p.update = append(p.update, id)
		}
	}
	for id := range running {
		if id == flowconfig.GlobalID {
			continue
		}
		if _, ok := cfg.Flows[id]; !ok {
			p.stop = append(p.stop, id)
		}
	}
	return p
}

func summarize(d *flowconfig.Diff) *events.DiffSummary {
	return &events.DiffSummary{
		Added:   d.Added.Sorted(),
		Changed: d.Changed.Sorted(),
		Removed: d.Removed.Sorted(),
		Rewired: d.Rewired.Sorted(),
		Linked:  d.Linked.Sorted(),
	}
}

// stopRunners stops the listed flows, tabs concurrently and the global flow
// last, and forgets them. Close failures are logged.
func (e *Engine) stopRunners(ctx context.Context, ids, removed []string) {
	if len(ids) == 0 {
		return
	}
	running := e.runners()
	var g errgroup.Group
	var global FlowRunner
	for _, id := range ids {
		r, ok := running[id]
		if !ok {
			continue
		}
		if id == flowconfig.GlobalID {
			global = r
			continue
		}
		g.Go(func() error {
			e.stopRunner(ctx, r, removed)
			return nil
		})
	}
	_ = g.Wait()
	if global != nil {
		e.stopRunner(ctx, global, removed)
	}

	e.mu.Lock()
	for _, id := range ids {
		delete(e.flows, id)
	}
	e.mu.Unlock()
	e.metrics.setActiveFlows(e.flowCount())
}

func (e *Engine) stopRunner(ctx context.Context, r FlowRunner, removed []string) {
	start := time.Now()
	err := r.Stop(ctx, nil, removed)
	e.metrics.recordStop(err, time.Since(start))
	if err != nil {
		e.logger.Warn("Flow stopped with errors", "flow", r.ID(), "error", err)
	}
	if e.opts.Health != nil {
		e.opts.Health.Remove(healthName(r.ID()))
	}
}

func (e *Engine) updateRunner(ctx context.Context, r FlowRunner, cfg *flowconfig.Config, diff *flowconfig.Diff) {
	if err := r.Update(ctx, cfg, diff); err != nil {
		e.logger.Error("Flow update failed", "flow", r.ID(), "error", err)
		e.updateHealth(r, err)
		return
	}
	e.updateHealth(r, nil)
}

// startRunners creates and starts the listed flows in order. A flow that
// fails to start is logged and reported unhealthy; the others still start.
func (e *Engine) startRunners(ctx context.Context, ids []string, cfg *flowconfig.Config) {
	for _, id := range ids {
		r := e.newRunner(id, cfg)
		e.mu.Lock()
		e.flows[id] = r
		e.mu.Unlock()

		start := time.Now()
		err := r.Start(ctx)
		e.metrics.recordStart(err, time.Since(start))
		if err != nil {
			e.logger.Error("Flow failed to start", "flow", id, "error", err)
		}
		e.updateHealth(r, err)
	}
	e.metrics.setActiveFlows(e.flowCount())
}

func (e *Engine) newRunner(id string, cfg *flowconfig.Config) FlowRunner {
	opts := flow.Options{
		ID:           id,
		Config:       cfg,
		Types:        e.opts.Registry,
		Credentials:  e.opts.Credentials.Get,
		Events:       e.opts.Bus,
		Logger:       e.opts.Logger,
		Metrics:      e.core,
		CloseTimeout: e.opts.CloseTimeout,
	}
	if id == flowconfig.GlobalID {
		opts.Lookup = e.GetNode
	} else if parent, ok := e.runners()[flowconfig.GlobalID].(node.Router); ok {
		opts.Parent = parent
	}
	return e.opts.FlowFactory(opts)
}

func healthName(id string) string { return "flow:" + id }

func (e *Engine) updateHealth(r FlowRunner, err error) {
	if e.opts.Health == nil {
		return
	}
	if err != nil {
		e.opts.Health.Update(healthName(r.ID()), health.FromError(healthName(r.ID()), err))
		return
	}
	e.opts.Health.UpdateHealthy(healthName(r.ID()), fmt.Sprintf("%d nodes running", r.ActiveNodes()))
}

// attachCredentials decrypts every entry of credentialsMap before touching
// any record, then merges them into the matching records. Fields already on
// a record win.
func (e *Engine) attachCredentials(cfg *flowconfig.Config, credentialsMap map[string]string) error {
	if len(credentialsMap) == 0 {
		return nil
	}
	decrypted := make(map[string]map[string]any, len(credentialsMap))
	for id, entry := range credentialsMap {
		creds, err := e.opts.Credentials.Decrypt(entry)
		if err != nil {
			e.logger.Error("Deploy refused: credentials could not be decrypted", "node", id)
			if !stderrors.Is(err, errors.ErrCredentialDecrypt) {
				err = fmt.Errorf("%w: %v", errors.ErrCredentialDecrypt, err)
			}
			return errors.WrapInvalid(err, "Engine", "SetFlows", "decrypt credentials of "+id)
		}
		decrypted[id] = creds
	}
	for id, creds := range decrypted {
		rec, ok := cfg.All[id]
		if !ok {
			continue
		}
		merged := maps.Clone(creds)
		maps.Copy(merged, rec.Credentials)
		rec.Credentials = merged
	}
	return nil
}

// checkAvailability refuses documents with unregistered types or missing
// modules. A document with missing types is parked and retried when the
// types are registered.
func (e *Engine) checkAvailability(ctx context.Context, cfg *flowconfig.Config, deployType DeployType) error {
	if missing := cfg.MissingTypes(e.opts.Registry.HasType); len(missing) > 0 {
		e.park(cfg, deployType, missing)
		e.logger.Warn("Deploy waiting for missing node types", "types", missing)
		e.emitRuntimeState(events.RuntimeState{
			State: events.StateStop,
			Error: events.ErrorMissingTypes,
			Type:  "warning",
			Text:  "notification.warnings.missing-types",
			Types: missing,
		})
		return errors.NewMissingTypesError(missing)
	}

	if err := e.opts.Registry.CheckFlowDependencies(ctx, cfg); err != nil {
		var mm *errors.MissingModulesError
		if stderrors.As(err, &mm) {
			e.logger.Warn("Deploy refused: missing modules", "modules", mm.Modules)
			e.emitRuntimeState(events.RuntimeState{
				State:   events.StateStop,
				Error:   events.ErrorMissingModules,
				Type:    "warning",
				Text:    "notification.warnings.missing-modules",
				Modules: mm.Modules,
			})
		}
		return err
	}
	return nil
}

func (e *Engine) persist(ctx context.Context, cfg *flowconfig.Config) (string, error) {
	doc := flowstore.Document{Flows: cfg.Nodes}
	if e.opts.Credentials.Dirty() {
		blob, err := e.opts.Credentials.Export(ctx)
		if err != nil {
			return "", err
		}
		doc.Credentials = blob
	}
	return e.opts.Storage.SaveFlows(ctx, doc)
}

func (e *Engine) emitRuntimeState(st events.RuntimeState) {
	e.opts.Bus.Emit(events.RuntimeEvent, events.Runtime{ID: events.RuntimeStateID, Payload: st, Retain: true})
}

func (e *Engine) activeConfig() *flowconfig.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

func (e *Engine) runners() map[string]FlowRunner {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.flows)
}

func (e *Engine) flowCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.flows)
}

func cloneRecords(in []*flowconfig.NodeConfig) []*flowconfig.NodeConfig {
	out := make([]*flowconfig.NodeConfig, 0, len(in))
	for _, n := range in {
		if n == nil {
			out = append(out, nil)
			continue
		}
		out = append(out, n.Clone())
	}
	return out
}

// sortedFlowIDs returns the running flow ids, global first
func sortedFlowIDs(flows map[string]FlowRunner) []string {
	ids := slices.Sorted(maps.Keys(flows))
	if i := slices.Index(ids, flowconfig.GlobalID); i > 0 {
		ids = append([]string{flowconfig.GlobalID}, slices.Delete(ids, i, i+1)...)
	}
	return ids
}
