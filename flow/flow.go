package flow

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/pkg/worker"
)

// State is the lifecycle state of a Flow
type State string

// Flow states
const (
	StateUninitialized State = "uninitialized"
	StateLoaded        State = "loaded"
	StateStarted       State = "started"
	StateStopped       State = "stopped"
)

// TypeResolver is the registry as seen by a flow
type TypeResolver interface {
	Constructor(typ string) (node.Constructor, bool)
	CheckNodeDependencies(ctx context.Context, nodes []*flowconfig.NodeConfig) error
}

// Options configures a Flow
type Options struct {
	// ID is the tab id, or flowconfig.GlobalID for the global flow
	ID string
	// Config is the whole deploy document the flow's scope is taken from
	Config *flowconfig.Config

	// Parent receives errors and status nobody in this flow handled. It is
	// nil for the global flow.
	Parent node.Router
	// Lookup resolves ids this flow and its parent do not know, letting
	// nodes reach other flows. Only the global flow needs it.
	Lookup func(id string) *node.Node

	Types       TypeResolver
	Credentials func(id string) map[string]any
	Events      node.EventSink
	Logger      *slog.Logger
	Metrics     *metric.Metrics

	// CloseTimeout bounds each node's close and the mailbox drain on stop.
	// Zero waits forever.
	CloseTimeout time.Duration
}

type task func(ctx context.Context)

// Flow is the live instance of one tab or of the global scope. Deliveries
// to its nodes run one at a time on the flow's mailbox.
type Flow struct {
	id     string
	opts   Options
	logger *slog.Logger

	// ctl serializes Start, Update and Stop
	ctl sync.Mutex

	mu        sync.RWMutex
	cfg       *flowconfig.Config
	scope     *flowconfig.Scope
	state     State
	nodes     map[string]*node.Node
	watchers  *watchers
	instances map[string]*subflowInstance
	mailbox   *worker.Mailbox[task]
	cancel    context.CancelFunc
}

var (
	_ node.Router = (*Flow)(nil)
	_ node.Inbox  = (*Flow)(nil)
)

// New creates a flow for opts.ID within opts.Config. Nothing runs until Start.
func New(opts Options) *Flow {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Config == nil {
		opts.Config = flowconfig.Empty()
	}
	if opts.Credentials == nil {
		opts.Credentials = func(string) map[string]any { return nil }
	}
	f := &Flow{
		id:        opts.ID,
		opts:      opts,
		logger:    logger.With("component", "flow", "flow", opts.ID),
		cfg:       opts.Config,
		state:     StateUninitialized,
		nodes:     make(map[string]*node.Node),
		watchers:  &watchers{},
		instances: make(map[string]*subflowInstance),
	}
	if scope, ok := opts.Config.Scope(opts.ID); ok {
		f.scope = scope
		f.state = StateLoaded
	}
	return f
}

// ID returns the flow id
func (f *Flow) ID() string { return f.id }

// State returns the lifecycle state
func (f *Flow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// Scope returns the scope the flow currently runs
func (f *Flow) Scope() *flowconfig.Scope {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.scope
}

// ActiveNodes returns the number of live nodes, subflow internals included
func (f *Flow) ActiveNodes() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.nodes)
}

// NodeIDs returns the ids of the live nodes
func (f *Flow) NodeIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.nodes))
	for id := range f.nodes {
		ids = append(ids, id)
	}
	return ids
}

// LocalNode returns a live node of this flow without asking the parent
func (f *Flow) LocalNode(id string) *node.Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.nodes[id]
}

// GetNode resolves id in this flow, then the parent, then the lookup
func (f *Flow) GetNode(id string) *node.Node {
	if n := f.LocalNode(id); n != nil {
		return n
	}
	if f.opts.Parent != nil {
		if n := f.opts.Parent.GetNode(id); n != nil {
			return n
		}
	}
	if f.opts.Lookup != nil {
		return f.opts.Lookup(id)
	}
	return nil
}

// MailboxStats reports the flow mailbox counters
func (f *Flow) MailboxStats() worker.Stats {
	f.mu.RLock()
	mb := f.mailbox
	f.mu.RUnlock()
	if mb == nil {
		return worker.Stats{}
	}
	return mb.Stats()
}

// Sync waits until every delivery queued before the call has been handled.
// Messages those deliveries send on are queued behind the barrier and may
// still be pending. Must not be called from a handler.
func (f *Flow) Sync(ctx context.Context) error {
	f.mu.RLock()
	mb := f.mailbox
	f.mu.RUnlock()
	if mb == nil {
		return nil
	}
	return mb.Sync(ctx)
}

// Deliver queues msg for target on the flow mailbox
func (f *Flow) Deliver(target *node.Node, msg message.Message) {
	f.mu.RLock()
	mb := f.mailbox
	f.mu.RUnlock()
	if mb == nil {
		f.logger.Debug("Dropping message, flow not running", "node", target.ID())
		return
	}
	if err := mb.Submit(func(ctx context.Context) { target.Receive(ctx, msg) }); err != nil {
		f.logger.Debug("Dropping message", "node", target.ID(), "error", err)
	}
}

// Start instantiates every enabled node of the scope. It refuses with a
// MissingTypesError or MissingModulesError before creating anything when a
// type or module is unavailable. A node whose constructor fails is reported
// as a node error and skipped; the rest of the flow still starts.
func (f *Flow) Start(ctx context.Context) error {
	f.ctl.Lock()
	defer f.ctl.Unlock()

	f.mu.RLock()
	state, cfg, scope := f.state, f.cfg, f.scope
	f.mu.RUnlock()

	if state == StateStarted {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Flow", "Start", "state check")
	}
	if scope == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrFlowNotFound, f.id), "Flow", "Start", "scope lookup")
	}

	records := activeRecords(scope)
	if err := f.checkTypes(ctx, cfg, records); err != nil {
		return err
	}

	if err := f.startMailbox(ctx); err != nil {
		return err
	}

	resume, err := f.pause(ctx)
	if err != nil {
		f.stopMailbox()
		return err
	}
	failures := f.createAll(cfg, records)
	f.mu.Lock()
	f.state = StateStarted
	f.mu.Unlock()
	resume()

	f.report(failures)
	f.recordActive()
	f.logger.Debug("Flow started", "nodes", f.ActiveNodes(), "disabled", scope.Disabled)
	return nil
}

func (f *Flow) startMailbox(ctx context.Context) error {
	var opts []worker.Option[task]
	if m := f.opts.Metrics; m != nil {
		opts = append(opts,
			worker.WithDepthGauge[task](m.MailboxDepth.WithLabelValues(f.id)),
			worker.WithProcessedCounter[task](m.MailboxProcessed.WithLabelValues(f.id)),
		)
	}
	mb := worker.NewMailbox(func(ctx context.Context, t task) { t(ctx) }, opts...)

	// the mailbox outlives the deploy request that started it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := mb.Start(runCtx); err != nil {
		cancel()
		return errors.WrapFatal(err, "Flow", "Start", "start mailbox")
	}
	f.mu.Lock()
	f.mailbox = mb
	f.cancel = cancel
	f.mu.Unlock()
	return nil
}

func (f *Flow) stopMailbox() {
	f.mu.Lock()
	mb, cancel := f.mailbox, f.cancel
	f.mailbox, f.cancel = nil, nil
	f.mu.Unlock()
	if mb != nil {
		_ = mb.Stop(f.opts.CloseTimeout)
	}
	if cancel != nil {
		cancel()
	}
}

// pause parks the mailbox goroutine so the caller can change the node set
// while no handler runs. Must not be called from a handler.
func (f *Flow) pause(ctx context.Context) (func(), error) {
	f.mu.RLock()
	mb := f.mailbox
	f.mu.RUnlock()
	if mb == nil {
		return func() {}, nil
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	if err := mb.Submit(func(context.Context) {
		close(entered)
		<-release
	}); err != nil {
		return func() {}, nil
	}

	var once sync.Once
	resume := func() { once.Do(func() { close(release) }) }
	select {
	case <-entered:
		return resume, nil
	case <-ctx.Done():
		resume()
		return nil, errors.WrapTransient(ctx.Err(), "Flow", "pause", "wait for mailbox")
	}
}

func activeRecords(scope *flowconfig.Scope) []*flowconfig.NodeConfig {
	if scope == nil || scope.Disabled {
		return nil
	}
	var out []*flowconfig.NodeConfig
	for _, rec := range scope.Ordered() {
		if rec.Disabled {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// checkTypes verifies constructors and module dependencies for records,
// following subflow instances into their definitions
func (f *Flow) checkTypes(ctx context.Context, cfg *flowconfig.Config, records []*flowconfig.NodeConfig) error {
	var (
		missing []string
		all     []*flowconfig.NodeConfig
		visited = map[string]bool{}
	)
	var walk func(recs []*flowconfig.NodeConfig)
	walk = func(recs []*flowconfig.NodeConfig) {
		for _, rec := range recs {
			all = append(all, rec)
			if sfID, ok := rec.SubflowID(); ok {
				def, defined := cfg.Subflows[sfID]
				if !defined {
					missing = append(missing, rec.Type)
					continue
				}
				if !visited[sfID] {
					visited[sfID] = true
					walk(activeRecords(def))
				}
				continue
			}
			if f.opts.Types == nil {
				missing = append(missing, rec.Type)
				continue
			}
			if _, ok := f.opts.Types.Constructor(rec.Type); !ok {
				missing = append(missing, rec.Type)
			}
		}
	}
	walk(records)

	if len(missing) > 0 {
		return errors.NewMissingTypesError(missing)
	}
	if f.opts.Types == nil {
		return nil
	}
	return f.opts.Types.CheckNodeDependencies(ctx, all)
}

type failure struct {
	node *node.Node
	err  error
}

// createAll instantiates records in order. The mailbox must be paused.
func (f *Flow) createAll(cfg *flowconfig.Config, records []*flowconfig.NodeConfig) []failure {
	var failures []failure
	for _, rec := range records {
		if _, ok := rec.SubflowID(); ok {
			inst, fails := f.createInstance(cfg, rec, "", f, f.watchers, 0)
			failures = append(failures, fails...)
			if inst != nil {
				f.mu.Lock()
				f.instances[rec.ID] = inst
				f.mu.Unlock()
			}
			continue
		}
		n, err := f.build(rec, "", f)
		if err != nil {
			failures = append(failures, failure{node: n, err: err})
			continue
		}
		f.register(n, f.watchers)
	}
	return failures
}

// build creates one node and runs its constructor
func (f *Flow) build(rec *flowconfig.NodeConfig, alias string, router node.Router) (n *node.Node, err error) {
	creds := f.opts.Credentials(rec.ID)
	if creds == nil && alias != "" {
		creds = f.opts.Credentials(alias)
	}
	n = node.New(node.Config{
		Record:       rec,
		Alias:        alias,
		Router:       router,
		Inbox:        f,
		Events:       f.opts.Events,
		Credentials:  creds,
		Logger:       f.logger,
		Metrics:      f.opts.Metrics,
		CloseTimeout: f.opts.CloseTimeout,
	})

	var ctor node.Constructor
	if f.opts.Types != nil {
		ctor, _ = f.opts.Types.Constructor(rec.Type)
	}
	if ctor == nil {
		return n, errors.NewMissingTypesError([]string{rec.Type})
	}

	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Node constructor panicked", "node", rec.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	b, err := ctor(n, rec)
	if err != nil {
		return n, err
	}
	n.SetBehavior(b)
	return n, nil
}

func (f *Flow) register(n *node.Node, w *watchers) {
	f.mu.Lock()
	f.nodes[n.ID()] = n
	w.add(n)
	f.mu.Unlock()
}

func (f *Flow) report(failures []failure) {
	for _, fl := range failures {
		f.logger.Error("Failed to create node", "node", fl.node.ID(), "type", fl.node.Type(), "error", fl.err)
		fl.node.Error(fmt.Sprintf("failed to create node: %v", fl.err), nil)
	}
}

func (f *Flow) recordActive() {
	f.opts.Metrics.SetActiveNodes(f.id, f.ActiveNodes())
}

// Update applies a new document to a running flow. Nodes whose record did
// not change keep running untouched, changed nodes are closed and recreated,
// removed nodes are closed for good and added nodes are created. Nodes whose
// wires alone changed are rewired in place. Calling Update with the running
// document changes nothing.
func (f *Flow) Update(ctx context.Context, cfg *flowconfig.Config, diff *flowconfig.Diff) error {
	f.ctl.Lock()
	defer f.ctl.Unlock()

	newScope, ok := cfg.Scope(f.id)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrFlowNotFound, f.id), "Flow", "Update", "scope lookup")
	}
	if diff == nil {
		f.mu.RLock()
		diff = flowconfig.Compute(f.cfg, cfg)
		f.mu.RUnlock()
	}

	f.mu.RLock()
	state := f.state
	live := f.instanceRoots()
	f.mu.RUnlock()

	if state != StateStarted {
		f.mu.Lock()
		f.cfg, f.scope = cfg, newScope
		f.mu.Unlock()
		return nil
	}

	wanted := activeRecords(newScope)
	wantedIDs := make(map[string]*flowconfig.NodeConfig, len(wanted))
	for _, rec := range wanted {
		wantedIDs[rec.ID] = rec
	}

	var stop []closing
	for id, n := range live {
		rec, keep := wantedIDs[id]
		switch {
		case !keep:
			stop = append(stop, closing{id: id, node: n, removed: true})
		case diff.Changed.Has(id):
			stop = append(stop, closing{id: id, node: n})
		case diff.Rewired.Has(id) && isInstance(rec):
			stop = append(stop, closing{id: id, node: n})
		}
	}
	stopping := make(map[string]bool, len(stop))
	for _, c := range stop {
		stopping[c.id] = true
	}

	var create []*flowconfig.NodeConfig
	for _, rec := range wanted {
		if _, running := live[rec.ID]; !running || stopping[rec.ID] {
			create = append(create, rec)
		}
	}
	if err := f.checkTypes(ctx, cfg, create); err != nil {
		return err
	}

	resume, err := f.pause(ctx)
	if err != nil {
		return err
	}
	closeErr := f.closeAll(ctx, f.expand(stop))

	f.mu.Lock()
	f.cfg, f.scope = cfg, newScope
	f.mu.Unlock()

	for id := range diff.Rewired {
		if stopping[id] {
			continue
		}
		rec, ok := wantedIDs[id]
		if !ok || isInstance(rec) {
			continue
		}
		if n := f.LocalNode(id); n != nil {
			n.UpdateWires(rec.Wires)
		}
	}

	failures := f.createAll(cfg, create)
	resume()

	f.report(failures)
	f.recordActive()
	f.logger.Debug("Flow updated", "stopped", len(stop), "created", len(create))
	return closeErr
}

func isInstance(rec *flowconfig.NodeConfig) bool {
	if rec == nil {
		return false
	}
	_, ok := rec.SubflowID()
	return ok
}

// instanceRoots returns the live nodes that belong to the scope itself,
// leaving out subflow internals. Callers hold f.mu.
func (f *Flow) instanceRoots() map[string]*node.Node {
	inner := make(map[string]bool)
	for _, inst := range f.instances {
		for _, id := range inst.members() {
			inner[id] = true
		}
	}
	out := make(map[string]*node.Node, len(f.nodes))
	for id, n := range f.nodes {
		if !inner[id] {
			out[id] = n
		}
	}
	return out
}

type closing struct {
	id      string
	node    *node.Node
	removed bool
}

// expand adds the internals of subflow instances to a stop list
func (f *Flow) expand(list []closing) []closing {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []closing
	for _, c := range list {
		out = append(out, c)
		inst, ok := f.instances[c.id]
		if !ok {
			continue
		}
		for _, id := range inst.members() {
			if n, ok := f.nodes[id]; ok {
				out = append(out, closing{id: id, node: n, removed: c.removed})
			}
		}
	}
	return out
}

// closeAll unregisters and closes nodes concurrently, waiting for all.
// Failures are logged and joined.
func (f *Flow) closeAll(ctx context.Context, list []closing) error {
	if len(list) == 0 {
		return nil
	}

	f.mu.Lock()
	for _, c := range list {
		delete(f.nodes, c.id)
		delete(f.instances, c.id)
		f.watchers.remove(c.node)
	}
	f.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, c := range list {
		if c.node == nil {
			continue
		}
		g.Go(func() error {
			if err := c.node.Close(ctx, c.removed); err != nil {
				f.logger.Error("Node close failed", "node", c.id, "type", c.node.Type(), "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}

// Stop closes nodes. With a nil stopList every node is closed, the mailbox is
// stopped and queued deliveries are discarded. Otherwise only the listed
// nodes are closed. Nodes in removedList are told they are being deleted.
// Every node is waited for even when some fail; failures are joined.
func (f *Flow) Stop(ctx context.Context, stopList, removedList []string) error {
	f.ctl.Lock()
	defer f.ctl.Unlock()

	removed := make(map[string]bool, len(removedList))
	for _, id := range removedList {
		removed[id] = true
	}

	if stopList != nil {
		return f.stopNodes(ctx, stopList, removed)
	}

	f.mu.Lock()
	if f.state != StateStarted {
		f.state = StateStopped
		f.mu.Unlock()
		return nil
	}
	f.state = StateStopped
	mb, cancel := f.mailbox, f.cancel
	f.mailbox, f.cancel = nil, nil
	list := make([]closing, 0, len(f.nodes))
	for id, n := range f.nodes {
		list = append(list, closing{id: id, node: n, removed: removed[id]})
	}
	f.mu.Unlock()

	var errs []error
	if mb != nil {
		if err := mb.Stop(f.opts.CloseTimeout); err != nil {
			f.logger.Warn("Flow mailbox did not drain in time", "error", err)
			errs = append(errs, errors.WrapTransient(err, "Flow", "Stop", "stop mailbox"))
		}
	}
	if err := f.closeAll(ctx, list); err != nil {
		errs = append(errs, err)
	}
	if cancel != nil {
		cancel()
	}

	f.mu.Lock()
	clear(f.instances)
	f.watchers = &watchers{}
	f.mu.Unlock()

	f.opts.Metrics.ForgetFlow(f.id)
	f.logger.Debug("Flow stopped", "nodes", len(list))
	return stderrors.Join(errs...)
}

func (f *Flow) stopNodes(ctx context.Context, ids []string, removed map[string]bool) error {
	var list []closing
	f.mu.RLock()
	for _, id := range ids {
		if n, ok := f.nodes[id]; ok {
			list = append(list, closing{id: id, node: n, removed: removed[id]})
		}
	}
	f.mu.RUnlock()
	if len(list) == 0 {
		return nil
	}

	resume, err := f.pause(ctx)
	if err != nil {
		return err
	}
	defer resume()
	err = f.closeAll(ctx, f.expand(list))
	f.recordActive()
	return err
}
