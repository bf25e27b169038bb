package registry

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/node"
)

// SettingsKey is the settings key holding module enable state
const SettingsKey = "modules"

// EventSink receives type-registered notifications
type EventSink interface {
	Emit(name string, payload any)
}

// InUseChecker reports an error, typically *errors.TypeInUseError, when
// deployed nodes use typ
type InUseChecker func(typ string) error

type registration struct {
	typ    string
	module string
	set    string
	ctor   node.Constructor
	schema *gojsonschema.Schema
}

// Registry maps node types to constructors and tracks the modules providing
// them. It is safe for concurrent use.
type Registry struct {
	logger   *slog.Logger
	events   EventSink
	settings Settings

	mu      sync.RWMutex
	modules map[string]*Module
	types   map[string]*registration
	saved   map[string]moduleState
	inUse   InUseChecker
	closed  bool

	persistMu sync.Mutex
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithEvents sets where type-registered events are emitted
func WithEvents(sink EventSink) Option {
	return func(r *Registry) { r.events = sink }
}

// WithSettings sets the backend for module enable state. Without it modules
// cannot be removed, enabled or disabled.
func WithSettings(s Settings) Option {
	return func(r *Registry) { r.settings = s }
}

// New creates an empty registry
func New(opts ...Option) *Registry {
	r := &Registry{
		modules: make(map[string]*Module),
		types:   make(map[string]*registration),
		saved:   make(map[string]moduleState),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// Close releases every registration. A closed registry rejects new ones.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	clear(r.modules)
	clear(r.types)
	return nil
}

// SetInUseChecker installs the check run before a module is disabled or removed
func (r *Registry) SetInUseChecker(fn InUseChecker) {
	r.mu.Lock()
	r.inUse = fn
	r.mu.Unlock()
}

// LoadSettings applies the persisted module enable state. Modules added
// later pick their state up when they appear.
func (r *Registry) LoadSettings(ctx context.Context) error {
	if r.settings == nil {
		return nil
	}
	raw, err := r.settings.Get(ctx, SettingsKey)
	if stderrors.Is(err, errors.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return errors.WrapTransient(err, "Registry", "LoadSettings", "read module settings")
	}
	saved := make(map[string]moduleState)
	if err := json.Unmarshal(raw, &saved); err != nil {
		return errors.WrapInvalid(err, "Registry", "LoadSettings", "decode module settings")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = saved
	for name, m := range r.modules {
		if st, ok := saved[name]; ok {
			applyState(m, st)
		}
	}
	return nil
}

func applyState(m *Module, st moduleState) {
	m.Enabled = st.Enabled
	for name, enabled := range st.Sets {
		if s, ok := m.Sets[name]; ok {
			s.Enabled = enabled
		}
	}
}

// TypeOption configures a node type registration
type TypeOption func(*typeOptions)

type typeOptions struct {
	set    string
	schema string
}

// WithNodeSet places the type in the named node set instead of the
// module's default set
func WithNodeSet(name string) TypeOption {
	return func(o *typeOptions) { o.set = name }
}

// WithSchema attaches a JSON schema validating the type's properties
func WithSchema(schema string) TypeOption {
	return func(o *typeOptions) { o.schema = schema }
}

// RegisterNodeConstructor binds typeName to ctor for moduleID, creating the
// module if it is not known yet. Registering a type already bound to another
// module fails and keeps the earlier registration.
func (r *Registry) RegisterNodeConstructor(moduleID, typeName string, ctor node.Constructor, opts ...TypeOption) error {
	if moduleID == "" || typeName == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterNodeConstructor", "module and type validation")
	}
	if ctor == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterNodeConstructor", "constructor validation")
	}

	o := typeOptions{set: moduleID}
	for _, opt := range opts {
		opt(&o)
	}

	reg := &registration{typ: typeName, module: moduleID, set: o.set, ctor: ctor}
	if o.schema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(o.schema))
		if err != nil {
			return errors.WrapInvalid(err, "Registry", "RegisterNodeConstructor", fmt.Sprintf("compile schema for %s", typeName))
		}
		reg.schema = schema
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.WrapFatal(errors.ErrShuttingDown, "Registry", "RegisterNodeConstructor", "registry state check")
	}
	if prev, ok := r.types[typeName]; ok && prev.module != moduleID {
		r.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s is provided by %s", errors.ErrAlreadyRegistered, typeName, prev.module),
			"Registry", "RegisterNodeConstructor", "duplicate type check")
	}

	m := r.moduleLocked(moduleID)
	set := m.set(o.set)
	if !slices.Contains(set.Types, typeName) {
		set.Types = append(set.Types, typeName)
	}
	if prev, ok := r.types[typeName]; ok && prev.set != o.set {
		r.dropFromSetLocked(prev)
	}
	if st, ok := r.saved[moduleID]; ok {
		if enabled, ok := st.Sets[o.set]; ok {
			set.Enabled = enabled
		}
	}
	r.types[typeName] = reg
	r.mu.Unlock()

	r.logger.Debug("Registered node type", "type", typeName, "module", moduleID)
	if r.events != nil {
		r.events.Emit(events.TypeRegistered, events.TypeRegisteredPayload{Type: typeName, Module: moduleID})
	}
	return nil
}

func (r *Registry) dropFromSetLocked(reg *registration) {
	m, ok := r.modules[reg.module]
	if !ok {
		return
	}
	if s, ok := m.Sets[reg.set]; ok {
		s.Types = slices.DeleteFunc(s.Types, func(t string) bool { return t == reg.typ })
	}
}

// moduleLocked returns the named module, creating an enabled one if needed
func (r *Registry) moduleLocked(name string) *Module {
	m, ok := r.modules[name]
	if ok {
		return m
	}
	m = &Module{Name: name, Enabled: true, Sets: make(map[string]*NodeSet)}
	if st, ok := r.saved[name]; ok {
		m.Enabled = st.Enabled
		if m.Version == "" {
			m.Version = st.Version
		}
	}
	r.modules[name] = m
	return m
}

// AddModule declares a module. Declaring a module that already exists
// updates its version and merges its node sets.
func (r *Registry) AddModule(m Module) error {
	if m.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "AddModule", "module name validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.WrapFatal(errors.ErrShuttingDown, "Registry", "AddModule", "registry state check")
	}

	existing, known := r.modules[m.Name]
	if !known {
		existing = &Module{Name: m.Name, Enabled: m.Enabled, Sets: make(map[string]*NodeSet)}
		r.modules[m.Name] = existing
	}
	if m.Version != "" {
		existing.Version = m.Version
	}
	existing.Local = existing.Local || m.Local
	for name, s := range m.Sets {
		set := existing.set(name)
		set.Enabled = s.Enabled
		set.Version = existing.Version
		for _, t := range s.Types {
			if !slices.Contains(set.Types, t) {
				set.Types = append(set.Types, t)
			}
		}
	}
	if st, ok := r.saved[m.Name]; ok {
		applyState(existing, st)
	}
	return nil
}

// RemoveModule uninstalls a module and forgets its types. It fails for
// unknown modules, without a settings backend, for bundled modules and when
// deployed nodes use one of its types.
func (r *Registry) RemoveModule(ctx context.Context, name string) ([]NodeSet, error) {
	r.mu.RLock()
	m, ok := r.modules[name]
	var snapshot *Module
	if ok {
		snapshot = m.clone()
	}
	inUse := r.inUse
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownModule, name), "Registry", "RemoveModule", "module lookup")
	}
	if r.settings == nil {
		return nil, errors.WrapFatal(errors.ErrSettingsUnavailable, "Registry", "RemoveModule", "settings check")
	}
	if snapshot.Local {
		return nil, errors.WrapInvalid(fmt.Errorf("module %s is bundled with the runtime", name), "Registry", "RemoveModule", "module check")
	}
	if err := checkInUse(inUse, snapshot.types()); err != nil {
		return nil, err
	}

	r.mu.Lock()
	for t, reg := range r.types {
		if reg.module == name {
			delete(r.types, t)
		}
	}
	delete(r.modules, name)
	delete(r.saved, name)
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	r.logger.Info("Removed module", "module", name)

	sets := make([]NodeSet, 0, len(snapshot.Sets))
	for _, s := range snapshot.Sets {
		sets = append(sets, *s)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].ID < sets[j].ID })
	return sets, nil
}

// EnableModule enables a module and all its node sets. A type-registered
// event is emitted for each of its types so waiting deploys can retry.
func (r *Registry) EnableModule(ctx context.Context, name string) (*Module, error) {
	return r.setModuleEnabled(ctx, name, true)
}

// DisableModule disables a module after checking none of its types is in use
func (r *Registry) DisableModule(ctx context.Context, name string) (*Module, error) {
	return r.setModuleEnabled(ctx, name, false)
}

func (r *Registry) setModuleEnabled(ctx context.Context, name string, enabled bool) (*Module, error) {
	op := "DisableModule"
	if enabled {
		op = "EnableModule"
	}

	r.mu.RLock()
	m, ok := r.modules[name]
	var types []string
	if ok {
		types = m.types()
	}
	inUse := r.inUse
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownModule, name), "Registry", op, "module lookup")
	}
	if r.settings == nil {
		return nil, errors.WrapFatal(errors.ErrSettingsUnavailable, "Registry", op, "settings check")
	}
	if !enabled {
		if err := checkInUse(inUse, types); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	m, ok = r.modules[name]
	if !ok {
		r.mu.Unlock()
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrUnknownModule, name), "Registry", op, "module lookup")
	}
	m.Enabled = enabled
	for _, s := range m.Sets {
		s.Enabled = enabled
	}
	out := m.clone()
	r.mu.Unlock()

	if err := r.persist(ctx); err != nil {
		return nil, err
	}
	r.logger.Info("Module state changed", "module", name, "enabled", enabled)

	if enabled && r.events != nil {
		for _, t := range types {
			r.events.Emit(events.TypeRegistered, events.TypeRegisteredPayload{Type: t, Module: name})
		}
	}
	return out, nil
}

func checkInUse(fn InUseChecker, types []string) error {
	if fn == nil {
		return nil
	}
	for _, t := range types {
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) persist(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	state := make(map[string]moduleState, len(r.modules))
	for name, m := range r.modules {
		st := moduleState{Version: m.Version, Enabled: m.Enabled, Sets: make(map[string]bool, len(m.Sets))}
		for setName, s := range m.Sets {
			st.Sets[setName] = s.Enabled
		}
		state[name] = st
	}
	r.saved = state
	r.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return errors.WrapInvalid(err, "Registry", "persist", "encode module settings")
	}
	if err := r.settings.Set(ctx, SettingsKey, raw); err != nil {
		return errors.WrapTransient(err, "Registry", "persist", "write module settings")
	}
	return nil
}

// GetModule returns a copy of the named module
func (r *Registry) GetModule(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	if !ok {
		return nil, false
	}
	return m.clone(), true
}

// Modules returns copies of all modules sorted by name
func (r *Registry) Modules() []*Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetNodeList returns every node set, sorted by id. A set is reported
// enabled only when its module is enabled too. filter may be nil.
func (r *Registry) GetNodeList(filter func(NodeSet) bool) []NodeSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []NodeSet
	for _, m := range r.modules {
		for _, s := range m.Sets {
			cp := *s
			cp.Types = slices.Clone(s.Types)
			slices.Sort(cp.Types)
			cp.Enabled = s.Enabled && m.Enabled
			if filter == nil || filter(cp) {
				out = append(out, cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Constructor returns the constructor for typ when its module and node set
// are enabled
func (r *Registry) Constructor(typ string) (node.Constructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typ]
	if !ok || !r.enabledLocked(reg) {
		return nil, false
	}
	return reg.ctor, true
}

// HasType reports whether typ can be instantiated
func (r *Registry) HasType(typ string) bool {
	_, ok := r.Constructor(typ)
	return ok
}

func (r *Registry) enabledLocked(reg *registration) bool {
	m, ok := r.modules[reg.module]
	if !ok || !m.Enabled {
		return false
	}
	s, ok := m.Sets[reg.set]
	return ok && s.Enabled
}

// TypeInfo describes typ
func (r *Registry) TypeInfo(typ string) (TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[typ]
	if !ok {
		return TypeInfo{}, false
	}
	return TypeInfo{
		Type:      typ,
		Module:    reg.module,
		Set:       setID(reg.module, reg.set),
		Enabled:   r.enabledLocked(reg),
		HasSchema: reg.schema != nil,
	}, true
}

// Types returns every registered type, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
