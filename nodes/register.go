package nodes

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/flow"
	"github.com/c360/semflow/node"
	"github.com/c360/semflow/registry"
)

// Module is the module the bundled node types belong to
const Module = "core"

// Version is reported for the core module
const Version = "1.0.0"

// Node sets of the core module
const (
	SetCommon   = "common"
	SetFunction = "function"
	SetNetwork  = "network"
	SetStorage  = "storage"
)

// TypeJunction is the junction node type
const TypeJunction = "junction"

// DefaultHTTPTimeout bounds requests of http request nodes when Deps has no
// client
const DefaultHTTPTimeout = 30 * time.Second

// Deps are the services the bundled node types use
type Deps struct {
	// NATS backs the nats in and nats out types. Optional.
	NATS PubSub
	// HTTPClient is used by http request nodes
	HTTPClient *http.Client
}

type definition struct {
	typ    string
	set    string
	ctor   node.Constructor
	schema string
}

// Register registers the bundled node types with reg:
//
// Common:
//   - catch, status, complete: receive what the flow routes to them
//   - link in, link out, link call: cross-flow links
//   - junction: pass-through
//   - debug: publishes messages as debug events
//
// Function:
//   - filter: rule-based message filter
//
// Network:
//   - nats in, nats out: NATS subjects
//   - http request: outbound HTTP
//
// Storage:
//   - file: writes payloads to a file
func Register(reg *registry.Registry, deps Deps) error {
	if reg == nil {
		return errors.WrapFatal(stderrors.New("registry cannot be nil"), "Nodes", "Register", "registry validation")
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	if err := reg.AddModule(registry.Module{Name: Module, Version: Version, Enabled: true, Local: true}); err != nil {
		return errors.WrapInvalid(err, "Nodes", "Register", "core module declaration")
	}

	defs := []definition{
		{typ: flow.TypeCatch, set: SetCommon, ctor: newPassThrough},
		{typ: flow.TypeStatus, set: SetCommon, ctor: newPassThrough},
		{typ: flow.TypeComplete, set: SetCommon, ctor: newPassThrough},
		{typ: TypeJunction, set: SetCommon, ctor: newPassThrough},
		{typ: TypeLinkIn, set: SetCommon, ctor: newPassThrough},
		{typ: TypeLinkOut, set: SetCommon, ctor: newLinkOut},
		{typ: TypeLinkCall, set: SetCommon, ctor: newLinkCall},
		{typ: TypeDebug, set: SetCommon, ctor: newDebug},

		{typ: TypeFilter, set: SetFunction, ctor: newFilter, schema: filterSchema},

		{typ: TypeNATSIn, set: SetNetwork, ctor: newNATSIn(deps.NATS), schema: natsSchema},
		{typ: TypeNATSOut, set: SetNetwork, ctor: newNATSOut(deps.NATS), schema: natsSchema},
		{typ: TypeHTTPRequest, set: SetNetwork, ctor: newHTTPRequest(deps.HTTPClient), schema: httpSchema},

		{typ: TypeFile, set: SetStorage, ctor: newFile, schema: fileSchema},
	}

	for _, d := range defs {
		opts := []registry.TypeOption{registry.WithNodeSet(d.set)}
		if d.schema != "" {
			opts = append(opts, registry.WithSchema(d.schema))
		}
		if err := reg.RegisterNodeConstructor(Module, d.typ, d.ctor, opts...); err != nil {
			return errors.WrapInvalid(err, "Nodes", "Register", fmt.Sprintf("%s registration", d.typ))
		}
	}
	return nil
}
