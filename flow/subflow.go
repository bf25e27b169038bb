package flow

import (
	"context"
	"fmt"

	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// maxSubflowDepth bounds subflows nested inside subflows
const maxSubflowDepth = 16

// subflowInstance is a live instance of a subflow definition. Its internal
// nodes live in the owning flow under "<instance id>-<inner id>" and use the
// instance as their router, so their errors and status reach catch and status
// nodes inside the subflow before the instance reports them outside.
type subflowInstance struct {
	flow     *Flow
	id       string
	input    *node.Node
	parent   node.Router
	watchers *watchers
	nodes    []string
	children []*subflowInstance
}

var _ node.Router = (*subflowInstance)(nil)

func (s *subflowInstance) members() []string {
	out := append([]string(nil), s.nodes...)
	for _, c := range s.children {
		out = append(out, c.id)
		out = append(out, c.members()...)
	}
	return out
}

func (s *subflowInstance) GetNode(id string) *node.Node {
	return s.flow.GetNode(id)
}

func (s *subflowInstance) HandleError(src *node.Node, text string, msg message.Message) bool {
	if s.flow.routeError(s.flow.watchersOf(s.watchers), src, text, msg) {
		return true
	}
	return s.parent.HandleError(s.input, text, msg)
}

func (s *subflowInstance) HandleStatus(src *node.Node, st node.Status) bool {
	if s.flow.routeStatus(s.flow.watchersOf(s.watchers), src, st) {
		return true
	}
	return s.parent.HandleStatus(s.input, st)
}

func (s *subflowInstance) HandleComplete(src *node.Node, msg message.Message) {
	s.flow.routeComplete(s.flow.watchersOf(s.watchers), src, msg)
}

// instanceInput forwards messages arriving at the instance node to the
// subflow's input wiring
type instanceInput struct {
	n *node.Node
}

func (in *instanceInput) OnInput(_ context.Context, msg message.Message) error {
	in.n.Send(msg)
	return nil
}

type portRef struct {
	id   string
	port int
}

// portRefs reads the "in" or "out" port list of a subflow definition:
// [{"wires": [{"id": "n1", "port": 0}]}]
func portRefs(def *flowconfig.NodeConfig, key string) [][]portRef {
	if def == nil {
		return nil
	}
	v, _ := def.Prop(key)
	list, _ := v.([]any)
	out := make([][]portRef, len(list))
	for i, p := range list {
		pm, _ := p.(map[string]any)
		wires, _ := pm["wires"].([]any)
		for _, w := range wires {
			wm, _ := w.(map[string]any)
			id, _ := wm["id"].(string)
			if id == "" {
				continue
			}
			ref := portRef{id: id}
			switch port := wm["port"].(type) {
			case float64:
				ref.port = int(port)
			case int:
				ref.port = port
			}
			out[i] = append(out[i], ref)
		}
	}
	return out
}

func wiresAt(wires [][]string, i int) []string {
	if i < len(wires) {
		return wires[i]
	}
	return nil
}

// createInstance instantiates the subflow referenced by rec. The instance
// node keeps rec's id so outside wires reach it; the records inside the
// definition are copied with prefixed ids and rewired so their subflow
// outputs point straight at the instance's outside targets.
func (f *Flow) createInstance(cfg *flowconfig.Config, rec *flowconfig.NodeConfig, alias string, parent node.Router, parentWatchers *watchers, depth int) (*subflowInstance, []failure) {
	sfID, _ := rec.SubflowID()
	def := cfg.Subflows[sfID]

	inst := &subflowInstance{flow: f, id: rec.ID, parent: parent, watchers: &watchers{}}
	idOf := func(inner string) string { return rec.ID + "-" + inner }

	var inTargets []string
	for _, refs := range portRefs(def.Config, "in") {
		for _, ref := range refs {
			inTargets = append(inTargets, idOf(ref.id))
		}
	}
	extra := make(map[string]map[int][]string)
	for i, refs := range portRefs(def.Config, "out") {
		targets := wiresAt(rec.Wires, i)
		for _, ref := range refs {
			if ref.id == def.ID {
				inTargets = append(inTargets, targets...)
				continue
			}
			if extra[ref.id] == nil {
				extra[ref.id] = make(map[int][]string)
			}
			extra[ref.id][ref.port] = append(extra[ref.id][ref.port], targets...)
		}
	}

	inRec := rec.Clone()
	inRec.Wires = [][]string{inTargets}
	input := node.New(node.Config{
		Record:       inRec,
		Alias:        alias,
		Router:       parent,
		Inbox:        f,
		Events:       f.opts.Events,
		Logger:       f.logger,
		Metrics:      f.opts.Metrics,
		CloseTimeout: f.opts.CloseTimeout,
	})
	input.SetBehavior(&instanceInput{n: input})
	inst.input = input
	f.register(input, parentWatchers)

	if depth >= maxSubflowDepth {
		return inst, []failure{{node: input, err: fmt.Errorf("subflow nesting deeper than %d", maxSubflowDepth)}}
	}

	var failures []failure
	for _, innerRec := range activeRecords(def) {
		c := innerRec.Clone()
		c.ID = idOf(innerRec.ID)
		c.Z = rec.Z
		c.Wires = remapWires(innerRec.Wires, def, idOf, extra[innerRec.ID])

		if _, nested := c.SubflowID(); nested {
			child, fails := f.createInstance(cfg, c, innerRec.ID, inst, inst.watchers, depth+1)
			failures = append(failures, fails...)
			inst.children = append(inst.children, child)
			continue
		}

		n, err := f.build(c, innerRec.ID, inst)
		if err != nil {
			failures = append(failures, failure{node: n, err: err})
			continue
		}
		f.register(n, inst.watchers)
		inst.nodes = append(inst.nodes, c.ID)
	}
	return inst, failures
}

// remapWires prefixes targets inside the definition and appends the outside
// targets of any subflow output a port feeds
func remapWires(wires [][]string, def *flowconfig.Scope, idOf func(string) string, extra map[int][]string) [][]string {
	size := len(wires)
	for port := range extra {
		if port+1 > size {
			size = port + 1
		}
	}
	out := make([][]string, size)
	for i := range out {
		for _, target := range wiresAt(wires, i) {
			if _, inside := def.Nodes[target]; inside {
				out[i] = append(out[i], idOf(target))
				continue
			}
			out[i] = append(out[i], target)
		}
		out[i] = append(out[i], extra[i]...)
		if out[i] == nil {
			out[i] = []string{}
		}
	}
	return out
}
