package flow

import (
	"slices"

	"github.com/c360/semflow/flowconfig"
	"github.com/c360/semflow/message"
	"github.com/c360/semflow/node"
)

// Node types the flow routes errors, status and completion to
const (
	TypeCatch    = "catch"
	TypeStatus   = "status"
	TypeComplete = "complete"
)

// MaxCatchPasses is how many times one message may pass through catch
// nodes for errors of the same node before it is dropped
const MaxCatchPasses = 10

// watchers holds the catch, status and complete nodes of one scope
type watchers struct {
	catch    []*node.Node
	status   []*node.Node
	complete []*node.Node
}

func (w *watchers) add(n *node.Node) {
	switch n.Type() {
	case TypeCatch:
		w.catch = append(w.catch, n)
		// uncaught-only catch nodes go last so they see whether anything
		// else handled the error
		slices.SortStableFunc(w.catch, func(a, b *node.Node) int {
			return boolOrder(isUncaught(a), isUncaught(b))
		})
	case TypeStatus:
		w.status = append(w.status, n)
	case TypeComplete:
		w.complete = append(w.complete, n)
	}
}

func (w *watchers) remove(n *node.Node) {
	if n == nil {
		return
	}
	drop := func(list []*node.Node) []*node.Node {
		return slices.DeleteFunc(list, func(x *node.Node) bool { return x == n })
	}
	w.catch = drop(w.catch)
	w.status = drop(w.status)
	w.complete = drop(w.complete)
}

func (w *watchers) snapshot() watchers {
	return watchers{
		catch:    slices.Clone(w.catch),
		status:   slices.Clone(w.status),
		complete: slices.Clone(w.complete),
	}
}

func boolOrder(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	default:
		return -1
	}
}

func isUncaught(n *node.Node) bool {
	return n.Config().BoolProp("uncaught")
}

// inScope reports whether watcher w observes src. A missing scope observes
// the whole flow, "group" observes w's group and a list names node ids.
func inScope(w, src *node.Node, groups map[string]*flowconfig.NodeConfig) bool {
	scope, _ := w.Config().Prop("scope")
	switch s := scope.(type) {
	case nil:
		return true
	case string:
		if s == "group" {
			return inGroup(w.Group(), src.Group(), groups)
		}
		return true
	case []any:
		for _, v := range s {
			if id, ok := v.(string); ok && (id == src.Alias() || id == src.ID()) {
				return true
			}
		}
		return false
	case []string:
		return slices.Contains(s, src.Alias()) || slices.Contains(s, src.ID())
	default:
		return false
	}
}

// inGroup reports whether group g contains srcGroup, directly or through
// nested groups
func inGroup(g, srcGroup string, groups map[string]*flowconfig.NodeConfig) bool {
	if g == "" {
		return false
	}
	seen := map[string]bool{}
	for cur := srcGroup; cur != "" && !seen[cur]; {
		if cur == g {
			return true
		}
		seen[cur] = true
		rec, ok := groups[cur]
		if !ok {
			return false
		}
		cur = rec.G
	}
	return false
}

func (f *Flow) groups() map[string]*flowconfig.NodeConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cfg.Groups
}

func (f *Flow) watchersOf(w *watchers) watchers {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return w.snapshot()
}

// HandleError routes an error to the catch nodes watching src. Unhandled
// errors go to the parent flow.
func (f *Flow) HandleError(src *node.Node, text string, msg message.Message) bool {
	if f.routeError(f.watchersOf(f.watchers), src, text, msg) {
		return true
	}
	if f.opts.Parent != nil {
		return f.opts.Parent.HandleError(src, text, msg)
	}
	return false
}

func (f *Flow) routeError(w watchers, src *node.Node, text string, msg message.Message) bool {
	count := catchCount(src, msg)
	if count > MaxCatchPasses {
		src.Warn("Message dropped, error loop detected", "msgid", msg.ID(), "passes", count)
		return true
	}

	groups := f.groups()
	handled := false
	for _, c := range w.catch {
		if !inScope(c, src, groups) {
			continue
		}
		if isUncaught(c) && handled {
			continue
		}
		c.Deliver(errorMessage(src, text, msg, count))
		handled = true
	}
	return handled
}

// catchCount returns how often msg has been through catch nodes for src,
// this pass included
func catchCount(src *node.Node, msg message.Message) int {
	e, ok := msg["error"].(map[string]any)
	if !ok {
		return 1
	}
	source, ok := e["source"].(map[string]any)
	if !ok || source["id"] != src.ID() {
		return 1
	}
	switch c := source["count"].(type) {
	case int:
		return c + 1
	case float64:
		return int(c) + 1
	default:
		return 1
	}
}

func errorMessage(src *node.Node, text string, msg message.Message, count int) message.Message {
	var out message.Message
	if msg != nil {
		out = msg.Clone()
	} else {
		out = message.Message{}
	}
	out.EnsureID()
	if prev, ok := out["error"]; ok {
		out["_error"] = prev
	}
	out["error"] = map[string]any{
		"message": text,
		"source": map[string]any{
			"id":    src.ID(),
			"type":  src.Type(),
			"name":  src.Name(),
			"count": count,
		},
	}
	return out
}

// HandleStatus routes a status update to the status nodes watching src.
// Unhandled updates go to the parent flow.
func (f *Flow) HandleStatus(src *node.Node, st node.Status) bool {
	if f.routeStatus(f.watchersOf(f.watchers), src, st) {
		return true
	}
	if f.opts.Parent != nil {
		return f.opts.Parent.HandleStatus(src, st)
	}
	return false
}

func (f *Flow) routeStatus(w watchers, src *node.Node, st node.Status) bool {
	groups := f.groups()
	handled := false
	for _, s := range w.status {
		if s == src || !inScope(s, src, groups) {
			continue
		}
		status := st.Map()
		status["source"] = map[string]any{"id": src.ID(), "type": src.Type(), "name": src.Name()}
		msg := message.Message{"status": status}
		msg.EnsureID()
		s.Deliver(msg)
		handled = true
	}
	return handled
}

// HandleComplete hands a clone of msg to every complete node naming src in
// its scope
func (f *Flow) HandleComplete(src *node.Node, msg message.Message) {
	f.routeComplete(f.watchersOf(f.watchers), src, msg)
}

func (f *Flow) routeComplete(w watchers, src *node.Node, msg message.Message) {
	for _, c := range w.complete {
		if c == src {
			continue
		}
		if scope, _ := c.Config().Prop("scope"); scope == nil {
			continue
		}
		if !inScope(c, src, nil) {
			continue
		}
		c.Deliver(msg.Clone())
	}
}
