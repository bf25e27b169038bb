package flowconfig

// IDSet is a set of record ids
type IDSet map[string]struct{}

// Add inserts ids
func (s IDSet) Add(ids ...string) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Has reports membership
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the members in ascending order
func (s IDSet) Sorted() []string {
	return sortedKeys(s)
}

// Diff describes how a new document differs from the deployed one
type Diff struct {
	Added   IDSet
	Changed IDSet // content changed, includes Linked
	Removed IDSet
	Rewired IDSet // only the wires changed
	Linked  IDSet // unchanged themselves but reference a changed or removed record

	// FlowsChanged holds tabs and subflows whose own record changed
	FlowsChanged IDSet
}

// Empty reports whether nothing changed
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0 && len(d.Rewired) == 0
}

// Touches reports whether id was added, changed, removed or rewired
func (d *Diff) Touches(id string) bool {
	return d.Added.Has(id) || d.Changed.Has(id) || d.Removed.Has(id) || d.Rewired.Has(id)
}

// NeedsRestart reports whether the node with id must be closed and recreated
func (d *Diff) NeedsRestart(id string) bool {
	return d.Changed.Has(id) || d.Removed.Has(id)
}

// Compute compares old against new. Either may be nil, meaning an empty
// document.
func Compute(old, new *Config) *Diff {
	if old == nil {
		old = Empty()
	}
	if new == nil {
		new = Empty()
	}
	d := &Diff{
		Added:        IDSet{},
		Changed:      IDSet{},
		Removed:      IDSet{},
		Rewired:      IDSet{},
		Linked:       IDSet{},
		FlowsChanged: IDSet{},
	}

	for id, n := range new.All {
		prev, ok := old.All[id]
		switch {
		case !ok:
			d.Added.Add(id)
		case n.Credentials != nil:
			// new secrets always restart the node
			d.Changed.Add(id)
		case prev.Hash() == n.Hash():
		case prev.HashWithoutWires() == n.HashWithoutWires():
			d.Rewired.Add(id)
		default:
			d.Changed.Add(id)
		}
	}
	for id := range old.All {
		if _, ok := new.All[id]; !ok {
			d.Removed.Add(id)
		}
	}

	d.markLinked(new)
	d.markSubflowInstances(old, new)

	for id, n := range new.All {
		if n.IsScope() && d.Changed.Has(id) {
			d.FlowsChanged.Add(id)
		}
	}
	return d
}

// markLinked marks records whose properties reference a changed or removed
// record (typically config nodes) until nothing new is found.
func (d *Diff) markLinked(new *Config) {
	for {
		grew := false
		for id, n := range new.All {
			if d.Changed.Has(id) || d.Added.Has(id) || n.IsScope() {
				continue
			}
			if d.references(n) {
				d.Changed.Add(id)
				d.Linked.Add(id)
				grew = true
			}
		}
		if !grew {
			return
		}
	}
}

func (d *Diff) references(n *NodeConfig) bool {
	hit := func(s string) bool {
		return s != n.ID && (d.Changed.Has(s) || d.Removed.Has(s))
	}
	for _, v := range n.Props {
		switch t := v.(type) {
		case string:
			if hit(t) {
				return true
			}
		case []any:
			for _, e := range t {
				if s, ok := e.(string); ok && hit(s) {
					return true
				}
			}
		}
	}
	return false
}

// markSubflowInstances marks every instance of a subflow whose definition or
// any inner record changed.
func (d *Diff) markSubflowInstances(old, new *Config) {
	dirty := IDSet{}
	for sfID, sf := range new.Subflows {
		if d.Touches(sfID) {
			dirty.Add(sfID)
			continue
		}
		for _, id := range sf.NodeIDs {
			if d.Touches(id) {
				dirty.Add(sfID)
				break
			}
		}
	}
	for sfID, sf := range old.Subflows {
		if _, still := new.Subflows[sfID]; !still {
			dirty.Add(sfID)
			continue
		}
		for _, id := range sf.NodeIDs {
			if d.Removed.Has(id) {
				dirty.Add(sfID)
				break
			}
		}
	}
	if len(dirty) == 0 {
		return
	}
	for id, n := range new.All {
		if sfID, ok := n.SubflowID(); ok && dirty.Has(sfID) && !d.Added.Has(id) {
			delete(d.Rewired, id)
			d.Changed.Add(id)
		}
	}
}

// AffectedScopes returns the ids of tabs (and the global scope) that contain
// a touched record in either document, or whose own record changed, was
// added or was removed.
func (d *Diff) AffectedScopes(old, new *Config) IDSet {
	out := IDSet{}
	for _, cfg := range []*Config{old, new} {
		if cfg == nil {
			continue
		}
		for _, n := range cfg.Nodes {
			if !d.Touches(n.ID) {
				continue
			}
			switch {
			case n.Type == TypeTab:
				out.Add(n.ID)
			case n.Type == TypeSubflow:
				// instances are marked changed and place their own tab
			case n.Z == "":
				out.Add(GlobalID)
			case cfg.Flows[n.Z] != nil:
				out.Add(n.Z)
			}
		}
	}
	return out
}
