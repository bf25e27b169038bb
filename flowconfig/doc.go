// Package flowconfig models deploy documents: the ordered list of tab,
// subflow, group and node records an editor or API client submits.
//
// NodeConfig keeps the common fields typed and every other property in Props,
// and encodes back to the same flat JSON it was decoded from. Parse groups the
// records into scopes (one per tab, one per subflow definition, plus the
// implicit global scope) and rejects empty or duplicate ids.
//
// Compute diffs two parsed documents by per-record content hash. A record is
// Rewired when only its wires changed, Changed otherwise, and Linked (also
// counted as Changed) when it references a changed or removed record through
// a property value, which is how config nodes propagate restarts. Every
// instance of a subflow whose definition changed is Changed.
package flowconfig
