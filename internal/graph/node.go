package graph

import "context"

// EntryId identifies one Graph slot. It is derived from a Node's own
// content key, so structurally-equal nodes collapse onto the same entry
// without a full map scan over every stored node — the interning behavior
// the original Rust engine's interning.rs gives nodes, folded directly into
// the entry index here rather than kept as a separate lookup table.
type EntryId string

// RunId identifies one top-level session request. Results produced by
// uncacheable nodes are bound to the RunId that produced them and are
// discarded outside it.
type RunId uint32

// RunToken increments on every attempt to run a node, cacheable or not.
type RunToken uint64

// Generation increments only when a node's completed value changes from
// its previous completion — dependents use it to decide whether cleaning
// can skip a re-run.
type Generation uint64

// Node is a memoizable unit of work: a filesystem observation, a process
// execution, or a host-supplied task. Key must be stable and unique for a
// given logical computation (two nodes requesting "the same thing" must
// return equal keys) since it is both the Graph's map key and its
// dependency-edge identity.
type Node interface {
	Key() string
	// Cacheable reports whether this node's result may be memoized across
	// runs. A false return routes the entry through UncacheableDependencies
	// instead of Completed.
	Cacheable() bool
	// Run performs the computation, requesting any dependencies through ctx.
	Run(ctx context.Context, rc *RunContext) (interface{}, error)
}

// InvalidationPaths is optionally implemented by a Node to report the
// filesystem paths its value transitively depends on, consulted by
// InvalidateFromRoots.
type InvalidationPaths interface {
	InvalidationPaths() []string
}

// Equaler lets a Node's result type define its own equality for the
// Generation-bump comparison in the re-run protocol; results that don't
// implement it fall back to reflect.DeepEqual.
type Equaler interface {
	Equal(other interface{}) bool
}

// RunContext is handed to Node.Run. It lets the node request dependency
// nodes (recorded as graph edges from the running node) and carries the
// RunId the computation is bound to, for uncacheable-result scoping.
type RunContext struct {
	graph     *Graph
	requester EntryId
	runId     RunId
}

// Get requests node as a dependency of the node currently running under
// this RunContext, recording the dependency edge and participating in
// cycle detection.
func (rc *RunContext) Get(ctx context.Context, node Node) (interface{}, error) {
	return rc.graph.get(ctx, &rc.requester, node, rc.runId)
}

// RunId returns the session RunId this computation is bound to.
func (rc *RunContext) RunId() RunId {
	return rc.runId
}
