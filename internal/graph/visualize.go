package graph

import (
	"fmt"
	"io"

	"github.com/pyr-sh/dag"
)

// Visualize emits a GraphViz rendering of the current entry index, the
// debugging affordance §4.1 names optional, grounded on the teacher's
// internal/graphvisualizer which renders the same dag.AcyclicGraph via
// AcyclicGraph.Dot. Vertices are labelled with their bare EntryId; the
// output carries no entry state or generation (see VisualizeStates).
func (g *Graph) Visualize(w io.Writer) error {
	g.idx.RLock()
	out := g.edges.Dot(&dag.DotOpts{
		Verbose:    true,
		DrawCycles: true,
	})
	g.idx.RUnlock()

	_, err := w.Write(out)
	return err
}

// VisualizeStates returns a map of every known EntryId to its current
// state/generation summary, for callers (e.g. a daemon status RPC) that
// want state detail the bare Dot output doesn't carry.
func (g *Graph) VisualizeStates() map[EntryId]string {
	g.idx.RLock()
	entries := make([]*entry, 0, len(g.entries))
	ids := make([]EntryId, 0, len(g.entries))
	for id, e := range g.entries {
		ids = append(ids, id)
		entries = append(entries, e)
	}
	g.idx.RUnlock()

	out := make(map[EntryId]string, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		out[ids[i]] = fmt.Sprintf("%s gen=%d", e.state, e.generation)
		e.mu.Unlock()
	}
	return out
}
