// Package graph implements the concurrent, memoizing dependency graph
// described in §4.1: a DAG of Node -> Result entries with cycle detection,
// generation-tracked invalidation, and "cleaning" (re-verifying a dirty
// entry without re-running it). Cycle bookkeeping is grounded on the
// teacher's use of github.com/pyr-sh/dag in internal/core/engine.go and
// internal/core/scheduler.go, generalized from task-graph edges to
// Node/Entry edges.
package graph

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/pyr-sh/dag"
	"golang.org/x/sync/errgroup"
)

// CyclicError is returned when adding an edge would form a cycle. Per §4.1,
// it is fatal to the requester and never retried automatically.
type CyclicError struct {
	From, To EntryId
}

func (e *CyclicError) Error() string {
	return fmt.Sprintf("graph: requesting %s from %s would form a cycle", e.To, e.From)
}

// InvalidatedError means the entry was reset by a concurrent invalidation
// while it was running. The Graph itself retries internally; callers only
// observe this once the internal retry budget is exhausted.
type InvalidatedError struct {
	Id EntryId
}

func (e *InvalidatedError) Error() string {
	return fmt.Sprintf("graph: entry %s was invalidated while running", e.Id)
}

const maxInvalidationRetries = 8

// Graph is the concurrent memoizing DAG described by §3/§4.1.
type Graph struct {
	logger hclog.Logger

	// idx guards the structural index: the entries map and the edge graph.
	// Held only for short bookkeeping operations; entry computation and I/O
	// happen after releasing it, per §5's "long operations never hold the
	// global lock" rule.
	idx     sync.RWMutex
	entries map[EntryId]*entry
	edges   dag.AcyclicGraph

	runIdCounter uint32
}

// New returns an empty Graph.
func New(logger hclog.Logger) *Graph {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	g := &Graph{
		logger:  logger.Named("graph"),
		entries: make(map[EntryId]*entry),
	}
	return g
}

// GenerateRunId returns a fresh RunId for a new session.
func (g *Graph) GenerateRunId() RunId {
	return RunId(atomic.AddUint32(&g.runIdCounter, 1))
}

// Get requests node with no requester (a root request from the Scheduler
// façade). See get for the full protocol.
func (g *Graph) Get(ctx context.Context, node Node, runId RunId) (interface{}, error) {
	return g.get(ctx, nil, node, runId)
}

func (g *Graph) getOrCreateEntry(id EntryId, node Node) *entry {
	g.idx.RLock()
	e, ok := g.entries[id]
	g.idx.RUnlock()
	if ok {
		return e
	}
	g.idx.Lock()
	defer g.idx.Unlock()
	if e, ok := g.entries[id]; ok {
		return e
	}
	e = newEntry(id, node)
	g.entries[id] = e
	g.edges.Add(id)
	return e
}

// wouldCycle reports whether adding edge from -> to would create a cycle,
// i.e. whether `to` can already reach `from`. Checked against the edge
// index only (node identity), never against live entry state, so that
// Running entries are still traversable for cycle purposes per §4.1.
func (g *Graph) wouldCycle(from, to EntryId) bool {
	if from == to {
		return true
	}
	g.idx.RLock()
	defer g.idx.RUnlock()
	frontier := []dag.Vertex{to}
	visited := make(map[EntryId]bool)
	for len(frontier) > 0 {
		v := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		id, ok := v.(EntryId)
		if !ok || visited[id] {
			continue
		}
		visited[id] = true
		if id == from {
			return true
		}
		for _, dv := range g.edges.DownEdges(id).List() {
			frontier = append(frontier, dv)
		}
	}
	return false
}

func (g *Graph) addEdge(from, to EntryId) {
	g.idx.Lock()
	defer g.idx.Unlock()
	g.edges.Connect(dag.BasicEdge(from, to))
}

// get implements the full §4.1 protocol for one Node request.
func (g *Graph) get(ctx context.Context, requester *EntryId, node Node, runId RunId) (interface{}, error) {
	id := EntryId(node.Key())
	e := g.getOrCreateEntry(id, node)

	if requester != nil {
		if g.wouldCycle(*requester, id) {
			return nil, &CyclicError{From: *requester, To: id}
		}
		g.addEdge(*requester, id)
	}

	for attempt := 0; attempt < maxInvalidationRetries; attempt++ {
		v, err, retry := g.getOnce(ctx, e, runId)
		if !retry {
			return v, err
		}
	}
	return nil, &InvalidatedError{Id: id}
}

// getOnce drives one pass through the entry's state machine. retry=true
// means the caller should loop (the entry was invalidated mid-flight).
func (g *Graph) getOnce(ctx context.Context, e *entry, runId RunId) (value interface{}, err error, retry bool) {
	e.mu.Lock()
	switch e.state {
	case stateCompletedClean:
		v, err := e.result, e.resultErr
		e.mu.Unlock()
		return v, err, false

	case stateUncacheableDeps:
		if e.boundRunId == runId {
			v, err := e.result, e.resultErr
			e.mu.Unlock()
			return v, err, false
		}
		// Different session: treat as NotStarted.
		e.state = stateNotStarted
		fallthrough

	case stateNotStarted:
		token := e.runToken + 1
		e.runToken = token
		e.state = stateRunning
		e.running = newLatch()
		latch := e.running
		e.mu.Unlock()
		g.runEntry(ctx, e, token, runId, nil)
		return g.awaitRunning(ctx, e, token, latch)

	case stateRunning:
		token := e.runToken
		latch := e.running
		e.mu.Unlock()
		return g.awaitRunning(ctx, e, token, latch)

	case stateCompletedDirty:
		oldDeps := append([]depObservation(nil), e.deps...)
		e.mu.Unlock()
		clean, cleanErr := g.tryClean(ctx, e, oldDeps, runId)
		if cleanErr != nil {
			return nil, cleanErr, false
		}
		if clean {
			e.mu.Lock()
			v, err := e.result, e.resultErr
			e.mu.Unlock()
			return v, err, false
		}
		// Could not clean: re-run.
		e.mu.Lock()
		if e.state != stateCompletedDirty {
			// Someone else already kicked off a re-run or completed it.
			e.mu.Unlock()
			return nil, nil, true
		}
		token := e.runToken + 1
		e.runToken = token
		e.state = stateRunning
		e.running = newLatch()
		latch := e.running
		e.mu.Unlock()
		g.runEntry(ctx, e, token, runId, oldDeps)
		return g.awaitRunning(ctx, e, token, latch)
	}
	e.mu.Unlock()
	return nil, fmt.Errorf("graph: entry %s in unknown state", e.id), false
}

func (g *Graph) awaitRunning(ctx context.Context, e *entry, token RunToken, l *latch) (interface{}, error, bool) {
	select {
	case <-l.triggered():
	case <-ctx.Done():
		return nil, ctx.Err(), false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runToken != token {
		// Invalidated or superseded while we waited.
		return nil, nil, true
	}
	switch e.state {
	case stateCompletedClean, stateCompletedDirty, stateUncacheableDeps:
		return e.result, e.resultErr, false
	default:
		return nil, nil, true
	}
}

// tryClean attempts to verify a Completed(Dirty) entry's dependencies
// without re-running the node: if every dependency still reports the
// generation recorded at the entry's last run, the entry is promoted to
// Clean and reused.
func (g *Graph) tryClean(ctx context.Context, e *entry, deps []depObservation, runId RunId) (bool, error) {
	if len(deps) == 0 {
		g.promoteClean(e)
		return true, nil
	}
	grp, gctx := errgroup.WithContext(ctx)
	results := make([]Generation, len(deps))
	for i, d := range deps {
		i, d := i, d
		grp.Go(func() error {
			g.idx.RLock()
			depEntry, ok := g.entries[d.id]
			g.idx.RUnlock()
			if !ok {
				results[i] = d.generation + 1 // force a mismatch; dep vanished
				return nil
			}
			if _, err := g.get(gctx, &e.id, depEntry.node, runId); err != nil {
				return err
			}
			depEntry.mu.Lock()
			results[i] = depEntry.generation
			depEntry.mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return false, err
	}
	for i, d := range deps {
		if results[i] != d.generation {
			return false, nil
		}
	}
	g.promoteClean(e)
	return true, nil
}

func (g *Graph) promoteClean(e *entry) {
	e.mu.Lock()
	if e.state == stateCompletedDirty {
		e.state = stateCompletedClean
	}
	e.mu.Unlock()
}

// runEntry executes node.Run in a new goroutine and publishes the result
// into the entry, implementing the re-run/generation protocol in §4.1:
// equal results keep the old generation; different results bump it.
func (g *Graph) runEntry(ctx context.Context, e *entry, token RunToken, runId RunId, priorDeps []depObservation) {
	go func() {
		rc := &RunContext{graph: g, requester: e.id, runId: runId}
		result, runErr := e.node.Run(ctx, rc)

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.runToken != token {
			// Invalidated mid-run: discard the result, reset to NotStarted
			// so the next getOnce pass starts a fresh run, and wake anyone
			// who subscribed to this (now-stale) attempt so they retry.
			e.state = stateNotStarted
			if l := e.running; l != nil {
				l.trigger()
			}
			return
		}

		deps := g.observedDeps(e.id)

		if !e.hasValue || !resultsEqual(e.result, e.resultErr, result, runErr) {
			e.generation++
		}
		e.hasValue = true

		e.result = result
		e.resultErr = runErr
		e.deps = deps
		if !e.node.Cacheable() {
			e.state = stateUncacheableDeps
			e.boundRunId = runId
		} else {
			e.state = stateCompletedClean
		}
		if l := e.running; l != nil {
			l.trigger()
		}
		_ = priorDeps
	}()
}

// observedDeps reads back the dependency edges recorded against id during
// its just-finished run, pairing each with its current generation.
func (g *Graph) observedDeps(id EntryId) []depObservation {
	g.idx.RLock()
	defer g.idx.RUnlock()
	down := g.edges.DownEdges(id)
	if down.Len() == 0 {
		return nil
	}
	deps := make([]depObservation, 0, down.Len())
	for _, v := range down.List() {
		depId, ok := v.(EntryId)
		if !ok {
			continue
		}
		depEntry, ok := g.entries[depId]
		if !ok {
			continue
		}
		depEntry.mu.Lock()
		deps = append(deps, depObservation{id: depId, generation: depEntry.generation})
		depEntry.mu.Unlock()
	}
	return deps
}

// resultsEqual compares a prior (value, error) completion to a new one for
// the Generation-bump decision in the re-run protocol. Errors are compared
// by message since error values rarely implement Equaler; results prefer
// an Equaler implementation and fall back to reflect.DeepEqual.
func resultsEqual(oldVal interface{}, oldErr error, newVal interface{}, newErr error) bool {
	if (oldErr == nil) != (newErr == nil) {
		return false
	}
	if oldErr != nil {
		return oldErr.Error() == newErr.Error()
	}
	if eq, ok := newVal.(Equaler); ok {
		return eq.Equal(oldVal)
	}
	if eq, ok := oldVal.(Equaler); ok {
		return eq.Equal(newVal)
	}
	return reflect.DeepEqual(oldVal, newVal)
}
