// Package scheduler implements the Scheduler façade described in §4.5: the
// entry point that binds a Graph, a Store, and a process Executor, drives
// per-session root requests, and forwards invalidation. It plays the role
// the teacher's internal/core.Engine/scheduler plays for a task graph,
// generalized from named package-tasks walked over a TaskGraph to
// graph.Node roots resolved through the memoizing Graph, and from a single
// fixed "turbo run" invocation to many concurrent Sessions sharing one
// long-lived Graph/Store/Executor, the way a daemon process would host it.
package scheduler

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/turbocache/engine/internal/graph"
	"github.com/turbocache/engine/internal/process"
	"github.com/turbocache/engine/internal/resettable"
	"github.com/turbocache/engine/internal/store"
	"github.com/turbocache/engine/internal/workunit"
)

// Scheduler binds together the three core subsystems plus the ambient
// workunit recorder, the composition root §4.5 describes. It owns none of
// their lifecycles beyond Close: the Graph, Store, and Executor are built
// by the embedding host and handed in, matching §1's "embedding host
// supplies node implementations" contract.
type Scheduler struct {
	Graph    *graph.Graph
	Store    *store.Store
	Executor *process.Executor

	logger hclog.Logger
	units  *workunit.Recorder

	// gc holds the background GC loop's stop func, wrapped so Fork can
	// drain and restart it around a caller-supplied boundary. Nil until
	// RunGC is called.
	gc *resettable.Resettable[context.CancelFunc]
}

// Opts configures a new Scheduler.
type Opts struct {
	Graph    *graph.Graph
	Store    *store.Store
	Executor *process.Executor
	Logger   hclog.Logger
	// WorkUnitSink receives batched WorkUnit records; defaults to a debug
	// log sink if nil.
	WorkUnitSink workunit.Sink
}

// New builds a Scheduler. ctx bounds the lifetime of the workunit recorder's
// background flush loop; cancel it (or call Close) to stop it.
func New(ctx context.Context, opts Opts) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	sink := opts.WorkUnitSink
	if sink == nil {
		sink = &workunit.LogSink{Logger: logger}
	}
	return &Scheduler{
		Graph:    opts.Graph,
		Store:    opts.Store,
		Executor: opts.Executor,
		logger:   logger.Named("scheduler"),
		units:    workunit.NewRecorder(ctx, sink, logger),
	}
}

// Close stops the workunit recorder and the process executor's still-
// running children.
func (s *Scheduler) Close() {
	s.units.Close()
	if s.Executor != nil {
		s.Executor.Close()
	}
}

// Session is one top-level request scope: a RunId plus a UUID for external
// correlation (logs, tracing), matching the DOMAIN STACK's rationale for
// carrying github.com/google/uuid alongside the numeric RunId.
type Session struct {
	ID    string
	RunID graph.RunId

	scheduler *Scheduler
	started   time.Time
}

// NewSession starts a new session bound to a fresh RunId, per §4.1's
// GenerateRunId and §3's RunId/Session identification.
func (s *Scheduler) NewSession() *Session {
	return &Session{
		ID:        uuid.New().String(),
		RunID:     s.Graph.GenerateRunId(),
		scheduler: s,
		started:   time.Now(),
	}
}

// RootResult pairs one requested root Node's key with its outcome, so
// Execute can report partial failure per root rather than only the first
// fatal error.
type RootResult struct {
	Key   string
	Value interface{}
	Err   error
}

// Execute concurrently requests every root through the Session's Graph,
// collecting results and draining all roots even after the first fatal
// error, per §4.5's "propagates the first fatal error while draining
// others." The returned error is a *multierror.Error aggregating every
// root's failure (nil if every root succeeded).
func (sess *Session) Execute(ctx context.Context, roots []graph.Node) ([]RootResult, error) {
	results := make([]RootResult, len(roots))
	var grp errgroup.Group
	for i, n := range roots {
		i, n := i, n
		grp.Go(func() error {
			started := time.Now()
			v, err := sess.scheduler.Graph.Get(ctx, n, sess.RunID)
			results[i] = RootResult{Key: n.Key(), Value: v, Err: err}
			sess.scheduler.units.Record(workunit.WorkUnit{
				NodeKey:  n.Key(),
				Kind:     "root",
				Started:  started,
				Duration: time.Since(started),
				CacheHit: false,
				Err:      errString(err),
			})
			return nil // individual failures are collected in results, not propagated
		})
	}
	// grp.Wait never returns an error: every Go closure above always returns
	// nil so that one root's failure cannot cancel errgroup's shared context
	// and abort the others, which is the "drain the rest" behavior §4.5
	// requires instead of the usual errgroup fail-fast semantics.
	_ = grp.Wait()

	var merr *multierror.Error
	for _, r := range results {
		if r.Err != nil {
			merr = multierror.Append(merr, r.Err)
		}
	}
	return results, merr.ErrorOrNil()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Fork runs f with the Scheduler's background GC loop torn down, then
// rebuilds it afterward. This is the supplemented "resettable" contract:
// code that is about to fork the process (or otherwise must not let a
// child inherit the GC loop's ticker goroutine) should run through Fork
// rather than calling f directly. If RunGC has not been called yet, f
// runs with no special handling.
func (s *Scheduler) Fork(f func()) {
	if s.gc == nil {
		f()
		return
	}
	s.gc.WithReset(f)
}

// Invalidate forwards to the Graph, per §4.5.
func (s *Scheduler) Invalidate(paths []string) {
	s.Graph.InvalidateFromRoots(paths)
}

// GraphVisualize writes a GraphViz rendering of the current Graph state.
func (s *Scheduler) GraphVisualize(w io.Writer) error {
	return s.Graph.Visualize(w)
}

// GraphTrace returns a per-entry state/generation summary, the textual
// debugging affordance §4.5's graph_trace names, implemented here as a
// structured snapshot rather than a log stream since the Scheduler has no
// fixed output sink of its own.
func (s *Scheduler) GraphTrace() map[graph.EntryId]string {
	return s.Graph.VisualizeStates()
}
