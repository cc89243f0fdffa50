package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocache/engine/internal/graph"
	"github.com/turbocache/engine/internal/nodes"
	"github.com/turbocache/engine/internal/process"
	"github.com/turbocache/engine/internal/store"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	st, err := store.New(store.Opts{Root: t.TempDir(), ShardBits: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	exec := process.NewExecutor(process.Opts{Store: st, Concurrency: 2})
	t.Cleanup(exec.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return New(ctx, Opts{
		Graph:    graph.New(nil),
		Store:    st,
		Executor: exec,
	})
}

func TestSession_ExecuteDigestsRealFile(t *testing.T) {
	sched := newTestScheduler(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sess := sched.NewSession()
	results, err := sess.Execute(context.Background(), []graph.Node{sched.DigestFile(path)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)

	fd, ok := results[0].Value.(nodes.FileDigest)
	require.True(t, ok, "expected a FileDigest result, got %T", results[0].Value)
	assert.False(t, fd.IsExecutable)
}

func TestSession_ExecuteDrainsAllRootsOnPartialFailure(t *testing.T) {
	sched := newTestScheduler(t)
	dir := t.TempDir()
	ok := filepath.Join(dir, "ok.txt")
	require.NoError(t, os.WriteFile(ok, []byte("ok"), 0o644))
	missing := filepath.Join(dir, "missing.txt")

	sess := sched.NewSession()
	results, err := sess.Execute(context.Background(), []graph.Node{
		sched.DigestFile(ok),
		sched.DigestFile(missing),
	})
	require.Error(t, err)
	require.Len(t, results, 2)

	var sawOK, sawErr bool
	for _, r := range results {
		if r.Err == nil {
			sawOK = true
		} else {
			sawErr = true
		}
	}
	assert.True(t, sawOK, "expected the successful root to still report a result")
	assert.True(t, sawErr, "expected the missing file's root to report its error")
}

func TestScheduler_InvalidateForwardsToGraph(t *testing.T) {
	sched := newTestScheduler(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	sess := sched.NewSession()
	_, err := sess.Execute(context.Background(), []graph.Node{sched.DigestFile(path)})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("v2-longer"), 0o644))
	sched.Invalidate([]string{path})

	results, err := sess.Execute(context.Background(), []graph.Node{sched.DigestFile(path)})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
}

func TestScheduler_GraphVisualizeWritesDot(t *testing.T) {
	sched := newTestScheduler(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	sess := sched.NewSession()
	_, err := sess.Execute(context.Background(), []graph.Node{sched.DigestFile(path)})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, sched.GraphVisualize(&buf))
	assert.Contains(t, buf.String(), "digraph")

	trace := sched.GraphTrace()
	assert.NotEmpty(t, trace)
}
