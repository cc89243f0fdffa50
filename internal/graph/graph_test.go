package graph

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileDigestNode is a minimal stand-in for the real DigestFile node: it
// reads a value out of a shared map keyed by path, so tests can mutate the
// "file" and invalidate it, mirroring scenario S2.
type fileDigestNode struct {
	path  string
	files *map[string]string
}

func (n *fileDigestNode) Key() string                 { return "digest_file:" + n.path }
func (n *fileDigestNode) Cacheable() bool             { return true }
func (n *fileDigestNode) InvalidationPaths() []string { return []string{n.path} }
func (n *fileDigestNode) Run(ctx context.Context, rc *RunContext) (interface{}, error) {
	return (*n.files)[n.path], nil
}

func TestGet_ConcurrentRequestsShareOneComputation(t *testing.T) {
	g := New(nil)
	var runs int32
	node := &countingNode{key: "n", onRun: func() { atomic.AddInt32(&runs, 1) }}

	const n = 20
	results := make([]interface{}, n)
	errs := make([]error, n)
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			results[i], errs[i] = g.Get(context.Background(), node, 1)
			done <- i
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "value-1", results[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

type countingNode struct {
	key   string
	onRun func()
	count int32
}

func (n *countingNode) Key() string      { return n.key }
func (n *countingNode) Cacheable() bool  { return true }
func (n *countingNode) Run(ctx context.Context, rc *RunContext) (interface{}, error) {
	if n.onRun != nil {
		n.onRun()
	}
	c := atomic.AddInt32(&n.count, 1)
	return fmt.Sprintf("value-%d", c), nil
}

func TestInvalidateFromRoots_DependencyInvalidation(t *testing.T) {
	g := New(nil)
	files := map[string]string{"a": "a"}
	node := &fileDigestNode{path: "a", files: &files}

	v1, err := g.Get(context.Background(), node, 1)
	require.NoError(t, err)
	assert.Equal(t, "a", v1)

	files["a"] = "bb"
	g.InvalidateFromRoots([]string{"a"})

	v2, err := g.Get(context.Background(), node, 1)
	require.NoError(t, err)
	assert.Equal(t, "bb", v2)

	id := EntryId(node.Key())
	g.idx.RLock()
	e := g.entries[id]
	g.idx.RUnlock()
	e.mu.Lock()
	gen := e.generation
	e.mu.Unlock()
	assert.Greater(t, gen, Generation(1))
}

// cyclicNode requests another node by key through a shared registry,
// modeling two nodes A and B that depend on each other.
type cyclicNode struct {
	key      string
	requests string
	registry map[string]Node
}

func (n *cyclicNode) Key() string     { return n.key }
func (n *cyclicNode) Cacheable() bool { return true }
func (n *cyclicNode) Run(ctx context.Context, rc *RunContext) (interface{}, error) {
	return rc.Get(ctx, n.registry[n.requests])
}

func TestGet_CycleRejected(t *testing.T) {
	g := New(nil)
	registry := map[string]Node{}
	a := &cyclicNode{key: "A", requests: "B", registry: registry}
	b := &cyclicNode{key: "B", requests: "A", registry: registry}
	registry["A"] = a
	registry["B"] = b

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := g.Get(ctx, a, 1)
	require.Error(t, err)

	_, ok := err.(*CyclicError)
	assert.True(t, ok, "expected a *CyclicError, got %T: %v", err, err)
}
