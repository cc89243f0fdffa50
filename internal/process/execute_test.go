package process

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/remote"
	"github.com/turbocache/engine/internal/store"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(store.Opts{Root: dir, ShardBits: 0})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	e := NewExecutor(Opts{Store: s, Concurrency: 2})
	t.Cleanup(e.Close)
	return e
}

func TestCacheKey_ExcludesDescription(t *testing.T) {
	a := &ExecuteProcess{Argv: []string{"echo", "hi"}, Description: "one"}
	b := &ExecuteProcess{Argv: []string{"echo", "hi"}, Description: "two"}
	assert.Equal(t, a.CacheKey(), b.CacheKey())
}

func TestCacheKey_DiffersOnArgv(t *testing.T) {
	a := &ExecuteProcess{Argv: []string{"echo", "hi"}}
	b := &ExecuteProcess{Argv: []string{"echo", "bye"}}
	assert.NotEqual(t, a.CacheKey(), b.CacheKey())
}

func TestCacheKey_EnvOrderIndependent(t *testing.T) {
	a := &ExecuteProcess{Argv: []string{"x"}, Env: map[string]string{"A": "1", "B": "2"}}
	b := &ExecuteProcess{Argv: []string{"x"}, Env: map[string]string{"B": "2", "A": "1"}}
	assert.Equal(t, a.CacheKey(), b.CacheKey())
}

// TestExecute_SimpleSuccess runs a trivial process end to end, exercising
// scenario S4's admission path with plenty of spare concurrency.
func TestExecute_SimpleSuccess(t *testing.T) {
	e := newTestExecutor(t)
	req := &ExecuteProcess{
		Argv:        []string{"sh", "-c", "echo hello"},
		CacheScope:  CacheScopeAlways,
		Description: "say hello",
	}
	result, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.FromCache)
}

// TestExecute_SecondRunHitsCache exercises scenario S5: an identical
// request's second run is served from the local action cache without
// spawning a new child.
func TestExecute_SecondRunHitsCache(t *testing.T) {
	e := newTestExecutor(t)
	req := &ExecuteProcess{
		Argv:       []string{"sh", "-c", "echo cached"},
		CacheScope: CacheScopeAlways,
	}
	first, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.StdoutDigest, second.StdoutDigest)
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	e := newTestExecutor(t)
	req := &ExecuteProcess{Argv: []string{"sh", "-c", "exit 3"}, CacheScope: CacheScopeAlways}
	result, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecute_CacheScopeSuccessfulSkipsFailedResults(t *testing.T) {
	e := newTestExecutor(t)
	req := &ExecuteProcess{Argv: []string{"sh", "-c", "exit 1"}, CacheScope: CacheScopeSuccessful}
	first, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ExitCode)

	second, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.False(t, second.FromCache)
}

func TestExecute_Timeout(t *testing.T) {
	e := newTestExecutor(t)
	req := &ExecuteProcess{
		Argv:       []string{"sleep", "5"},
		HasTimeout: true,
		Timeout:    100 * time.Millisecond,
		CacheScope: CacheScopeAlways,
	}
	_, err := e.Execute(context.Background(), req, "build-1")
	require.Error(t, err)
}

func TestExecute_CapturesOutputFiles(t *testing.T) {
	e := newTestExecutor(t)
	req := &ExecuteProcess{
		Argv:        []string{"sh", "-c", "echo contents > out.txt"},
		OutputFiles: []string{"out.txt"},
		CacheScope:  CacheScopeAlways,
	}
	result, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	require.False(t, result.OutputDigest.IsEmpty())

	dst := t.TempDir()
	err = e.store.MaterializeDirectory(context.Background(), dst, result.OutputDigest, store.Writable, nil)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dst, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "contents\n", string(b))
}

func TestDockerRunArgv_MountsWorkdirAndForwardsEnv(t *testing.T) {
	req := &ExecuteProcess{
		Argv:                  []string{"make", "build"},
		Env:                   map[string]string{"B": "2", "A": "1"},
		DockerImage:           "golang:1.21",
		ExecutionSlotVariable: "SLOT",
	}
	argv := dockerRunArgv(req, "/tmp/work", 3)
	assert.Equal(t, []string{
		"docker", "run", "--rm",
		"-v", "/tmp/work:/workspace",
		"-w", "/workspace",
		"-e", "A=1",
		"-e", "B=2",
		"-e", "SLOT=3",
		"golang:1.21",
		"make", "build",
	}, argv)
}

// fakeRemoteExecutor is a minimal remote.RemoteExecutionProvider used to
// exercise StrategyRemote and speculation without a real REAPI endpoint.
type fakeRemoteExecutor struct {
	delay  time.Duration
	result *remote.ActionResult
	err    error
}

func (f *fakeRemoteExecutor) ExecuteProcess(ctx context.Context, req remote.RemoteExecutionRequest) (*remote.ActionResult, error) {
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func TestExecute_StrategyRemoteDispatchesToProvider(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(store.Opts{Root: dir, ShardBits: 0})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	fake := &fakeRemoteExecutor{result: &remote.ActionResult{ExitCode: 0, StdoutDigest: digest.Of([]byte("remote-out"))}}
	e := NewExecutor(Opts{Store: s, Concurrency: 2, RemoteExec: fake})
	t.Cleanup(e.Close)

	req := &ExecuteProcess{Argv: []string{"true"}, Strategy: StrategyRemote, CacheScope: CacheScopeAlways}
	result, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, fake.result.StdoutDigest, result.StdoutDigest)
}

func TestExecute_SpeculationPrefersFasterBranch(t *testing.T) {
	dir := t.TempDir()
	s, err := store.New(store.Opts{Root: dir, ShardBits: 0})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// The remote branch would "win" on content but is slower, so the
	// faster local echo should be the one that gets cached.
	fake := &fakeRemoteExecutor{delay: 500 * time.Millisecond, result: &remote.ActionResult{ExitCode: 0}}
	e := NewExecutor(Opts{Store: s, Concurrency: 2, RemoteExec: fake, Speculate: true})
	t.Cleanup(e.Close)

	req := &ExecuteProcess{Argv: []string{"sh", "-c", "echo local-wins"}, Strategy: StrategyLocal, CacheScope: CacheScopeAlways}
	result, err := e.Execute(context.Background(), req, "build-1")
	require.NoError(t, err)
	assert.False(t, result.FromCache)
	assert.Equal(t, 0, result.ExitCode)
}
