// Package process executes ExecuteProcess requests per §4.3's pipeline:
// lift inputs onto disk, compute the cache key, consult local/remote action
// caches, admit under a concurrency bound, run (locally, in Docker, or
// remotely), capture outputs back into the Store, and write the result back
// to any configured caches. Local execution's kill/timeout/process-group
// mechanics are adapted from the teacher's Child/Manager in child.go and
// manager.go. There is no spawn lock: a spawn that fails with ETXTBSY (another
// goroutine still holds the executable open for writing) is retried once,
// after a fixed 50ms pause, by spawnWithRetry.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
	"github.com/turbocache/engine/internal/remote"
	"github.com/turbocache/engine/internal/store"
)

// maxBacktrackRetries bounds how many times MissingDigest triggers a
// re-fetch-and-retry of an input before the executor gives up, per §7.
const maxBacktrackRetries = 3

// ActionCache is the subset of remote.ActionCacheProvider the executor
// needs, implemented both by a process-local in-memory cache and by any
// remote.ActionCacheProvider.
type ActionCache interface {
	GetActionResult(ctx context.Context, actionDigest digest.Digest, buildId string) (*remote.ActionResult, bool, error)
	UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result remote.ActionResult) error
}

// localActionCache is an in-memory ActionCache, used as the always-present
// first tier before any configured remote.ActionCacheProvider.
// CacheScopePerRestart/PerSession results are never written here.
type localActionCache struct {
	mu      sync.Mutex
	results map[digest.Digest]remote.ActionResult
}

func newLocalActionCache() *localActionCache {
	return &localActionCache{results: make(map[digest.Digest]remote.ActionResult)}
}

func (c *localActionCache) GetActionResult(_ context.Context, actionDigest digest.Digest, _ string) (*remote.ActionResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[actionDigest]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (c *localActionCache) UpdateActionResult(_ context.Context, actionDigest digest.Digest, result remote.ActionResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[actionDigest] = result
	return nil
}

// Executor runs ExecuteProcess requests against a Store for inputs/outputs,
// a bounded pool of local child processes, and an optional chain of remote
// action caches.
type Executor struct {
	store   *store.Store
	manager *Manager
	logger  hclog.Logger

	local  *localActionCache
	remote remote.ActionCacheProvider     // nil if no remote cache configured
	bytes  remote.ByteStoreProvider       // nil if no remote byte store configured
	exec   remote.RemoteExecutionProvider // nil if no remote executor configured

	// speculate, when true and exec is configured, races a local run
	// against a remote dispatch for StrategyLocal requests: whichever
	// completes first (non-transiently) wins and cancels the other, per
	// §4.3's speculation rule.
	speculate bool

	admission *semaphore.Weighted
	slots     *slotPool

	nailgun *nailgunPool
}

// Opts configures a new Executor.
type Opts struct {
	Store       *store.Store
	Logger      hclog.Logger
	Concurrency int64 // bound on simultaneously-running local processes
	Remote      remote.ActionCacheProvider
	ByteStore   remote.ByteStoreProvider
	RemoteExec  remote.RemoteExecutionProvider
	Speculate   bool
}

// NewExecutor builds an Executor. Concurrency defaults to 1 if unset.
func NewExecutor(opts Opts) *Executor {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Executor{
		store:     opts.Store,
		manager:   NewManager(opts.Logger.Named("process")),
		logger:    opts.Logger.Named("executor"),
		local:     newLocalActionCache(),
		remote:    opts.Remote,
		bytes:     opts.ByteStore,
		exec:      opts.RemoteExec,
		speculate: opts.Speculate && opts.RemoteExec != nil,
		admission: semaphore.NewWeighted(concurrency),
		slots:     newSlotPool(int(concurrency)),
		nailgun:   newNailgunPool(4),
	}
}

// Close stops any still-running local children.
func (e *Executor) Close() {
	e.manager.Close()
}

// Execute runs the §4.3 pipeline for one request, retrying on MissingDigest
// up to maxBacktrackRetries times per §7's backtracking rule.
func (e *Executor) Execute(ctx context.Context, req *ExecuteProcess, buildId string) (*Result, error) {
	cacheKey := req.CacheKey()

	if result, ok, err := e.lookupCache(ctx, cacheKey, buildId); err != nil {
		return nil, err
	} else if ok {
		return result, nil
	}

	var lastErr error
	for attempt := 0; attempt <= maxBacktrackRetries; attempt++ {
		result, err := e.runOnce(ctx, req, cacheKey)
		if err == nil {
			return result, nil
		}
		var missing *store.MissingDigestError
		if !asMissingDigest(err, &missing) {
			return nil, err
		}
		lastErr = err
		e.logger.Debug("backtracking after missing digest", "digest", missing.Digest, "attempt", attempt)
	}
	return nil, fmt.Errorf("process: exhausted backtrack retries: %w", lastErr)
}

func asMissingDigest(err error, target **store.MissingDigestError) bool {
	if m, ok := err.(*store.MissingDigestError); ok {
		*target = m
		return true
	}
	return false
}

func (e *Executor) lookupCache(ctx context.Context, cacheKey digest.Digest, buildId string) (*Result, bool, error) {
	if r, ok, err := e.local.GetActionResult(ctx, cacheKey, buildId); err != nil {
		return nil, false, err
	} else if ok {
		return fromActionResult(r, true), true, nil
	}
	if e.remote == nil {
		return nil, false, nil
	}
	r, ok, err := e.remote.GetActionResult(ctx, cacheKey, buildId)
	if err != nil || !ok {
		return nil, false, err
	}
	return fromActionResult(r, true), true, nil
}

func fromActionResult(r *remote.ActionResult, fromCache bool) *Result {
	return &Result{
		ExitCode:     int(r.ExitCode),
		StdoutDigest: r.StdoutDigest,
		StderrDigest: r.StderrDigest,
		OutputDigest: r.OutputDigest,
		FromCache:    fromCache,
	}
}

// runOnce performs lift -> admission -> execute -> capture -> write-back for
// one attempt, without any backtracking of its own. StrategyRemote bypasses
// local materialization entirely, dispatching straight to the configured
// remote.RemoteExecutionProvider. A StrategyLocal request races against a
// remote dispatch instead when the Executor is configured to speculate.
func (e *Executor) runOnce(ctx context.Context, req *ExecuteProcess, cacheKey digest.Digest) (*Result, error) {
	if req.Strategy == StrategyRemote {
		result, err := e.runRemote(ctx, req)
		if err != nil {
			return nil, err
		}
		if e.shouldCache(req, result) {
			e.writeBack(ctx, cacheKey, result)
		}
		return result, nil
	}

	if req.Strategy == StrategyLocal && e.speculate {
		return e.runSpeculative(ctx, req, cacheKey)
	}

	result, err := e.runLocal(ctx, req)
	if err != nil {
		return nil, err
	}
	if e.shouldCache(req, result) {
		e.writeBack(ctx, cacheKey, result)
	}
	return result, nil
}

// runLocal materializes req's inputs on disk and executes it as a direct
// child (StrategyLocal) or inside a container (StrategyDocker).
func (e *Executor) runLocal(ctx context.Context, req *ExecuteProcess) (*Result, error) {
	workDir, err := os.MkdirTemp("", "execproc-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	if !req.InputDigest.IsEmpty() {
		if err := e.store.MaterializeDirectory(ctx, workDir, req.InputDigest, store.Writable, nil); err != nil {
			return nil, err
		}
	}
	for mountPath, d := range req.ImmutableInputs {
		dst := filepath.Join(workDir, mountPath)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, err
		}
		if err := e.store.MaterializeDirectory(ctx, dst, d, store.ReadOnly, nil); err != nil {
			return nil, err
		}
	}

	if err := e.admission.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.admission.Release(1)
	slot := e.slots.acquire()
	defer e.slots.release(slot)

	start := time.Now()
	exitCode, stdout, stderr, err := e.spawnAndCapture(ctx, req, workDir, slot)
	elapsed := time.Since(start)
	if err != nil {
		return nil, err
	}

	stdoutDigest, err := e.store.StoreBytes(store.FileFamily, stdout)
	if err != nil {
		return nil, err
	}
	stderrDigest, err := e.store.StoreBytes(store.FileFamily, stderr)
	if err != nil {
		return nil, err
	}

	outputDigest, err := e.captureOutputs(workDir, req.OutputFiles, req.OutputDirectories)
	if err != nil {
		return nil, err
	}

	return &Result{
		ExitCode:     exitCode,
		StdoutDigest: stdoutDigest,
		StderrDigest: stderrDigest,
		OutputDigest: outputDigest,
		Elapsed:      elapsed,
	}, nil
}

// runRemote uploads req's input tree to the remote byte store (idempotent
// per digest, so a re-dispatch of the same action costs nothing extra) and
// dispatches it through the configured remote.RemoteExecutionProvider.
func (e *Executor) runRemote(ctx context.Context, req *ExecuteProcess) (*Result, error) {
	if e.exec == nil {
		return nil, fmt.Errorf("process: execution strategy Remote requested but no RemoteExecutionProvider is configured")
	}
	if !req.InputDigest.IsEmpty() && e.bytes != nil {
		dirs, files, err := e.store.CollectTreeDigests(ctx, req.InputDigest)
		if err != nil {
			return nil, err
		}
		if err := e.store.EnsureUploaded(ctx, store.DirectoryFamily, dirs, e.bytes); err != nil {
			return nil, err
		}
		if err := e.store.EnsureUploaded(ctx, store.FileFamily, files, e.bytes); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	ar, err := e.exec.ExecuteProcess(ctx, remote.RemoteExecutionRequest{
		Argv:              req.Argv,
		Env:               map[string]string(req.Env),
		WorkingDirectory:  req.WorkingDirectory,
		InputRoot:         req.InputDigest,
		OutputFiles:       req.OutputFiles,
		OutputDirectories: req.OutputDirectories,
		Platform:          map[string]string(req.Platform),
		Timeout:           req.timeoutOrZero(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		ExitCode:     int(ar.ExitCode),
		StdoutDigest: ar.StdoutDigest,
		StderrDigest: ar.StderrDigest,
		OutputDigest: ar.OutputDigest,
		Elapsed:      time.Since(start),
	}, nil
}

// speculativeOutcome pairs one branch's result with its error so
// runSpeculative can pick the first non-transient completion.
type speculativeOutcome struct {
	result *Result
	err    error
}

// runSpeculative races a local run against a remote dispatch for the same
// request, per §4.3: "the first non-transient completion wins; the loser
// is cancelled." Cancelling the loser relies on both branches observing
// ctx.Done(); a local child already in flight finishes naturally since
// exec.CommandContext only reacts to the branch's own sub-context.
func (e *Executor) runSpeculative(ctx context.Context, req *ExecuteProcess, cacheKey digest.Digest) (*Result, error) {
	branchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan speculativeOutcome, 2)
	go func() {
		r, err := e.runLocal(branchCtx, req)
		out <- speculativeOutcome{r, err}
	}()
	go func() {
		r, err := e.runRemote(branchCtx, req)
		out <- speculativeOutcome{r, err}
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		o := <-out
		if o.err == nil {
			cancel()
			if e.shouldCache(req, o.result) {
				e.writeBack(ctx, cacheKey, o.result)
			}
			return o.result, nil
		}
		if firstErr == nil {
			firstErr = o.err
		}
	}
	return nil, firstErr
}

func (e *Executor) shouldCache(req *ExecuteProcess, result *Result) bool {
	switch req.CacheScope {
	case CacheScopeSuccessful:
		return result.ExitCode == 0
	case CacheScopePerRestart, CacheScopePerSession:
		return false // written to no action cache; only the Graph's memoization reuses them
	default:
		return true
	}
}

// writeBack stores the result locally and, best-effort, remotely: a remote
// write failure is logged as a warning and never fatal to the run that
// produced the result. No count of such failures is kept.
func (e *Executor) writeBack(ctx context.Context, cacheKey digest.Digest, result *Result) {
	ar := remote.ActionResult{
		ExitCode:     int32(result.ExitCode),
		StdoutDigest: result.StdoutDigest,
		StderrDigest: result.StderrDigest,
		OutputDigest: result.OutputDigest,
		ExecutionTime: result.Elapsed,
	}
	_ = e.local.UpdateActionResult(ctx, cacheKey, ar)
	if e.remote == nil {
		return
	}
	if err := e.remote.UpdateActionResult(ctx, cacheKey, ar); err != nil {
		e.logger.Warn("remote action-cache write-back failed", "error", err)
	}
}

// spawnAndCapture runs the process either as a direct child (StrategyLocal)
// or inside a container (StrategyDocker, shelling out to the docker CLI the
// same way the rest of this package shells out to argv[0] directly rather
// than linking a full Docker API client), capturing stdout/stderr into
// memory buffers and enforcing req's timeout via Manager.ExecWithTimeout.
func (e *Executor) spawnAndCapture(ctx context.Context, req *ExecuteProcess, workDir string, slot int) (exitCode int, stdout, stderr []byte, err error) {
	if len(req.Argv) == 0 {
		return 0, nil, nil, ErrMissingCommand
	}

	var argv0 string
	var argvRest []string
	env := envSlice(req.Env, req.ExecutionSlotVariable, slot)
	dir := workDir
	if req.WorkingDirectory != "" {
		dir = filepath.Join(workDir, req.WorkingDirectory)
	}

	switch req.Strategy {
	case StrategyLocal:
		argv0, argvRest = req.Argv[0], req.Argv[1:]
	case StrategyDocker:
		if req.DockerImage == "" {
			return 0, nil, nil, fmt.Errorf("process: execution strategy Docker requires DockerImage")
		}
		dockerArgv := dockerRunArgv(req, workDir, slot)
		argv0, argvRest = dockerArgv[0], dockerArgv[1:]
		// docker run's -e flags already carry the environment into the
		// container; the host-side cmd.Env only needs to cover the
		// docker client itself, so the host's own environment suffices.
		env = nil
		dir = workDir
	default:
		return 0, nil, nil, fmt.Errorf("process: execution strategy %v not supported by this executor", req.Strategy)
	}

	var outBuf, errBuf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv0, argvRest...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	code, err := e.spawnWithRetry(cmd, req.timeoutOrZero())
	return code, outBuf.Bytes(), errBuf.Bytes(), err
}

// dockerRunArgv builds a `docker run` invocation that bind-mounts workDir
// as the container's working directory, forwards req.Env as -e flags, and
// injects the execution-slot variable the same way the local strategy does
// via its own environment variable rather than the child's.
func dockerRunArgv(req *ExecuteProcess, workDir string, slot int) []string {
	const containerWorkdir = "/workspace"
	argv := []string{"docker", "run", "--rm",
		"-v", fmt.Sprintf("%s:%s", workDir, containerWorkdir),
		"-w", filepath.Join(containerWorkdir, req.WorkingDirectory),
	}
	for _, k := range sortedEnvKeys(req.Env) {
		argv = append(argv, "-e", fmt.Sprintf("%s=%s", k, req.Env[k]))
	}
	if req.ExecutionSlotVariable != "" {
		argv = append(argv, "-e", fmt.Sprintf("%s=%d", req.ExecutionSlotVariable, slot))
	}
	argv = append(argv, req.DockerImage)
	argv = append(argv, req.Argv...)
	return argv
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// spawnWithRetry retries once on ETXTBSY, the classic race where another
// process is still holding the executable open for writing when this one
// tries to exec it; a short backoff is usually enough for the writer to
// finish and close the file.
func (e *Executor) spawnWithRetry(cmd *exec.Cmd, timeout time.Duration) (int, error) {
	code, err := e.manager.ExecWithTimeout(cmd, timeout)
	if err != nil && isETXTBSY(err) {
		time.Sleep(50 * time.Millisecond)
		return e.manager.ExecWithTimeout(cmd, timeout)
	}
	return code, err
}

func (p *ExecuteProcess) timeoutOrZero() time.Duration {
	if !p.HasTimeout {
		return 0
	}
	return p.Timeout
}

func envSlice(env map[string]string, slotVar string, slot int) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	if slotVar != "" {
		out = append(out, fmt.Sprintf("%s=%d", slotVar, slot))
	}
	return out
}

// captureOutputs walks the declared output files/directories under workDir
// and records them into a fresh DigestTrie, storing file contents into the
// Store's File family along the way.
func (e *Executor) captureOutputs(workDir string, outputFiles, outputDirectories []string) (digest.Digest, error) {
	dirs := make(map[string][]digesttrie.Entry)
	registeredDir := map[string]bool{"": true}

	// ensureAncestors registers a KindDirectory placeholder for every path
	// component above relPath that isn't already linked from its own
	// parent, so a nested output path like "a/b/out.txt" produces a
	// connected a -> b -> out.txt chain even when only "a/b/out.txt" (and
	// not "a" or "a/b") was declared as an output.
	var ensureAncestors func(dirPath string)
	ensureAncestors = func(dirPath string) {
		if registeredDir[dirPath] {
			return
		}
		parent, name := splitParent(dirPath)
		ensureAncestors(parent)
		dirs[parent] = append(dirs[parent], digesttrie.Entry{Name: name, Kind: digesttrie.KindDirectory})
		registeredDir[dirPath] = true
	}

	var walk func(relPath string) error
	walk = func(relPath string) error {
		info, err := os.Lstat(filepath.Join(workDir, relPath))
		if err != nil {
			return err
		}
		parent, name := splitParent(relPath)
		ensureAncestors(parent)
		if info.IsDir() {
			registeredDir[relPath] = true
			entries, err := os.ReadDir(filepath.Join(workDir, relPath))
			if err != nil {
				return err
			}
			for _, child := range entries {
				if err := walk(filepath.Join(relPath, child.Name())); err != nil {
					return err
				}
			}
			dirs[parent] = append(dirs[parent], digesttrie.Entry{Name: name, Kind: digesttrie.KindDirectory})
			return nil
		}
		d, err := e.store.StoreFile(filepath.Join(workDir, relPath), info.Mode()&0o111 != 0)
		if err != nil {
			return err
		}
		dirs[parent] = append(dirs[parent], digesttrie.Entry{
			Name:         name,
			Kind:         digesttrie.KindFile,
			Digest:       d,
			IsExecutable: info.Mode()&0o111 != 0,
		})
		return nil
	}
	for _, f := range outputFiles {
		if err := walk(f); err != nil {
			return digest.Digest{}, err
		}
	}
	for _, d := range outputDirectories {
		if err := walk(d); err != nil {
			return digest.Digest{}, err
		}
	}
	root, err := buildTrie(dirs, "")
	if err != nil {
		return digest.Digest{}, err
	}
	rootDigest, err := e.store.RecordDigestTrie(root)
	if err != nil {
		return digest.Digest{}, err
	}
	return rootDigest, nil
}

func splitParent(relPath string) (parent, name string) {
	parent = filepath.Dir(relPath)
	if parent == "." {
		parent = ""
	}
	return parent, filepath.Base(relPath)
}

// buildTrie assembles nested DigestTries bottom-up from a flat parent-path
// -> children map, resolving each KindDirectory placeholder's Children and
// Digest by recursing before building the parent.
func buildTrie(dirs map[string][]digesttrie.Entry, dirPath string) (*digesttrie.DigestTrie, error) {
	children := dirs[dirPath]
	resolved := make([]digesttrie.Entry, 0, len(children))
	for _, c := range children {
		if c.Kind != digesttrie.KindDirectory {
			resolved = append(resolved, c)
			continue
		}
		childPath := filepath.Join(dirPath, c.Name)
		sub, err := buildTrie(dirs, childPath)
		if err != nil {
			return nil, err
		}
		c.Children = sub
		resolved = append(resolved, c)
	}
	return digesttrie.New(resolved)
}

func isETXTBSY(err error) bool {
	return err != nil && err.Error() != "" && bytesContains(err.Error(), "text file busy")
}

func bytesContains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
