package process

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/env"
)

// CacheScope controls when a completed process's result may be reused,
// per §4.3/§7's Timeout-is-cacheable-per-CacheScope rule.
type CacheScope int

const (
	// CacheScopeAlways caches regardless of exit code.
	CacheScopeAlways CacheScope = iota
	// CacheScopeSuccessful caches only zero-exit results.
	CacheScopeSuccessful
	// CacheScopePerRestart never persists across process restarts: the
	// executor writes it to no action cache, so only the Graph's in-memory
	// memoization reuses it.
	CacheScopePerRestart
	// CacheScopePerSession is scoped to a single Graph RunId, mirroring
	// the UncacheableDependencies state's bound-to-session semantics.
	CacheScopePerSession
)

// Platform describes the execution environment a process requires, used
// both as a remote-execution hint and as part of the process's identity
// for cache-key purposes.
type Platform map[string]string

// Strategy selects where/how a process actually runs.
type Strategy int

const (
	// StrategyLocal runs the process as a direct child on this machine.
	StrategyLocal Strategy = iota
	// StrategyDocker runs the process inside a container image named by
	// DockerImage.
	StrategyDocker
	// StrategyRemote dispatches the process to a remote execution
	// provider instead of running it locally.
	StrategyRemote
)

// ExecuteProcess is the full request shape from §4.3: everything needed to
// run a process, cache its result, and reproduce it deterministically.
type ExecuteProcess struct {
	Argv              []string
	Env               env.EnvironmentVariableMap
	WorkingDirectory  string
	InputDigest       digest.Digest
	OutputFiles       []string
	OutputDirectories []string

	HasTimeout bool
	Timeout    time.Duration

	// Description is excluded from the equality/cache-key hash: it only
	// affects human-readable logging.
	Description string

	AppendOnlyCaches map[string]string // cache name -> mount path relative to WorkingDirectory
	ImmutableInputs  map[string]digest.Digest

	JDKHome  string
	Platform Platform

	Strategy    Strategy
	DockerImage string

	CacheScope            CacheScope
	ConcurrencyAvailable  int
	ExecutionSlotVariable string
}

// CacheKey computes the process's cache key as specified in §4.3: a digest
// over every field except Description, in a fixed, sorted order so that
// structurally-equal requests produce an identical fingerprint regardless
// of map iteration order.
func (p *ExecuteProcess) CacheKey() digest.Digest {
	var b strings.Builder
	b.WriteString("argv\x00")
	for _, a := range p.Argv {
		b.WriteString(a)
		b.WriteByte(0)
	}
	b.WriteString("env\x00")
	for _, pair := range p.Env.ToHashable() {
		b.WriteString(pair)
		b.WriteByte(0)
	}
	b.WriteString("cwd\x00")
	b.WriteString(p.WorkingDirectory)
	b.WriteString("input\x00")
	b.WriteString(p.InputDigest.Fingerprint.String())
	writeSortedStrings(&b, "output_files", p.OutputFiles)
	writeSortedStrings(&b, "output_dirs", p.OutputDirectories)
	b.WriteString("timeout\x00")
	if p.HasTimeout {
		b.WriteString(p.Timeout.String())
	}
	b.WriteString("append_caches\x00")
	for _, k := range sortedKeys(p.AppendOnlyCaches) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.AppendOnlyCaches[k])
		b.WriteByte(0)
	}
	b.WriteString("immutable_inputs\x00")
	for _, k := range sortedDigestKeys(p.ImmutableInputs) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.ImmutableInputs[k].Fingerprint.String())
		b.WriteByte(0)
	}
	b.WriteString("jdk_home\x00")
	b.WriteString(p.JDKHome)
	b.WriteString("platform\x00")
	for _, k := range sortedKeys(p.Platform) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Platform[k])
		b.WriteByte(0)
	}
	b.WriteString("strategy\x00")
	b.WriteByte(byte(p.Strategy))
	b.WriteString(p.DockerImage)
	b.WriteString("cache_scope\x00")
	b.WriteByte(byte(p.CacheScope))
	b.WriteString("concurrency_available\x00")
	b.WriteString(strconv.Itoa(p.ConcurrencyAvailable))
	b.WriteString("execution_slot_variable\x00")
	b.WriteString(p.ExecutionSlotVariable)
	return digest.Of([]byte(b.String()))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedDigestKeys(m map[string]digest.Digest) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func writeSortedStrings(b *strings.Builder, label string, vs []string) {
	sorted := append([]string(nil), vs...)
	sort.Strings(sorted)
	b.WriteString(label)
	b.WriteByte(0)
	for _, v := range sorted {
		b.WriteString(v)
		b.WriteByte(0)
	}
}

// Result is the outcome of running (or cache-hitting) an ExecuteProcess.
type Result struct {
	ExitCode     int
	StdoutDigest digest.Digest
	StderrDigest digest.Digest
	OutputDigest digest.Digest // DirectoryDigest of the captured output tree
	FromCache    bool
	Elapsed      time.Duration
}
