// Package remote defines the pluggable byte-store and action-cache provider
// interfaces described in §4.4, plus the shared Options value type (the
// original engine's RemoteOptions, which its remote_provider_traits crate
// splits out from provider implementations), so REAPI and object-storage providers can share one
// options struct (per SPEC_FULL's supplemented features).
package remote

import (
	"context"
	"io"
	"time"

	"github.com/turbocache/engine/internal/digest"
)

// ActionResult records the outcome of one process execution, the shape
// §3's CacheKey/ActionResult data model and §4.3's write-back step need.
type ActionResult struct {
	ExitCode      int32
	StdoutDigest  digest.Digest
	StderrDigest  digest.Digest
	OutputDigest  digest.Digest // DirectoryDigest of the captured output tree
	ExecutionTime time.Duration
}

// ByteStoreProvider is consulted by the Store on local miss (read-through)
// and receives uploads when the Store's EnsureUploaded is called; storing a
// blob locally does not write it through to the provider.
type ByteStoreProvider interface {
	// StoreBytes uploads an in-memory blob.
	StoreBytes(ctx context.Context, d digest.Digest, b []byte) error
	// StoreFile uploads a blob streamed from disk.
	StoreFile(ctx context.Context, d digest.Digest, path string) error
	// Load streams digest's bytes into w, returning false if absent upstream.
	Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error)
	// ListMissingDigests reports which of digests the remote does NOT have.
	ListMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
}

// ActionCacheProvider is consulted by the process executor's cache-lookup
// step, in order, after a local action-cache miss.
type ActionCacheProvider interface {
	UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result ActionResult) error
	GetActionResult(ctx context.Context, actionDigest digest.Digest, buildId string) (*ActionResult, bool, error)
}

// RemoteExecutionRequest is the provider-agnostic shape of a process the
// executor wants dispatched to a remote execution service, lifted from
// process.ExecuteProcess so this package (and its reapi implementation)
// never needs to import the process package.
type RemoteExecutionRequest struct {
	Argv              []string
	Env               map[string]string
	WorkingDirectory  string
	InputRoot         digest.Digest
	OutputFiles       []string
	OutputDirectories []string
	Platform          map[string]string
	Timeout           time.Duration
}

// RemoteExecutionProvider dispatches a process to a remote execution
// service and waits for its terminal result, the "Remote" execution
// strategy §4.3 names. Distinct from ActionCacheProvider: a cache hit never
// needs this, only an actual cache-miss dispatch does.
type RemoteExecutionProvider interface {
	ExecuteProcess(ctx context.Context, req RemoteExecutionRequest) (*ActionResult, error)
}

// Options configures any concrete provider: timeouts, concurrency limit,
// and headers/metadata common to both REAPI and object-storage transports.
type Options struct {
	// InstanceName is the REAPI instance name; ignored by object-storage
	// backends.
	InstanceName string
	// ToolName/ToolVersion populate REAPI RequestMetadata; object-storage
	// backends may fold them into a User-Agent header instead.
	ToolName    string
	ToolVersion string
	// CallTimeout bounds a single RPC/HTTP round trip.
	CallTimeout time.Duration
	// Concurrency bounds the number of outstanding requests to this
	// provider, applied as a semaphore around calls.
	Concurrency int
	// Headers are attached to every outbound request (HTTP) or propagated
	// as gRPC metadata.
	Headers map[string]string
}

// EffectiveCallTimeout returns o.CallTimeout, defaulting to 30s when unset.
func (o Options) EffectiveCallTimeout() time.Duration {
	if o.CallTimeout <= 0 {
		return 30 * time.Second
	}
	return o.CallTimeout
}

// EffectiveConcurrency returns o.Concurrency, defaulting to 32 when unset.
func (o Options) EffectiveConcurrency() int {
	if o.Concurrency <= 0 {
		return 32
	}
	return o.Concurrency
}
