// Package nodes implements the concrete graph.Node types the scheduler
// façade schedules: filesystem primitives (DigestFile, ReadLink, Scandir,
// PathMetadata, Snapshot) and the ExecuteProcess node that drives
// internal/process's pipeline. Each Run method is grounded on the
// corresponding filesystem primitive the teacher's internal/fs package
// already wraps (lstat.go's LstatCachedFile for metadata caching,
// fs.go's directory walking), generalized into Node implementations whose
// Key doubles as a cache key and whose InvalidationPaths ties them to the
// filesystem paths a watcher observes changing.
package nodes

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
	"github.com/turbocache/engine/internal/graph"
	"github.com/turbocache/engine/internal/process"
	"github.com/turbocache/engine/internal/store"
	"github.com/turbocache/engine/internal/vfs"
)

// DigestFileNode hashes one file's contents into a content digest, the
// leaf primitive every other filesystem node is built from.
type DigestFileNode struct {
	Store *store.Store
	Path  string
}

func (n *DigestFileNode) Key() string                 { return "digest_file:" + n.Path }
func (n *DigestFileNode) Cacheable() bool              { return true }
func (n *DigestFileNode) InvalidationPaths() []string  { return []string{n.Path} }

func (n *DigestFileNode) Run(ctx context.Context, rc *graph.RunContext) (interface{}, error) {
	info, err := os.Lstat(n.Path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("nodes: %s is a symlink, use ReadLinkNode", n.Path)
	}
	d, err := n.Store.StoreFile(n.Path, info.Mode()&0o111 != 0)
	if err != nil {
		return nil, err
	}
	return FileDigest{Digest: d, IsExecutable: info.Mode()&0o111 != 0}, nil
}

// FileDigest is DigestFileNode's result: a content digest plus the
// executable bit, which is part of a file's identity in the data model.
type FileDigest struct {
	Digest       digest.Digest
	IsExecutable bool
}

func (f FileDigest) Equal(other interface{}) bool {
	o, ok := other.(FileDigest)
	return ok && o.Digest.Equal(f.Digest) && o.IsExecutable == f.IsExecutable
}

// ReadLinkNode resolves one symlink's target string.
type ReadLinkNode struct {
	Path string
}

func (n *ReadLinkNode) Key() string                { return "readlink:" + n.Path }
func (n *ReadLinkNode) Cacheable() bool            { return true }
func (n *ReadLinkNode) InvalidationPaths() []string { return []string{n.Path} }

func (n *ReadLinkNode) Run(ctx context.Context, rc *graph.RunContext) (interface{}, error) {
	return os.Readlink(n.Path)
}

// DirEntry is one entry as reported by ScandirNode, ordered and typed
// enough for Snapshot to decide how to digest it.
type DirEntry struct {
	Name  string
	Kind  digesttrie.Kind
}

// ScandirNode lists one directory's immediate children, sorted by name so
// its result is independent of OS readdir ordering. Ignore, when set, is
// consulted per-entry (path relative to Root, or the bare name if Root is
// empty) and matching entries are dropped from the result, the §1 contract
// for the out-of-scope gitignore-evaluation collaborator.
type ScandirNode struct {
	Path   string
	Root   string
	Ignore vfs.IgnoreMatcher
}

func (n *ScandirNode) Key() string {
	if n.Ignore == nil {
		return "scandir:" + n.Path
	}
	// Root is folded into the key because entries are filtered relative to
	// it: the same directory scanned under two different roots/ignore sets
	// is not the same computation.
	return fmt.Sprintf("scandir:%s:root=%s", n.Path, n.Root)
}
func (n *ScandirNode) Cacheable() bool              { return true }
func (n *ScandirNode) InvalidationPaths() []string  { return []string{n.Path} }

func (n *ScandirNode) Run(ctx context.Context, rc *graph.RunContext) (interface{}, error) {
	entries, err := os.ReadDir(n.Path)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		if n.Ignore != nil && n.Ignore.MatchesPath(n.relPath(e.Name())) {
			continue
		}
		kind := digesttrie.KindFile
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			kind = digesttrie.KindSymlink
		case info.IsDir():
			kind = digesttrie.KindDirectory
		}
		out = append(out, DirEntry{Name: e.Name(), Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (n *ScandirNode) relPath(name string) string {
	if n.Root == "" {
		return name
	}
	rel, err := filepath.Rel(n.Root, filepath.Join(n.Path, name))
	if err != nil {
		return name
	}
	return rel
}

func (e DirEntry) Equal(other interface{}) bool {
	return false // never used standalone; comparisons happen on the []DirEntry slice via reflect.DeepEqual
}

// PathMetadataNode reports the existence/kind of one path without reading
// its contents, for dependency edges that only care "does this exist and
// what is it" (e.g. a build rule globbing for optional config files).
type PathMetadataNode struct {
	Path string
}

func (n *PathMetadataNode) Key() string                { return "path_metadata:" + n.Path }
func (n *PathMetadataNode) Cacheable() bool            { return true }
func (n *PathMetadataNode) InvalidationPaths() []string { return []string{n.Path} }

// PathMetadata is PathMetadataNode's result.
type PathMetadata struct {
	Exists bool
	Kind   digesttrie.Kind
	Mode   fs.FileMode
}

func (m PathMetadata) Equal(other interface{}) bool {
	o, ok := other.(PathMetadata)
	return ok && o == m
}

func (n *PathMetadataNode) Run(ctx context.Context, rc *graph.RunContext) (interface{}, error) {
	info, err := os.Lstat(n.Path)
	if os.IsNotExist(err) {
		return PathMetadata{Exists: false}, nil
	}
	if err != nil {
		return nil, err
	}
	kind := digesttrie.KindFile
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		kind = digesttrie.KindSymlink
	case info.IsDir():
		kind = digesttrie.KindDirectory
	}
	return PathMetadata{Exists: true, Kind: kind, Mode: info.Mode()}, nil
}

// SnapshotNode recursively digests a directory subtree (honoring glob
// include/exclude filters) into a single DigestTrie root, by depending on
// a ScandirNode per directory and a DigestFileNode/ReadLinkNode per leaf —
// the Graph's memoization means unchanged subdirectories are never
// re-walked on a re-run, only the ones a watcher actually invalidated.
type SnapshotNode struct {
	Store              *store.Store
	Root               string
	Includes, Excludes []string
	Ignore             vfs.IgnoreMatcher
}

func (n *SnapshotNode) Key() string {
	return fmt.Sprintf("snapshot:%s:%v:%v", n.Root, n.Includes, n.Excludes)
}
func (n *SnapshotNode) Cacheable() bool { return true }

func (n *SnapshotNode) Run(ctx context.Context, rc *graph.RunContext) (interface{}, error) {
	trie, err := n.snapshotDir(ctx, rc, n.Root, "")
	if err != nil {
		return nil, err
	}
	if len(n.Includes) == 0 && len(n.Excludes) == 0 {
		d, err := n.Store.RecordDigestTrie(trie)
		return d, err
	}
	filtered, err := digesttrie.Subset(trie, n.Includes, n.Excludes)
	if err != nil {
		return nil, err
	}
	return n.Store.RecordDigestTrie(filtered)
}

func (n *SnapshotNode) snapshotDir(ctx context.Context, rc *graph.RunContext, absPath, relPath string) (*digesttrie.DigestTrie, error) {
	raw, err := rc.Get(ctx, &ScandirNode{Path: absPath, Root: n.Root, Ignore: n.Ignore})
	if err != nil {
		return nil, err
	}
	dirEntries := raw.([]DirEntry)
	entries := make([]digesttrie.Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		childAbs := filepath.Join(absPath, de.Name)
		switch de.Kind {
		case digesttrie.KindDirectory:
			sub, err := n.snapshotDir(ctx, rc, childAbs, filepath.Join(relPath, de.Name))
			if err != nil {
				return nil, err
			}
			entries = append(entries, digesttrie.Entry{Name: de.Name, Kind: digesttrie.KindDirectory, Children: sub})
		case digesttrie.KindSymlink:
			target, err := rc.Get(ctx, &ReadLinkNode{Path: childAbs})
			if err != nil {
				return nil, err
			}
			entries = append(entries, digesttrie.Entry{Name: de.Name, Kind: digesttrie.KindSymlink, Target: target.(string)})
		default:
			fd, err := rc.Get(ctx, &DigestFileNode{Store: n.Store, Path: childAbs})
			if err != nil {
				return nil, err
			}
			fileDigest := fd.(FileDigest)
			entries = append(entries, digesttrie.Entry{
				Name: de.Name, Kind: digesttrie.KindFile,
				Digest: fileDigest.Digest, IsExecutable: fileDigest.IsExecutable,
			})
		}
	}
	return digesttrie.New(entries)
}

// ExecuteProcessNode runs one process.ExecuteProcess through the executor,
// depending (transitively, via its caller) on a SnapshotNode for its
// input digest so the Graph re-runs the process whenever its inputs
// change and "cleans" it (no re-run) otherwise.
type ExecuteProcessNode struct {
	Executor *process.Executor
	Request  *process.ExecuteProcess
	BuildId  string
}

func (n *ExecuteProcessNode) Key() string {
	return "execute_process:" + n.Request.CacheKey().Fingerprint.String()
}

// Cacheable reports false for CacheScopePerSession processes, so the Graph
// treats them as UncacheableDependencies bound to the current RunId per
// §4.1's "session-scoped cacheability" affordance.
func (n *ExecuteProcessNode) Cacheable() bool {
	return n.Request.CacheScope != process.CacheScopePerSession
}

func (n *ExecuteProcessNode) Run(ctx context.Context, rc *graph.RunContext) (interface{}, error) {
	return n.Executor.Execute(ctx, n.Request, n.BuildId)
}
