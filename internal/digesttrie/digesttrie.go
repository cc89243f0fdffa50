// Package digesttrie implements DigestTrie, the immutable, structurally
// shared in-memory directory tree described in the data model: each node is
// a file, a symlink, or a directory whose children are sorted and unique by
// name. Trees are serialized as REAPI Directory protos (the same message
// the process executor and remote providers already speak), so a Store can
// persist a DigestTrie without a bespoke wire format.
package digesttrie

import (
	"fmt"
	"path"
	"sort"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/doublestar"
)

// Kind discriminates the three node variants a DigestTrie entry may be.
type Kind int

const (
	KindFile Kind = iota
	KindSymlink
	KindDirectory
)

// Entry is one child of a DigestTrie: a file, symlink, or nested directory.
type Entry struct {
	Name         string
	Kind         Kind
	Digest       digest.Digest // valid for KindFile and KindDirectory
	IsExecutable bool          // valid for KindFile
	Target       string        // valid for KindSymlink
	Children     *DigestTrie   // valid for KindDirectory; nil means "not expanded"
}

// DigestTrie is an immutable directory tree node: entries sorted by name,
// unique, matching the invariant in the data model.
type DigestTrie struct {
	entries []Entry
}

// Entries returns the sorted, unique child entries of this directory.
func (t *DigestTrie) Entries() []Entry {
	if t == nil {
		return nil
	}
	return t.entries
}

// Empty is the well-known empty directory trie.
var Empty = &DigestTrie{}

// New builds a DigestTrie from a set of entries, sorting them by name and
// rejecting duplicate names — the invariant spec's data model requires of
// every DigestTrie directory node.
func New(entries []Entry) (*DigestTrie, error) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Name == sorted[i-1].Name {
			return nil, fmt.Errorf("digesttrie: duplicate child name %q", sorted[i].Name)
		}
	}
	return &DigestTrie{entries: sorted}, nil
}

// Lookup returns the entry for name, if present.
func (t *DigestTrie) Lookup(name string) (Entry, bool) {
	entries := t.Entries()
	i := sort.Search(len(entries), func(i int) bool { return entries[i].Name >= name })
	if i < len(entries) && entries[i].Name == name {
		return entries[i], true
	}
	return Entry{}, false
}

// toProto converts a DigestTrie into a remote-apis Directory message,
// referencing (but not descending into) child directories by digest.
func toProto(t *DigestTrie) *remoteexecution.Directory {
	dir := &remoteexecution.Directory{}
	for _, e := range t.Entries() {
		switch e.Kind {
		case KindFile:
			dir.Files = append(dir.Files, &remoteexecution.FileNode{
				Name:         e.Name,
				Digest:       toProtoDigest(e.Digest),
				IsExecutable: e.IsExecutable,
			})
		case KindSymlink:
			dir.Symlinks = append(dir.Symlinks, &remoteexecution.SymlinkNode{
				Name:   e.Name,
				Target: e.Target,
			})
		case KindDirectory:
			dir.Directories = append(dir.Directories, &remoteexecution.DirectoryNode{
				Name:   e.Name,
				Digest: toProtoDigest(e.Digest),
			})
		}
	}
	return dir
}

func toProtoDigest(d digest.Digest) *remoteexecution.Digest {
	return &remoteexecution.Digest{Hash: d.Fingerprint.String(), SizeBytes: d.SizeBytes}
}

// FromProtoDigest converts a REAPI Digest message into a digest.Digest.
func FromProtoDigest(d *remoteexecution.Digest) (digest.Digest, error) {
	fp, err := digest.FingerprintFromHex(d.GetHash())
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.Digest{Fingerprint: fp, SizeBytes: d.GetSizeBytes()}, nil
}

// Serialize walks t depth-first and returns the root Digest plus every
// Directory-family blob needed to reconstruct the tree, keyed by its own
// digest — the shape Store.record_digest_trie persists verbatim. Nested
// directories must have their Children populated; a KindDirectory entry
// with nil Children is serialized using its already-known Digest without
// descending (the tree is only partially expanded).
func Serialize(t *DigestTrie) (digest.Digest, map[digest.Digest][]byte, error) {
	blobs := make(map[digest.Digest][]byte)
	root, err := serializeInto(t, blobs)
	if err != nil {
		return digest.Digest{}, nil, err
	}
	return root, blobs, nil
}

func serializeInto(t *DigestTrie, blobs map[digest.Digest][]byte) (digest.Digest, error) {
	// Descend first so nested directories that ARE expanded get their own
	// blob recorded and their Entry.Digest corroborated.
	entries := t.Entries()
	resolved := make([]Entry, len(entries))
	for i, e := range entries {
		resolved[i] = e
		if e.Kind == KindDirectory && e.Children != nil {
			childDigest, err := serializeInto(e.Children, blobs)
			if err != nil {
				return digest.Digest{}, err
			}
			resolved[i].Digest = childDigest
		}
	}
	expanded := &DigestTrie{entries: resolved}
	b, err := proto.Marshal(toProto(expanded))
	if err != nil {
		return digest.Digest{}, fmt.Errorf("digesttrie: marshal directory: %w", err)
	}
	d := digest.Of(b)
	blobs[d] = b
	return d, nil
}

// FromProto reconstructs a (single-level) DigestTrie from a serialized
// Directory proto, leaving nested directory entries unexpanded (Children
// nil, Digest populated) — callers that need to descend fetch the child
// blob by digest and call FromProto again.
func FromProto(b []byte) (*DigestTrie, error) {
	var dir remoteexecution.Directory
	if err := proto.Unmarshal(b, &dir); err != nil {
		return nil, fmt.Errorf("digesttrie: unmarshal directory: %w", err)
	}
	var entries []Entry
	for _, f := range dir.GetFiles() {
		d, err := FromProtoDigest(f.GetDigest())
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: f.GetName(), Kind: KindFile, Digest: d, IsExecutable: f.GetIsExecutable()})
	}
	for _, s := range dir.GetSymlinks() {
		entries = append(entries, Entry{Name: s.GetName(), Kind: KindSymlink, Target: s.GetTarget()})
	}
	for _, d := range dir.GetDirectories() {
		dg, err := FromProtoDigest(d.GetDigest())
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: d.GetName(), Kind: KindDirectory, Digest: dg})
	}
	return New(entries)
}

// Merge unions a set of tries into one, recursively. Identical paths with
// identical digests collapse; identical paths with different content fail
// with an error naming the conflicting path and both digests, per §4.2.
func Merge(tries []*DigestTrie) (*DigestTrie, error) {
	return mergeAt(tries, "")
}

func mergeAt(tries []*DigestTrie, dirPath string) (*DigestTrie, error) {
	byName := make(map[string][]Entry)
	var order []string
	for _, t := range tries {
		for _, e := range t.Entries() {
			if _, ok := byName[e.Name]; !ok {
				order = append(order, e.Name)
			}
			byName[e.Name] = append(byName[e.Name], e)
		}
	}
	sort.Strings(order)

	var merged []Entry
	for _, name := range order {
		group := byName[name]
		childPath := path.Join(dirPath, name)
		first := group[0]
		for _, e := range group[1:] {
			if e.Kind != first.Kind {
				return nil, fmt.Errorf("digesttrie: conflicting entry kinds at %q", childPath)
			}
		}
		switch first.Kind {
		case KindDirectory:
			var sub []*DigestTrie
			allExpanded := true
			for _, e := range group {
				if e.Children == nil {
					allExpanded = false
					break
				}
				sub = append(sub, e.Children)
			}
			if allExpanded {
				mergedChildren, err := mergeAt(sub, childPath)
				if err != nil {
					return nil, err
				}
				merged = append(merged, Entry{Name: name, Kind: KindDirectory, Children: mergedChildren})
				continue
			}
			// Fall through to digest-equality collapse when not expanded.
			fallthrough
		case KindFile:
			for _, e := range group[1:] {
				if !e.Digest.Equal(first.Digest) || e.IsExecutable != first.IsExecutable {
					return nil, fmt.Errorf("digesttrie: conflicting content at %q: %s vs %s", childPath, first.Digest, e.Digest)
				}
			}
			merged = append(merged, first)
		case KindSymlink:
			for _, e := range group[1:] {
				if e.Target != first.Target {
					return nil, fmt.Errorf("digesttrie: conflicting symlink target at %q", childPath)
				}
			}
			merged = append(merged, first)
		}
	}
	return New(merged)
}

// Subset returns the DigestTrie containing exactly the entries whose full
// path (relative to the trie root) matches the include patterns and none
// of the exclude patterns, preserving symlinks and executability.
func Subset(t *DigestTrie, includes, excludes []string) (*DigestTrie, error) {
	matcher, err := newGlobMatcher(includes, excludes)
	if err != nil {
		return nil, err
	}
	return subsetAt(t, "", matcher)
}

func subsetAt(t *DigestTrie, dirPath string, m *globMatcher) (*DigestTrie, error) {
	var kept []Entry
	for _, e := range t.Entries() {
		childPath := path.Join(dirPath, e.Name)
		switch e.Kind {
		case KindDirectory:
			if e.Children == nil {
				if m.matches(childPath) {
					kept = append(kept, e)
				}
				continue
			}
			sub, err := subsetAt(e.Children, childPath, m)
			if err != nil {
				return nil, err
			}
			if len(sub.Entries()) > 0 || m.matches(childPath) {
				kept = append(kept, Entry{Name: e.Name, Kind: KindDirectory, Children: sub})
			}
		default:
			if m.matches(childPath) {
				kept = append(kept, e)
			}
		}
	}
	return New(kept)
}

// globMatcher evaluates an include/exclude glob set, using the doublestar
// semantics for ** segments the same way the teacher's internal/globby does.
type globMatcher struct {
	includes []string
	excludes []string
}

func newGlobMatcher(includes, excludes []string) (*globMatcher, error) {
	return &globMatcher{includes: includes, excludes: excludes}, nil
}

func (m *globMatcher) matches(p string) bool {
	included := len(m.includes) == 0
	for _, pat := range m.includes {
		if globMatch(pat, p) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pat := range m.excludes {
		if globMatch(pat, p) {
			return false
		}
	}
	return true
}

func globMatch(pattern, name string) bool {
	if pattern == name {
		return true
	}
	ok, err := doublestar.Match(pattern, name)
	return err == nil && ok
}
