package store

import (
	"context"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
)

// Merge produces a single DirectoryDigest whose tree is the union of the
// given digests' trees. Conflict rule per §4.2: identical paths with
// identical digests collapse; identical paths with different content fail
// with a deterministic error naming the conflicting path and both digests.
func (s *Store) Merge(ctx context.Context, digests []digest.Digest) (digest.Digest, error) {
	tries := make([]*digesttrie.DigestTrie, 0, len(digests))
	for _, d := range digests {
		if d.IsEmpty() {
			continue
		}
		t, err := s.LoadDirectory(ctx, d)
		if err != nil {
			return digest.Digest{}, err
		}
		tries = append(tries, t)
	}
	merged, err := digesttrie.Merge(tries)
	if err != nil {
		return digest.Digest{}, err
	}
	return s.RecordDigestTrie(merged)
}

// Subset returns the DirectoryDigest containing exactly the entries of d
// matching the include/exclude glob set, preserving symlinks and
// executability. The whole tree under d is loaded from the store before any
// glob is matched.
func (s *Store) Subset(ctx context.Context, d digest.Digest, includes, excludes []string) (digest.Digest, error) {
	if d.IsEmpty() {
		return digest.Empty, nil
	}
	trie, err := s.loadExpanded(ctx, d)
	if err != nil {
		return digest.Digest{}, err
	}
	subset, err := digesttrie.Subset(trie, includes, excludes)
	if err != nil {
		return digest.Digest{}, err
	}
	return s.RecordDigestTrie(subset)
}

// loadExpanded fully expands a directory tree from the store so subset
// matching can descend through every level; Subset only needs to do this
// for trees small enough that this isn't a concern in practice, matching
// the teacher's globby package's eager-walk approach.
func (s *Store) loadExpanded(ctx context.Context, d digest.Digest) (*digesttrie.DigestTrie, error) {
	top, err := s.LoadDirectory(ctx, d)
	if err != nil {
		return nil, err
	}
	entries := top.Entries()
	expanded := make([]digesttrie.Entry, len(entries))
	for i, e := range entries {
		expanded[i] = e
		if e.Kind == digesttrie.KindDirectory {
			child, err := s.loadExpanded(ctx, e.Digest)
			if err != nil {
				return nil, err
			}
			expanded[i].Children = child
		}
	}
	return digesttrie.New(expanded)
}
