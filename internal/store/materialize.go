package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
)

// Permissions selects how materialized files are made writable, per §4.2's
// materialize_directory.
type Permissions int

const (
	// Writable leaves materialized files at their natural mode.
	Writable Permissions = iota
	// ReadOnly strips write bits from files not named in mutablePaths.
	ReadOnly
)

// MaterializeDirectory recreates the tree named by dirDigest at dst. Files
// not listed in mutablePaths are made read-only when permissions is
// ReadOnly; symlinks are reproduced verbatim; a digest referenced by the
// tree but missing from the store (and every remote) fails with
// *MissingDigestError so the process executor can backtrack per §4.3.
func (s *Store) MaterializeDirectory(ctx context.Context, dst string, dirDigest digest.Digest, permissions Permissions, mutablePaths map[string]bool) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	if dirDigest.IsEmpty() {
		return nil
	}
	trie, err := s.LoadDirectory(ctx, dirDigest)
	if err != nil {
		return err
	}
	return s.materializeAt(ctx, dst, "", trie, permissions, mutablePaths)
}

func (s *Store) materializeAt(ctx context.Context, dst, relPath string, trie *digesttrie.DigestTrie, permissions Permissions, mutablePaths map[string]bool) error {
	for _, e := range trie.Entries() {
		childRel := filepath.Join(relPath, e.Name)
		childDst := filepath.Join(dst, e.Name)
		switch e.Kind {
		case digesttrie.KindDirectory:
			if err := os.MkdirAll(childDst, 0o755); err != nil {
				return err
			}
			children := e.Children
			if children == nil {
				loaded, err := s.LoadDirectory(ctx, e.Digest)
				if err != nil {
					if me, ok := err.(*MissingDigestError); ok {
						me.Path = childRel
					}
					return err
				}
				children = loaded
			}
			if err := s.materializeAt(ctx, childDst, childRel, children, permissions, mutablePaths); err != nil {
				return err
			}
		case digesttrie.KindSymlink:
			_ = os.Remove(childDst)
			if err := os.Symlink(e.Target, childDst); err != nil {
				return err
			}
		case digesttrie.KindFile:
			if err := s.materializeFile(ctx, childDst, childRel, e, permissions, mutablePaths); err != nil {
				return err
			}
		}
	}
	return nil
}

// CollectTreeDigests walks dirDigest's tree and returns every Directory-
// family digest (including the root) and every File-family digest it
// references, so a caller can push a whole input tree to a remote byte
// store before dispatching a remote execution, the upload-side counterpart
// to MaterializeDirectory's local materialization.
func (s *Store) CollectTreeDigests(ctx context.Context, dirDigest digest.Digest) (dirs, files []digest.Digest, err error) {
	if dirDigest.IsEmpty() {
		return nil, nil, nil
	}
	trie, err := s.LoadDirectory(ctx, dirDigest)
	if err != nil {
		return nil, nil, err
	}
	dirs = append(dirs, dirDigest)
	if err := s.collectAt(ctx, trie, &dirs, &files); err != nil {
		return nil, nil, err
	}
	return dirs, files, nil
}

func (s *Store) collectAt(ctx context.Context, trie *digesttrie.DigestTrie, dirs, files *[]digest.Digest) error {
	for _, e := range trie.Entries() {
		switch e.Kind {
		case digesttrie.KindDirectory:
			children := e.Children
			if children == nil {
				loaded, err := s.LoadDirectory(ctx, e.Digest)
				if err != nil {
					return err
				}
				children = loaded
			}
			*dirs = append(*dirs, e.Digest)
			if err := s.collectAt(ctx, children, dirs, files); err != nil {
				return err
			}
		case digesttrie.KindFile:
			*files = append(*files, e.Digest)
		}
	}
	return nil
}

func (s *Store) materializeFile(ctx context.Context, dst, relPath string, e digesttrie.Entry, permissions Permissions, mutablePaths map[string]bool) error {
	b, ok, err := s.loadLocal(FileFamily, e.Digest)
	if err != nil {
		return err
	}
	if !ok {
		if err := s.ensureOne(ctx, FileFamily, e.Digest); err != nil {
			if me, ok := err.(*MissingDigestError); ok {
				me.Path = relPath
			}
			return err
		}
		b, _, err = s.loadLocal(FileFamily, e.Digest)
		if err != nil {
			return err
		}
	}
	mode := os.FileMode(0o644)
	if e.IsExecutable {
		mode = 0o755
	}
	if err := os.WriteFile(dst, b, mode); err != nil {
		return err
	}
	if permissions == ReadOnly && !mutablePaths[relPath] {
		ro := mode &^ 0o222
		return os.Chmod(dst, ro)
	}
	return nil
}
