package store

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/DataDog/zstd"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
)

// archive.go packages a whole DirectoryDigest tree as a single tar+zstd
// stream, the same tar.Writer -> zstd.Writer -> bufio -> file pipeline the
// teacher's internal/cacheitem builds for local cache artifacts, adapted
// from SHA-512 cache items keyed by CacheItem.Path to SHA-256 Digests keyed
// by content, so a whole tree moves in one I/O pass rather than one file at
// a time. Nothing else in the module calls WriteArchive or ReadArchive.

// WriteArchive streams the full tree rooted at dirDigest into w as a
// zstd-compressed tar stream, each entry named by its path within the tree.
func (s *Store) WriteArchive(ctx context.Context, w io.Writer, dirDigest digest.Digest) error {
	zw := zstd.NewWriter(w)
	defer zw.Close()
	tw := tar.NewWriter(zw)
	defer tw.Close()

	if dirDigest.IsEmpty() {
		return nil
	}
	trie, err := s.LoadDirectory(ctx, dirDigest)
	if err != nil {
		return err
	}
	return s.writeArchiveAt(ctx, tw, "", trie)
}

func (s *Store) writeArchiveAt(ctx context.Context, tw *tar.Writer, prefix string, trie *digesttrie.DigestTrie) error {
	for _, e := range trie.Entries() {
		p := path.Join(prefix, e.Name)
		switch e.Kind {
		case digesttrie.KindDirectory:
			if err := tw.WriteHeader(&tar.Header{Name: p + "/", Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
				return err
			}
			children := e.Children
			if children == nil {
				loaded, err := s.LoadDirectory(ctx, e.Digest)
				if err != nil {
					return err
				}
				children = loaded
			}
			if err := s.writeArchiveAt(ctx, tw, p, children); err != nil {
				return err
			}
		case digesttrie.KindSymlink:
			if err := tw.WriteHeader(&tar.Header{Name: p, Typeflag: tar.TypeSymlink, Linkname: e.Target}); err != nil {
				return err
			}
		case digesttrie.KindFile:
			mode := int64(0o644)
			if e.IsExecutable {
				mode = 0o755
			}
			b, ok, err := s.loadLocal(FileFamily, e.Digest)
			if err != nil {
				return err
			}
			if !ok {
				if err := s.ensureOne(ctx, FileFamily, e.Digest); err != nil {
					return err
				}
				b, _, err = s.loadLocal(FileFamily, e.Digest)
				if err != nil {
					return err
				}
			}
			if err := tw.WriteHeader(&tar.Header{Name: p, Typeflag: tar.TypeReg, Mode: mode, Size: int64(len(b))}); err != nil {
				return err
			}
			if _, err := tw.Write(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadArchive extracts a zstd-compressed tar stream written by WriteArchive
// directly to dst on disk, storing each regular file's content in the Store
// by the way and returning the resulting DirectoryDigest.
func (s *Store) ReadArchive(r io.Reader, dst string) (digest.Digest, error) {
	zr := zstd.NewReader(r)
	defer zr.Close()
	tr := tar.NewReader(zr)

	var files []digesttrie.Entry
	dirs := map[string][]digesttrie.Entry{"": nil}

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return digest.Digest{}, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			name := path.Clean(hdr.Name)
			if _, ok := dirs[name]; !ok {
				dirs[name] = nil
			}
			registerParent(dirs, name, digesttrie.Entry{Name: path.Base(name), Kind: digesttrie.KindDirectory})
		case tar.TypeSymlink:
			entry := digesttrie.Entry{Name: path.Base(hdr.Name), Kind: digesttrie.KindSymlink, Target: hdr.Linkname}
			registerParent(dirs, hdr.Name, entry)
		case tar.TypeReg:
			buf := bufio.NewReader(tr)
			d, err := s.storeReader(FileFamily, buf)
			if err != nil {
				return digest.Digest{}, err
			}
			entry := digesttrie.Entry{Name: path.Base(hdr.Name), Kind: digesttrie.KindFile, Digest: d, IsExecutable: hdr.Mode&0o111 != 0}
			files = append(files, entry)
			registerParent(dirs, hdr.Name, entry)
		default:
			return digest.Digest{}, fmt.Errorf("store: unsupported tar entry type %v for %q", hdr.Typeflag, hdr.Name)
		}
	}

	root, err := buildTrieFromDirs(dirs, "")
	if err != nil {
		return digest.Digest{}, err
	}
	rootDigest, err := s.RecordDigestTrie(root)
	if err != nil {
		return digest.Digest{}, err
	}
	return rootDigest, s.MaterializeDirectory(context.Background(), dst, rootDigest, Writable, nil)
}

func registerParent(dirs map[string][]digesttrie.Entry, childPath string, entry digesttrie.Entry) {
	parent := path.Dir(path.Clean(childPath))
	if parent == "." {
		parent = ""
	}
	if _, ok := dirs[parent]; !ok {
		dirs[parent] = nil
	}
	dirs[parent] = append(dirs[parent], entry)
}

func buildTrieFromDirs(dirs map[string][]digesttrie.Entry, dirPath string) (*digesttrie.DigestTrie, error) {
	entries := dirs[dirPath]
	resolved := make([]digesttrie.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Kind == digesttrie.KindDirectory {
			childPath := path.Join(dirPath, e.Name)
			child, err := buildTrieFromDirs(dirs, childPath)
			if err != nil {
				return nil, err
			}
			e.Children = child
		}
		resolved = append(resolved, e)
	}
	return digesttrie.New(resolved)
}
