package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(Opts{Root: root, ShardBits: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreBytes_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := []byte("hello, content-addressed world")
	d, err := s.StoreBytes(FileFamily, want)
	require.NoError(t, err)
	require.Equal(t, digest.Of(want), d)

	got, ok, err := s.LoadBytesWith(context.Background(), FileFamily, d, func(b []byte) (interface{}, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestReset_ClosesShardsAndReopensLazily(t *testing.T) {
	s := newTestStore(t)
	want := []byte("data that must survive a reset")
	d, err := s.StoreBytes(FileFamily, want)
	require.NoError(t, err)

	// Force the shard open before resetting.
	_, _, err = s.LoadBytesWith(context.Background(), FileFamily, d, func(b []byte) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)

	s.Reset()

	got, ok, err := s.LoadBytesWith(context.Background(), FileFamily, d, func(b []byte) (interface{}, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestStoreBytes_Idempotent(t *testing.T) {
	s := newTestStore(t)
	want := []byte("idempotent content")
	d1, err := s.StoreBytes(FileFamily, want)
	require.NoError(t, err)
	d2, err := s.StoreBytes(FileFamily, want)
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestStoreFile_LargeBlobSpillsOutOfLine(t *testing.T) {
	s := newTestStore(t)
	dir := t.TempDir()
	p := filepath.Join(dir, "big.bin")
	big := make([]byte, inlineThreshold+1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(p, big, 0o644))

	d, err := s.StoreFile(p, false)
	require.NoError(t, err)
	require.Equal(t, digest.Of(big), d)
	require.FileExists(t, s.bigBlobPath(FileFamily, d))
}

func TestRecordDigestTrie_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	fileDigest, err := s.StoreBytes(FileFamily, []byte("file contents"))
	require.NoError(t, err)

	trie, err := digesttrie.New([]digesttrie.Entry{
		{Name: "a.txt", Kind: digesttrie.KindFile, Digest: fileDigest},
	})
	require.NoError(t, err)

	root, err := s.RecordDigestTrie(trie)
	require.NoError(t, err)

	loaded, err := s.LoadDirectory(context.Background(), root)
	require.NoError(t, err)
	entries := loaded.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "a.txt", entries[0].Name)
	require.Equal(t, fileDigest, entries[0].Digest)
}

func TestMissingDigest_Error(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadDirectory(context.Background(), digest.Of([]byte("never stored")))
	require.Error(t, err)
	var missing *MissingDigestError
	require.ErrorAs(t, err, &missing)
}

func TestMaterializeDirectory_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	fileDigest, err := s.StoreBytes(FileFamily, []byte("contents"))
	require.NoError(t, err)
	trie, err := digesttrie.New([]digesttrie.Entry{
		{Name: "f.txt", Kind: digesttrie.KindFile, Digest: fileDigest, IsExecutable: true},
	})
	require.NoError(t, err)
	root, err := s.RecordDigestTrie(trie)
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, s.MaterializeDirectory(context.Background(), dst, root, Writable, nil))

	got, err := os.ReadFile(filepath.Join(dst, "f.txt"))
	require.NoError(t, err)
	require.Equal(t, "contents", string(got))
}

func TestMerge_ConflictingContentFails(t *testing.T) {
	s := newTestStore(t)
	d1, err := s.StoreBytes(FileFamily, []byte("one"))
	require.NoError(t, err)
	d2, err := s.StoreBytes(FileFamily, []byte("two"))
	require.NoError(t, err)

	tA, err := digesttrie.New([]digesttrie.Entry{{Name: "f", Kind: digesttrie.KindFile, Digest: d1}})
	require.NoError(t, err)
	tB, err := digesttrie.New([]digesttrie.Entry{{Name: "f", Kind: digesttrie.KindFile, Digest: d2}})
	require.NoError(t, err)

	rootA, err := s.RecordDigestTrie(tA)
	require.NoError(t, err)
	rootB, err := s.RecordDigestTrie(tB)
	require.NoError(t, err)

	_, err = s.Merge(context.Background(), []digest.Digest{rootA, rootB})
	require.Error(t, err)
}
