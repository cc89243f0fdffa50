// Package store implements the content-addressed Store described in §4.2:
// two families (File, Directory) of blobs, each sharded locally across a
// power-of-two number of embedded key-value databases keyed by the first
// byte of the fingerprint, optionally tiered with remote byte-store
// providers. Each shard is a single bbolt database, the closest embedded
// B+tree store in the reference corpus to the spec's sharded LMDB layout
// (grounded on the orchestrator storage layer found alongside the rest of
// the example pack's go.mod dependency set).
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/digesttrie"
	"github.com/turbocache/engine/internal/resettable"
)

// Family distinguishes the two blob families the Store partitions content
// into.
type Family int

const (
	FileFamily Family = iota
	DirectoryFamily
)

func (f Family) String() string {
	if f == DirectoryFamily {
		return "directories"
	}
	return "files"
}

// MaxShardBits bounds the shard count at 2^7 = 128, the upper limit §4.2
// allows.
const MaxShardBits = 7

var blobsBucket = []byte("blobs")
var leasesBucket = []byte("leases")

// inlineThreshold is the largest blob size stored directly inside a bbolt
// value; anything bigger spills to an out-of-line "<hash>.big" file, per
// the on-disk layout in §6.
const inlineThreshold = 512 * 1024

// ByteStoreProvider is the subset of internal/remote's provider interface
// the Store needs for read-through on local miss and for explicit
// EnsureUploaded pushes (local stores are not written through); defined
// locally to avoid a dependency cycle between store and remote.
type ByteStoreProvider interface {
	Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error)
	StoreBytes(ctx context.Context, d digest.Digest, b []byte) error
}

// Opts configures a Store.
type Opts struct {
	Root      string // defaults to an XDG-resolved cache dir if empty
	ShardBits int    // 0..=MaxShardBits; shard count is 2^ShardBits
	Logger    hclog.Logger
	Remotes   []ByteStoreProvider // consulted in order on local miss
}

// Store is the local, sharded content-addressed store described by §4.2.
type Store struct {
	root      string
	shardBits int
	logger    hclog.Logger
	remotes   []ByteStoreProvider

	// shards holds the open bbolt handles behind a resettable.Resettable,
	// the SUPPLEMENTED "resettable" contract: a long-lived handle set that
	// can be atomically swapped out and the old generation drained before
	// closing, used when the engine is asked to fork (see Reset).
	shards *resettable.Resettable[*shardSet]

	inflightMu sync.Mutex
	inflight   map[digest.Digest]*sync.WaitGroup // coalesces concurrent ensure_downloaded for the same digest
}

type shardKey struct {
	family Family
	index  byte
}

// shardSet is the resettable value type: a mutex-guarded map of open
// shard handles, lazily populated by shardDB.
type shardSet struct {
	mu    sync.Mutex
	byKey map[shardKey]*bolt.DB
}

func newShardSet() *shardSet {
	return &shardSet{byKey: make(map[shardKey]*bolt.DB)}
}

// closeShardSet closes every handle in ss and empties it, aggregating any
// close errors.
func closeShardSet(ss *shardSet) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var merr *multierror.Error
	for k, db := range ss.byKey {
		if err := db.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
		delete(ss.byKey, k)
	}
	return merr.ErrorOrNil()
}

// New opens (creating as needed) a Store rooted at opts.Root.
func New(opts Opts) (*Store, error) {
	root := opts.Root
	if root == "" {
		root = defaultRoot()
	}
	if opts.ShardBits < 0 || opts.ShardBits > MaxShardBits {
		return nil, fmt.Errorf("store: shard bits %d out of range [0, %d]", opts.ShardBits, MaxShardBits)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	for _, fam := range []Family{FileFamily, DirectoryFamily} {
		if err := os.MkdirAll(filepath.Join(root, fam.String()), 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating %s family directory", fam)
		}
	}
	s := &Store{
		root:      root,
		shardBits: opts.ShardBits,
		logger:    logger.Named("store"),
		remotes:   opts.Remotes,
		inflight:  make(map[digest.Digest]*sync.WaitGroup),
	}
	s.shards = resettable.New(newShardSet, func(ss *shardSet) {
		if err := closeShardSet(ss); err != nil {
			s.logger.Warn("closing shard set", "error", err)
		}
	})
	return s, nil
}

func (s *Store) shardMask() byte {
	return byte(1<<uint(s.shardBits)) - 1
}

func (s *Store) shardIndex(d digest.Digest) byte {
	return d.Fingerprint.ShardByte() & s.shardMask()
}

func (s *Store) shardDB(family Family, index byte) (*bolt.DB, error) {
	key := shardKey{family: family, index: index}
	ss := s.shards.Get()
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if db, ok := ss.byKey[key]; ok {
		return db, nil
	}
	path := filepath.Join(s.root, family.String(), fmt.Sprintf("%02x.db", index))
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening shard %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(leasesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	ss.byKey[key] = db
	return db, nil
}

func (s *Store) bigBlobPath(family Family, d digest.Digest) string {
	return filepath.Join(s.root, family.String(), d.Fingerprint.String()+".big")
}

// Close releases all open shard handles.
func (s *Store) Close() error {
	return closeShardSet(s.shards.Get())
}

// Reset closes every open shard handle and drops the in-memory shard
// cache, so the next access reopens shards from scratch. This is the
// SUPPLEMENTED resettable contract applied to the Store: used when the
// engine is asked to fork (e.g. a test wants a fresh Store generation
// without restarting the process), it atomically swaps out the old
// generation of handles, draining them via close, before any new shard
// handle can be opened.
func (s *Store) Reset() {
	s.shards.WithReset(func() {})
}

// StoreFile hashes a file's contents while streaming them into the store,
// as spec §4.2's store_file operation requires, and returns its Digest.
// Idempotent: storing identical contents twice is a no-op the second time.
func (s *Store) StoreFile(path string, isExecutable bool) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Digest{}, err
	}
	defer f.Close()
	return s.storeReader(FileFamily, f)
}

// StoreBytes stores an in-memory blob under the given family.
func (s *Store) StoreBytes(family Family, b []byte) (digest.Digest, error) {
	return s.storeReader(family, bytes.NewReader(b))
}

func (s *Store) storeReader(family Family, r io.Reader) (digest.Digest, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, family.String()), "spill-*")
	if err != nil {
		return digest.Digest{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	d, err := digest.TeeHashReader(tmp, r)
	if err != nil {
		return digest.Digest{}, err
	}
	if err := s.commitSpilled(family, d, tmp); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

func (s *Store) commitSpilled(family Family, d digest.Digest, tmp *os.File) error {
	if d.SizeBytes > inlineThreshold {
		if _, err := tmp.Seek(0, io.SeekStart); err != nil {
			return err
		}
		dst := s.bigBlobPath(family, d)
		if _, err := os.Stat(dst); err == nil {
			return s.recordLease(family, d) // idempotent: already spilled
		}
		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, tmp); err != nil {
			return err
		}
		return s.recordLease(family, d)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return err
	}
	b, err := io.ReadAll(tmp)
	if err != nil {
		return err
	}
	return s.putInline(family, d, b)
}

func (s *Store) putInline(family Family, d digest.Digest, b []byte) error {
	db, err := s.shardDB(family, s.shardIndex(d))
	if err != nil {
		return err
	}
	key := []byte(d.Fingerprint.String())
	return db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobsBucket).Put(key, b); err != nil {
			return err
		}
		return putLease(tx, key, time.Now().Add(defaultLeaseTTL))
	})
}

const defaultLeaseTTL = 7 * 24 * time.Hour

func putLease(tx *bolt.Tx, key []byte, expiry time.Time) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(expiry.Unix()))
	return tx.Bucket(leasesBucket).Put(key, buf[:])
}

func (s *Store) recordLease(family Family, d digest.Digest) error {
	db, err := s.shardDB(family, s.shardIndex(d))
	if err != nil {
		return err
	}
	key := []byte(d.Fingerprint.String())
	return db.Update(func(tx *bolt.Tx) error {
		return putLease(tx, key, time.Now().Add(defaultLeaseTTL))
	})
}

// LoadBytesWith reads the bytes for d (inline or out-of-line), applies
// transform under the read, and returns its result. Returns ok=false if the
// digest is absent locally and no remote provider has it either.
func (s *Store) LoadBytesWith(ctx context.Context, family Family, d digest.Digest, transform func([]byte) (interface{}, error)) (interface{}, bool, error) {
	if d.IsEmpty() {
		v, err := transform(nil)
		return v, err == nil, err
	}
	b, ok, err := s.loadLocal(family, d)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		if err := s.ensureOne(ctx, family, d); err != nil {
			return nil, false, err
		}
		b, ok, err = s.loadLocal(family, d)
		if err != nil || !ok {
			return nil, false, err
		}
	}
	v, err := transform(b)
	return v, err == nil, err
}

func (s *Store) loadLocal(family Family, d digest.Digest) ([]byte, bool, error) {
	if big := s.bigBlobPath(family, d); fileExists(big) {
		b, err := os.ReadFile(big)
		return b, err == nil, err
	}
	db, err := s.shardDB(family, s.shardIndex(d))
	if err != nil {
		return nil, false, err
	}
	var out []byte
	err = db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get([]byte(d.Fingerprint.String()))
		if v == nil {
			return nil
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, out != nil, err
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// EnsureDownloaded fetches any of digests not present locally from the
// configured remote providers, in order, coalescing concurrent callers for
// the same digest into one fetch.
func (s *Store) EnsureDownloaded(ctx context.Context, family Family, digests []digest.Digest) error {
	var merr *multierror.Error
	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, d := range digests {
		d := d
		if ok, _, err := s.loadLocal(family, d); err != nil {
			mu.Lock()
			merr = multierror.Append(merr, err)
			mu.Unlock()
			continue
		} else if len(ok) > 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ensureOne(ctx, family, d); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return merr.ErrorOrNil()
}

func (s *Store) ensureOne(ctx context.Context, family Family, d digest.Digest) error {
	s.inflightMu.Lock()
	if wg, ok := s.inflight[d]; ok {
		s.inflightMu.Unlock()
		wg.Wait()
		ok2, _, err := s.loadLocal(family, d)
		if err != nil {
			return err
		}
		if len(ok2) == 0 {
			return &MissingDigestError{Digest: d}
		}
		return nil
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	s.inflight[d] = wg
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, d)
		s.inflightMu.Unlock()
		wg.Done()
	}()

	for _, remote := range s.remotes {
		buf, found, err := s.loadWithRetry(ctx, remote, d)
		if err != nil {
			s.logger.Warn("remote load failed after retries", "digest", d.String(), "error", err)
			continue
		}
		if !found {
			continue
		}
		if _, err := s.storeReaderAt(family, d, bytes.NewReader(buf)); err != nil {
			return err
		}
		return nil
	}
	return &MissingDigestError{Digest: d}
}

// EnsureUploaded pushes every digest not already known to target (per
// StoreBytes's own idempotence) to it, reading each blob from local storage
// first. Used by remote process execution to seed a remote CAS with an
// input tree before dispatching an Action that references it, the upload
// counterpart to EnsureDownloaded's read-through fetch.
func (s *Store) EnsureUploaded(ctx context.Context, family Family, digests []digest.Digest, target ByteStoreProvider) error {
	var merr *multierror.Error
	for _, d := range digests {
		b, ok, err := s.loadLocal(family, d)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if !ok {
			merr = multierror.Append(merr, &MissingDigestError{Digest: d})
			continue
		}
		if err := target.StoreBytes(ctx, d, b); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// remoteLoadRetryBudget bounds how long a single remote's Load is retried
// before ensureOne moves on to the next configured remote.
const remoteLoadRetryBudget = 5 * time.Second

// loadWithRetry calls remote.Load with a jittered exponential backoff,
// giving a flaky remote a few chances before ensureOne falls through to the
// next provider in s.remotes, per §4.4's read-through fallback chain.
func (s *Store) loadWithRetry(ctx context.Context, remote ByteStoreProvider, d digest.Digest) ([]byte, bool, error) {
	var buf bytes.Buffer
	var found bool

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = remoteLoadRetryBudget
	b := backoff.WithContext(eb, ctx)

	err := backoff.Retry(func() error {
		buf.Reset()
		var err error
		found, err = remote.Load(ctx, d, &buf)
		return err
	}, b)
	if err != nil {
		return nil, false, err
	}
	return buf.Bytes(), found, nil
}

// storeReaderAt stores content already known to hash to d, skipping a
// redundant re-hash when the caller (e.g. a remote fetch) already trusts
// the digest.
func (s *Store) storeReaderAt(family Family, d digest.Digest, r io.Reader) (digest.Digest, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, family.String()), "spill-*")
	if err != nil {
		return digest.Digest{}, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()
	if _, err := io.Copy(tmp, r); err != nil {
		return digest.Digest{}, err
	}
	if err := s.commitSpilled(family, d, tmp); err != nil {
		return digest.Digest{}, err
	}
	return d, nil
}

// LeaseExtend sets the lease expiry of the given digests to newExpiry; GC
// reclaims an inline entry only once its lease has passed.
func (s *Store) LeaseExtend(family Family, digests []digest.Digest, newExpiry time.Time) error {
	byShard := make(map[byte][]digest.Digest)
	for _, d := range digests {
		idx := s.shardIndex(d)
		byShard[idx] = append(byShard[idx], d)
	}
	var merr *multierror.Error
	for idx, ds := range byShard {
		db, err := s.shardDB(family, idx)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		err = db.Update(func(tx *bolt.Tx) error {
			for _, d := range ds {
				if err := putLease(tx, []byte(d.Fingerprint.String()), newExpiry); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// MissingDigestError is the recoverable error named in §7: a digest the
// caller expected to be retrievable locally or remotely was not found.
type MissingDigestError struct {
	Digest digest.Digest
	Path   string // optional, set by callers walking a directory tree
}

func (e *MissingDigestError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("store: missing digest %s at path %q", e.Digest, e.Path)
	}
	return fmt.Sprintf("store: missing digest %s", e.Digest)
}

// RecordDigestTrie serializes t depth-first and stores each directory as a
// Directory blob keyed by its own digest, returning the root digest.
func (s *Store) RecordDigestTrie(t *digesttrie.DigestTrie) (digest.Digest, error) {
	root, blobs, err := digesttrie.Serialize(t)
	if err != nil {
		return digest.Digest{}, err
	}
	for d, b := range blobs {
		if _, err := s.storeReaderAt(DirectoryFamily, d, bytes.NewReader(b)); err != nil {
			return digest.Digest{}, err
		}
	}
	return root, nil
}

// LoadDirectory loads and parses the single-level Directory blob for d.
func (s *Store) LoadDirectory(ctx context.Context, d digest.Digest) (*digesttrie.DigestTrie, error) {
	v, ok, err := s.LoadBytesWith(ctx, DirectoryFamily, d, func(b []byte) (interface{}, error) {
		return digesttrie.FromProto(b)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &MissingDigestError{Digest: d}
	}
	return v.(*digesttrie.DigestTrie), nil
}
