package store

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	bolt "go.etcd.io/bbolt"
)

// GCStats summarizes one GC sweep.
type GCStats struct {
	Scanned int
	Removed int
}

// GC reclaims every local entry (in either family, across every open
// shard) whose lease has expired as of now, per §3's "a separate per-entry
// lease expiration timestamp governs local GC." Entries never opened as a
// shard this process lifetime are left alone; callers that want a full
// disk-wide sweep should open every shard first (e.g. by driving a
// directory listing of the store root through shardDB) before calling GC.
func (s *Store) GC(now time.Time) (GCStats, error) {
	var stats GCStats
	var merr *multierror.Error

	ss := s.shards.Get()
	ss.mu.Lock()
	dbs := make([]*bolt.DB, 0, len(ss.byKey))
	for _, db := range ss.byKey {
		dbs = append(dbs, db)
	}
	ss.mu.Unlock()

	for _, db := range dbs {
		var expired [][]byte
		err := db.View(func(tx *bolt.Tx) error {
			lb := tx.Bucket(leasesBucket)
			return lb.ForEach(func(k, v []byte) error {
				stats.Scanned++
				if leaseExpired(v, now) {
					expired = append(expired, append([]byte(nil), k...))
				}
				return nil
			})
		})
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		if len(expired) == 0 {
			continue
		}
		err = db.Update(func(tx *bolt.Tx) error {
			bb := tx.Bucket(blobsBucket)
			lb := tx.Bucket(leasesBucket)
			for _, k := range expired {
				if err := bb.Delete(k); err != nil {
					return err
				}
				if err := lb.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		stats.Removed += len(expired)
	}

	// Out-of-line ".big" blobs carry no lease record inside bbolt; GC them
	// by mtime instead, matching the TTL used for inline entries.
	for _, family := range []Family{FileFamily, DirectoryFamily} {
		dir := filepath.Join(s.root, family.String())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".big") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > defaultLeaseTTL {
				if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
					stats.Removed++
				}
			}
		}
	}

	return stats, merr.ErrorOrNil()
}

func leaseExpired(v []byte, now time.Time) bool {
	if len(v) != 8 {
		return false
	}
	expiry := time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
	return now.After(expiry)
}
