// Package lru implements LRUIndex (spec §4.2): a crash-safe, size-bounded
// index over entries living in an internal/store.Store, backed by a
// bolt.DB exactly the way the teacher's storage_persistent.go backs its
// directory/object metadata.
//
// Grounded on original_source/snappy/DiskCache_DiskCache.py's LRUCache:
// add() computes currentSize and either inserts-then-writes inside one
// transaction or commits a no-op and evicts outside it, looping until the
// entry fits or nothing more can be evicted (NoSpace). open() increments a
// reader count for the duration of the read and only updates recency
// (timestamp) when the reader releases it, so a long-held reader is never
// evicted out from under itself.
package lru

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/applog"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/store"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
)

const (
	entriesBucket = "entries"
	byTimeBucket  = "byTime"
	metaBucket    = "meta"
	totalSizeKey  = "totalSize"
)

// entry is the persisted row for one cached path.
type entry struct {
	Size      int64 `json:"size"`
	Timestamp int64 `json:"timestamp"` // UnixNano
	Readers   int   `json:"readers"`
}

// Index is a persistent, size-bounded LRU index over a store.Store.
type Index struct {
	db             *bolt.DB
	dbPath         string
	store          *store.Store
	maxBytes       int64
	blockSize      int64
	overheadBudget int64
}

// Open opens (creating if necessary) the bolt.DB at dbPath, bound to the
// given content store, with a byte budget of maxBytes. waitTime bounds how
// long to wait for an exclusive file lock on dbPath (mirrors
// Features.DbWaitTime in the teacher's connect()). blockSize and
// overheadBudget mirror the original LRUCache's blockSize/CACHE_SIZE_BUFFER
// (spec §3/§4.2): every entry's size is rounded up to a block, and the
// index's own on-disk footprint plus a fixed overhead are added into the
// budget so the cache never silently grows past maxBytes on disk.
//
// All readers counts are reset to zero on open: any process that held them
// is gone, and a leftover nonzero count would wedge those entries out of
// eviction forever (spec §9, Open Questions).
func Open(dbPath string, st *store.Store, maxBytes int64, waitTime time.Duration, blockSize, overheadBudget int64) (*Index, error) {
	db, err := bolt.Open(dbPath, 0644, &bolt.Options{Timeout: waitTime})
	if err != nil {
		return nil, symerr.Wrap(symerr.Fatal, err, "failed to open index %q", dbPath)
	}
	if blockSize <= 0 {
		blockSize = 4096
	}
	idx := &Index{db: db, dbPath: dbPath, store: st, maxBytes: maxBytes, blockSize: blockSize, overheadBudget: overheadBudget}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(byTimeBucket)); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		if meta.Get([]byte(totalSizeKey)) == nil {
			if err := meta.Put([]byte(totalSizeKey), itob(0)); err != nil {
				return err
			}
		}
		return resetReaders(tx)
	})
	if err != nil {
		db.Close()
		return nil, symerr.Wrap(symerr.Fatal, err, "failed to initialize index %q", dbPath)
	}
	return idx, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func resetReaders(tx *bolt.Tx) error {
	b := tx.Bucket([]byte(entriesBucket))
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var e entry
		if err := json.Unmarshal(v, &e); err != nil {
			continue
		}
		if e.Readers == 0 {
			continue
		}
		e.Readers = 0
		enc, err := json.Marshal(e)
		if err != nil {
			continue
		}
		if err := b.Put(k, enc); err != nil {
			return err
		}
	}
	return nil
}

func timeKey(ts int64, relPath string) []byte {
	key := make([]byte, 8+len(relPath))
	binary.BigEndian.PutUint64(key, uint64(ts))
	copy(key[8:], relPath)
	return key
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

// Exists reports whether relPath is currently indexed.
func (idx *Index) Exists(relPath string) bool {
	found := false
	_ = idx.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		found = b.Get([]byte(relPath)) != nil
		return nil
	})
	return found
}

// logicalSizeToDiskSize rounds a byte count up to the nearest whole block,
// matching LRUCache.logicalSizeToDiskSize (DiskCache_DiskCache.py:592-594):
// blocks = (L-1)/blockSize + 1; return blocks*blockSize. L<=0 rounds to 0.
func (idx *Index) logicalSizeToDiskSize(logicalSize int64) int64 {
	if logicalSize <= 0 {
		return 0
	}
	blocks := (logicalSize-1)/idx.blockSize + 1
	return blocks * idx.blockSize
}

// dbDiskSize returns the on-disk size of the bolt.DB file itself, rounded to
// a block, the way the original's size() stats its sqlite file in-line.
func (idx *Index) dbDiskSize() int64 {
	info, err := os.Stat(idx.dbPath)
	if err != nil {
		return 0
	}
	return idx.logicalSizeToDiskSize(info.Size())
}

// Size returns the total accounted size in bytes: the sum of every entry's
// block-rounded size, plus the index's own on-disk footprint, plus a fixed
// overhead budget — matching LRUCache.size() (spec §3/§4.2): "sum of size
// plus a fixed overhead budget", so that DB-file growth and bookkeeping
// slack never silently overrun maxBytes.
func (idx *Index) Size() int64 {
	var total int64
	_ = idx.db.View(func(tx *bolt.Tx) error {
		total = btoi(tx.Bucket([]byte(metaBucket)).Get([]byte(totalSizeKey)))
		return nil
	})
	return total + idx.dbDiskSize() + idx.overheadBudget
}

// Add indexes relPath of the given logical size and invokes write to persist
// its bytes, evicting older unreferenced entries as needed to make room.
// size is rounded up to a block (logicalSizeToDiskSize) before it is ever
// compared against the budget or stored, matching LRUCache.add's dataSize
// computation. write is only called once room has been secured; if it fails
// the reservation is rolled back. Returns symerr NoSpace if the rounded size
// alone exceeds maxBytes even with the index empty, and symerr KeyConflict
// if relPath is already indexed.
func (idx *Index) Add(relPath string, size int64, write func() error) error {
	if idx.Exists(relPath) {
		return symerr.New(symerr.KeyConflict, "already cached: %s", relPath)
	}
	diskSize := idx.logicalSizeToDiskSize(size)
	if diskSize > idx.maxBytes {
		return symerr.New(symerr.NoSpace, "%d bytes (rounded from %d) exceeds total budget of %d bytes", diskSize, size, idx.maxBytes)
	}

	for {
		ok, err := idx.tryReserve(relPath, diskSize)
		if err != nil {
			return symerr.Wrap(symerr.Fatal, err, "failed to reserve space for %s", relPath)
		}
		if ok {
			break
		}
		if _, err := idx.evictOldest(); err != nil {
			return symerr.New(symerr.NoSpace, "cannot free %d bytes for %s: %v", diskSize, relPath, err)
		}
	}

	if err := write(); err != nil {
		idx.rollback(relPath, diskSize)
		return err
	}
	return nil
}

// tryReserve inserts the entry row iff it fits within the budget, in a
// single transaction. diskSize is already block-rounded. The budget check
// mirrors Size(): accounted entries, plus the index's own on-disk footprint,
// plus the overhead budget, must not exceed maxBytes once diskSize is added.
// tryReserve never touches on-disk cache file bytes — the insert and the
// eventual eviction of a displaced entry never share a transaction, since
// once a file is deleted by eviction it cannot be rolled back (spec §4.2).
func (idx *Index) tryReserve(relPath string, diskSize int64) (bool, error) {
	var reserved bool
	dbSize := idx.dbDiskSize()
	err := idx.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(metaBucket))
		total := btoi(meta.Get([]byte(totalSizeKey)))
		if total+diskSize+dbSize+idx.overheadBudget > idx.maxBytes {
			reserved = false
			return nil
		}

		now := time.Now().UnixNano()
		e := entry{Size: diskSize, Timestamp: now, Readers: 0}
		enc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		entries := tx.Bucket([]byte(entriesBucket))
		if err := entries.Put([]byte(relPath), enc); err != nil {
			return err
		}
		byTime := tx.Bucket([]byte(byTimeBucket))
		if err := byTime.Put(timeKey(now, relPath), []byte(relPath)); err != nil {
			return err
		}
		if err := meta.Put([]byte(totalSizeKey), itob(total+diskSize)); err != nil {
			return err
		}
		reserved = true
		return nil
	})
	return reserved, err
}

// rollback undoes a reservation whose write failed.
func (idx *Index) rollback(relPath string, size int64) {
	err := idx.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		raw := entries.Get([]byte(relPath))
		if raw == nil {
			return nil
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err == nil {
			tx.Bucket([]byte(byTimeBucket)).Delete(timeKey(e.Timestamp, relPath))
		}
		if err := entries.Delete([]byte(relPath)); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(metaBucket))
		total := btoi(meta.Get([]byte(totalSizeKey)))
		return meta.Put([]byte(totalSizeKey), itob(total-size))
	})
	if err != nil {
		applog.Errorf(relPath, "failed to roll back reservation: %v", err)
	}
}

// evictOldest removes the entry with the smallest timestamp among those
// with zero readers, deleting both its index row and its backing file.
// Returns symerr NoSuchKey if nothing is currently evictable.
func (idx *Index) evictOldest() (string, error) {
	var victim string
	var size int64
	err := idx.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		byTime := tx.Bucket([]byte(byTimeBucket))
		c := byTime.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			relPath := string(v)
			raw := entries.Get(v)
			if raw == nil {
				// stale byTime row left over from an interrupted op; drop it.
				c.Delete()
				continue
			}
			var e entry
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			if e.Readers > 0 {
				continue
			}
			victim, size = relPath, e.Size
			if err := entries.Delete(v); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return err
			}
			meta := tx.Bucket([]byte(metaBucket))
			total := btoi(meta.Get([]byte(totalSizeKey)))
			return meta.Put([]byte(totalSizeKey), itob(total-size))
		}
		return symerr.New(symerr.NoSuchKey, "nothing evictable")
	})
	if err != nil {
		return "", err
	}
	if err := idx.store.Delete(victim); err != nil {
		applog.Warnf(victim, "evicted from index but failed to delete file: %v", err)
	}
	return victim, nil
}

// Evict removes relPath unconditionally (used by the cacheEvict debug
// action), regardless of its reader count.
func (idx *Index) Evict(relPath string) error {
	var size int64
	var existed bool
	err := idx.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		raw := entries.Get([]byte(relPath))
		if raw == nil {
			return nil
		}
		existed = true
		var e entry
		if err := json.Unmarshal(raw, &e); err == nil {
			size = e.Size
			tx.Bucket([]byte(byTimeBucket)).Delete(timeKey(e.Timestamp, relPath))
		}
		if err := entries.Delete([]byte(relPath)); err != nil {
			return err
		}
		meta := tx.Bucket([]byte(metaBucket))
		total := btoi(meta.Get([]byte(totalSizeKey)))
		return meta.Put([]byte(totalSizeKey), itob(total-size))
	})
	if err != nil {
		return symerr.Wrap(symerr.Fatal, err, "failed to evict %s", relPath)
	}
	if existed {
		if err := idx.store.Delete(relPath); err != nil {
			applog.Warnf(relPath, "evicted from index but failed to delete file: %v", err)
		}
	}
	return nil
}

// Reader is an open, pinned index entry. Release must be called exactly
// once; it decrements the reader count and bumps recency, matching the
// original LRUCache's "touch on release, not on open" semantics.
type Reader struct {
	idx     *Index
	relPath string
	*os.File
}

// Open pins relPath (incrementing its reader count so it cannot be
// evicted) and opens its backing file for reading. Returns symerr
// NoSuchKey if relPath is not indexed, or if the row exists but the
// backing file is missing (in which case the stale row is evicted).
func (idx *Index) Open(relPath string) (*Reader, error) {
	err := idx.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		raw := entries.Get([]byte(relPath))
		if raw == nil {
			return symerr.New(symerr.NoSuchKey, "not cached: %s", relPath)
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		e.Readers++
		enc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return entries.Put([]byte(relPath), enc)
	})
	if err != nil {
		return nil, err
	}

	f, err := idx.store.Open(relPath)
	if err != nil {
		idx.releaseReader(relPath, false)
		if evErr := idx.Evict(relPath); evErr != nil {
			applog.Warnf(relPath, "failed to evict stale index row: %v", evErr)
		}
		return nil, symerr.Wrap(symerr.NoSuchKey, err, "indexed but missing on disk: %s", relPath)
	}
	return &Reader{idx: idx, relPath: relPath, File: f}, nil
}

// Release decrements the reader count and updates recency. Safe to call at
// most once per Open.
func (r *Reader) Release() error {
	if err := r.File.Close(); err != nil {
		applog.Warnf(r.relPath, "failed to close cache file: %v", err)
	}
	return r.idx.releaseReader(r.relPath, true)
}

func (idx *Index) releaseReader(relPath string, touch bool) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket([]byte(entriesBucket))
		raw := entries.Get([]byte(relPath))
		if raw == nil {
			return nil
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.Readers > 0 {
			e.Readers--
		}
		if touch {
			byTime := tx.Bucket([]byte(byTimeBucket))
			byTime.Delete(timeKey(e.Timestamp, relPath))
			e.Timestamp = time.Now().UnixNano()
			if err := byTime.Put(timeKey(e.Timestamp, relPath), []byte(relPath)); err != nil {
				return err
			}
		}
		enc, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return entries.Put([]byte(relPath), enc)
	})
}

