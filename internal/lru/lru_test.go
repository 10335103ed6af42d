package lru_test

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mozilla/Snappy-Symbolication-Server/internal/lru"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/store"
	"github.com/mozilla/Snappy-Symbolication-Server/internal/symerr"
)

// openAt opens dbPath with blockSize 1 (so logicalSizeToDiskSize is a no-op)
// and no overhead budget, so a test's entryBudget maps directly onto the
// sum of the sizes it adds.
func openAt(t *testing.T, dbPath string, st *store.Store, maxBytes int64) *lru.Index {
	t.Helper()
	idx, err := lru.Open(dbPath, st, maxBytes, time.Second, 1, 0)
	require.NoError(t, err)
	return idx
}

// newIndex opens a fresh index whose budget is entryBudget bytes of headroom
// for entries on top of whatever the empty bolt.DB file itself already
// occupies on disk (Size() always counts that file, per Open's blockSize/
// overheadBudget accounting), so the tight per-entry budgets below exercise
// eviction the same way regardless of bolt's own bucket bookkeeping.
func newIndex(t *testing.T, entryBudget int64) (*lru.Index, *store.Store) {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(root)
	require.NoError(t, err)
	dbPath := filepath.Join(root, "cache.db")

	probe := openAt(t, dbPath, st, math.MaxInt64)
	baseline := probe.Size()
	require.NoError(t, probe.Close())

	idx := openAt(t, dbPath, st, baseline+entryBudget)
	t.Cleanup(func() { idx.Close() })
	return idx, st
}

func TestAddThenOpenRoundTrip(t *testing.T) {
	idx, st := newIndex(t, 1024)

	data := []byte("hello world")
	err := idx.Add("a.sym", int64(len(data)), func() error {
		return st.Write("a.sym", data)
	})
	require.NoError(t, err)

	assert.True(t, idx.Exists("a.sym"))
	assert.GreaterOrEqual(t, idx.Size(), int64(len(data)), "accounted size must include the entry's bytes")

	r, err := idx.Open("a.sym")
	require.NoError(t, err)
	defer r.Release()
}

func TestAddKeyConflict(t *testing.T) {
	idx, st := newIndex(t, 1024)

	write := func() error { return st.Write("dup.sym", []byte("x")) }
	require.NoError(t, idx.Add("dup.sym", 1, write))

	err := idx.Add("dup.sym", 1, write)
	require.Error(t, err)
	assert.True(t, symerr.Is(err, symerr.KeyConflict))
}

func TestAddExceedsBudget(t *testing.T) {
	idx, _ := newIndex(t, 10)

	err := idx.Add("big.sym", 100, func() error { return nil })
	require.Error(t, err)
	assert.True(t, symerr.Is(err, symerr.NoSpace))
}

func TestAddRollsBackOnWriteFailure(t *testing.T) {
	idx, _ := newIndex(t, 1024)
	before := idx.Size()

	err := idx.Add("bad.sym", 10, func() error {
		return assertErr
	})
	require.Error(t, err)
	assert.False(t, idx.Exists("bad.sym"))
	assert.Equal(t, before, idx.Size(), "rollback must restore the byte budget")
}

var assertErr = &writeFailure{}

type writeFailure struct{}

func (*writeFailure) Error() string { return "simulated write failure" }

func TestAddEvictsOldestUnpinnedEntry(t *testing.T) {
	idx, st := newIndex(t, 20)

	for _, name := range []string{"one", "two", "three"} {
		data := []byte("0123456789") // 10 bytes
		err := idx.Add(name, int64(len(data)), func() error { return st.Write(name, data) })
		require.NoError(t, err)
	}

	// entry headroom is 20 bytes, each entry is 10 bytes: "one" must have
	// been evicted to make room for "three".
	assert.False(t, idx.Exists("one"))
	assert.True(t, idx.Exists("two"))
	assert.True(t, idx.Exists("three"))
}

func TestPinnedReaderIsNotEvicted(t *testing.T) {
	idx, st := newIndex(t, 20)

	data := []byte("0123456789")
	require.NoError(t, idx.Add("pinned", int64(len(data)), func() error { return st.Write("pinned", data) }))

	r, err := idx.Open("pinned")
	require.NoError(t, err)
	defer r.Release()

	// Adding two more 10-byte entries into a 20-byte headroom would normally
	// evict "pinned" first (it's oldest), but it's held open.
	require.NoError(t, idx.Add("second", int64(len(data)), func() error { return st.Write("second", data) }))
	err = idx.Add("third", int64(len(data)), func() error { return st.Write("third", data) })

	assert.True(t, idx.Exists("pinned"), "a pinned (open) entry must never be evicted")
	if err == nil {
		assert.False(t, idx.Exists("second"), "second should be evicted instead, since pinned cannot be")
	}
}

func TestEvictRemovesUnconditionally(t *testing.T) {
	idx, st := newIndex(t, 1024)

	require.NoError(t, idx.Add("victim.sym", 1, func() error { return st.Write("victim.sym", []byte("x")) }))
	require.NoError(t, idx.Evict("victim.sym"))

	assert.False(t, idx.Exists("victim.sym"))
	_, err := st.Open("victim.sym")
	assert.Error(t, err, "the backing file must be deleted too")
}

func TestOpenMissingKeyReturnsNoSuchKey(t *testing.T) {
	idx, _ := newIndex(t, 1024)

	_, err := idx.Open("never-added.sym")
	require.Error(t, err)
	assert.True(t, symerr.Is(err, symerr.NoSuchKey))
}

func TestReadersResetAcrossReopen(t *testing.T) {
	root := t.TempDir()
	st, err := store.New(root)
	require.NoError(t, err)
	dbPath := filepath.Join(root, "cache.db")

	idx := openAt(t, dbPath, st, math.MaxInt64)

	require.NoError(t, idx.Add("r.sym", 1, func() error { return st.Write("r.sym", []byte("x")) }))
	r, err := idx.Open("r.sym")
	require.NoError(t, err)
	_ = r // intentionally never Release()d, simulating a crash while held open
	require.NoError(t, idx.Close())

	idx2 := openAt(t, dbPath, st, 1024)
	defer idx2.Close()

	// a fresh Evict must succeed: the stale reader count was reset to zero
	// on reopen, so the still-open-on-disk handle does not wedge eviction.
	assert.NoError(t, idx2.Evict("r.sym"))
}

