package store_test

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"github.com/vkvlabs/vKV/lib/codec"
	"github.com/vkvlabs/vKV/lib/dfs"
	"github.com/vkvlabs/vKV/lib/store"
)

func newTestStore(t *testing.T, remote afero.Fs, conf *store.Conf) *store.Store {
	t.Helper()
	id := store.StoreId{RootPath: "/checkpoints", PartitionIndex: 0, StoreName: "counts"}
	s, err := store.NewStore(id, remote, t.TempDir(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitLoadRoundTrip(t *testing.T) {
	remote := afero.NewMemMapFs()

	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.Put("default", []byte("k1"), []byte("v1")))
	v, err := s.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)

	// The committed version stays readable on the same handle.
	got, found, err := s.Get("default", []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), got)

	// A fresh instance on a fresh working directory sees the committed
	// state through the remote store alone.
	s2 := newTestStore(t, remote, nil)
	require.NoError(t, s2.Load(1))
	require.Equal(t, uint64(1), s2.Version())
	got, found, err = s2.Get("default", []byte("k1"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v1"), got)
}

func TestCommitWithoutMutationsDuplicatesVersion(t *testing.T) {
	remote := afero.NewMemMapFs()

	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.Put("default", []byte("k"), []byte("v")))
	_, err := s.Commit()
	require.NoError(t, err)

	require.NoError(t, s.Load(1))
	v, err := s.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	s2 := newTestStore(t, remote, nil)
	require.NoError(t, s2.Load(2))
	got, found, err := s2.Get("default", []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), got)
}

func TestLoadVersionZeroIsEmpty(t *testing.T) {
	remote := afero.NewMemMapFs()

	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.Put("default", []byte("k"), []byte("v")))
	_, err := s.Commit()
	require.NoError(t, err)

	require.NoError(t, s.Load(0))
	_, found, err := s.Get("default", []byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestLoadUnknownVersionReleasesLock(t *testing.T) {
	remote := afero.NewMemMapFs()
	conf := store.DefaultConf()
	conf.LockAcquireTimeout = 20 * time.Millisecond

	s := newTestStore(t, remote, conf)
	err := s.Load(9)
	require.ErrorIs(t, err, dfs.ErrVersionNotFound)

	// The failed load must not leave the lock behind.
	require.NoError(t, s.Load(0))
}

func TestSingleWriterAcrossHandles(t *testing.T) {
	remote := afero.NewMemMapFs()
	conf := store.DefaultConf()
	conf.LockAcquireTimeout = 20 * time.Millisecond

	// Two independent handles on the same store id contend on one lock.
	id := store.StoreId{RootPath: "/checkpoints", PartitionIndex: 3, StoreName: "shared"}
	s1, err := store.NewStore(id, remote, t.TempDir(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s1.Close() })
	s2, err := store.NewStore(id, remote, t.TempDir(), conf)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	require.NoError(t, s1.Load(0))
	require.ErrorIs(t, s2.Load(0), store.ErrLockTimeout)

	// Closing the handle that does not hold the lock must not release it.
	require.NoError(t, s2.Close())
	require.ErrorIs(t, s2.Load(0), store.ErrLockTimeout)

	_, err = s1.Commit()
	require.NoError(t, err)
	require.NoError(t, s2.Load(1))
}

func TestLockTimeoutNamesHolder(t *testing.T) {
	remote := afero.NewMemMapFs()
	conf := store.DefaultConf()
	conf.LockAcquireTimeout = 20 * time.Millisecond

	s := newTestStore(t, remote, conf)
	require.NoError(t, s.Load(0))

	err := s.Load(0)
	require.ErrorIs(t, err, store.ErrLockTimeout)
	require.Contains(t, err.Error(), "load(version=0)")

	// Commit releases the lock; the next load goes through.
	v, err := s.Commit()
	require.NoError(t, err)
	require.Equal(t, uint64(1), v)
	require.NoError(t, s.Load(1))
}

func TestMutationsRequireHeldLock(t *testing.T) {
	remote := afero.NewMemMapFs()
	s := newTestStore(t, remote, nil)

	require.Error(t, s.Put("default", []byte("k"), []byte("v")))

	require.NoError(t, s.Load(0))
	require.NoError(t, s.Put("default", []byte("k"), []byte("v")))
	_, err := s.Commit()
	require.NoError(t, err)

	// After commit the lock is released; reads work, writes do not.
	_, _, err = s.Get("default", []byte("k"))
	require.NoError(t, err)
	require.Error(t, s.Put("default", []byte("k"), []byte("v2")))
	_, err = s.Commit()
	require.Error(t, err)
}

func TestRollbackDiscardsMutations(t *testing.T) {
	remote := afero.NewMemMapFs()

	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.Put("default", []byte("a"), []byte("1")))
	_, err := s.Commit()
	require.NoError(t, err)

	require.NoError(t, s.Load(1))
	require.NoError(t, s.Put("default", []byte("b"), []byte("2")))
	require.NoError(t, s.Rollback())

	require.NoError(t, s.Load(1))
	_, found, err := s.Get("default", []byte("b"))
	require.NoError(t, err)
	require.False(t, found)
	got, found, err := s.Get("default", []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), got)
}

func TestMultiValuedFamilySurvivesCheckpoint(t *testing.T) {
	remote := afero.NewMemMapFs()

	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.CreateColumnFamily("events", true))
	require.NoError(t, s.Merge("events", []byte("e"), []byte("x")))
	require.NoError(t, s.Merge("events", []byte("e"), []byte("y")))
	_, err := s.Commit()
	require.NoError(t, err)

	s2 := newTestStore(t, remote, nil)
	require.NoError(t, s2.Load(1))
	vals, found, err := s2.Values("events", []byte("e"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, [][]byte{[]byte("x"), []byte("y")}, vals)
}

func TestChangelogCommitsMatchSnapshots(t *testing.T) {
	remote := afero.NewMemMapFs()
	conf := store.DefaultConf()
	conf.ChangelogCheckpointing = true
	conf.MinDeltasForSnapshot = 3

	s := newTestStore(t, remote, conf)
	for v := uint64(0); v < 5; v++ {
		require.NoError(t, s.Load(v))
		if v == 0 {
			require.NoError(t, s.CreateColumnFamily("events", true))
		}
		require.NoError(t, s.Put("default",
			[]byte(fmt.Sprintf("key-%d", v+1)), []byte(fmt.Sprintf("val-%d", v+1))))
		require.NoError(t, s.Merge("events", []byte("e"), []byte(fmt.Sprintf("m-%d", v+1))))
		committed, err := s.Commit()
		require.NoError(t, err)
		require.Equal(t, v+1, committed)
	}

	// Every committed version reconstructs the exact same state whether it
	// was persisted as a delta or as a snapshot.
	for v := uint64(1); v <= 5; v++ {
		s2 := newTestStore(t, remote, conf)
		require.NoError(t, s2.Load(v))

		for k := uint64(1); k <= 5; k++ {
			got, found, err := s2.Get("default", []byte(fmt.Sprintf("key-%d", k)))
			require.NoError(t, err)
			if k <= v {
				require.True(t, found, "version %d must contain key-%d", v, k)
				require.Equal(t, []byte(fmt.Sprintf("val-%d", k)), got)
			} else {
				require.False(t, found, "version %d must not contain key-%d", v, k)
			}
		}

		vals, found, err := s2.Values("events", []byte("e"))
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, vals, int(v))
		require.NoError(t, s2.Close())
	}
}

func TestIteratorYieldsNumericOrder(t *testing.T) {
	remote := afero.NewMemMapFs()

	schema := codec.Schema{
		{Name: "key1", Type: codec.TypeLong},
		{Name: "key2", Type: codec.TypeString},
	}
	kc, err := codec.NewKeyCodec(schema, codec.RangeScan{NumOrderingCols: 1})
	require.NoError(t, err)

	inputs := []int64{931, 8000, 452300, 4200, -1, 90, 1, 2, 8, -230, -14569,
		-92, -7434253, 35, 6, 9, -323, 5}

	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.CreateColumnFamily("ordered", false))
	for _, v := range inputs {
		key, err := kc.Encode([]codec.Value{codec.LongValue(v), codec.StringValue("s")})
		require.NoError(t, err)
		require.NoError(t, s.Put("ordered", key, []byte("x")))
	}

	it, err := s.Iterator("ordered")
	require.NoError(t, err)
	defer it.Close()

	var got []int64
	for it.First(); it.Valid(); it.Next() {
		cols, err := kc.Decode(it.Key())
		require.NoError(t, err)
		require.Equal(t, []byte("x"), it.Value())
		got = append(got, cols[0].Int)
	}

	want := append([]int64(nil), inputs...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	require.Equal(t, want, got)

	// A range scan bounded by an encoded ordering prefix sees only the
	// non-negative values.
	lower, err := kc.EncodeOrderingPrefix([]codec.Value{codec.LongValue(0)})
	require.NoError(t, err)
	rs, err := s.RangeScan("ordered", lower, nil)
	require.NoError(t, err)
	defer rs.Close()
	for rs.First(); rs.Valid(); rs.Next() {
		cols, err := kc.Decode(rs.Key())
		require.NoError(t, err)
		require.GreaterOrEqual(t, cols[0].Int, int64(0))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	remote := afero.NewMemMapFs()
	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	// A closed store can be loaded again.
	require.NoError(t, s.Load(0))
}

func TestMaintenanceSkipsHeldLock(t *testing.T) {
	remote := afero.NewMemMapFs()
	conf := store.DefaultConf()
	conf.MinVersionsToRetain = 1

	s := newTestStore(t, remote, conf)
	for v := uint64(0); v < 3; v++ {
		require.NoError(t, s.Load(v))
		require.NoError(t, s.Put("default", []byte("k"), []byte(fmt.Sprintf("%d", v))))
		_, err := s.Commit()
		require.NoError(t, err)
	}

	mgr := dfs.NewManager(remote, afero.NewMemMapFs(), s.Id().RemoteRoot())

	// While a writer holds the lock the pass must return without touching
	// anything.
	require.NoError(t, s.Load(3))
	require.NoError(t, s.Maintenance())
	versions, err := mgr.Versions()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, versions)

	// Once the lock is free, retention applies.
	_, err = s.Commit()
	require.NoError(t, err)
	require.NoError(t, s.Maintenance())
	versions, err = mgr.Versions()
	require.NoError(t, err)
	require.Equal(t, []uint64{4}, versions)
}

func TestRegistry(t *testing.T) {
	remote := afero.NewMemMapFs()
	s := newTestStore(t, remote, nil)

	reg := store.NewRegistry()
	require.Zero(t, reg.Len())

	reg.Register(s)
	require.Equal(t, 1, reg.Len())
	got, ok := reg.Get(s.Id())
	require.True(t, ok)
	require.Same(t, s, got)

	seen := 0
	reg.Range(func(*store.Store) bool {
		seen++
		return true
	})
	require.Equal(t, 1, seen)

	reg.Unregister(s.Id())
	require.Zero(t, reg.Len())
	_, ok = reg.Get(s.Id())
	require.False(t, ok)
}

func TestMaintenanceScheduler(t *testing.T) {
	reg := store.NewRegistry()
	sched := store.NewMaintenanceScheduler(reg, 5*time.Millisecond)

	require.False(t, sched.IsRunning())
	sched.Start()
	require.True(t, sched.IsRunning())
	sched.Start() // no-op
	sched.Stop()
	require.False(t, sched.IsRunning())
	sched.Stop() // no-op

	// A manual cycle over a registry with one committed store runs cleanup
	// without error.
	remote := afero.NewMemMapFs()
	s := newTestStore(t, remote, nil)
	require.NoError(t, s.Load(0))
	require.NoError(t, s.Put("default", []byte("k"), []byte("v")))
	_, err := s.Commit()
	require.NoError(t, err)
	reg.Register(s)
	sched.RunCycle()
}
