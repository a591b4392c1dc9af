package integration

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/maker"
	"github.com/dreamware/recstore/internal/queue"
	"github.com/dreamware/recstore/internal/serializer"
)

type record struct {
	Name  string
	Tags  []string
	Count int
}

// configs returns every store, cache and transform combination worth
// running the end-to-end checks against.
func configs(t *testing.T) map[string]maker.Config {
	out := make(map[string]maker.Config)
	caches := []string{
		maker.CacheNone, maker.CacheHardRef, maker.CacheHashTable,
		maker.CacheLRU, maker.CacheSoft, maker.CacheWeak,
	}
	for _, st := range []string{maker.StoreDirect, maker.StoreHeap} {
		for _, c := range caches {
			for _, tr := range []string{"plain", "transformed"} {
				cfg := maker.Default()
				cfg.Store = st
				cfg.Cache = c
				cfg.CacheSize = 64
				cfg.MemoryLimit = 1 << 40
				cfg.Snapshots = true
				if tr == "transformed" {
					cfg.Checksum = true
					cfg.Compress = true
				}
				out[fmt.Sprintf("%s/%s/%s", st, c, tr)] = cfg
			}
		}
	}
	file := maker.Default()
	file.Path = filepath.Join(t.TempDir(), "stack.db")
	file.Locks = maker.LocksStriped
	file.Cache = maker.CacheLRU
	file.Compress = true
	file.Snapshots = true
	out["direct-file/lru/compressed"] = file
	return out
}

func TestEngineStack(t *testing.T) {
	for name, cfg := range configs(t) {
		t.Run(name, func(t *testing.T) {
			h, err := maker.Open(cfg, nil)
			require.NoError(t, err)
			defer h.Close()

			t.Run("records", func(t *testing.T) { checkRecords(t, h) })
			t.Run("snapshot", func(t *testing.T) { checkSnapshot(t, h) })
			t.Run("stack", func(t *testing.T) { checkStack(t, h) })
		})
	}
}

func checkRecords(t *testing.T, eng engine.Engine) {
	ser := serializer.CBOR[record]()
	in := record{Name: "alpha", Tags: []string{"x", "y"}, Count: 3}

	recid, err := eng.Put(in, ser)
	require.NoError(t, err)
	got, err := eng.Get(recid, ser)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	next := record{Name: "beta", Count: 4}
	ok, err := eng.CompareAndSwap(recid, record{Name: "other"}, next, ser)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = eng.CompareAndSwap(recid, in, next, ser)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, eng.SetNamedRecid("beta", recid))
	named, err := eng.NamedRecid("beta")
	require.NoError(t, err)
	assert.Equal(t, recid, named)

	require.NoError(t, eng.Delete(recid, ser))
	got, err = eng.Get(recid, ser)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.ErrorIs(t, eng.Update(recid, in, ser), engine.ErrRecidNotFound)
	require.NoError(t, eng.Commit())
}

func checkSnapshot(t *testing.T, eng engine.Engine) {
	recid, err := eng.Put("before", serializer.String)
	require.NoError(t, err)

	view, err := eng.Snapshot()
	require.NoError(t, err)
	defer view.Close()

	require.NoError(t, eng.Update(recid, "after", serializer.String))
	v, err := view.Get(recid, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "before", v)
	v, err = eng.Get(recid, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "after", v)
}

func checkStack(t *testing.T, eng engine.Engine) {
	s, err := queue.NewStack(eng, serializer.Int64)
	require.NoError(t, err)

	const workers, perWorker = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, s.Push(int64(w*perWorker+i)))
			}
		}(w)
	}
	wg.Wait()

	var popped []int64
	for {
		v, ok, err := s.Pop()
		require.NoError(t, err)
		if !ok {
			break
		}
		popped = append(popped, v.(int64))
	}
	require.Len(t, popped, workers*perWorker)
	sort.Slice(popped, func(i, j int) bool { return popped[i] < popped[j] })
	for i, v := range popped {
		require.Equal(t, int64(i), v)
	}
}

// TestFileReopen checks that a compressed, checksummed file store keeps
// its records and names across a close and reopen.
func TestFileReopen(t *testing.T) {
	cfg := maker.Default()
	cfg.Path = filepath.Join(t.TempDir(), "reopen.db")
	cfg.Checksum = true
	cfg.Compress = true

	h, err := maker.Open(cfg, nil)
	require.NoError(t, err)
	s, err := queue.NewStack(h, serializer.String)
	require.NoError(t, err)
	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, s.Push(v))
	}
	require.NoError(t, h.SetNamedRecid("stack", s.HeadRecid()))
	require.NoError(t, h.Commit())
	require.NoError(t, h.Close())

	cfg.Cache = maker.CacheHardRef
	h, err = maker.Open(cfg, nil)
	require.NoError(t, err)
	defer h.Close()

	head, err := h.NamedRecid("stack")
	require.NoError(t, err)
	s = queue.OpenStack(h, head, serializer.String)
	for _, want := range []string{"three", "two", "one"} {
		v, ok, err := s.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, v)
	}
}
