package snapshot

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
	"github.com/dreamware/recstore/internal/store"
	"github.com/dreamware/recstore/internal/volume"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	d, err := store.OpenDirect(volume.NewMemory())
	require.NoError(t, err)
	e := New(d)
	t.Cleanup(func() { e.Close() })
	return e
}

// TestSnapshotKeepsFirstValue checks a view keeps the value from when it
// was opened across several later updates, and a later view sees the
// latest value.
func TestSnapshotKeepsFirstValue(t *testing.T) {
	e := newTestEngine(t)

	recid, err := e.Put("A", serializer.String)
	require.NoError(t, err)

	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, e.Update(recid, "B", serializer.String))
	require.NoError(t, e.Update(recid, "C", serializer.String))

	v, err := s.Get(recid, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "A", v)

	live, err := e.Get(recid, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "C", live)

	later, err := e.Snapshot()
	require.NoError(t, err)
	defer later.Close()
	v, err = later.Get(recid, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "C", v)
}

func TestSnapshotUnmodifiedReadsThrough(t *testing.T) {
	e := newTestEngine(t)

	recid, err := e.Put("same", serializer.String)
	require.NoError(t, err)
	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(recid, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "same", v)

	_, err = s.Get(0, serializer.String)
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
}

func TestSnapshotDeleteAndPut(t *testing.T) {
	e := newTestEngine(t)

	doomed, err := e.Put("doomed", serializer.String)
	require.NoError(t, err)

	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, e.Delete(doomed, serializer.String))
	fresh, err := e.Put("fresh", serializer.String)
	require.NoError(t, err)
	assert.Equal(t, doomed, fresh, "released recid is reused")

	v, err := s.Get(doomed, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "doomed", v, "view keeps the deleted value")

	another, err := e.Put("another", serializer.String)
	require.NoError(t, err)
	v, err = s.Get(another, serializer.String)
	require.NoError(t, err)
	assert.Nil(t, v, "recids allocated after the view do not exist in it")

	v, err = e.Get(another, serializer.String)
	require.NoError(t, err)
	assert.Equal(t, "another", v)

	nullRecid, err := e.Put(nil, serializer.String)
	require.NoError(t, err)
	v, err = e.Get(nullRecid, serializer.String)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSnapshotCompareAndSwap(t *testing.T) {
	e := newTestEngine(t)

	recid, _ := e.Put(int64(1), serializer.Int64)
	s, err := e.Snapshot()
	require.NoError(t, err)
	defer s.Close()

	ok, err := e.CompareAndSwap(recid, int64(5), int64(6), serializer.Int64)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = e.CompareAndSwap(recid, int64(1), int64(2), serializer.Int64)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _ := s.Get(recid, serializer.Int64)
	assert.Equal(t, int64(1), v)
	v, _ = e.Get(recid, serializer.Int64)
	assert.Equal(t, int64(2), v)
}

func TestSnapshotIsReadOnly(t *testing.T) {
	e := newTestEngine(t)
	recid, _ := e.Put("x", serializer.String)

	s, err := e.Snapshot()
	require.NoError(t, err)
	assert.True(t, s.IsReadOnly())
	assert.False(t, s.CanRollback())

	_, err = s.Put("y", serializer.String)
	assert.ErrorIs(t, err, engine.ErrReadOnly)
	assert.ErrorIs(t, s.Update(recid, "y", serializer.String), engine.ErrReadOnly)
	_, err = s.CompareAndSwap(recid, "x", "y", serializer.String)
	assert.ErrorIs(t, err, engine.ErrReadOnly)
	assert.ErrorIs(t, s.Delete(recid, serializer.String), engine.ErrReadOnly)
	assert.ErrorIs(t, s.SetNamedRecid("n", recid), engine.ErrReadOnly)
	assert.ErrorIs(t, s.Commit(), engine.ErrReadOnly)
	assert.ErrorIs(t, s.Rollback(), engine.ErrReadOnly)

	require.NoError(t, s.Close())
	_, err = s.Put("y", serializer.String)
	assert.ErrorIs(t, err, engine.ErrClosed)
	_, err = s.Get(recid, serializer.String)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestSnapshotCloseStopsCapture(t *testing.T) {
	e := newTestEngine(t)
	recid, _ := e.Put("x", serializer.String)

	s1, _ := e.Snapshot()
	s2, _ := e.Snapshot()
	assert.Equal(t, 2, e.Open())

	require.NoError(t, s1.Close())
	require.NoError(t, s1.Close())
	assert.Equal(t, 1, e.Open())
	assert.False(t, e.IsClosed(), "closing a view leaves the engine open")

	require.NoError(t, e.Update(recid, "y", serializer.String))
	assert.Empty(t, s1.(*Snapshot).saved)
	assert.Len(t, s2.(*Snapshot).saved, 1)

	require.NoError(t, e.Close())
	assert.True(t, s2.IsClosed())
	_, err := s2.Get(recid, serializer.String)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestSnapshotRollback(t *testing.T) {
	e := New(store.NewHeap())
	defer e.Close()

	recid, _ := e.Put("committed", serializer.String)
	require.NoError(t, e.Commit())
	require.NoError(t, e.Update(recid, "dirty", serializer.String))

	s, err := e.Snapshot()
	require.NoError(t, err)
	assert.ErrorIs(t, e.Rollback(), engine.ErrUnsupported)
	require.NoError(t, s.Close())

	require.NoError(t, e.Rollback())
	v, _ := e.Get(recid, serializer.String)
	assert.Equal(t, "committed", v)
}

func TestSnapshotNamedRecidsReadLive(t *testing.T) {
	e := newTestEngine(t)
	s, _ := e.Snapshot()
	defer s.Close()

	require.NoError(t, e.SetNamedRecid("root", 99))
	named, err := s.NamedRecid("root")
	require.NoError(t, err)
	assert.Equal(t, uint64(99), named)
}

// TestSnapshotConcurrentWriters checks that views opened while writers run
// stay internally consistent: each recid reads a value that was current
// when the view was opened, and never changes afterwards.
func TestSnapshotConcurrentWriters(t *testing.T) {
	e := newTestEngine(t)

	const n = 32
	recids := make([]uint64, n)
	for i := range recids {
		r, err := e.Put(int64(0), serializer.Int64)
		require.NoError(t, err)
		recids[i] = r
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := int64(1); ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				r := recids[(int(i)+w)%n]
				if !assert.NoError(t, e.Update(r, i, serializer.Int64)) {
					return
				}
			}
		}(w)
	}

	for round := 0; round < 20; round++ {
		s, err := e.Snapshot()
		require.NoError(t, err)
		first := make([]any, n)
		for i, r := range recids {
			first[i], err = s.Get(r, serializer.Int64)
			require.NoError(t, err)
		}
		for i, r := range recids {
			v, err := s.Get(r, serializer.Int64)
			require.NoError(t, err)
			require.Equal(t, first[i], v, fmt.Sprintf("round %d recid %d", round, r))
		}
		require.NoError(t, s.Close())
	}
	close(stop)
	wg.Wait()
	assert.Zero(t, e.Open())
}
