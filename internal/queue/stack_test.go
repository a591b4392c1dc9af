package queue

import (
	"bytes"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/recstore/internal/cache"
	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
	"github.com/dreamware/recstore/internal/store"
	"github.com/dreamware/recstore/internal/volume"
)

func newTestStore(t *testing.T) engine.Engine {
	t.Helper()
	d, err := store.OpenDirect(volume.NewMemory())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestNodeSerializerLayout(t *testing.T) {
	ns := nodeSerializer{elem: serializer.String}

	var buf bytes.Buffer
	require.NoError(t, ns.Serialize(&buf, node{next: 0x0102, value: "ab"}))
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 1, 2, 1, 'a', 'b'}, buf.Bytes())

	v, err := serializer.Unmarshal(ns, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, node{next: 0x0102, value: "ab"}, v)

	buf.Reset()
	require.NoError(t, ns.Serialize(&buf, node{next: 9}))
	v, err = serializer.Unmarshal(ns, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, node{next: 9}, v)

	_, err = serializer.Marshal(ns, "not a node")
	assert.ErrorIs(t, err, serializer.ErrSerializer)
}

func TestStackLIFO(t *testing.T) {
	s, err := NewStack(newTestStore(t), serializer.Int64)
	require.NoError(t, err)

	_, ok, err := s.Pop()
	require.NoError(t, err)
	assert.False(t, ok)

	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Push(i))
	}
	v, ok, err := s.Peek()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(9), v)

	for i := int64(9); i >= 0; i-- {
		v, ok, err := s.Pop()
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok, err = s.Peek()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStackNilValues(t *testing.T) {
	s, err := NewStack(newTestStore(t), serializer.String)
	require.NoError(t, err)

	require.NoError(t, s.Push(nil))
	require.NoError(t, s.Push("x"))

	v, ok, _ := s.Pop()
	assert.True(t, ok)
	assert.Equal(t, "x", v)
	v, ok, _ = s.Pop()
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestStackReopenAndClear(t *testing.T) {
	eng := newTestStore(t)
	s, err := NewStack(eng, serializer.String)
	require.NoError(t, err)
	require.NoError(t, s.Push("a"))
	require.NoError(t, s.Push("b"))

	reopened := OpenStack(eng, s.HeadRecid(), serializer.String)
	v, _, err := reopened.Peek()
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	require.NoError(t, reopened.Clear())
	_, ok, err := s.Pop()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStackUnsupported(t *testing.T) {
	s, err := NewStack(newTestStore(t), serializer.String)
	require.NoError(t, err)
	_, err = s.Len()
	assert.ErrorIs(t, err, engine.ErrUnsupported)
	_, err = s.Values()
	assert.ErrorIs(t, err, engine.ErrUnsupported)
}

// TestStackConcurrentPushThenPop pushes from many goroutines, then pops
// from many goroutines, and checks every element comes out exactly once.
func TestStackConcurrentPushThenPop(t *testing.T) {
	engines := map[string]func(t *testing.T) engine.Engine{
		"direct": newTestStore,
		"lru over heap": func(t *testing.T) engine.Engine {
			c, err := cache.NewLRU(store.NewHeap(), 128)
			require.NoError(t, err)
			t.Cleanup(func() { c.Close() })
			return c
		},
	}
	for name, mk := range engines {
		t.Run(name, func(t *testing.T) {
			s, err := NewStack(mk(t), serializer.Int64)
			require.NoError(t, err)

			const workers, perWorker = 8, 100
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

			var mu sync.Mutex
			var popped []int64
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						v, ok, err := s.Pop()
						if !assert.NoError(t, err) || !ok {
							return
						}
						mu.Lock()
						popped = append(popped, v.(int64))
						mu.Unlock()
					}
				}()
			}
			wg.Wait()

			require.Len(t, popped, workers*perWorker)
			sort.Slice(popped, func(i, j int) bool { return popped[i] < popped[j] })
			for i, v := range popped {
				require.Equal(t, int64(i), v)
			}
		})
	}
}

func TestStackWithLocksMixedOperations(t *testing.T) {
	s, err := NewStack(newTestStore(t), serializer.Int64, WithLocks())
	require.NoError(t, err)

	const workers, perWorker = 6, 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	pushed, popped := 0, 0
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if !assert.NoError(t, s.Push(int64(i))) {
					return
				}
				mu.Lock()
				pushed++
				mu.Unlock()
				if i%2 == 0 {
					_, ok, err := s.Pop()
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						popped++
						mu.Unlock()
					}
				}
			}
		}(w)
	}
	wg.Wait()

	remaining := 0
	for {
		_, ok, err := s.Pop()
		require.NoError(t, err)
		if !ok {
			break
		}
		remaining++
	}
	assert.Equal(t, pushed, popped+remaining)
}
