package recidlock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockers() map[string]func() Locker {
	return map[string]func() Locker{
		"table":   func() Locker { return NewTable() },
		"striped": func() Locker { return NewStriped(4) },
	}
}

// TestMutualExclusion increments a plain counter from many goroutines under
// the lock of a single recid. Any lost update means the lock leaked.
func TestMutualExclusion(t *testing.T) {
	for name, mk := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := mk()
			counter := 0
			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 1000; i++ {
						l.Lock(42)
						counter++
						l.Unlock(42)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 8000, counter)
			require.NoError(t, l.AssertNoLocks())
		})
	}
}

func TestAssertNoLocksReportsHeldLock(t *testing.T) {
	for name, mk := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := mk()
			l.Lock(7)
			assert.Error(t, l.AssertNoLocks())
			l.Unlock(7)
			assert.NoError(t, l.AssertNoLocks())
		})
	}
}

func TestUnlockWithoutLockPanics(t *testing.T) {
	for name, mk := range lockers() {
		t.Run(name, func(t *testing.T) {
			l := mk()
			assert.Panics(t, func() { l.Unlock(3) })
		})
	}
}

func TestTableDistinctRecidsDoNotBlock(t *testing.T) {
	l := NewTable()
	l.Lock(1)
	defer l.Unlock(1)

	done := make(chan struct{})
	go func() {
		l.Lock(2)
		l.Unlock(2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on recid 2 blocked behind recid 1")
	}
}

func TestTableWaiterProceedsAfterUnlock(t *testing.T) {
	l := NewTable()
	l.Lock(5)

	acquired := make(chan struct{})
	go func() {
		l.Lock(5)
		close(acquired)
		l.Unlock(5)
	}()

	select {
	case <-acquired:
		t.Fatal("second locker acquired a held recid")
	case <-time.After(50 * time.Millisecond):
	}

	l.Unlock(5)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the released recid")
	}
}

func TestStripedSegments(t *testing.T) {
	s := NewStriped(4)
	assert.Equal(t, 1, s.Segment(1))
	assert.Equal(t, 1, s.Segment(5))
	assert.Equal(t, 0, s.Segment(8))

	assert.Len(t, NewStriped(0).segments, DefaultSegments)
}

func TestStripedSharedLocks(t *testing.T) {
	s := NewStriped(2)
	s.RLock(1)
	s.RLock(3)

	writer := make(chan struct{})
	go func() {
		s.Lock(1)
		close(writer)
		s.Unlock(1)
	}()

	select {
	case <-writer:
		t.Fatal("writer entered a stripe held in shared mode")
	case <-time.After(50 * time.Millisecond):
	}
	s.RUnlock(1)
	s.RUnlock(3)
	<-writer
	assert.NoError(t, s.AssertNoLocks())
}

func TestStripedLockAll(t *testing.T) {
	s := NewStriped(4)
	s.LockAll()
	assert.Error(t, s.AssertNoLocks())

	entered := make(chan struct{})
	go func() {
		s.Lock(7)
		close(entered)
		s.Unlock(7)
	}()

	select {
	case <-entered:
		t.Fatal("recid lock granted while every stripe was held")
	case <-time.After(50 * time.Millisecond):
	}

	s.UnlockAll()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("recid lock not granted after UnlockAll")
	}
	assert.Eventually(t, func() bool { return s.AssertNoLocks() == nil },
		time.Second, 5*time.Millisecond)
}
