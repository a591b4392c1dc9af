package cache

import (
	"sync"
	"sync/atomic"

	"github.com/dreamware/recstore/internal/engine"
)

type softEntry struct {
	value      any
	referenced atomic.Bool
	reclaimed  atomic.Bool
}

// clockPolicy approximates soft references with a clock reference bit.
// A read sets the bit; a low-memory signal marks every entry whose bit is
// clear as reclaimed, clears the bits of the rest and queues the marked
// recids. Marked entries read as misses at once; a collector goroutine
// removes them from the table in the background.
//
// In weak mode every entry is reclaimed on a signal, referenced or not.
type clockPolicy struct {
	weak bool

	mu    sync.RWMutex
	items map[uint64]*softEntry

	qmu   sync.Mutex
	queue []uint64
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newClockPolicy(weak bool) *clockPolicy {
	p := &clockPolicy{
		weak:  weak,
		items: make(map[uint64]*softEntry),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	p.wg.Add(1)
	go p.collect()
	return p
}

func (p *clockPolicy) get(recid uint64) (any, bool) {
	p.mu.RLock()
	e := p.items[recid]
	p.mu.RUnlock()
	if e == nil || e.reclaimed.Load() {
		return nil, false
	}
	e.referenced.Store(true)
	return e.value, true
}

func (p *clockPolicy) set(recid uint64, value any) {
	p.mu.Lock()
	p.items[recid] = &softEntry{value: value}
	p.mu.Unlock()
}

func (p *clockPolicy) remove(recid uint64) {
	p.mu.Lock()
	delete(p.items, recid)
	p.mu.Unlock()
}

func (p *clockPolicy) clear() {
	p.mu.Lock()
	p.items = make(map[uint64]*softEntry)
	p.mu.Unlock()
}

func (p *clockPolicy) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *clockPolicy) reclaim() {
	var victims []uint64
	p.mu.RLock()
	for recid, e := range p.items {
		if p.weak || !e.referenced.Swap(false) {
			if e.reclaimed.CompareAndSwap(false, true) {
				victims = append(victims, recid)
			}
		}
	}
	p.mu.RUnlock()
	if len(victims) == 0 {
		return
	}

	p.qmu.Lock()
	p.queue = append(p.queue, victims...)
	p.qmu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *clockPolicy) collect() {
	defer p.wg.Done()
	for {
		select {
		case <-p.wake:
			p.drain()
		case <-p.done:
			return
		}
	}
}

// drain removes queued entries that are still marked. A recid written
// again since it was queued holds a fresh entry and is left alone.
func (p *clockPolicy) drain() {
	p.qmu.Lock()
	queue := p.queue
	p.queue = nil
	p.qmu.Unlock()

	p.mu.Lock()
	for _, recid := range queue {
		if e := p.items[recid]; e != nil && e.reclaimed.Load() {
			delete(p.items, recid)
		}
	}
	p.mu.Unlock()
}

func (p *clockPolicy) stop() {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
}

// NewSoftRef returns a cache whose values survive until a low-memory
// signal finds them unread since the previous signal. Without a low-memory
// source it behaves like NewHardRef. Entries may disappear between any two
// operations; a reclaimed entry reads as a miss and is fetched again.
func NewSoftRef(inner engine.Engine, opts ...Option) *Cache {
	return newCache("soft", inner, newClockPolicy(false), newOptions(opts))
}

// NewWeakRef is like NewSoftRef but every low-memory signal reclaims all
// entries.
func NewWeakRef(inner engine.Engine, opts ...Option) *Cache {
	return newCache("weak", inner, newClockPolicy(true), newOptions(opts))
}
