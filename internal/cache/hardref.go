package cache

import (
	"sync"

	"github.com/dreamware/recstore/internal/engine"
)

// hardPolicy keeps every value it is given. Memory pressure drops the
// whole table.
type hardPolicy struct {
	mu    sync.RWMutex
	items map[uint64]any
}

func (p *hardPolicy) get(recid uint64) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.items[recid]
	return v, ok
}

func (p *hardPolicy) set(recid uint64, value any) {
	p.mu.Lock()
	p.items[recid] = value
	p.mu.Unlock()
}

func (p *hardPolicy) remove(recid uint64) {
	p.mu.Lock()
	delete(p.items, recid)
	p.mu.Unlock()
}

func (p *hardPolicy) clear() {
	p.mu.Lock()
	p.items = make(map[uint64]any)
	p.mu.Unlock()
}

func (p *hardPolicy) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *hardPolicy) reclaim() {
	p.clear()
}

// NewHardRef returns a cache that retains every value read or written
// through it. The table is emptied on rollback and, when a low-memory
// source is configured, on every low-memory signal.
func NewHardRef(inner engine.Engine, opts ...Option) *Cache {
	return newCache("hardref", inner, &hardPolicy{items: make(map[uint64]any)}, newOptions(opts))
}
