package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/dreamware/recstore/internal/engine"
)

// lruPolicy bounds the cache to a capacity. Once the capacity is exceeded
// the least recently used entries are trimmed down to three quarters of
// it, so trimming happens in batches rather than on every insert.
type lruPolicy struct {
	mu   sync.Mutex
	lru  *simplelru.LRU[uint64, any]
	high int
	low  int
}

func newLRUPolicy(capacity int) (*lruPolicy, error) {
	// one spare slot so the list never evicts on its own
	l, err := simplelru.NewLRU[uint64, any](capacity+1, nil)
	if err != nil {
		return nil, err
	}
	return &lruPolicy{
		lru:  l,
		high: capacity,
		low:  max(1, capacity-capacity/4),
	}, nil
}

func (p *lruPolicy) get(recid uint64) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Get(recid)
}

func (p *lruPolicy) set(recid uint64, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lru.Add(recid, value)
	if p.lru.Len() > p.high {
		for p.lru.Len() > p.low {
			p.lru.RemoveOldest()
		}
	}
}

func (p *lruPolicy) remove(recid uint64) {
	p.mu.Lock()
	p.lru.Remove(recid)
	p.mu.Unlock()
}

func (p *lruPolicy) clear() {
	p.mu.Lock()
	p.lru.Purge()
	p.mu.Unlock()
}

func (p *lruPolicy) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}

// NewLRU returns a cache holding at most capacity recently used values.
func NewLRU(inner engine.Engine, capacity int, opts ...Option) (*Cache, error) {
	if err := checkSize(capacity); err != nil {
		return nil, err
	}
	p, err := newLRUPolicy(capacity)
	if err != nil {
		return nil, err
	}
	return newCache("lru", inner, p, newOptions(opts)), nil
}
