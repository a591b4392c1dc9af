package cache

import (
	"sync/atomic"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/serializer"
)

// slotEntry is the content of one hash-table slot. An entry with valid
// unset is a tombstone: it holds the slot without a value.
type slotEntry struct {
	recid uint64
	value any
	valid bool
}

// HashTable is a lock-free cache of fixed size. Each recid hashes to one
// slot and a write to a slot replaces whatever recid held it before, so
// memory stays bounded and eviction costs nothing, with no say over which
// values survive.
//
// Readers may briefly see a value one write behind. A read fills its slot
// with a compare-and-swap against the slot content it saw before going to
// the wrapped engine, and every mutation installs a fresh tombstone after
// the engine call, so a fill racing a mutation is discarded and the slot
// converges.
type HashTable struct {
	engine.Wrapper

	slots []atomic.Pointer[slotEntry]
	stats counters
}

var _ engine.Engine = (*HashTable)(nil)

// NewHashTable returns a hash-table cache with size slots.
func NewHashTable(inner engine.Engine, size int) (*HashTable, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	c := &HashTable{slots: make([]atomic.Pointer[slotEntry], size)}
	c.Init(inner)
	return c, nil
}

// index returns the slot recid maps to.
func (c *HashTable) index(recid uint64) int {
	h := recid * 0x9E3779B97F4A7C15
	h ^= h >> 32
	return int(h % uint64(len(c.slots)))
}

func (c *HashTable) slot(recid uint64) *atomic.Pointer[slotEntry] {
	return &c.slots[c.index(recid)]
}

func (c *HashTable) invalidate(recid uint64) {
	c.slot(recid).Store(&slotEntry{recid: recid})
}

// Stats returns the hit and miss counters and the number of filled slots.
func (c *HashTable) Stats() Stats {
	n := 0
	for i := range c.slots {
		if e := c.slots[i].Load(); e != nil && e.valid {
			n++
		}
	}
	return Stats{
		Hits:    c.stats.hits.Load(),
		Misses:  c.stats.misses.Load(),
		Entries: n,
	}
}

func (c *HashTable) Get(recid uint64, ser serializer.Serializer) (any, error) {
	e, err := c.Inner()
	if err != nil {
		return nil, err
	}
	s := c.slot(recid)
	seen := s.Load()
	if seen != nil && seen.valid && seen.recid == recid {
		c.stats.hits.Add(1)
		return seen.value, nil
	}
	c.stats.misses.Add(1)

	v, err := e.Get(recid, ser)
	if err != nil {
		return nil, err
	}
	if v != nil {
		s.CompareAndSwap(seen, &slotEntry{recid: recid, value: v, valid: true})
	}
	return v, nil
}

func (c *HashTable) Put(value any, ser serializer.Serializer) (uint64, error) {
	e, err := c.Inner()
	if err != nil {
		return engine.NoRecid, err
	}
	recid, err := e.Put(value, ser)
	if err != nil {
		return engine.NoRecid, err
	}
	if value == nil {
		c.invalidate(recid)
	} else {
		c.slot(recid).Store(&slotEntry{recid: recid, value: value, valid: true})
	}
	return recid, nil
}

func (c *HashTable) Update(recid uint64, value any, ser serializer.Serializer) error {
	e, err := c.Inner()
	if err != nil {
		return err
	}
	err = e.Update(recid, value, ser)
	c.invalidate(recid)
	return err
}

func (c *HashTable) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	e, err := c.Inner()
	if err != nil {
		return false, err
	}
	ok, err := e.CompareAndSwap(recid, expected, newValue, ser)
	c.invalidate(recid)
	return ok, err
}

func (c *HashTable) Delete(recid uint64, ser serializer.Serializer) error {
	e, err := c.Inner()
	if err != nil {
		return err
	}
	err = e.Delete(recid, ser)
	c.invalidate(recid)
	return err
}

// clear empties every slot. The shared tombstone is new, so fills that
// started before the clear fail their compare-and-swap.
func (c *HashTable) clear() {
	tomb := &slotEntry{}
	for i := range c.slots {
		c.slots[i].Store(tomb)
	}
}

func (c *HashTable) Rollback() error {
	e, err := c.Inner()
	if err != nil {
		return err
	}
	err = e.Rollback()
	c.clear()
	return err
}

func (c *HashTable) ClearCache() {
	c.clear()
	c.Wrapper.ClearCache()
}

func (c *HashTable) Close() error {
	c.clear()
	return c.Wrapper.Close()
}
