// Package cache provides decorators that keep decoded values in memory in
// front of a slower engine. Each cache is an engine.Engine wrapping another
// one and differs only in what it keeps and when it lets go:
//
//   - HardRef keeps everything until a low-memory signal or rollback.
//   - LRU keeps a bounded number of recently used values.
//   - SoftRef and WeakRef keep values until memory pressure reclaims them.
//   - HashTable keeps one value per slot of a fixed array.
//
// A cache hit returns the value the wrapped engine would have returned.
// Values are handed out as stored, so callers must not modify them.
package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/recidlock"
	"github.com/dreamware/recstore/internal/serializer"
)

// LowMemory is a process-wide source of low-memory signals. Subscribe
// registers a callback and returns the function that removes it.
type LowMemory interface {
	Subscribe(fn func()) (unsubscribe func())
}

// Stats tracks cache effectiveness.
type Stats struct {
	Hits    uint64 // Reads answered from the cache
	Misses  uint64 // Reads that went to the wrapped engine
	Entries int    // Values currently held
}

type counters struct {
	hits   atomic.Uint64
	misses atomic.Uint64
}

type options struct {
	log     *zap.Logger
	lowMem  LowMemory
	stripes int
}

// Option configures a cache.
type Option func(*options)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithLowMemory subscribes the cache to a low-memory source. Caches that do
// not react to memory pressure ignore it.
func WithLowMemory(src LowMemory) Option {
	return func(o *options) { o.lowMem = src }
}

// WithStripes sets the number of lock stripes guarding cache and engine
// mutations.
func WithStripes(n int) Option {
	return func(o *options) { o.stripes = n }
}

func newOptions(opts []Option) options {
	o := options{log: zap.NewNop(), stripes: recidlock.DefaultSegments}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// policy is the storage and eviction strategy behind a Cache.
type policy interface {
	get(recid uint64) (any, bool)
	set(recid uint64, value any)
	remove(recid uint64)
	clear()
	len() int
}

// reclaimer is implemented by policies that release entries under memory
// pressure.
type reclaimer interface {
	reclaim()
}

// stopper is implemented by policies that run a background goroutine.
type stopper interface {
	stop()
}

// Cache is a map-backed cache decorator. A fixed set of lock stripes is
// held across every cache update and the wrapped engine call it mirrors,
// so a thread always reads its own writes and the cache converges with the
// engine after concurrent writers return.
type Cache struct {
	engine.Wrapper

	name  string
	log   *zap.Logger
	locks *recidlock.Striped
	p     policy
	stats counters
	unsub func()
	once  sync.Once
}

var _ engine.Engine = (*Cache)(nil)

func newCache(name string, inner engine.Engine, p policy, o options) *Cache {
	c := &Cache{
		name:  name,
		log:   o.log.With(zap.String("cache", name)),
		locks: recidlock.NewStriped(o.stripes),
		p:     p,
	}
	c.Init(inner)
	if _, ok := p.(reclaimer); ok && o.lowMem != nil {
		c.unsub = o.lowMem.Subscribe(c.onLowMemory)
	}
	return c
}

func (c *Cache) onLowMemory() {
	before := c.p.len()
	c.p.(reclaimer).reclaim()
	c.log.Info("low memory, releasing cached values", zap.Int("entries", before))
}

// Name returns the eviction policy name.
func (c *Cache) Name() string {
	return c.name
}

// Stats returns a snapshot of the hit and miss counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.stats.hits.Load(),
		Misses:  c.stats.misses.Load(),
		Entries: c.p.len(),
	}
}

// store caches value, or forgets recid for a null value.
func (c *Cache) store(recid uint64, value any) {
	if value == nil {
		c.p.remove(recid)
		return
	}
	c.p.set(recid, value)
}

func (c *Cache) Get(recid uint64, ser serializer.Serializer) (any, error) {
	e, err := c.Inner()
	if err != nil {
		return nil, err
	}
	if v, ok := c.p.get(recid); ok {
		c.stats.hits.Add(1)
		return v, nil
	}
	c.stats.misses.Add(1)

	c.locks.Lock(recid)
	defer c.locks.Unlock(recid)
	if v, ok := c.p.get(recid); ok {
		return v, nil
	}
	v, err := e.Get(recid, ser)
	if err != nil {
		return nil, err
	}
	if v != nil {
		c.p.set(recid, v)
	}
	return v, nil
}

func (c *Cache) Put(value any, ser serializer.Serializer) (uint64, error) {
	e, err := c.Inner()
	if err != nil {
		return engine.NoRecid, err
	}
	recid, err := e.Put(value, ser)
	if err != nil {
		return engine.NoRecid, err
	}
	c.locks.Lock(recid)
	c.store(recid, value)
	c.locks.Unlock(recid)
	return recid, nil
}

func (c *Cache) Update(recid uint64, value any, ser serializer.Serializer) error {
	e, err := c.Inner()
	if err != nil {
		return err
	}
	c.locks.Lock(recid)
	defer c.locks.Unlock(recid)
	if err := e.Update(recid, value, ser); err != nil {
		c.p.remove(recid)
		return err
	}
	c.store(recid, value)
	return nil
}

func (c *Cache) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	e, err := c.Inner()
	if err != nil {
		return false, err
	}
	c.locks.Lock(recid)
	defer c.locks.Unlock(recid)
	ok, err := e.CompareAndSwap(recid, expected, newValue, ser)
	if err != nil || !ok {
		c.p.remove(recid)
		return ok, err
	}
	c.store(recid, newValue)
	return true, nil
}

func (c *Cache) Delete(recid uint64, ser serializer.Serializer) error {
	e, err := c.Inner()
	if err != nil {
		return err
	}
	c.locks.Lock(recid)
	defer c.locks.Unlock(recid)
	err = e.Delete(recid, ser)
	c.p.remove(recid)
	return err
}

// Rollback discards every cached value along with the uncommitted changes.
// All stripes are held across both, so a miss that read a discarded value
// cannot store it after the clear.
func (c *Cache) Rollback() error {
	e, err := c.Inner()
	if err != nil {
		return err
	}
	c.locks.LockAll()
	defer c.locks.UnlockAll()
	err = e.Rollback()
	c.p.clear()
	return err
}

// ClearCache drops every cached value, then clears the layers below.
func (c *Cache) ClearCache() {
	c.locks.LockAll()
	c.p.clear()
	c.locks.UnlockAll()
	c.Wrapper.ClearCache()
}

// Close unsubscribes from the low-memory source, drops every cached value
// and closes the wrapped engine.
func (c *Cache) Close() error {
	var err error
	c.once.Do(func() {
		if c.unsub != nil {
			c.unsub()
		}
		if s, ok := c.p.(stopper); ok {
			s.stop()
		}
		c.p.clear()
		stats := c.Stats()
		err = c.Wrapper.Close()
		c.log.Info("cache closed",
			zap.Uint64("hits", stats.Hits),
			zap.Uint64("misses", stats.Misses),
			zap.Error(err))
	})
	return err
}

func checkSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("cache: size must be positive, got %d", size)
	}
	return nil
}
