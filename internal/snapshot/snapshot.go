// Package snapshot adds point-in-time read-only views to any engine.
//
// Views are cheap to open: nothing is copied up front. Instead, the first
// mutation of each recid after a view was opened saves the value the recid
// held at that moment into the view. A view read returns the saved value if
// there is one and reads the live engine otherwise. Every open view is
// visited on every mutation, so mutation cost grows with the number of open
// views; close views as soon as they are no longer needed.
package snapshot

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/recstore/internal/engine"
	"github.com/dreamware/recstore/internal/recidlock"
	"github.com/dreamware/recstore/internal/serializer"
)

// saved is a value captured for a view. exists is false when the recid
// had not been handed out when the view was opened.
type saved struct {
	value  any
	exists bool
}

type options struct {
	log     *zap.Logger
	stripes int
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithStripes sets the number of lock stripes that order view reads
// against mutations of the same recid.
func WithStripes(n int) Option {
	return func(o *options) { o.stripes = n }
}

// Engine is a decorator that can open Snapshot views of its wrapped
// engine.
type Engine struct {
	engine.Wrapper

	log   *zap.Logger
	locks *recidlock.Striped

	// mu is held shared by every mutation and exclusively while the set of
	// views changes, so a view is either visited by a mutation from start
	// to finish or not at all.
	mu    sync.RWMutex
	views map[*Snapshot]struct{}
}

var _ engine.Engine = (*Engine)(nil)

// New wraps inner.
func New(inner engine.Engine, opts ...Option) *Engine {
	o := options{log: zap.NewNop(), stripes: recidlock.DefaultSegments}
	for _, opt := range opts {
		opt(&o)
	}
	e := &Engine{
		log:   o.log,
		locks: recidlock.NewStriped(o.stripes),
		views: make(map[*Snapshot]struct{}),
	}
	e.Init(inner)
	return e
}

// Snapshot opens a read-only view of the current state.
func (e *Engine) Snapshot() (engine.Engine, error) {
	if _, err := e.Inner(); err != nil {
		return nil, err
	}
	s := &Snapshot{parent: e, saved: make(map[uint64]saved)}
	e.mu.Lock()
	e.views[s] = struct{}{}
	n := len(e.views)
	e.mu.Unlock()
	e.log.Info("snapshot opened", zap.Int("open", n))
	return s, nil
}

// Open returns the number of open views.
func (e *Engine) Open() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.views)
}

func (e *Engine) release(s *Snapshot) {
	e.mu.Lock()
	delete(e.views, s)
	n := len(e.views)
	e.mu.Unlock()
	e.log.Info("snapshot closed", zap.Int("open", n))
}

// preserve saves the current value of recid into every view that has not
// saved it yet. Caller holds e.mu shared and the recid's stripe.
func (e *Engine) preserve(inner engine.Engine, recid uint64, ser serializer.Serializer) error {
	var pending []*Snapshot
	for s := range e.views {
		if !s.has(recid) {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	v, err := inner.Get(recid, ser)
	if err != nil {
		return err
	}
	for _, s := range pending {
		s.save(recid, saved{value: v, exists: true})
	}
	return nil
}

func (e *Engine) Put(value any, ser serializer.Serializer) (uint64, error) {
	inner, err := e.Inner()
	if err != nil {
		return engine.NoRecid, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.views) == 0 {
		return inner.Put(value, ser)
	}

	// Allocate as a null record first so the recid can be marked absent in
	// every view before the value becomes visible.
	recid, err := inner.Put(nil, ser)
	if err != nil {
		return engine.NoRecid, err
	}
	e.locks.Lock(recid)
	defer e.locks.Unlock(recid)
	for s := range e.views {
		s.save(recid, saved{})
	}
	if value == nil {
		return recid, nil
	}
	if err := inner.Update(recid, value, ser); err != nil {
		return engine.NoRecid, err
	}
	return recid, nil
}

func (e *Engine) Update(recid uint64, value any, ser serializer.Serializer) error {
	inner, err := e.Inner()
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.locks.Lock(recid)
	defer e.locks.Unlock(recid)
	if err := e.preserve(inner, recid, ser); err != nil {
		return err
	}
	return inner.Update(recid, value, ser)
}

func (e *Engine) CompareAndSwap(recid uint64, expected, newValue any, ser serializer.Serializer) (bool, error) {
	inner, err := e.Inner()
	if err != nil {
		return false, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.locks.Lock(recid)
	defer e.locks.Unlock(recid)
	if err := e.preserve(inner, recid, ser); err != nil {
		return false, err
	}
	return inner.CompareAndSwap(recid, expected, newValue, ser)
}

func (e *Engine) Delete(recid uint64, ser serializer.Serializer) error {
	inner, err := e.Inner()
	if err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.locks.Lock(recid)
	defer e.locks.Unlock(recid)
	if err := e.preserve(inner, recid, ser); err != nil {
		return err
	}
	return inner.Delete(recid, ser)
}

// Rollback is refused while views are open: the values it restores were
// never saved into them.
func (e *Engine) Rollback() error {
	inner, err := e.Inner()
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.views); n > 0 {
		return fmt.Errorf("rollback with %d open snapshots: %w", n, engine.ErrUnsupported)
	}
	return inner.Rollback()
}

// Close closes every open view and the wrapped engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	for s := range e.views {
		s.drop()
	}
	e.views = make(map[*Snapshot]struct{})
	e.mu.Unlock()
	return e.Wrapper.Close()
}

// Snapshot is a read-only view of an Engine at the moment it was opened.
// Named recids are not versioned and read the live catalog.
type Snapshot struct {
	parent *Engine

	mu     sync.Mutex
	saved  map[uint64]saved
	closed bool
}

var _ engine.Engine = (*Snapshot)(nil)

func (s *Snapshot) has(recid uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.saved[recid]
	return ok
}

func (s *Snapshot) save(recid uint64, v saved) {
	s.mu.Lock()
	if _, ok := s.saved[recid]; !ok && !s.closed {
		s.saved[recid] = v
	}
	s.mu.Unlock()
}

func (s *Snapshot) lookup(recid uint64) (saved, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return saved{}, false, engine.ErrClosed
	}
	v, ok := s.saved[recid]
	return v, ok, nil
}

// drop discards the saved values and marks the view closed.
func (s *Snapshot) drop() {
	s.mu.Lock()
	s.closed = true
	s.saved = nil
	s.mu.Unlock()
}

func (s *Snapshot) reject() error {
	if s.IsClosed() {
		return engine.ErrClosed
	}
	return engine.ErrReadOnly
}

func (s *Snapshot) Get(recid uint64, ser serializer.Serializer) (any, error) {
	inner, err := s.parent.Inner()
	if err != nil {
		return nil, err
	}
	s.parent.locks.RLock(recid)
	defer s.parent.locks.RUnlock(recid)
	v, ok, err := s.lookup(recid)
	if err != nil {
		return nil, err
	}
	if ok {
		return v.value, nil
	}
	return inner.Get(recid, ser)
}

func (s *Snapshot) NamedRecid(name string) (uint64, error) {
	if s.IsClosed() {
		return engine.NoRecid, engine.ErrClosed
	}
	return s.parent.NamedRecid(name)
}

func (s *Snapshot) Put(any, serializer.Serializer) (uint64, error) {
	return engine.NoRecid, s.reject()
}

func (s *Snapshot) Update(uint64, any, serializer.Serializer) error {
	return s.reject()
}

func (s *Snapshot) CompareAndSwap(uint64, any, any, serializer.Serializer) (bool, error) {
	return false, s.reject()
}

func (s *Snapshot) Delete(uint64, serializer.Serializer) error {
	return s.reject()
}

func (s *Snapshot) SetNamedRecid(string, uint64) error {
	return s.reject()
}

func (s *Snapshot) Commit() error {
	return s.reject()
}

func (s *Snapshot) Rollback() error {
	return s.reject()
}

// Close discards the view. The parent engine stays open.
func (s *Snapshot) Close() error {
	if s.IsClosed() {
		return nil
	}
	s.parent.release(s)
	s.drop()
	return nil
}

func (s *Snapshot) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.parent.IsClosed()
}

func (s *Snapshot) IsReadOnly() bool { return true }

func (s *Snapshot) CanRollback() bool { return false }

func (s *Snapshot) Snapshot() (engine.Engine, error) {
	return nil, engine.ErrUnsupported
}

func (s *Snapshot) ClearCache() {}
